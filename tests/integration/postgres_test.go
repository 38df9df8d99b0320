package integration

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx"
)

const (
	dbUser        = "test"
	dbPassword    = "test"
	dbName        = "test"
	postgresImage = "postgres:13"
)

type postgresContainer struct {
	id     string
	port   int
	docker *dockerClient
}

func (c *postgresContainer) dsn() string {
	return fmt.Sprintf("postgres://%s:%s@127.0.0.1:%d/%s?sslmode=disable", dbUser, dbPassword, c.port, dbName)
}

func (c *postgresContainer) connConfig() pgx.ConnConfig {
	return pgx.ConnConfig{
		Host:     "127.0.0.1",
		Port:     uint16(c.port),
		User:     dbUser,
		Password: dbPassword,
		Database: dbName,
	}
}

func getFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()

	return l.Addr().(*net.TCPAddr).Port, nil
}

func waitForPostgresReady(config pgx.ConnConfig) bool {
	for count := 0; count < 30; count++ {
		conn, err := pgx.Connect(config)
		if err == nil {
			conn.Close()
			return true
		}
		time.Sleep(2 * time.Second)
	}
	return false
}

func createPostgresContainer(t *testing.T, ctx context.Context) (*postgresContainer, error) {
	docker, err := NewDockerClient()
	if err != nil {
		return nil, err
	}

	hostPort, err := getFreePort()
	if err != nil {
		return nil, errors.New("could not determine a free port")
	}

	id, err := docker.runContainer(ctx, containerSpec{
		image:         postgresImage,
		hostPort:      fmt.Sprintf("%d", hostPort),
		containerPort: "5432",
		env: []string{
			fmt.Sprintf("POSTGRES_DB=%s", dbName),
			fmt.Sprintf("POSTGRES_USER=%s", dbUser),
			fmt.Sprintf("POSTGRES_PASSWORD=%s", dbPassword),
		},
	})
	if err != nil {
		return nil, err
	}

	t.Cleanup(func() {
		if err := docker.removeContainer(ctx, id); err != nil {
			t.Errorf("Could not remove container %s: %v", id, err)
		}
	})

	pc := &postgresContainer{id: id, port: hostPort, docker: docker}
	if !waitForPostgresReady(pc.connConfig()) {
		return nil, errors.New("database did not become ready in allowed time")
	}
	return pc, nil
}

func (c *postgresContainer) restart(ctx context.Context) error {
	if err := c.docker.restartContainer(ctx, c.id); err != nil {
		return err
	}
	if !waitForPostgresReady(c.connConfig()) {
		return errors.New("database did not become ready after restart")
	}
	return nil
}
