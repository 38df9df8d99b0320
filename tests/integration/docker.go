package integration

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"time"

	"github.com/docker/distribution/reference"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	log "github.com/sirupsen/logrus"
)

var (
	defaultTimeout = 10 * time.Second
)

// NewDockerClient returns a docker client
func NewDockerClient() (*dockerClient, error) {
	cli, err := client.NewEnvClient()
	if err != nil {
		return nil, fmt.Errorf("unable to create docker client: %w", err)
	}
	return &dockerClient{*cli}, nil
}

type dockerClient struct {
	client.Client
}

// containerSpec describes a container publishing one TCP port on loopback.
type containerSpec struct {
	image         string
	hostPort      string
	containerPort string
	env           []string
}

func (d dockerClient) runContainer(ctx context.Context, c containerSpec) (string, error) {
	imageName, err := reference.ParseNormalizedNamed(c.image)
	if err != nil {
		return "", fmt.Errorf("unable to normalize image name: %w", err)
	}
	fullName := imageName.String()

	out, err := d.ImagePull(ctx, fullName, types.ImagePullOptions{})
	if err != nil {
		return "", fmt.Errorf("unable to pull image: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(ioutil.Discard, out); err != nil {
		return "", fmt.Errorf("unable to read image pull progress: %w", err)
	}

	containerPort, err := nat.NewPort("tcp", c.containerPort)
	if err != nil {
		return "", fmt.Errorf("unable to get the port: %w", err)
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			containerPort: {{HostIP: "127.0.0.1", HostPort: c.hostPort}},
		},
	}

	created, err := d.ContainerCreate(ctx, &container.Config{Image: fullName, Env: c.env}, hostConfig, &network.NetworkingConfig{}, nil, "")
	if err != nil {
		return "", fmt.Errorf("could not create container: %w", err)
	}
	if err := d.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("unable to start the container: %w", err)
	}
	log.WithField("container", created.ID).Info("container started")
	return created.ID, nil
}

func (d dockerClient) removeContainer(ctx context.Context, id string) error {
	log.WithField("container", id).Info("container stopping")
	err := d.ContainerStop(ctx, id, &defaultTimeout)
	if err != nil {
		return fmt.Errorf("failed stopping container: %w", err)
	}
	log.WithField("container", id).Info("container stopped")

	err = d.Client.ContainerRemove(ctx, id, types.ContainerRemoveOptions{
		RemoveVolumes: true,
		// RemoveLinks=true causes "Error response from daemon: Conflict, cannot
		// remove the default name of the container"
		RemoveLinks: false,
		Force:       false,
	})
	if err != nil {
		return fmt.Errorf("failed removing container: %w", err)
	}
	log.WithField("container", id).Info("container removed")
	return nil
}

// restartContainer stops and starts the container, keeping its port bindings.
func (d dockerClient) restartContainer(ctx context.Context, id string) error {
	log.WithField("container", id).Info("container restarting")
	if err := d.ContainerRestart(ctx, id, &defaultTimeout); err != nil {
		return fmt.Errorf("failed restarting container: %w", err)
	}
	log.WithField("container", id).Info("container restarted")
	return nil
}
