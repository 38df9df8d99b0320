package main

import (
	"os"

	"github.com/perangel/warp-gate/internal/cli"
)

func main() {
	if err := cli.WarpGateCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
