// Package main is the entry point for the bastion CLI.
package main

import (
	"os"

	"github.com/stackmesh/bastion/cmd/bastion/app"
	"github.com/stackmesh/bastion/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
