// Package main is the single-binary entrypoint for switchboard, the task
// ingestion, queueing and agent dispatch server.
package main

import "github.com/tutu-network/switchboard/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
