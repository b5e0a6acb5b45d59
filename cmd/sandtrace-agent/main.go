// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present The sandtrace authors.

// Main package of the sandtrace agent: one binary, one subcommand per
// pipeline stage.
package main

import (
	"os"

	"github.com/sandtrace/agent/cmd/sandtrace-agent/command"
	"github.com/sandtrace/agent/cmd/sandtrace-agent/subcommands"
	"github.com/sandtrace/agent/pkg/util/log"
)

func main() {
	rootCmd := command.MakeCommand(subcommands.SandtraceAgentSubcommands())
	err := rootCmd.Execute()
	log.Flush()
	os.Exit(command.ExitCode(err))
}
