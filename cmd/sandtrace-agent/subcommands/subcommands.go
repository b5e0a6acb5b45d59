// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present The sandtrace authors.

// Package subcommands enumerates the stage subcommands of sandtrace-agent.
package subcommands

import (
	"github.com/sandtrace/agent/cmd/sandtrace-agent/command"
	cmdauditfilter "github.com/sandtrace/agent/cmd/sandtrace-agent/subcommands/auditfilter"
	cmddetect "github.com/sandtrace/agent/cmd/sandtrace-agent/subcommands/detect"
	cmdebpffilter "github.com/sandtrace/agent/cmd/sandtrace-agent/subcommands/ebpffilter"
	cmdnetsummary "github.com/sandtrace/agent/cmd/sandtrace-agent/subcommands/netsummary"
	cmdtimeline "github.com/sandtrace/agent/cmd/sandtrace-agent/subcommands/timeline"
)

// SandtraceAgentSubcommands returns the stage subcommand factories, in the
// order of the pipeline.
func SandtraceAgentSubcommands() []command.SubcommandFactory {
	return []command.SubcommandFactory{
		cmdauditfilter.Commands,
		cmdebpffilter.Commands,
		cmdnetsummary.Commands,
		cmdtimeline.Commands,
		cmddetect.Commands,
	}
}
