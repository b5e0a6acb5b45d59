// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present The sandtrace authors.

// Package ebpffilter implements the ebpf-filter subcommand.
package ebpffilter

import (
	"github.com/spf13/cobra"

	"github.com/sandtrace/agent/cmd/sandtrace-agent/command"
	"github.com/sandtrace/agent/pkg/attribution/ebpffilter"
)

// Commands returns the ebpf-filter subcommand.
func Commands(globalParams *command.GlobalParams) []*cobra.Command {
	params := &command.FollowParams{}

	cmd := &cobra.Command{
		Use:   "ebpf-filter",
		Short: "Filter and attribute the raw eBPF event stream",
		Long:  `Keeps only the eBPF events of agent-owned processes, attributing each to its session or job.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ebpffilter.LoadConfig(params.ConfigPath)
			if err != nil {
				return err
			}
			filter, err := ebpffilter.New(cfg)
			if err != nil {
				return err
			}
			return filter.Run(params.Follow, params.Interval(), command.StopOnSignal())
		},
	}
	params.Register(cmd)
	return []*cobra.Command{cmd}
}
