// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present The sandtrace authors.

// Package auditfilter implements the audit-filter subcommand.
package auditfilter

import (
	"github.com/spf13/cobra"

	"github.com/sandtrace/agent/cmd/sandtrace-agent/command"
	"github.com/sandtrace/agent/pkg/attribution/auditfilter"
)

// Commands returns the audit-filter subcommand.
func Commands(globalParams *command.GlobalParams) []*cobra.Command {
	params := &command.FollowParams{}

	cmd := &cobra.Command{
		Use:   "audit-filter",
		Short: "Filter and attribute the raw audit log",
		Long:  `Reduces the raw auditd stream to attributed exec and filesystem events, one JSON row per syscall group.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := auditfilter.LoadConfig(params.ConfigPath)
			if err != nil {
				return err
			}
			filter, err := auditfilter.New(cfg)
			if err != nil {
				return err
			}
			return filter.Run(params.Follow, params.Interval(), command.StopOnSignal())
		},
	}
	params.Register(cmd)
	return []*cobra.Command{cmd}
}
