// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present The sandtrace authors.

// Package netsummary implements the net-summary subcommand.
package netsummary

import (
	"github.com/spf13/cobra"

	"github.com/sandtrace/agent/cmd/sandtrace-agent/command"
	"github.com/sandtrace/agent/pkg/attribution/netsummary"
)

// Commands returns the net-summary subcommand.
func Commands(globalParams *command.GlobalParams) []*cobra.Command {
	params := &command.BatchParams{}

	cmd := &cobra.Command{
		Use:   "net-summary",
		Short: "Collapse filtered network events into per-burst summaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := netsummary.LoadConfig(params.ConfigPath)
			if err != nil {
				return err
			}
			summarizer, err := netsummary.New(cfg)
			if err != nil {
				return err
			}
			return summarizer.Run()
		},
	}
	params.Register(cmd)
	return []*cobra.Command{cmd}
}
