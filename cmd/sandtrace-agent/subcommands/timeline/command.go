// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present The sandtrace authors.

// Package timeline implements the timeline subcommand.
package timeline

import (
	"github.com/spf13/cobra"

	"github.com/sandtrace/agent/cmd/sandtrace-agent/command"
	"github.com/sandtrace/agent/pkg/attribution/timeline"
)

// Commands returns the timeline subcommand.
func Commands(globalParams *command.GlobalParams) []*cobra.Command {
	params := &command.BatchParams{}

	cmd := &cobra.Command{
		Use:   "timeline",
		Short: "Merge the filtered streams into one ordered timeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := timeline.LoadConfig(params.ConfigPath)
			if err != nil {
				return err
			}
			merger, err := timeline.New(cfg)
			if err != nil {
				return err
			}
			return merger.Run()
		},
	}
	params.Register(cmd)
	return []*cobra.Command{cmd}
}
