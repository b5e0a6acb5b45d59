// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present The sandtrace authors.

// Package detect implements the detect subcommand.
package detect

import (
	"github.com/spf13/cobra"

	"github.com/sandtrace/agent/cmd/sandtrace-agent/command"
	"github.com/sandtrace/agent/pkg/attribution/detector"
)

// Commands returns the detect subcommand.
func Commands(globalParams *command.GlobalParams) []*cobra.Command {
	params := &command.BatchParams{}

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Evaluate the forbidden-action policy over the timeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := detector.LoadConfig(params.ConfigPath)
			if err != nil {
				return err
			}
			det, err := detector.New(cfg)
			if err != nil {
				return err
			}
			return det.Run()
		},
	}
	params.Register(cmd)
	return []*cobra.Command{cmd}
}
