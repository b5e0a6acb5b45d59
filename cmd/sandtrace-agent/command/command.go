// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present The sandtrace authors.

// Package command holds the factory of the sandtrace-agent root command and
// the helpers shared by its subcommands.
package command

import (
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sandtrace/agent/pkg/attribution/config"
	"github.com/sandtrace/agent/pkg/util/log"
	"github.com/sandtrace/agent/pkg/version"
)

// GlobalParams carries the flags shared by every subcommand.
type GlobalParams struct {
	// LogLevel is the seelog level of the stderr logger.
	LogLevel string
}

// FollowParams carries the flags of the stream-processing subcommands.
type FollowParams struct {
	ConfigPath   string
	Follow       bool
	PollInterval float64
}

// Register binds the stream-processing flags to cmd.
func (p *FollowParams) Register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&p.ConfigPath, "config", "c", "", "path to the stage configuration file")
	cmd.Flags().BoolVarP(&p.Follow, "follow", "f", false, "keep reading the input as it grows")
	cmd.Flags().Float64Var(&p.PollInterval, "poll-interval", 0.5, "seconds to sleep on EOF in follow mode")
	_ = cmd.MarkFlagRequired("config")
}

// Interval converts the poll-interval flag to a duration.
func (p *FollowParams) Interval() time.Duration {
	return config.Duration(p.PollInterval)
}

// BatchParams carries the flags of the batch-only subcommands.
type BatchParams struct {
	ConfigPath string
}

// Register binds the batch flags to cmd.
func (p *BatchParams) Register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&p.ConfigPath, "config", "c", "", "path to the stage configuration file")
	_ = cmd.MarkFlagRequired("config")
}

// SubcommandFactory builds the subcommands of one stage.
type SubcommandFactory func(globalParams *GlobalParams) []*cobra.Command

// MakeCommand assembles the root command from the stage factories.
func MakeCommand(factories []SubcommandFactory) *cobra.Command {
	globalParams := &GlobalParams{}

	rootCmd := &cobra.Command{
		Use:          "sandtrace-agent [command]",
		Short:        "Sandbox activity collector",
		Long:         `The sandtrace agent filters, attributes and summarizes the audit and eBPF activity of sandboxed runs.`,
		Version:      version.AgentVersion,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return log.SetupConsoleLogger(globalParams.LogLevel)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&globalParams.LogLevel, "log-level", "l", "info", "log level (trace, debug, info, warn, error)")

	for _, factory := range factories {
		for _, cmd := range factory(globalParams) {
			rootCmd.AddCommand(cmd)
		}
	}
	return rootCmd
}

// StopOnSignal returns a channel closed on SIGINT or SIGTERM, used to end
// follow mode cleanly.
func StopOnSignal() <-chan struct{} {
	stop := make(chan struct{})
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Infof("received %s, stopping", sig)
		close(stop)
	}()
	return stop
}

// ExitCode maps a command error to the process exit code: 2 for a missing
// configuration or policy file, 1 for anything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, config.ErrNotFound) {
		return 2
	}
	return 1
}
