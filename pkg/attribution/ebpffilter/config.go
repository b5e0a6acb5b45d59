// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present The sandtrace authors.

package ebpffilter

import (
	"errors"

	"github.com/hashicorp/go-multierror"
)

// Pending buffer defaults, applied when the config enables the buffer but
// leaves the knobs unset.
const (
	DefaultPendingTTLSec    = 5.0
	DefaultPendingMaxPerPid = 64
	DefaultPendingMaxTotal  = 4096
)

// Config is the eBPF filter stage configuration.
type Config struct {
	Input struct {
		AuditLog string `yaml:"audit_log" json:"audit_log"`
		EBPFLog  string `yaml:"ebpf_log" json:"ebpf_log"`
	} `yaml:"input" json:"input"`
	Output struct {
		JSONL string `yaml:"jsonl" json:"jsonl"`
	} `yaml:"output" json:"output"`

	SessionsDir string  `yaml:"sessions_dir" json:"sessions_dir"`
	JobsDir     string  `yaml:"jobs_dir" json:"jobs_dir"`
	RefreshSec  float64 `yaml:"refresh_sec" json:"refresh_sec"`

	Ownership struct {
		UID       int      `yaml:"uid" json:"uid"`
		RootComm  []string `yaml:"root_comm" json:"root_comm"`
		PidTTLSec float64  `yaml:"pid_ttl_sec" json:"pid_ttl_sec"`
		ExecKeys  []string `yaml:"exec_keys" json:"exec_keys"`
		// ResweepSec re-runs the audit ownership sweep on this cadence in
		// follow mode. Zero keeps the single startup sweep.
		ResweepSec float64 `yaml:"resweep_sec" json:"resweep_sec"`
	} `yaml:"ownership" json:"ownership"`

	Exec struct {
		ShellComm    []string `yaml:"shell_comm" json:"shell_comm"`
		ShellCmdFlag string   `yaml:"shell_cmd_flag" json:"shell_cmd_flag"`
	} `yaml:"exec" json:"exec"`

	Include struct {
		EventTypes []string `yaml:"event_types" json:"event_types"`
	} `yaml:"include" json:"include"`

	Exclude struct {
		Comm        []string `yaml:"comm" json:"comm"`
		UnixPaths   []string `yaml:"unix_paths" json:"unix_paths"`
		NetDstPorts []int    `yaml:"net_dst_ports" json:"net_dst_ports"`
		NetDstIPs   []string `yaml:"net_dst_ips" json:"net_dst_ips"`
	} `yaml:"exclude" json:"exclude"`

	Linking struct {
		AttachCmdToNet bool `yaml:"attach_cmd_to_net" json:"attach_cmd_to_net"`
	} `yaml:"linking" json:"linking"`

	PendingBuffer struct {
		Enabled   bool    `yaml:"enabled" json:"enabled"`
		TTLSec    float64 `yaml:"ttl_sec" json:"ttl_sec"`
		MaxPerPid int     `yaml:"max_per_pid" json:"max_per_pid"`
		MaxTotal  int     `yaml:"max_total" json:"max_total"`
	} `yaml:"pending_buffer" json:"pending_buffer"`
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs *multierror.Error
	if c.Input.EBPFLog == "" {
		errs = multierror.Append(errs, errors.New("input.ebpf_log is required"))
	}
	if c.Output.JSONL == "" {
		errs = multierror.Append(errs, errors.New("output.jsonl is required"))
	}
	if len(c.Include.EventTypes) == 0 {
		errs = multierror.Append(errs, errors.New("include.event_types is required"))
	}
	if c.PendingBuffer.Enabled {
		if c.PendingBuffer.MaxPerPid < 0 || c.PendingBuffer.MaxTotal < 0 {
			errs = multierror.Append(errs, errors.New("pending_buffer caps must not be negative"))
		}
	}
	return errs.ErrorOrNil()
}

func (c *Config) pendingTTLSec() float64 {
	if c.PendingBuffer.TTLSec > 0 {
		return c.PendingBuffer.TTLSec
	}
	return DefaultPendingTTLSec
}

func (c *Config) pendingMaxPerPid() int {
	if c.PendingBuffer.MaxPerPid > 0 {
		return c.PendingBuffer.MaxPerPid
	}
	return DefaultPendingMaxPerPid
}

func (c *Config) pendingMaxTotal() int {
	if c.PendingBuffer.MaxTotal > 0 {
		return c.PendingBuffer.MaxTotal
	}
	return DefaultPendingMaxTotal
}
