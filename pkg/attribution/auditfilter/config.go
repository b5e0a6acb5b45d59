// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present The sandtrace authors.

package auditfilter

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// GroupingAuditSeq is the only supported grouping strategy: records sharing
// an audit sequence number form one syscall group.
const GroupingAuditSeq = "audit_seq"

// Config is the audit filter stage configuration.
type Config struct {
	Input struct {
		AuditLog string `yaml:"audit_log" json:"audit_log"`
	} `yaml:"input" json:"input"`
	Output struct {
		JSONL string `yaml:"jsonl" json:"jsonl"`
	} `yaml:"output" json:"output"`

	SessionsDir string  `yaml:"sessions_dir" json:"sessions_dir"`
	JobsDir     string  `yaml:"jobs_dir" json:"jobs_dir"`
	RefreshSec  float64 `yaml:"refresh_sec" json:"refresh_sec"`

	Grouping struct {
		Strategy string `yaml:"strategy" json:"strategy"`
		// FlushSec is the idle interval after which a follow-mode group is
		// emitted even though its sequence has not changed.
		FlushSec float64 `yaml:"flush_sec" json:"flush_sec"`
	} `yaml:"grouping" json:"grouping"`

	AgentOwnership struct {
		UID       int      `yaml:"uid" json:"uid"`
		RootComm  []string `yaml:"root_comm" json:"root_comm"`
		PidTTLSec float64  `yaml:"pid_ttl_sec" json:"pid_ttl_sec"`
	} `yaml:"agent_ownership" json:"agent_ownership"`

	Exec struct {
		IncludeKeys             []string `yaml:"include_keys" json:"include_keys"`
		ShellComm               []string `yaml:"shell_comm" json:"shell_comm"`
		ShellCmdFlag            string   `yaml:"shell_cmd_flag" json:"shell_cmd_flag"`
		HelperExcludeComm       []string `yaml:"helper_exclude_comm" json:"helper_exclude_comm"`
		HelperExcludeArgvPrefix []string `yaml:"helper_exclude_argv_prefix" json:"helper_exclude_argv_prefix"`
	} `yaml:"exec" json:"exec"`

	FS struct {
		IncludeKeys        []string `yaml:"include_keys" json:"include_keys"`
		MetaKeys           []string `yaml:"meta_keys" json:"meta_keys"`
		IncludePathsPrefix []string `yaml:"include_paths_prefix" json:"include_paths_prefix"`
	} `yaml:"fs" json:"fs"`

	Linking struct {
		AttachCmdToFS bool `yaml:"attach_cmd_to_fs" json:"attach_cmd_to_fs"`
	} `yaml:"linking" json:"linking"`
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs *multierror.Error
	if c.Input.AuditLog == "" {
		errs = multierror.Append(errs, errors.New("input.audit_log is required"))
	}
	if c.Output.JSONL == "" {
		errs = multierror.Append(errs, errors.New("output.jsonl is required"))
	}
	if c.Grouping.Strategy != "" && c.Grouping.Strategy != GroupingAuditSeq {
		errs = multierror.Append(errs, fmt.Errorf("grouping.strategy %q is not supported", c.Grouping.Strategy))
	}
	if len(c.Exec.IncludeKeys) == 0 && len(c.FS.IncludeKeys) == 0 && len(c.FS.MetaKeys) == 0 {
		errs = multierror.Append(errs, errors.New("no audit keys configured, nothing would be emitted"))
	}
	return errs.ErrorOrNil()
}
