// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present The sandtrace authors.

// Package event holds the normalized row model shared by every pipeline
// stage, together with the schema version constants and the timestamp codec
// used on the wire.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Schema versions stamped on emitted rows, one per output file.
const (
	SchemaAudit    = "auditd.filtered.v1"
	SchemaEBPF     = "ebpf.filtered.v1"
	SchemaSummary  = "ebpf.summary.v1"
	SchemaTimeline = "timeline.filtered.v1"
	SchemaAlert    = "forbidden.alert.v1"
)

// SessionUnknown is the literal session_id carried by rows that could not be
// attributed to a run.
const SessionUnknown = "unknown"

// Sources of a timeline row.
const (
	SourceAudit  = "audit"
	SourceEBPF   = "ebpf"
	SourcePolicy = "policy"
)

// Event types emitted by the pipeline.
const (
	TypeExec        = "exec"
	TypeFsCreate    = "fs_create"
	TypeFsWrite     = "fs_write"
	TypeFsUnlink    = "fs_unlink"
	TypeFsRename    = "fs_rename"
	TypeFsMeta      = "fs_meta"
	TypeNetConnect  = "net_connect"
	TypeNetSend     = "net_send"
	TypeNetSummary  = "net_summary"
	TypeDNSQuery    = "dns_query"
	TypeDNSResponse = "dns_response"
	TypeUnixConnect = "unix_connect"
	TypeAlert       = "alert"
)

// tsLayout is the wire format for every emitted timestamp: RFC3339 truncated
// to millisecond precision with an explicit Z suffix.
const tsLayout = "2006-01-02T15:04:05.000Z"

// FormatTS renders an instant in the wire timestamp format.
func FormatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

// ParseTS parses a timestamp in any RFC3339 flavor (the raw eBPF stream uses
// nanosecond precision, our own outputs millisecond precision).
func ParseTS(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparseable timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// Common carries the fields shared by every filtered row. The field order
// here is the field order on the wire.
type Common struct {
	SchemaVersion string `json:"schema_version"`
	SessionID     string `json:"session_id"`
	JobID         string `json:"job_id,omitempty"`
	TS            string `json:"ts"`
	Source        string `json:"source"`
	EventType     string `json:"event_type"`
	PID           int    `json:"pid"`
	PPID          int    `json:"ppid,omitempty"`
	UID           int    `json:"uid,omitempty"`
	GID           int    `json:"gid,omitempty"`
	Comm          string `json:"comm,omitempty"`
	Exe           string `json:"exe,omitempty"`
	AgentOwned    bool   `json:"agent_owned,omitempty"`
}

// Attributed reports whether the row carries exactly one run owner.
func (c *Common) Attributed() bool {
	return (c.SessionID != SessionUnknown && c.SessionID != "") != (c.JobID != "")
}

// Unattributed reports whether the row carries no run owner at all.
func (c *Common) Unattributed() bool {
	return (c.SessionID == SessionUnknown || c.SessionID == "") && c.JobID == ""
}

// Audit is a row of filtered_audit.jsonl: one exec or filesystem event
// synthesized from a syscall group.
type Audit struct {
	Common

	AuditKey string `json:"audit_key,omitempty"`

	// exec rows
	Argv              []string `json:"argv,omitempty"`
	Cmd               string   `json:"cmd,omitempty"`
	ExecSuccess       *bool    `json:"exec_success,omitempty"`
	ExecExit          *int     `json:"exec_exit,omitempty"`
	ExecErrnoName     string   `json:"exec_errno_name,omitempty"`
	ExecAttemptedPath string   `json:"exec_attempted_path,omitempty"`

	// fs rows
	Path string `json:"path,omitempty"`
}

// EBPF is a row of filtered_ebpf.jsonl. The net/dns/unix payloads are kept
// verbatim from the producer.
type EBPF struct {
	Common

	Cmd  string          `json:"cmd,omitempty"`
	Net  json.RawMessage `json:"net,omitempty"`
	DNS  json.RawMessage `json:"dns,omitempty"`
	Unix json.RawMessage `json:"unix,omitempty"`
}

// Summary is a net_summary row of filtered_ebpf_summary.jsonl, one per
// network burst.
type Summary struct {
	Common

	Cmd            string   `json:"cmd,omitempty"`
	DstIP          string   `json:"dst_ip"`
	DstPort        int      `json:"dst_port"`
	Protocol       string   `json:"protocol,omitempty"`
	ConnectCount   int      `json:"connect_count"`
	SendCount      int      `json:"send_count"`
	BytesSentTotal int64    `json:"bytes_sent_total"`
	TSFirst        string   `json:"ts_first"`
	TSLast         string   `json:"ts_last"`
	DNSNames       []string `json:"dns_names,omitempty"`
}

// Matched records one satisfied predicate of a policy rule.
type Matched struct {
	Field   string      `json:"field"`
	Value   interface{} `json:"value"`
	Pattern string      `json:"pattern"`
}

// Alert is a row of filtered_alerts.jsonl produced by the forbidden-action
// detector.
type Alert struct {
	Common

	RuleID           string    `json:"rule_id"`
	RuleDescription  string    `json:"rule_description,omitempty"`
	Severity         string    `json:"severity"`
	Action           string    `json:"action"`
	TriggerSource    string    `json:"trigger_source"`
	TriggerEventType string    `json:"trigger_event_type"`
	TriggerSubject   string    `json:"trigger_subject,omitempty"`
	Matched          []Matched `json:"matched"`
	PolicyName       string    `json:"policy_name,omitempty"`
}
