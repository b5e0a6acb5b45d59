// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present The sandtrace authors.

package auditfilter

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandtrace/agent/pkg/attribution/config"
	"github.com/sandtrace/agent/pkg/attribution/event"
)

func batchConfig(t *testing.T) (*Config, string) {
	t.Helper()
	dir := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sessions", "s1"), 0o755))
	meta, err := json.Marshal(map[string]interface{}{
		"session_id": "s1",
		"started_at": "2025-11-16T08:00:00.000Z",
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sessions", "s1", "meta.json"), meta, 0o644))

	cfg := testConfig()
	cfg.Input.AuditLog = filepath.Join(dir, "audit.log")
	cfg.Output.JSONL = filepath.Join(dir, "filtered_audit.jsonl")
	cfg.SessionsDir = filepath.Join(dir, "sessions")
	cfg.JobsDir = filepath.Join(dir, "jobs")
	return cfg, dir
}

func TestRunBatchEndToEnd(t *testing.T) {
	cfg, _ := batchConfig(t)

	// 1763280000 is inside the session window.
	lines := []string{
		`type=SYSCALL msg=audit(1763280000.000:1): success=yes exit=0 pid=100 ppid=1 uid=1001 gid=1001 ses=7 comm="codex" exe="/usr/bin/codex" key="exec"`,
		`type=EXECVE msg=audit(1763280000.000:1): argc=1 a0="codex"`,
		`garbage line that is not audit`,
		`type=SYSCALL msg=audit(1763280001.000:2): success=yes exit=0 pid=101 ppid=100 uid=1001 gid=1001 ses=7 comm="bash" exe="/usr/bin/bash" key="exec"`,
		`type=EXECVE msg=audit(1763280001.000:2): argc=3 a0="bash" a1="-c" a2="touch /work/a.txt"`,
		`type=SYSCALL msg=audit(1763280002.000:3): success=yes exit=0 pid=101 ppid=100 uid=1001 gid=1001 ses=7 comm="touch" exe="/usr/bin/touch" key="fs"`,
		`type=PATH msg=audit(1763280002.000:3): item=0 name="/work" nametype=PARENT`,
		`type=PATH msg=audit(1763280002.000:3): item=1 name="/work/a.txt" nametype=CREATE`,
	}
	require.NoError(t, os.WriteFile(cfg.Input.AuditLog, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	f, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, f.Run(false, 0, nil))

	data, err := os.ReadFile(cfg.Output.JSONL)
	require.NoError(t, err)
	var rows []event.Audit
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var row event.Audit
		require.NoError(t, json.Unmarshal([]byte(line), &row))
		rows = append(rows, row)
	}
	require.Len(t, rows, 3)

	assert.Equal(t, event.TypeExec, rows[0].EventType)
	assert.Equal(t, 100, rows[0].PID)
	assert.Equal(t, "s1", rows[0].SessionID)
	assert.Equal(t, "2025-11-16T08:00:00.000Z", rows[0].TS)

	assert.Equal(t, event.TypeExec, rows[1].EventType)
	assert.Equal(t, "touch /work/a.txt", rows[1].Cmd)

	assert.Equal(t, event.TypeFsCreate, rows[2].EventType)
	assert.Equal(t, "/work/a.txt", rows[2].Path)
	assert.Equal(t, "touch /work/a.txt", rows[2].Cmd)
	assert.Equal(t, event.SchemaAudit, rows[2].SchemaVersion)
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit_log")
	assert.Contains(t, err.Error(), "output")
	assert.Contains(t, err.Error(), "no audit keys")

	cfg = testConfig()
	cfg.Input.AuditLog = "audit.log"
	cfg.Output.JSONL = "out.jsonl"
	cfg.Grouping.Strategy = "by_pid"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "grouping.strategy")

	cfg.Grouping.Strategy = GroupingAuditSeq
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	content := `
input:
  audit_log: /var/log/audit/audit.log
output:
  jsonl: /out/filtered_audit.jsonl
sessions_dir: /run/sessions
grouping:
  strategy: audit_seq
agent_ownership:
  uid: 1001
  root_comm: [codex]
exec:
  include_keys: [exec]
  shell_comm: [bash, sh]
  shell_cmd_flag: "-c"
fs:
  include_keys: [fs]
linking:
  attach_cmd_to_fs: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/log/audit/audit.log", cfg.Input.AuditLog)
	assert.Equal(t, 1001, cfg.AgentOwnership.UID)
	assert.Equal(t, []string{"bash", "sh"}, cfg.Exec.ShellComm)
	assert.True(t, cfg.Linking.AttachCmdToFS)
}

func TestLoadConfigMissingMapsToNotFound(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrNotFound))
}
