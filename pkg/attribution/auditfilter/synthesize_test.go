// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present The sandtrace authors.

package auditfilter

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandtrace/agent/pkg/attribution/event"
	"github.com/sandtrace/agent/pkg/attribution/ownership"
	"github.com/sandtrace/agent/pkg/attribution/runindex"
)

const (
	testAgentUID = 1001
	sessionsDir  = "/run/sessions"
	jobsDir      = "/run/jobs"
)

func testConfig() *Config {
	cfg := &Config{}
	cfg.AgentOwnership.UID = testAgentUID
	cfg.AgentOwnership.RootComm = []string{"codex"}
	cfg.Exec.IncludeKeys = []string{"exec"}
	cfg.Exec.ShellComm = []string{"bash", "sh"}
	cfg.Exec.ShellCmdFlag = "-c"
	cfg.FS.IncludeKeys = []string{"fs"}
	cfg.FS.MetaKeys = []string{"fsmeta"}
	cfg.Linking.AttachCmdToFS = true
	return cfg
}

func testSynthesizer(t *testing.T, cfg *Config) (*Synthesizer, *ownership.State) {
	t.Helper()
	fs := afero.NewMemMapFs()
	meta, err := json.Marshal(map[string]interface{}{
		"session_id": "s1",
		"started_at": "2025-08-26T10:00:00.000Z",
	})
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, filepath.Join(sessionsDir, "s1", "meta.json"), meta, 0o644))

	ix := runindex.New(sessionsDir, jobsDir, time.Second, runindex.WithFs(fs))
	ix.ForceRefresh()
	state := ownership.NewState(testAgentUID, []string{"codex"}, 0)
	return NewSynthesizer(cfg, state, ix), state
}

func group(t *testing.T, lines ...string) []*Record {
	t.Helper()
	records := make([]*Record, 0, len(lines))
	for _, line := range lines {
		rec := ParseRecord(line)
		require.NotNil(t, rec, "line %q", line)
		records = append(records, rec)
	}
	return records
}

func TestSynthesizeExecParentInheritance(t *testing.T) {
	synth, _ := testSynthesizer(t, testConfig())

	// Root process enters via the agent UID gate.
	row := synth.Synthesize(group(t,
		`type=SYSCALL msg=audit(1756202460.000:1): success=yes exit=0 pid=100 ppid=1 uid=1001 gid=1001 ses=7 comm="codex" exe="/usr/bin/codex" key="exec"`,
		`type=EXECVE msg=audit(1756202460.000:1): argc=1 a0="codex"`,
	))
	require.NotNil(t, row)
	assert.Equal(t, "s1", row.SessionID)
	assert.True(t, row.AgentOwned)

	// Child shell: cmd is the payload after -c, ownership inherited.
	row = synth.Synthesize(group(t,
		`type=SYSCALL msg=audit(1756202461.000:2): success=yes exit=0 pid=101 ppid=100 uid=1001 gid=1001 ses=7 comm="bash" exe="/usr/bin/bash" key="exec"`,
		`type=EXECVE msg=audit(1756202461.000:2): argc=3 a0="bash" a1="-lc" a2="pwd"`,
	))
	require.NotNil(t, row)
	assert.Equal(t, event.TypeExec, row.EventType)
	assert.Equal(t, 101, row.PID)
	assert.Equal(t, 100, row.PPID)
	assert.Equal(t, "pwd", row.Cmd)
	assert.Equal(t, []string{"bash", "-lc", "pwd"}, row.Argv)
	assert.Equal(t, "s1", row.SessionID)
}

func TestSynthesizeExecUnownedIsDropped(t *testing.T) {
	synth, _ := testSynthesizer(t, testConfig())

	row := synth.Synthesize(group(t,
		`type=SYSCALL msg=audit(1756202460.000:1): success=yes exit=0 pid=500 ppid=1 uid=0 gid=0 ses=2 comm="cron" exe="/usr/sbin/cron" key="exec"`,
		`type=EXECVE msg=audit(1756202460.000:1): argc=1 a0="cron"`,
	))
	assert.Nil(t, row)
}

func TestSynthesizeFailedExecAlwaysEmitted(t *testing.T) {
	synth, _ := testSynthesizer(t, testConfig())

	// Unowned PID, but the exec failed; the attempt itself is emitted.
	row := synth.Synthesize(group(t,
		`type=SYSCALL msg=audit(1756202460.000:9): success=no exit=-13 pid=600 ppid=1 uid=0 gid=0 ses=2 comm="sh" exe="/bin/sh" key="exec"`,
		`type=EXECVE msg=audit(1756202460.000:9): argc=2 a0="sh" a1="/root/secret.sh"`,
		`type=PATH msg=audit(1756202460.000:9): item=0 name="/root/secret.sh" nametype=NORMAL`,
	))
	require.NotNil(t, row)
	require.NotNil(t, row.ExecSuccess)
	assert.False(t, *row.ExecSuccess)
	require.NotNil(t, row.ExecExit)
	assert.Equal(t, -13, *row.ExecExit)
	assert.Equal(t, "EACCES", row.ExecErrnoName)
	assert.Equal(t, "/root/secret.sh", row.ExecAttemptedPath)
	assert.Equal(t, event.SessionUnknown, row.SessionID)
}

func TestSynthesizeExecHelperExcluded(t *testing.T) {
	cfg := testConfig()
	cfg.Exec.HelperExcludeComm = []string{"sed"}
	cfg.Exec.HelperExcludeArgvPrefix = []string{"git rev-parse"}
	synth, _ := testSynthesizer(t, cfg)

	// Seed ownership.
	require.NotNil(t, synth.Synthesize(group(t,
		`type=SYSCALL msg=audit(1756202460.000:1): success=yes exit=0 pid=100 ppid=1 uid=1001 gid=1001 ses=7 comm="codex" exe="/usr/bin/codex" key="exec"`,
		`type=EXECVE msg=audit(1756202460.000:1): argc=1 a0="codex"`,
	)))

	assert.Nil(t, synth.Synthesize(group(t,
		`type=SYSCALL msg=audit(1756202461.000:2): success=yes exit=0 pid=101 ppid=100 uid=1001 gid=1001 ses=7 comm="sed" exe="/usr/bin/sed" key="exec"`,
		`type=EXECVE msg=audit(1756202461.000:2): argc=2 a0="sed" a1="s/a/b/"`,
	)))
	assert.Nil(t, synth.Synthesize(group(t,
		`type=SYSCALL msg=audit(1756202462.000:3): success=yes exit=0 pid=102 ppid=100 uid=1001 gid=1001 ses=7 comm="git" exe="/usr/bin/git" key="exec"`,
		`type=EXECVE msg=audit(1756202462.000:3): argc=2 a0="git" a1="rev-parse" a2="HEAD"`,
	)))
}

func TestSynthesizeFSCreateViaAncestry(t *testing.T) {
	synth, _ := testSynthesizer(t, testConfig())

	// 700 owned via UID gate, 701 inherits, then 702 creates a file before
	// its own exec is seen.
	require.NotNil(t, synth.Synthesize(group(t,
		`type=SYSCALL msg=audit(1756202460.000:1): success=yes exit=0 pid=700 ppid=1 uid=1001 gid=1001 ses=7 comm="codex" exe="/usr/bin/codex" key="exec"`,
		`type=EXECVE msg=audit(1756202460.000:1): argc=1 a0="codex"`,
	)))
	require.NotNil(t, synth.Synthesize(group(t,
		`type=SYSCALL msg=audit(1756202461.000:2): success=yes exit=0 pid=701 ppid=700 uid=1001 gid=1001 ses=7 comm="bash" exe="/usr/bin/bash" key="exec"`,
		`type=EXECVE msg=audit(1756202461.000:2): argc=3 a0="bash" a1="-c" a2="touch /work/race.txt"`,
	)))

	row := synth.Synthesize(group(t,
		`type=SYSCALL msg=audit(1756202462.000:3): success=yes exit=0 pid=702 ppid=701 uid=1001 gid=1001 ses=7 comm="touch" exe="/usr/bin/touch" key="fs"`,
		`type=PATH msg=audit(1756202462.000:3): item=0 name="/work" nametype=PARENT`,
		`type=PATH msg=audit(1756202462.000:3): item=1 name="/work/race.txt" nametype=CREATE`,
	))
	require.NotNil(t, row)
	assert.Equal(t, event.TypeFsCreate, row.EventType)
	assert.Equal(t, "/work/race.txt", row.Path)
	assert.Equal(t, 702, row.PID)
	assert.Equal(t, "s1", row.SessionID)
	// 702 never exec'd, so there is no cmd to attach.
	assert.Empty(t, row.Cmd)

	// The shell's own fs event carries its last exec cmd.
	row = synth.Synthesize(group(t,
		`type=SYSCALL msg=audit(1756202463.000:4): success=yes exit=0 pid=701 ppid=700 uid=1001 gid=1001 ses=7 comm="bash" exe="/usr/bin/bash" key="fs"`,
		`type=PATH msg=audit(1756202463.000:4): item=0 name="/work/log.txt" nametype=CREATE`,
	))
	require.NotNil(t, row)
	assert.Equal(t, "touch /work/race.txt", row.Cmd)
}

func TestSynthesizeFSEventTypes(t *testing.T) {
	synth, _ := testSynthesizer(t, testConfig())
	require.NotNil(t, synth.Synthesize(group(t,
		`type=SYSCALL msg=audit(1756202460.000:1): success=yes exit=0 pid=800 ppid=1 uid=1001 gid=1001 ses=7 comm="codex" exe="/usr/bin/codex" key="exec"`,
		`type=EXECVE msg=audit(1756202460.000:1): argc=1 a0="codex"`,
	)))

	cases := []struct {
		name      string
		lines     []string
		eventType string
		path      string
	}{
		{
			name: "rename",
			lines: []string{
				`type=SYSCALL msg=audit(1756202461.000:2): success=yes exit=0 pid=800 ppid=1 uid=1001 gid=1001 ses=7 comm="mv" exe="/usr/bin/mv" key="fs"`,
				`type=PATH msg=audit(1756202461.000:2): item=0 name="/work/old.txt" nametype=DELETE`,
				`type=PATH msg=audit(1756202461.000:2): item=1 name="/work/new.txt" nametype=CREATE`,
			},
			eventType: event.TypeFsRename,
			path:      "/work/new.txt",
		},
		{
			name: "unlink",
			lines: []string{
				`type=SYSCALL msg=audit(1756202462.000:3): success=yes exit=0 pid=800 ppid=1 uid=1001 gid=1001 ses=7 comm="rm" exe="/usr/bin/rm" key="fs"`,
				`type=PATH msg=audit(1756202462.000:3): item=0 name="/work/gone.txt" nametype=DELETE`,
			},
			eventType: event.TypeFsUnlink,
			path:      "/work/gone.txt",
		},
		{
			name: "write",
			lines: []string{
				`type=SYSCALL msg=audit(1756202463.000:4): success=yes exit=0 pid=800 ppid=1 uid=1001 gid=1001 ses=7 comm="tee" exe="/usr/bin/tee" key="fs"`,
				`type=PATH msg=audit(1756202463.000:4): item=0 name="/work/out.txt" nametype=NORMAL`,
			},
			eventType: event.TypeFsWrite,
			path:      "/work/out.txt",
		},
		{
			name: "meta",
			lines: []string{
				`type=SYSCALL msg=audit(1756202464.000:5): success=yes exit=0 pid=800 ppid=1 uid=1001 gid=1001 ses=7 comm="chmod" exe="/usr/bin/chmod" key="fsmeta"`,
				`type=PATH msg=audit(1756202464.000:5): item=0 name="/work/out.txt" nametype=NORMAL`,
			},
			eventType: event.TypeFsMeta,
			path:      "/work/out.txt",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			row := synth.Synthesize(group(t, tc.lines...))
			require.NotNil(t, row)
			assert.Equal(t, tc.eventType, row.EventType)
			assert.Equal(t, tc.path, row.Path)
		})
	}
}

func TestSynthesizeFSPathPrefixFilter(t *testing.T) {
	cfg := testConfig()
	cfg.FS.IncludePathsPrefix = []string{"/work/"}
	synth, _ := testSynthesizer(t, cfg)
	require.NotNil(t, synth.Synthesize(group(t,
		`type=SYSCALL msg=audit(1756202460.000:1): success=yes exit=0 pid=800 ppid=1 uid=1001 gid=1001 ses=7 comm="codex" exe="/usr/bin/codex" key="exec"`,
		`type=EXECVE msg=audit(1756202460.000:1): argc=1 a0="codex"`,
	)))

	assert.Nil(t, synth.Synthesize(group(t,
		`type=SYSCALL msg=audit(1756202461.000:2): success=yes exit=0 pid=800 ppid=1 uid=1001 gid=1001 ses=7 comm="tee" exe="/usr/bin/tee" key="fs"`,
		`type=PATH msg=audit(1756202461.000:2): item=0 name="/tmp/out.txt" nametype=NORMAL`,
	)))
}

func TestSynthesizeSkipsNullKeys(t *testing.T) {
	synth, _ := testSynthesizer(t, testConfig())

	assert.Nil(t, synth.Synthesize(group(t,
		`type=SYSCALL msg=audit(1756202460.000:1): success=yes exit=0 pid=100 ppid=1 uid=1001 gid=1001 ses=7 comm="codex" exe="/usr/bin/codex" key=(null)`,
	)))
	assert.Nil(t, synth.Synthesize(group(t,
		`type=EXECVE msg=audit(1756202460.000:2): argc=1 a0="codex"`,
	)))
}
