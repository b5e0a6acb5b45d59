// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present The sandtrace authors.

package ebpffilter

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandtrace/agent/pkg/attribution/event"
	"github.com/sandtrace/agent/pkg/attribution/runindex"
	"github.com/sandtrace/agent/pkg/attribution/tailer"
)

const (
	sessionsDir = "/run/sessions"
	jobsDir     = "/run/jobs"
)

func testFilter(t *testing.T) (*Filter, *runindex.Index) {
	t.Helper()

	mem := afero.NewMemMapFs()
	meta, err := json.Marshal(map[string]interface{}{
		"job_id":     "j1",
		"started_at": "2026-08-26T10:00:00.000Z",
		"root_pid":   222,
	})
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(mem, filepath.Join(jobsDir, "j1", "input.json"), meta, 0o644))

	ix := runindex.New(sessionsDir, jobsDir, time.Second, runindex.WithFs(mem))
	ix.ForceRefresh()

	cfg := &Config{}
	cfg.Input.EBPFLog = "/dev/null"
	cfg.Output.JSONL = "/dev/null"
	cfg.Include.EventTypes = []string{"net_connect", "net_send", "dns_response", "unix_connect"}
	cfg.Exclude.Comm = []string{"sshd"}
	cfg.Exclude.NetDstPorts = []int{123}
	cfg.Exclude.NetDstIPs = []string{"169.254.169.254"}
	cfg.Exclude.UnixPaths = []string{"/var/run/nscd/socket"}
	cfg.Linking.AttachCmdToNet = true
	cfg.PendingBuffer.Enabled = true

	f, err := New(cfg, WithIndex(ix))
	require.NoError(t, err)
	return f, ix
}

func testWriter(t *testing.T) (*tailer.Writer, string) {
	t.Helper()
	out := filepath.Join(t.TempDir(), "filtered_ebpf.jsonl")
	writer, err := tailer.NewWriter(out, false)
	require.NoError(t, err)
	return writer, out
}

func readRows(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rows []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var row map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &row))
		rows = append(rows, row)
	}
	return rows
}

func netEvent(ts string, pid int, eventType, dstIP string, dstPort int, bytes int64) *RawEvent {
	payload, _ := json.Marshal(map[string]interface{}{
		"proto": "tcp", "dst_ip": dstIP, "dst_port": dstPort, "bytes": bytes,
	})
	return &RawEvent{
		TS:        ts,
		EventType: eventType,
		PID:       pid,
		PPID:      1,
		UID:       1001,
		GID:       1001,
		Comm:      "curl",
		Exe:       "/usr/bin/curl",
		Net:       payload,
	}
}

func markOwned(t *testing.T, f *Filter, ix *runindex.Index, pid int, ts string) {
	t.Helper()
	parsed, err := event.ParseTS(ts)
	require.NoError(t, err)
	require.True(t, f.state.MarkOwned(pid, 1, 0, "python", 0, parsed, ix))
}

func TestPendingBacklogFlushedOnOwnership(t *testing.T) {
	f, ix := testFilter(t)
	writer, out := testWriter(t)

	// Two events arrive before the PID's exec record has been seen.
	require.NoError(t, f.processEvent(writer, netEvent("2026-08-26T10:00:01.000Z", 222, "net_connect", "1.2.3.4", 443, 0)))
	require.NoError(t, f.processEvent(writer, netEvent("2026-08-26T10:00:01.100Z", 222, "net_send", "1.2.3.4", 443, 10)))
	assert.Equal(t, 2, f.pending.Len())

	// The audit sweep catches up and the next event flushes the backlog.
	markOwned(t, f, ix, 222, "2026-08-26T10:00:01.200Z")
	f.state.SetLastExecCmd(222, "curl https://example.com")
	require.NoError(t, f.processEvent(writer, netEvent("2026-08-26T10:00:01.300Z", 222, "net_send", "1.2.3.4", 443, 5)))
	require.NoError(t, writer.Commit())

	rows := readRows(t, out)
	require.Len(t, rows, 3)
	assert.Equal(t, "net_connect", rows[0]["event_type"])
	assert.Equal(t, "net_send", rows[1]["event_type"])
	assert.Equal(t, "net_send", rows[2]["event_type"])
	for _, row := range rows {
		assert.Equal(t, "ebpf.filtered.v1", row["schema_version"])
		assert.Equal(t, "unknown", row["session_id"])
		assert.Equal(t, "j1", row["job_id"])
		assert.Equal(t, "ebpf", row["source"])
		assert.Equal(t, true, row["agent_owned"])
		assert.Equal(t, "curl https://example.com", row["cmd"])
	}
	assert.Equal(t, "2026-08-26T10:00:01.000Z", rows[0]["ts"])
}

func TestExpiredPendingFlushedUnattributed(t *testing.T) {
	f, _ := testFilter(t)
	writer, out := testWriter(t)

	// The PID never becomes owned; its buffered event outlives the TTL when
	// a later event moves the buffer's event clock forward.
	require.NoError(t, f.processEvent(writer, netEvent("2026-08-26T10:00:01.000Z", 42, "net_connect", "1.2.3.4", 443, 0)))
	assert.Equal(t, 1, f.pending.Len())
	require.NoError(t, f.processEvent(writer, netEvent("2026-08-26T10:00:11.000Z", 43, "net_connect", "5.6.7.8", 443, 0)))
	require.NoError(t, writer.Commit())

	rows := readRows(t, out)
	require.Len(t, rows, 1)
	assert.Equal(t, float64(42), rows[0]["pid"])
	assert.Equal(t, "unknown", rows[0]["session_id"])
	assert.Equal(t, "2026-08-26T10:00:01.000Z", rows[0]["ts"])
	assert.NotContains(t, rows[0], "job_id")
	assert.NotContains(t, rows[0], "agent_owned")
	assert.NotContains(t, rows[0], "cmd")

	// The newer event is still waiting on ownership.
	assert.Equal(t, 1, f.pending.Len())
}

func TestUnownedWithoutBufferIsDropped(t *testing.T) {
	f, _ := testFilter(t)
	f.pending = nil
	writer, out := testWriter(t)

	require.NoError(t, f.processEvent(writer, netEvent("2026-08-26T10:00:01.000Z", 555, "net_connect", "1.2.3.4", 443, 0)))
	require.NoError(t, writer.Commit())
	assert.Empty(t, readRows(t, out))
}

func TestIncludeAndExcludeGates(t *testing.T) {
	f, ix := testFilter(t)
	writer, out := testWriter(t)
	markOwned(t, f, ix, 222, "2026-08-26T10:00:00.500Z")

	// Event type not included.
	dropped := netEvent("2026-08-26T10:00:01.000Z", 222, "net_recv", "1.2.3.4", 443, 0)
	require.NoError(t, f.processEvent(writer, dropped))

	// Unparseable ts.
	bad := netEvent("not-a-ts", 222, "net_connect", "1.2.3.4", 443, 0)
	require.NoError(t, f.processEvent(writer, bad))

	// Excluded comm, port and IP.
	byComm := netEvent("2026-08-26T10:00:01.000Z", 222, "net_connect", "1.2.3.4", 443, 0)
	byComm.Comm = "sshd"
	require.NoError(t, f.processEvent(writer, byComm))
	require.NoError(t, f.processEvent(writer, netEvent("2026-08-26T10:00:01.000Z", 222, "net_connect", "1.2.3.4", 123, 0)))
	require.NoError(t, f.processEvent(writer, netEvent("2026-08-26T10:00:01.000Z", 222, "net_connect", "169.254.169.254", 80, 0)))

	// Excluded unix socket path.
	unixPayload, _ := json.Marshal(map[string]string{"path": "/var/run/nscd/socket"})
	require.NoError(t, f.processEvent(writer, &RawEvent{
		TS: "2026-08-26T10:00:01.000Z", EventType: "unix_connect", PID: 222, Unix: unixPayload,
	}))

	// A clean event still passes.
	require.NoError(t, f.processEvent(writer, netEvent("2026-08-26T10:00:02.000Z", 222, "net_connect", "8.8.4.4", 443, 0)))
	require.NoError(t, writer.Commit())

	rows := readRows(t, out)
	require.Len(t, rows, 1)
	assert.Equal(t, "net_connect", rows[0]["event_type"])
}

func TestDNSPassthroughKeepsPayload(t *testing.T) {
	f, ix := testFilter(t)
	writer, out := testWriter(t)
	markOwned(t, f, ix, 222, "2026-08-26T10:00:00.500Z")

	dnsPayload, _ := json.Marshal(map[string]interface{}{
		"query_name": "example.com",
		"answers":    []string{"1.2.3.4"},
	})
	require.NoError(t, f.processEvent(writer, &RawEvent{
		TS: "2026-08-26T10:00:01.000Z", EventType: "dns_response", PID: 222, Comm: "curl", DNS: dnsPayload,
	}))
	require.NoError(t, writer.Commit())

	rows := readRows(t, out)
	require.Len(t, rows, 1)
	dns, ok := rows[0]["dns"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "example.com", dns["query_name"])
}
