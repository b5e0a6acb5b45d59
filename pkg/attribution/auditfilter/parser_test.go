// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present The sandtrace authors.

package auditfilter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRecordSyscall(t *testing.T) {
	line := `type=SYSCALL msg=audit(1700000000.123:42): arch=c000003e syscall=59 success=yes exit=0 pid=101 ppid=100 uid=1001 gid=1001 ses=7 comm="bash" exe="/usr/bin/bash" key="exec"`

	rec := ParseRecord(line)
	require.NotNil(t, rec)

	assert.Equal(t, "SYSCALL", rec.Type)
	assert.Equal(t, uint64(42), rec.Seq)
	assert.Equal(t, time.Unix(1700000000, 123000*int64(time.Microsecond)).UTC(), rec.TS)
	assert.Equal(t, 101, rec.IntField("pid"))
	assert.Equal(t, 100, rec.IntField("ppid"))
	assert.Equal(t, "bash", rec.Fields["comm"])
	assert.Equal(t, "/usr/bin/bash", rec.Fields["exe"])
	assert.Equal(t, "exec", rec.Fields["key"])
	assert.Equal(t, "yes", rec.Fields["success"])
}

func TestParseRecordQuotedSpaces(t *testing.T) {
	line := `type=EXECVE msg=audit(1700000000.500:43): argc=3 a0="sh" a1="-c" a2="echo hello world"`

	rec := ParseRecord(line)
	require.NotNil(t, rec)
	assert.Equal(t, "echo hello world", rec.Fields["a2"])
}

func TestParseRecordUnbalancedQuoteFallsBack(t *testing.T) {
	// An unbalanced quote degrades to whitespace splitting; the typed fields
	// before it still parse.
	line := `type=SYSCALL msg=audit(1700000001.000:44): pid=5 comm="bro ken`

	rec := ParseRecord(line)
	require.NotNil(t, rec)
	assert.Equal(t, "SYSCALL", rec.Type)
	assert.Equal(t, 5, rec.IntField("pid"))
}

func TestParseRecordRejectsNonRecords(t *testing.T) {
	assert.Nil(t, ParseRecord(""))
	assert.Nil(t, ParseRecord("not an audit line"))
	assert.Nil(t, ParseRecord(`type=SYSCALL msg=audit(garbage): pid=1`))
	assert.Nil(t, ParseRecord(`pid=1 comm="no-type"`))
}

func TestParseRecordShortFractionalSeconds(t *testing.T) {
	// Fractional seconds are right-padded, audit(...123:...) means 123 ms.
	rec := ParseRecord(`type=SYSCALL msg=audit(1700000000.1:45): pid=1 key="exec"`)
	require.NotNil(t, rec)
	assert.Equal(t, time.Unix(1700000000, 100*int64(time.Millisecond)).UTC(), rec.TS)
}

func TestDecodeAuditString(t *testing.T) {
	// auditd hex-encodes values containing spaces or quotes.
	assert.Equal(t, "cat", DecodeAuditString("636174"))
	assert.Equal(t, "a b", DecodeAuditString("612062"))

	// Literal values pass through.
	assert.Equal(t, "bash", DecodeAuditString("bash"))
	assert.Equal(t, "/usr/bin/env", DecodeAuditString("/usr/bin/env"))

	// Odd length or non-hex stays literal.
	assert.Equal(t, "63617", DecodeAuditString("63617"))
	assert.Equal(t, "zz", DecodeAuditString("zz"))

	// Decoded bytes that are mostly unprintable stay literal.
	assert.Equal(t, "00010203", DecodeAuditString("00010203"))
}

func TestShellJoin(t *testing.T) {
	assert.Equal(t, "ls -la", ShellJoin([]string{"ls", "-la"}))
	assert.Equal(t, `echo 'hello world'`, ShellJoin([]string{"echo", "hello world"}))
	assert.Equal(t, `printf '%s\n'`, ShellJoin([]string{"printf", `%s\n`}))
	assert.Equal(t, `echo 'it'"'"'s'`, ShellJoin([]string{"echo", "it's"}))
	assert.Equal(t, "''", ShellQuote(""))
}
