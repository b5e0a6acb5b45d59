// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present The sandtrace authors.

// Package auditfilter parses the kernel audit stream, groups records by
// sequence number and synthesizes the exec and filesystem rows of
// filtered_audit.jsonl.
package auditfilter

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Record is a single parsed audit line.
type Record struct {
	Type   string
	Seq    uint64
	TS     time.Time
	Fields map[string]string
}

// msgRe matches the audit(<sec>.<usec>:<seq>) token carried by every record.
var msgRe = regexp.MustCompile(`audit\((\d+)\.(\d{1,6}):(\d+)\)`)

// ParseRecord parses one audit line. It returns nil for lines that do not
// carry a type and a parseable msg token; such lines are skipped upstream.
func ParseRecord(line string) *Record {
	tokens, err := splitTokens(line)
	if err != nil {
		// Shell-style tokenization can choke on unbalanced quotes inside
		// values; degrade to a whitespace split rather than losing the line.
		tokens = strings.Fields(line)
	}
	if len(tokens) == 0 {
		return nil
	}

	rec := &Record{Fields: make(map[string]string, len(tokens))}
	for _, tok := range tokens {
		eq := strings.IndexByte(tok, '=')
		if eq <= 0 {
			continue
		}
		key, value := tok[:eq], unquote(tok[eq+1:])
		switch key {
		case "type":
			rec.Type = value
		case "msg":
			if strings.HasPrefix(value, "audit(") {
				m := msgRe.FindStringSubmatch(value)
				if m == nil {
					return nil
				}
				sec, _ := strconv.ParseInt(m[1], 10, 64)
				// Up to six digits of fractional seconds, right-padded to
				// microseconds.
				usec, _ := strconv.ParseInt(m[2]+strings.Repeat("0", 6-len(m[2])), 10, 64)
				rec.Seq, _ = strconv.ParseUint(m[3], 10, 64)
				rec.TS = time.Unix(sec, usec*int64(time.Microsecond)).UTC()
			} else {
				rec.Fields[key] = value
			}
		default:
			rec.Fields[key] = value
		}
	}
	if rec.Type == "" || rec.TS.IsZero() {
		return nil
	}
	return rec
}

// splitTokens splits an audit line with shell-style quoting: double and
// single quotes group spaces, there is no escape processing inside audit
// values.
func splitTokens(line string) ([]string, error) {
	var (
		tokens  []string
		current strings.Builder
		quote   byte
		started bool
	)
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				current.WriteByte(c)
			}
		case c == '"' || c == '\'':
			quote = c
			started = true
		case c == ' ' || c == '\t':
			if started {
				tokens = append(tokens, current.String())
				current.Reset()
				started = false
			}
		default:
			current.WriteByte(c)
			started = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unbalanced %c quote", quote)
	}
	if started {
		tokens = append(tokens, current.String())
	}
	return tokens, nil
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

// IntField parses an integer field of a record, returning 0 when absent or
// malformed.
func (r *Record) IntField(key string) int {
	v, ok := r.Fields[key]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

var hexRe = regexp.MustCompile(`^(?:[0-9A-Fa-f]{2})+$`)

// DecodeAuditString applies the audit hex-encoding heuristic: a pure
// even-length hex value whose decoded bytes are valid UTF-8 and at least 85%
// printable is replaced by its decoded form, anything else is kept literal.
func DecodeAuditString(v string) string {
	if len(v) < 2 || !hexRe.MatchString(v) {
		return v
	}
	decoded, err := hex.DecodeString(v)
	if err != nil {
		return v
	}
	if !utf8.Valid(decoded) {
		return v
	}
	printable := 0
	for _, b := range decoded {
		if (b >= 0x20 && b < 0x7f) || b == '\t' || b == '\n' {
			printable++
		}
	}
	if printable*100 < len(decoded)*85 {
		return v
	}
	return string(decoded)
}

// shellSpecial lists the bytes that force quoting in ShellJoin.
const shellSpecial = " \t\n\"'`$&|;<>()*?[]#~%{}\\!"

// ShellQuote renders one argv element the way a shell user would type it.
func ShellQuote(arg string) string {
	if arg == "" {
		return "''"
	}
	if !strings.ContainsAny(arg, shellSpecial) {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'"'"'`) + "'"
}

// ShellJoin renders an argv as a single shell command line.
func ShellJoin(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = ShellQuote(a)
	}
	return strings.Join(parts, " ")
}
