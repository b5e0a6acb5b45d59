// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present The sandtrace authors.

// Package ebpffilter gates the raw eBPF JSON-lines stream by run ownership
// and emits the normalized rows of filtered_ebpf.jsonl.
package ebpffilter

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/sandtrace/agent/pkg/attribution/auditfilter"
	"github.com/sandtrace/agent/pkg/attribution/config"
	"github.com/sandtrace/agent/pkg/attribution/event"
	"github.com/sandtrace/agent/pkg/attribution/ownership"
	"github.com/sandtrace/agent/pkg/attribution/runindex"
	"github.com/sandtrace/agent/pkg/attribution/tailer"
	"github.com/sandtrace/agent/pkg/util/log"
)

// RawEvent is one line of the raw eBPF stream. The net/dns/unix payloads
// are carried verbatim into the filtered output.
type RawEvent struct {
	TS        string          `json:"ts"`
	EventType string          `json:"event_type"`
	PID       int             `json:"pid"`
	PPID      int             `json:"ppid"`
	UID       int             `json:"uid"`
	GID       int             `json:"gid"`
	Comm      string          `json:"comm"`
	Exe       string          `json:"exe"`
	Net       json.RawMessage `json:"net,omitempty"`
	DNS       json.RawMessage `json:"dns,omitempty"`
	Unix      json.RawMessage `json:"unix,omitempty"`

	parsedTS time.Time
}

// Filter is the eBPF filter stage.
type Filter struct {
	cfg     *Config
	index   *runindex.Index
	state   *ownership.State
	pending *PendingBuffer
	clk     clock.Clock

	include      map[string]struct{}
	excludeComm  map[string]struct{}
	excludeUnix  map[string]struct{}
	excludePorts map[int]struct{}
	excludeIPs   map[string]struct{}

	dropped int64
}

// Option customizes a Filter.
type Option func(*Filter)

// WithClock substitutes the wall clock, for tests.
func WithClock(clk clock.Clock) Option {
	return func(f *Filter) { f.clk = clk }
}

// WithIndex substitutes the run index, for tests.
func WithIndex(ix *runindex.Index) Option {
	return func(f *Filter) { f.index = ix }
}

// New builds the stage from a validated configuration.
func New(cfg *Config, opts ...Option) (*Filter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f := &Filter{
		cfg:          cfg,
		clk:          clock.New(),
		include:      toSet(cfg.Include.EventTypes),
		excludeComm:  toSet(cfg.Exclude.Comm),
		excludeUnix:  toSet(cfg.Exclude.UnixPaths),
		excludeIPs:   toSet(cfg.Exclude.NetDstIPs),
		excludePorts: make(map[int]struct{}, len(cfg.Exclude.NetDstPorts)),
	}
	for _, p := range cfg.Exclude.NetDstPorts {
		f.excludePorts[p] = struct{}{}
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.index == nil {
		f.index = runindex.New(cfg.SessionsDir, cfg.JobsDir, config.Duration(cfg.RefreshSec))
	}
	f.state = ownership.NewState(cfg.Ownership.UID, cfg.Ownership.RootComm, config.Duration(cfg.Ownership.PidTTLSec))
	if cfg.PendingBuffer.Enabled {
		f.pending = NewPendingBuffer(config.Duration(cfg.pendingTTLSec()), cfg.pendingMaxPerPid(), cfg.pendingMaxTotal())
	}
	return f, nil
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// sweepConfig projects this stage's ownership settings onto an audit filter
// configuration so the exec-classification path can prime the ownership map.
func (f *Filter) sweepConfig() *auditfilter.Config {
	var cfg auditfilter.Config
	cfg.Exec.IncludeKeys = f.cfg.Ownership.ExecKeys
	cfg.Exec.ShellComm = f.cfg.Exec.ShellComm
	cfg.Exec.ShellCmdFlag = f.cfg.Exec.ShellCmdFlag
	cfg.Linking.AttachCmdToFS = true
	return &cfg
}

// SweepOwnership replays the raw audit log once through the exec synthesis
// path, seeding the ownership map and the last-exec-cmd cache. Rows are
// discarded; only the side effects matter.
func (f *Filter) SweepOwnership() error {
	if f.cfg.Input.AuditLog == "" {
		return nil
	}
	reader, err := tailer.NewReader(f.cfg.Input.AuditLog, false, 0)
	if err != nil {
		// The audit log may not exist yet; the pending buffer covers the gap.
		log.Warnf("ownership sweep skipped: %v", err) //nolint:errcheck
		return nil
	}
	defer reader.Close()

	synth := auditfilter.NewSynthesizer(f.sweepConfig(), f.state, f.index)
	var grouper auditfilter.Grouper
	for {
		line, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		rec := auditfilter.ParseRecord(line)
		if rec == nil {
			continue
		}
		if group := grouper.Add(rec); group != nil {
			synth.Synthesize(group)
		}
	}
	if group := grouper.Flush(); group != nil {
		synth.Synthesize(group)
	}
	return nil
}

// Run consumes the raw eBPF log and writes filtered rows until EOF (batch)
// or until stop is closed (follow).
func (f *Filter) Run(follow bool, pollInterval time.Duration, stop <-chan struct{}) error {
	f.index.ForceRefresh()
	if err := f.SweepOwnership(); err != nil {
		return err
	}

	reader, err := tailer.NewReader(f.cfg.Input.EBPFLog, follow, pollInterval)
	if err != nil {
		return err
	}
	defer reader.Close()

	writer, err := tailer.NewWriter(f.cfg.Output.JSONL, follow)
	if err != nil {
		return err
	}

	if err := f.run(reader, writer, follow, stop); err != nil {
		writer.Abort()
		return err
	}
	if err := writer.Commit(); err != nil {
		return err
	}
	log.Infof("ebpf filter done, emitted %d rows, dropped %d", writer.RowsWritten.Load(), f.dropped)
	return nil
}

func (f *Filter) run(reader *tailer.Reader, writer *tailer.Writer, follow bool, stop <-chan struct{}) error {
	resweep := config.Duration(f.cfg.Ownership.ResweepSec)
	var resweepC <-chan time.Time
	if follow && resweep > 0 {
		ticker := f.clk.Ticker(resweep)
		defer ticker.Stop()
		resweepC = ticker.C
	}

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		for {
			line, err := reader.Next()
			if err != nil {
				readErr <- err
				return
			}
			lines <- line
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				if err := <-readErr; err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				return nil
			}
			if err := f.processLine(writer, line); err != nil {
				return err
			}
		case <-resweepC:
			if err := f.SweepOwnership(); err != nil {
				log.Warnf("ownership resweep: %v", err) //nolint:errcheck
			}
		case <-stop:
			reader.Stop()
			stop = nil
		}
	}
}

func (f *Filter) processLine(writer *tailer.Writer, line string) error {
	var raw RawEvent
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		f.dropped++
		return nil
	}
	return f.processEvent(writer, &raw)
}

func (f *Filter) processEvent(writer *tailer.Writer, raw *RawEvent) error {
	if _, ok := f.include[raw.EventType]; !ok {
		f.dropped++
		return nil
	}
	ts, err := event.ParseTS(raw.TS)
	if err != nil {
		f.dropped++
		return nil
	}
	raw.parsedTS = ts

	// Entries past the TTL are flushed as unattributed rows before the
	// current event is handled, preserving arrival order.
	if f.pending != nil {
		for _, expired := range f.pending.TakeExpired(ts) {
			if err := f.emit(writer, expired, false); err != nil {
				return err
			}
		}
	}

	if !f.state.IsOwned(raw.PID, ts) {
		if f.pending != nil {
			f.pending.Add(raw.PID, ts, raw)
		} else {
			f.dropped++
		}
		return nil
	}

	// The PID is owned; replay anything buffered before ownership was known.
	if f.pending != nil {
		for _, buffered := range f.pending.Take(raw.PID, ts) {
			if err := f.emit(writer, buffered, true); err != nil {
				return err
			}
		}
	}
	return f.emit(writer, raw, true)
}

// emit applies the exclusion lists, resolves attribution and writes the
// normalized row. An unowned row (a TTL-expired pending entry) is written
// unattributed instead of being looked up in the run index.
func (f *Filter) emit(writer *tailer.Writer, raw *RawEvent, owned bool) error {
	if _, ok := f.excludeComm[raw.Comm]; ok {
		f.dropped++
		return nil
	}
	switch raw.EventType {
	case event.TypeUnixConnect:
		if p, ok := event.DecodeUnix(raw.Unix); ok {
			if _, excluded := f.excludeUnix[p.Path]; excluded {
				f.dropped++
				return nil
			}
		}
	case event.TypeNetConnect, event.TypeNetSend:
		if p, ok := event.DecodeNet(raw.Net); ok {
			if _, excluded := f.excludeIPs[p.DstIP]; excluded {
				f.dropped++
				return nil
			}
			if _, excluded := f.excludePorts[p.DstPort]; excluded {
				f.dropped++
				return nil
			}
		}
	}

	sessionID := event.SessionUnknown
	var jobID string
	if owned {
		f.index.MaybeRefresh()
		sessionID, jobID = f.index.LookupByTS(raw.parsedTS)
	}

	row := event.EBPF{
		Common: event.Common{
			SchemaVersion: event.SchemaEBPF,
			SessionID:     sessionID,
			JobID:         jobID,
			TS:            event.FormatTS(raw.parsedTS),
			Source:        event.SourceEBPF,
			EventType:     raw.EventType,
			PID:           raw.PID,
			PPID:          raw.PPID,
			UID:           raw.UID,
			GID:           raw.GID,
			Comm:          raw.Comm,
			Exe:           raw.Exe,
			AgentOwned:    owned,
		},
		Net:  raw.Net,
		DNS:  raw.DNS,
		Unix: raw.Unix,
	}
	if owned && f.cfg.Linking.AttachCmdToNet {
		if cmd, ok := f.state.LastExecCmd(raw.PID); ok {
			row.Cmd = cmd
		}
	}
	return writer.WriteRow(&row)
}

// LoadConfig reads and validates the stage configuration.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if err := config.Load(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}
