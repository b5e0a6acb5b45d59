// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present The sandtrace authors.

package auditfilter

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/sandtrace/agent/pkg/attribution/config"
	"github.com/sandtrace/agent/pkg/attribution/event"
	"github.com/sandtrace/agent/pkg/attribution/ownership"
	"github.com/sandtrace/agent/pkg/attribution/runindex"
	"github.com/sandtrace/agent/pkg/attribution/tailer"
	"github.com/sandtrace/agent/pkg/util/log"
)

// pendingDelay is how long an unattributed row is held back in follow mode
// before being flushed as-is. The reference pipeline hard-codes this; the
// config surface deliberately does not expose it.
const pendingDelay = 2 * time.Second

// defaultGroupFlush is the follow-mode idle interval after which an
// accumulating syscall group is emitted without waiting for the next
// sequence.
const defaultGroupFlush = time.Second

// tickInterval drives follow-mode housekeeping (group idle flush, pending
// holdback expiry).
const tickInterval = 250 * time.Millisecond

// Filter is the audit filter stage.
type Filter struct {
	cfg   *Config
	index *runindex.Index
	state *ownership.State
	synth *Synthesizer
	clk   clock.Clock
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
		cfg: cfg,
		clk: clock.New(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.index == nil {
		f.index = runindex.New(cfg.SessionsDir, cfg.JobsDir, config.Duration(cfg.RefreshSec))
	}
	f.state = ownership.NewState(cfg.AgentOwnership.UID, cfg.AgentOwnership.RootComm, config.Duration(cfg.AgentOwnership.PidTTLSec))
	f.synth = NewSynthesizer(cfg, f.state, f.index)
	return f, nil
}

// State exposes the ownership state, primed as groups are processed. The
// eBPF filter uses this after a sweep.
func (f *Filter) State() *ownership.State { return f.state }

// Index exposes the run index.
func (f *Filter) Index() *runindex.Index { return f.index }

// Run consumes the audit log and writes filtered rows until EOF (batch) or
// until stop is closed (follow).
func (f *Filter) Run(follow bool, pollInterval time.Duration, stop <-chan struct{}) error {
	reader, err := tailer.NewReader(f.cfg.Input.AuditLog, follow, pollInterval)
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
	log.Infof("audit filter done, emitted %d rows", writer.RowsWritten.Load())
	return nil
}

func (f *Filter) run(reader *tailer.Reader, writer *tailer.Writer, follow bool, stop <-chan struct{}) error {
	if !follow {
		return f.runBatch(reader, writer)
	}
	return f.runFollow(reader, writer, stop)
}

func (f *Filter) runBatch(reader *tailer.Reader, writer *tailer.Writer) error {
	var grouper Grouper
	for {
		line, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		rec := ParseRecord(line)
		if rec == nil {
			continue
		}
		if group := grouper.Add(rec); group != nil {
			if err := f.emitGroup(writer, group); err != nil {
				return err
			}
		}
	}
	if group := grouper.Flush(); group != nil {
		if err := f.emitGroup(writer, group); err != nil {
			return err
		}
	}
	return nil
}

func (f *Filter) emitGroup(writer *tailer.Writer, group []*Record) error {
	row := f.synth.Synthesize(group)
	if row == nil {
		return nil
	}
	return writer.WriteRow(row)
}

// heldRow is an unattributed row awaiting a late run-index entry.
type heldRow struct {
	row      *event.Audit
	ts       time.Time
	deadline time.Time
}

func (f *Filter) runFollow(reader *tailer.Reader, writer *tailer.Writer, stop <-chan struct{}) error {
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

	groupFlush := config.Duration(f.cfg.Grouping.FlushSec)
	if groupFlush <= 0 {
		groupFlush = defaultGroupFlush
	}

	var (
		grouper  Grouper
		held     []heldRow
		lastLine = f.clk.Now()
	)
	ticker := f.clk.Ticker(tickInterval)
	defer ticker.Stop()

	flushGroup := func(group []*Record) error {
		row := f.synth.Synthesize(group)
		if row == nil {
			return nil
		}
		if row.Unattributed() {
			ts, _ := event.ParseTS(row.TS)
			held = append(held, heldRow{row: row, ts: ts, deadline: f.clk.Now().Add(pendingDelay)})
			return nil
		}
		return writer.WriteRow(row)
	}

	drainHeld := func(force bool) error {
		now := f.clk.Now()
		kept := held[:0]
		for _, h := range held {
			if !force && now.Before(h.deadline) {
				kept = append(kept, h)
				continue
			}
			// One more chance: the run metadata may have shown up since.
			f.index.ForceRefresh()
			sessionID, jobID := f.index.LookupByTS(h.ts)
			if jobID != "" || sessionID != event.SessionUnknown {
				h.row.SessionID = sessionID
				h.row.JobID = jobID
			}
			if err := writer.WriteRow(h.row); err != nil {
				return err
			}
		}
		held = kept
		return nil
	}

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				// Reader stopped; drain what is pending and exit.
				if group := grouper.Flush(); group != nil {
					if err := flushGroup(group); err != nil {
						return err
					}
				}
				if err := drainHeld(true); err != nil {
					return err
				}
				if err := <-readErr; err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				return nil
			}
			lastLine = f.clk.Now()
			rec := ParseRecord(line)
			if rec == nil {
				continue
			}
			if group := grouper.Add(rec); group != nil {
				if err := flushGroup(group); err != nil {
					return err
				}
			}
		case <-ticker.C:
			if grouper.Pending() && f.clk.Now().Sub(lastLine) >= groupFlush {
				if group := grouper.Flush(); group != nil {
					if err := flushGroup(group); err != nil {
						return err
					}
				}
			}
			if err := drainHeld(false); err != nil {
				return err
			}
		case <-stop:
			reader.Stop()
			// Keep consuming until the reader goroutine drains and closes.
			stop = nil
		}
	}
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
