// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present The sandtrace authors.

// Package timeline merges the per-source filtered streams into one normalized,
// totally ordered timeline file.
package timeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/sandtrace/agent/pkg/attribution/config"
	"github.com/sandtrace/agent/pkg/attribution/event"
	"github.com/sandtrace/agent/pkg/attribution/tailer"
	"github.com/sandtrace/agent/pkg/util/log"
)

// Sorting strategies.
const (
	SortTsSourcePid = "ts_source_pid"
	SortTs          = "ts"
)

// Input names one source file feeding the merge.
type Input struct {
	Path   string `yaml:"path" json:"path"`
	Source string `yaml:"source" json:"source"`
}

// Config is the merger stage configuration.
type Config struct {
	Inputs []Input `yaml:"inputs" json:"inputs"`
	Output struct {
		JSONL string `yaml:"jsonl" json:"jsonl"`
	} `yaml:"output" json:"output"`
	Sorting struct {
		Strategy string `yaml:"strategy" json:"strategy"`
	} `yaml:"sorting" json:"sorting"`
}

func (c *Config) strategy() string {
	if c.Sorting.Strategy == "" {
		return SortTsSourcePid
	}
	return c.Sorting.Strategy
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	if len(c.Inputs) == 0 {
		result = multierror.Append(result, fmt.Errorf("at least one input is required"))
	}
	for i, in := range c.Inputs {
		if in.Path == "" {
			result = multierror.Append(result, fmt.Errorf("inputs[%d].path is required", i))
		}
	}
	if c.Output.JSONL == "" {
		result = multierror.Append(result, fmt.Errorf("output.jsonl is required"))
	}
	switch c.strategy() {
	case SortTsSourcePid, SortTs:
	default:
		result = multierror.Append(result, fmt.Errorf("unknown sorting.strategy %q", c.Sorting.Strategy))
	}
	return result.ErrorOrNil()
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

// commonFields are the top-level keys preserved during normalization; every
// other key moves under the details sub-object.
var commonFields = map[string]struct{}{
	"schema_version": {},
	"session_id":     {},
	"job_id":         {},
	"ts":             {},
	"source":         {},
	"event_type":     {},
	"pid":            {},
	"ppid":           {},
	"uid":            {},
	"gid":            {},
	"comm":           {},
	"exe":            {},
	"agent_owned":    {},
}

// row is one normalized timeline row together with its ordering key.
type row struct {
	fields map[string]interface{}
	ts     time.Time
	source string
	pid    int
	seq    int
}

// Merger is the timeline merge stage. It is a pure batch transform.
type Merger struct {
	cfg     *Config
	rows    []row
	dropped int64
}

// New builds the stage from a validated configuration.
func New(cfg *Config) (*Merger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Merger{cfg: cfg}, nil
}

// Run reads every input, normalizes, sorts and writes the merged timeline
// atomically.
func (m *Merger) Run() error {
	for _, in := range m.cfg.Inputs {
		if err := m.readInput(in); err != nil {
			return err
		}
	}
	m.sortRows()

	writer, err := tailer.NewWriter(m.cfg.Output.JSONL, false)
	if err != nil {
		return err
	}
	for _, r := range m.rows {
		if err := writer.WriteRow(r.fields); err != nil {
			writer.Abort()
			return err
		}
	}
	if err := writer.Commit(); err != nil {
		return err
	}
	log.Infof("timeline merge done, emitted %d rows, dropped %d", writer.RowsWritten.Load(), m.dropped)
	return nil
}

func (m *Merger) readInput(in Input) error {
	reader, err := tailer.NewReader(in.Path, false, 0)
	if err != nil {
		return err
	}
	defer reader.Close()
	for {
		line, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		var fields map[string]interface{}
		if err := json.Unmarshal([]byte(line), &fields); err != nil {
			m.dropped++
			continue
		}
		m.rows = append(m.rows, m.normalize(fields, in.Source))
	}
}

// normalize keeps the common fields top-level, moves everything else under
// details, defaults the source and restamps the schema version.
func (m *Merger) normalize(fields map[string]interface{}, defaultSource string) row {
	out := make(map[string]interface{}, len(commonFields)+1)
	details := make(map[string]interface{})
	// Merge a pre-existing details object first so that a top-level field
	// with the same name always wins the collision.
	if sub, ok := fields["details"].(map[string]interface{}); ok {
		for sk, sv := range sub {
			details[sk] = sv
		}
	}
	for k, v := range fields {
		if k == "details" {
			if _, isObject := v.(map[string]interface{}); isObject {
				continue
			}
		}
		if _, common := commonFields[k]; common && k != "schema_version" {
			out[k] = v
			continue
		}
		if k == "schema_version" {
			continue
		}
		details[k] = v
	}
	if len(details) > 0 {
		out["details"] = details
	}
	if _, ok := out["source"]; !ok {
		out["source"] = defaultSource
	}
	out["schema_version"] = event.SchemaTimeline

	r := row{fields: out, seq: len(m.rows)}
	if s, ok := out["source"].(string); ok {
		r.source = s
	}
	if pid, ok := out["pid"].(float64); ok {
		r.pid = int(pid)
	}
	if s, ok := out["ts"].(string); ok {
		if ts, err := event.ParseTS(s); err == nil {
			r.ts = ts
		}
	}
	// Unparseable or missing ts keeps the zero instant and sorts first.
	return r
}

func (m *Merger) sortRows() {
	byPid := m.cfg.strategy() == SortTsSourcePid
	sort.SliceStable(m.rows, func(i, j int) bool {
		a, b := m.rows[i], m.rows[j]
		if !a.ts.Equal(b.ts) {
			return a.ts.Before(b.ts)
		}
		if byPid {
			if a.source != b.source {
				return a.source < b.source
			}
			return a.pid < b.pid
		}
		return false
	})
}
