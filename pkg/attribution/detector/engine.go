// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present The sandtrace authors.

package detector

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/sandtrace/agent/pkg/attribution/config"
	"github.com/sandtrace/agent/pkg/attribution/event"
	"github.com/sandtrace/agent/pkg/attribution/tailer"
	"github.com/sandtrace/agent/pkg/util/log"
)

// Sorting strategies.
const (
	SortTsRulePid = "ts_rule_pid"
	SortTs        = "ts"
)

// Input names one timeline-shaped file to evaluate.
type Input struct {
	Path string `yaml:"path" json:"path"`
}

// Config is the detector stage configuration.
type Config struct {
	Policy string  `yaml:"policy" json:"policy"`
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
		return SortTsRulePid
	}
	return c.Sorting.Strategy
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	if c.Policy == "" {
		result = multierror.Append(result, fmt.Errorf("policy is required"))
	}
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
	case SortTsRulePid, SortTs:
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

// alertRow pairs an alert with its ordering key.
type alertRow struct {
	ts     time.Time
	ruleID string
	pid    int
	seq    int
	alert  *event.Alert
}

// Detector is the forbidden-action detection stage. It is purely batch.
type Detector struct {
	cfg    *Config
	policy *Policy

	alerts  []alertRow
	dropped int64
}

// New builds the stage: the policy is loaded and compiled up front so policy
// errors surface before any input is read.
func New(cfg *Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	def, err := LoadPolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}
	policy, err := Compile(def)
	if err != nil {
		return nil, err
	}
	return &Detector{cfg: cfg, policy: policy}, nil
}

// Run evaluates every input row against the policy and writes the sorted
// alert file atomically.
func (d *Detector) Run() error {
	for _, in := range d.cfg.Inputs {
		if err := d.readInput(in.Path); err != nil {
			return err
		}
	}
	d.sortAlerts()

	writer, err := tailer.NewWriter(d.cfg.Output.JSONL, false)
	if err != nil {
		return err
	}
	for _, a := range d.alerts {
		if err := writer.WriteRow(a.alert); err != nil {
			writer.Abort()
			return err
		}
	}
	if err := writer.Commit(); err != nil {
		return err
	}
	log.Infof("detector done, %d alerts from %d rules", writer.RowsWritten.Load(), len(d.policy.Rules))
	return nil
}

func (d *Detector) readInput(path string) error {
	reader, err := tailer.NewReader(path, false, 0)
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
		var fields rowView
		if err := json.Unmarshal([]byte(line), &fields); err != nil {
			d.dropped++
			continue
		}
		d.evaluate(fields)
	}
}

func (d *Detector) evaluate(row rowView) {
	for _, rule := range d.policy.Rules {
		if !rule.Enabled {
			continue
		}
		if alert := d.apply(rule, row); alert != nil {
			ts, _ := event.ParseTS(alert.TS)
			d.alerts = append(d.alerts, alertRow{
				ts:     ts,
				ruleID: rule.ID,
				pid:    alert.PID,
				seq:    len(d.alerts),
				alert:  alert,
			})
		}
	}
}

// apply returns an alert when every predicate of the rule matches the row.
func (d *Detector) apply(rule *Rule, row rowView) *event.Alert {
	eventType := row.String("event_type")
	if rule.eventTypes != nil {
		if _, ok := rule.eventTypes[eventType]; !ok {
			return nil
		}
	}
	if rule.sources != nil {
		if _, ok := rule.sources[row.String("source")]; !ok {
			return nil
		}
	}

	matched := make([]event.Matched, 0, len(rule.predicates))
	for _, p := range rule.predicates {
		m, ok := p.Match(row)
		if !ok {
			return nil
		}
		matched = append(matched, m)
	}

	agentOwned, _ := row.Lookup("agent_owned")
	owned, _ := agentOwned.(bool)
	alert := &event.Alert{
		Common: event.Common{
			SchemaVersion: event.SchemaAlert,
			SessionID:     sessionOf(row),
			JobID:         row.String("job_id"),
			TS:            row.String("ts"),
			Source:        event.SourcePolicy,
			EventType:     event.TypeAlert,
			PID:           row.Int("pid"),
			PPID:          row.Int("ppid"),
			UID:           row.Int("uid"),
			GID:           row.Int("gid"),
			Comm:          row.String("comm"),
			Exe:           row.String("exe"),
			AgentOwned:    owned,
		},
		RuleID:           rule.ID,
		RuleDescription:  rule.Description,
		Severity:         rule.Severity,
		Action:           rule.Action,
		TriggerSource:    row.String("source"),
		TriggerEventType: eventType,
		TriggerSubject:   triggerSubject(row, eventType),
		Matched:          matched,
		PolicyName:       d.policy.Name,
	}
	return alert
}

func sessionOf(row rowView) string {
	if s := row.String("session_id"); s != "" {
		return s
	}
	return event.SessionUnknown
}

// triggerSubject picks the most specific identifier the trigger row carries.
func triggerSubject(row rowView, eventType string) string {
	switch {
	case eventType == event.TypeExec:
		return firstNonEmpty(
			row.String("cmd"),
			row.String("exec_attempted_path"),
			row.String("exe"),
			row.String("comm"),
		)
	case strings.HasPrefix(eventType, "fs_"):
		return firstNonEmpty(
			row.String("path"),
			row.String("cmd"),
			row.String("exe"),
		)
	case eventType == event.TypeNetSummary:
		if names := row.Strings("dns_names"); len(names) > 0 {
			return strings.Join(names, ",")
		}
		ip := row.String("dst_ip")
		if ip == "" {
			return eventType
		}
		if port := row.Int("dst_port"); port > 0 {
			return ip + ":" + strconv.Itoa(port)
		}
		return ip
	}
	return eventType
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (d *Detector) sortAlerts() {
	byRule := d.cfg.strategy() == SortTsRulePid
	sort.SliceStable(d.alerts, func(i, j int) bool {
		a, b := d.alerts[i], d.alerts[j]
		if !a.ts.Equal(b.ts) {
			return a.ts.Before(b.ts)
		}
		if byRule {
			if a.ruleID != b.ruleID {
				return a.ruleID < b.ruleID
			}
			return a.pid < b.pid
		}
		return false
	})
}
