// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present The sandtrace authors.

// Package netsummary collapses bursty network rows of the filtered eBPF
// stream into one net_summary row per burst, enriched with recently resolved
// DNS names.
package netsummary

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/sandtrace/agent/pkg/attribution/config"
)

// Defaults applied when the corresponding knob is absent.
const (
	DefaultBurstGapSec    = 2.0
	DefaultDNSLookbackSec = 30.0
)

// Config is the summarizer stage configuration.
type Config struct {
	Input struct {
		JSONL string `yaml:"jsonl" json:"jsonl"`
	} `yaml:"input" json:"input"`
	Output struct {
		JSONL string `yaml:"jsonl" json:"jsonl"`
	} `yaml:"output" json:"output"`

	BurstGapSec       *float64 `yaml:"burst_gap_sec" json:"burst_gap_sec"`
	DNSLookbackSec    *float64 `yaml:"dns_lookback_sec" json:"dns_lookback_sec"`
	MinSendCount      int      `yaml:"min_send_count" json:"min_send_count"`
	MinBytesSentTotal int64    `yaml:"min_bytes_sent_total" json:"min_bytes_sent_total"`
}

func (c *Config) burstGapSec() float64 {
	if c.BurstGapSec != nil {
		return *c.BurstGapSec
	}
	return DefaultBurstGapSec
}

func (c *Config) dnsLookbackSec() float64 {
	if c.DNSLookbackSec != nil {
		return *c.DNSLookbackSec
	}
	return DefaultDNSLookbackSec
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	if c.Input.JSONL == "" {
		result = multierror.Append(result, fmt.Errorf("input.jsonl is required"))
	}
	if c.Output.JSONL == "" {
		result = multierror.Append(result, fmt.Errorf("output.jsonl is required"))
	}
	if c.burstGapSec() <= 0 {
		result = multierror.Append(result, fmt.Errorf("burst_gap_sec must be positive"))
	}
	if c.dnsLookbackSec() <= 0 {
		result = multierror.Append(result, fmt.Errorf("dns_lookback_sec must be positive"))
	}
	if c.MinSendCount < 0 {
		result = multierror.Append(result, fmt.Errorf("min_send_count must not be negative"))
	}
	if c.MinBytesSentTotal < 0 {
		result = multierror.Append(result, fmt.Errorf("min_bytes_sent_total must not be negative"))
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
