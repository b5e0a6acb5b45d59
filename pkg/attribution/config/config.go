// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present The sandtrace authors.

// Package config loads the per-stage configuration files: YAML first, strict
// JSON as a fallback.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// ErrNotFound marks a missing configuration or policy file. Stage commands
// map it to exit code 2.
var ErrNotFound = errors.New("configuration file not found")

// Load reads path and unmarshals it into cfg, trying YAML first and falling
// back to JSON. cfg keeps its zero values for keys the file does not set, so
// callers apply defaults before loading.
func Load(path string, cfg interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parsing config %s: %v", path, yamlErr)
		}
	}
	return nil
}

// Duration converts a fractional-seconds config value to a time.Duration.
// Zero and negative values map to zero, which disables the knob.
func Duration(seconds float64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
