// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present The sandtrace authors.

// Package version defines the version of the agent
package version

// AgentVersion contains the version of the agent.
// It is populated at build time using build flags.
var AgentVersion string

// Commit is populated with the short commit hash from which the agent was built
var Commit string

var agentVersionDefault = "0.4.0"

func init() {
	if AgentVersion == "" {
		AgentVersion = agentVersionDefault
	}
}
