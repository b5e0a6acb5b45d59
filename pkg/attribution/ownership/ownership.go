// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present The sandtrace authors.

// Package ownership tracks which PIDs belong to agent-owned runs and
// propagates ownership along parent lineage.
//
// A PID becomes owned through one of three layers, in precedence order: a
// root pid/sid marker naming the PID as the root of a fresh run, inheritance
// from an owned parent, or the agent-UID time-window gate. The first layer
// deliberately outranks the cache: a stale cached owner for a reused parent
// PID must not shadow a freshly created run whose marker identifies this PID
// as root.
package ownership

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/sandtrace/agent/pkg/attribution/runindex"
)

// lastExecCmdCap bounds the remembered exec command lines. Oldest entries
// are evicted once the cap is hit.
const lastExecCmdCap = 4096

type entry struct {
	owner    runindex.Owner
	lastSeen time.Time
}

// State is the per-stage ownership map. It is process-local and never
// persisted across restarts.
type State struct {
	agentUID int
	rootComm map[string]struct{} // empty means any comm passes the UID gate
	ttl      time.Duration       // zero disables pruning

	owned       map[int]entry
	newest      time.Time
	lastExecCmd *simplelru.LRU[int, string]
}

// NewState builds an ownership state for the given agent UID. rootComm
// restricts which comm values may seed ownership through the UID gate; an
// empty list allows any. ttl prunes entries not seen for that long relative
// to the newest observed timestamp; zero disables the TTL.
func NewState(agentUID int, rootComm []string, ttl time.Duration) *State {
	comms := make(map[string]struct{}, len(rootComm))
	for _, c := range rootComm {
		comms[c] = struct{}{}
	}
	// NewLRU only errors on a non-positive size.
	lru, _ := simplelru.NewLRU[int, string](lastExecCmdCap, nil)
	return &State{
		agentUID:    agentUID,
		rootComm:    comms,
		ttl:         ttl,
		owned:       make(map[int]entry),
		lastExecCmd: lru,
	}
}

// MarkOwned applies the ownership policy to an observed process event and
// returns true when the PID is owned afterwards.
func (s *State) MarkOwned(pid, ppid, uid int, comm string, sid int, ts time.Time, ix *runindex.Index) bool {
	s.observe(ts)
	s.prune()

	// Root pid/sid override: a marker naming this PID (or its session id) as
	// the root of a run newer than anything cached wins outright, and
	// displaces the stale parent cache.
	if owner, ok := ix.LookupByRootPID(pid); ok && s.newerThanCached(owner, pid, ppid) {
		s.adopt(pid, ppid, owner, ts)
		return true
	}
	if owner, ok := ix.LookupByRootSID(sid); ok && s.newerThanCached(owner, pid, ppid) {
		s.adopt(pid, ppid, owner, ts)
		return true
	}

	// Parent inheritance.
	if parent, ok := s.owned[ppid]; ok {
		s.owned[pid] = entry{owner: parent.owner, lastSeen: ts}
		return true
	}

	// Agent UID gate, restricted to the configured root comms.
	if uid == s.agentUID && s.commAllowed(comm) {
		sessionID, jobID := ix.LookupByTS(ts)
		owner := runindex.Owner{SessionID: sessionID, JobID: jobID}
		if owner.Attributed() {
			s.owned[pid] = entry{owner: owner, lastSeen: ts}
			return true
		}
	}

	return false
}

// IsOwned reports membership after pruning, refreshing the last-seen
// timestamp of a hit.
func (s *State) IsOwned(pid int, now time.Time) bool {
	s.observe(now)
	s.prune()
	e, ok := s.owned[pid]
	if ok {
		e.lastSeen = now
		s.owned[pid] = e
	}
	return ok
}

// Owner returns the run owner of an owned PID.
func (s *State) Owner(pid int) (runindex.Owner, bool) {
	e, ok := s.owned[pid]
	if !ok {
		return runindex.Unknown(), false
	}
	return e.owner, true
}

// SetLastExecCmd remembers the most recent exec command line of a PID so
// later filesystem and network events can carry it.
func (s *State) SetLastExecCmd(pid int, cmd string) {
	s.lastExecCmd.Add(pid, cmd)
}

// LastExecCmd returns the remembered exec command line of a PID, if any.
func (s *State) LastExecCmd(pid int) (string, bool) {
	return s.lastExecCmd.Get(pid)
}

func (s *State) commAllowed(comm string) bool {
	if len(s.rootComm) == 0 {
		return true
	}
	_, ok := s.rootComm[comm]
	return ok
}

// newerThanCached reports whether owner starts later than every cached owner
// of pid and ppid. Uncached counts as older than anything.
func (s *State) newerThanCached(owner runindex.Owner, pid, ppid int) bool {
	for _, p := range []int{pid, ppid} {
		if e, ok := s.owned[p]; ok && !owner.Start.After(e.owner.Start) {
			return false
		}
	}
	return true
}

func (s *State) adopt(pid, ppid int, owner runindex.Owner, ts time.Time) {
	s.owned[pid] = entry{owner: owner, lastSeen: ts}
	// Displace the stale parent cache so later siblings inherit the new run.
	if _, ok := s.owned[ppid]; ok {
		s.owned[ppid] = entry{owner: owner, lastSeen: ts}
	}
}

func (s *State) observe(ts time.Time) {
	if ts.After(s.newest) {
		s.newest = ts
	}
}

func (s *State) prune() {
	if s.ttl <= 0 {
		return
	}
	cutoff := s.newest.Add(-s.ttl)
	for pid, e := range s.owned {
		if e.lastSeen.Before(cutoff) {
			delete(s.owned, pid)
		}
	}
}
