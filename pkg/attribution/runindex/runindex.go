// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present The sandtrace authors.

// Package runindex maintains the session and job metadata index used to
// attribute events to runs. The harness owns the metadata tree; this index
// only ever reads it, on a bounded refresh cadence.
package runindex

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/afero"

	"github.com/sandtrace/agent/pkg/attribution/event"
	"github.com/sandtrace/agent/pkg/util/log"
)

// Kind distinguishes the two flavors of run.
type Kind int

// Run kinds.
const (
	KindSession Kind = iota
	KindJob
)

// Run is one attributable unit of agent execution, either a session or a job.
type Run struct {
	ID      string
	Kind    Kind
	Start   time.Time
	End     *time.Time // nil while the run is live
	RootPID int
	RootSID int
}

// Contains reports whether ts falls inside the run's time window.
func (r *Run) Contains(ts time.Time) bool {
	if ts.Before(r.Start) {
		return false
	}
	return r.End == nil || !ts.After(*r.End)
}

// Owner identifies the run an event belongs to. Exactly one of SessionID
// (other than "unknown") and JobID is set for an attributed owner.
type Owner struct {
	SessionID string
	JobID     string
	Start     time.Time
}

// Unknown is the owner of unattributed events.
func Unknown() Owner {
	return Owner{SessionID: event.SessionUnknown}
}

// Attributed reports whether the owner names an actual run.
func (o Owner) Attributed() bool {
	return o.JobID != "" || (o.SessionID != "" && o.SessionID != event.SessionUnknown)
}

func ownerOf(r *Run) Owner {
	if r.Kind == KindSession {
		return Owner{SessionID: r.ID, Start: r.Start}
	}
	return Owner{SessionID: event.SessionUnknown, JobID: r.ID, Start: r.Start}
}

// DefaultRefresh is the metadata reload cadence when none is configured.
const DefaultRefresh = time.Second

// Index holds the session and job lists, ordered by descending start time.
type Index struct {
	fs          afero.Fs
	clk         clock.Clock
	sessionsDir string
	jobsDir     string
	refresh     time.Duration

	lastRefresh time.Time
	sessions    []Run
	jobs        []Run
}

// Option customizes an Index.
type Option func(*Index)

// WithFs substitutes the filesystem, for tests.
func WithFs(fs afero.Fs) Option {
	return func(ix *Index) { ix.fs = fs }
}

// WithClock substitutes the wall clock, for tests.
func WithClock(clk clock.Clock) Option {
	return func(ix *Index) { ix.clk = clk }
}

// New builds an Index over the given metadata directories. refresh <= 0
// selects DefaultRefresh. The index is empty until the first refresh.
func New(sessionsDir, jobsDir string, refresh time.Duration, opts ...Option) *Index {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	ix := &Index{
		fs:          afero.NewOsFs(),
		clk:         clock.New(),
		sessionsDir: sessionsDir,
		jobsDir:     jobsDir,
		refresh:     refresh,
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// MaybeRefresh reloads the metadata if the refresh cadence has elapsed.
func (ix *Index) MaybeRefresh() {
	now := ix.clk.Now()
	if !ix.lastRefresh.IsZero() && now.Sub(ix.lastRefresh) < ix.refresh {
		return
	}
	ix.ForceRefresh()
}

// ForceRefresh reloads the metadata unconditionally. Used when a lookup comes
// back unattributed in follow mode and the run may have just been created.
func (ix *Index) ForceRefresh() {
	ix.lastRefresh = ix.clk.Now()
	ix.sessions = ix.loadRuns(ix.sessionsDir, KindSession)
	ix.jobs = ix.loadRuns(ix.jobsDir, KindJob)
}

// LookupByTS attributes ts by time window: the most recently started session
// whose window contains ts wins, then the most recently started job. Returns
// ("unknown", "") when nothing matches.
func (ix *Index) LookupByTS(ts time.Time) (sessionID, jobID string) {
	for i := range ix.sessions {
		if ix.sessions[i].Contains(ts) {
			return ix.sessions[i].ID, ""
		}
	}
	for i := range ix.jobs {
		if ix.jobs[i].Contains(ts) {
			return event.SessionUnknown, ix.jobs[i].ID
		}
	}
	return event.SessionUnknown, ""
}

// LookupByRootPID returns the most recently started run whose root PID equals
// pid. Sessions outrank jobs when their start instants tie.
func (ix *Index) LookupByRootPID(pid int) (Owner, bool) {
	if pid <= 0 {
		return Unknown(), false
	}
	return ix.lookupRoot(func(r *Run) bool { return r.RootPID == pid })
}

// LookupByRootSID returns the most recently started run whose root session ID
// (the setsid value, not the run id) equals sid.
func (ix *Index) LookupByRootSID(sid int) (Owner, bool) {
	if sid <= 0 {
		return Unknown(), false
	}
	return ix.lookupRoot(func(r *Run) bool { return r.RootSID == sid })
}

func (ix *Index) lookupRoot(match func(*Run) bool) (Owner, bool) {
	var best *Run
	for i := range ix.sessions {
		if match(&ix.sessions[i]) {
			best = &ix.sessions[i]
			break
		}
	}
	for i := range ix.jobs {
		if match(&ix.jobs[i]) {
			// Sessions outrank jobs on a start-time tie.
			if best == nil || ix.jobs[i].Start.After(best.Start) {
				best = &ix.jobs[i]
			}
			break
		}
	}
	if best == nil {
		return Unknown(), false
	}
	return ownerOf(best), true
}

// Sessions returns the indexed sessions, most recent first.
func (ix *Index) Sessions() []Run { return ix.sessions }

// Jobs returns the indexed jobs, most recent first.
func (ix *Index) Jobs() []Run { return ix.jobs }

func (ix *Index) loadRuns(dir string, kind Kind) []Run {
	entries, err := afero.ReadDir(ix.fs, dir)
	if err != nil {
		// A missing metadata root is normal before the harness creates it.
		return nil
	}
	runs := make([]Run, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		var (
			run *Run
			id  = entry.Name()
		)
		switch kind {
		case KindSession:
			run = ix.loadSession(filepath.Join(dir, id), id)
		case KindJob:
			run = ix.loadJob(filepath.Join(dir, id), id)
		}
		if run != nil {
			runs = append(runs, *run)
		}
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].Start.After(runs[j].Start) })
	return runs
}

// sessionMeta mirrors <sessions_dir>/<id>/meta.json written by the harness.
type sessionMeta struct {
	SessionID string `json:"session_id"`
	StartedAt string `json:"started_at"`
	EndedAt   string `json:"ended_at"`
	RootPID   *int   `json:"root_pid"`
	RootSID   *int   `json:"root_sid"`
}

// jobMeta mirrors <jobs_dir>/<id>/input.json and status.json.
type jobMeta struct {
	JobID       string `json:"job_id"`
	StartedAt   string `json:"started_at"`
	SubmittedAt string `json:"submitted_at"`
	EndedAt     string `json:"ended_at"`
	RootPID     *int   `json:"root_pid"`
	RootSID     *int   `json:"root_sid"`
}

func (ix *Index) loadSession(dir, id string) *Run {
	var meta sessionMeta
	if !ix.readJSON(filepath.Join(dir, "meta.json"), &meta) {
		return nil
	}
	start, err := event.ParseTS(meta.StartedAt)
	if err != nil {
		log.Debugf("session %s: %v", id, err)
		return nil
	}
	if meta.SessionID != "" {
		id = meta.SessionID
	}
	run := &Run{ID: id, Kind: KindSession, Start: start}
	if meta.EndedAt != "" {
		if end, err := event.ParseTS(meta.EndedAt); err == nil {
			run.End = &end
		}
	}
	if meta.RootPID != nil {
		run.RootPID = *meta.RootPID
	}
	if meta.RootSID != nil {
		run.RootSID = *meta.RootSID
	}
	return run
}

func (ix *Index) loadJob(dir, id string) *Run {
	var input jobMeta
	if !ix.readJSON(filepath.Join(dir, "input.json"), &input) {
		return nil
	}
	startStr := input.StartedAt
	if startStr == "" {
		startStr = input.SubmittedAt
	}

	// status.json, when present, overrides the start and records the end.
	var status jobMeta
	if ix.readJSON(filepath.Join(dir, "status.json"), &status) {
		if status.StartedAt != "" {
			startStr = status.StartedAt
		}
		if status.EndedAt != "" {
			input.EndedAt = status.EndedAt
		}
		if status.RootPID != nil {
			input.RootPID = status.RootPID
		}
		if status.RootSID != nil {
			input.RootSID = status.RootSID
		}
	}

	start, err := event.ParseTS(startStr)
	if err != nil {
		log.Debugf("job %s: %v", id, err)
		return nil
	}
	if input.JobID != "" {
		id = input.JobID
	}
	run := &Run{ID: id, Kind: KindJob, Start: start}
	if input.EndedAt != "" {
		if end, err := event.ParseTS(input.EndedAt); err == nil {
			run.End = &end
		}
	}
	if input.RootPID != nil {
		run.RootPID = *input.RootPID
	}
	if input.RootSID != nil {
		run.RootSID = *input.RootSID
	}
	return run
}

// readJSON loads a metadata file. Missing or malformed files are skipped,
// never fatal.
func (ix *Index) readJSON(path string, v interface{}) bool {
	data, err := afero.ReadFile(ix.fs, path)
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		log.Debugf("skipping unparseable metadata %s: %v", path, err)
		return false
	}
	return true
}
