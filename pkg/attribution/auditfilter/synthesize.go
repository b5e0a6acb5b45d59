// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present The sandtrace authors.

package auditfilter

import (
	"sort"
	"strconv"
	"strings"

	"github.com/sandtrace/agent/pkg/attribution/event"
	"github.com/sandtrace/agent/pkg/attribution/ownership"
	"github.com/sandtrace/agent/pkg/attribution/runindex"
)

// Audit record types that participate in event synthesis.
const (
	typeSyscall = "SYSCALL"
	typeExecve  = "EXECVE"
	typePath    = "PATH"
)

// PATH record nametypes.
const (
	nametypeCreate  = "CREATE"
	nametypeDelete  = "DELETE"
	nametypeParent  = "PARENT"
	nametypeNormal  = "NORMAL"
	nametypeUnknown = "UNKNOWN"
)

// Synthesizer turns syscall groups into filtered audit rows, updating the
// ownership state as exec events are observed. The eBPF filter reuses it for
// its startup ownership sweep.
type Synthesizer struct {
	execKeys           map[string]struct{}
	fsKeys             map[string]struct{}
	metaKeys           map[string]struct{}
	shellComm          map[string]struct{}
	shellCmdFlag       string
	helperExcludeComm  map[string]struct{}
	helperExcludeArgv  []string
	includePathsPrefix []string
	attachCmdToFS      bool

	state *ownership.State
	index *runindex.Index
}

// NewSynthesizer wires a synthesizer from the stage configuration.
func NewSynthesizer(cfg *Config, state *ownership.State, index *runindex.Index) *Synthesizer {
	return &Synthesizer{
		execKeys:           toSet(cfg.Exec.IncludeKeys),
		fsKeys:             toSet(cfg.FS.IncludeKeys),
		metaKeys:           toSet(cfg.FS.MetaKeys),
		shellComm:          toSet(cfg.Exec.ShellComm),
		shellCmdFlag:       cfg.Exec.ShellCmdFlag,
		helperExcludeComm:  toSet(cfg.Exec.HelperExcludeComm),
		helperExcludeArgv:  cfg.Exec.HelperExcludeArgvPrefix,
		includePathsPrefix: cfg.FS.IncludePathsPrefix,
		attachCmdToFS:      cfg.Linking.AttachCmdToFS,
		state:              state,
		index:              index,
	}
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// Synthesize reduces one syscall group to at most one filtered row. A nil
// return means the group is skipped.
func (s *Synthesizer) Synthesize(group []*Record) *event.Audit {
	s.index.MaybeRefresh()

	var sys *Record
	for _, rec := range group {
		if rec.Type == typeSyscall {
			sys = rec
			break
		}
	}
	if sys == nil {
		return nil
	}

	key := sys.Fields["key"]
	if key == "" || key == "(null)" || key == "null" {
		return nil
	}

	if _, ok := s.execKeys[key]; ok {
		return s.synthesizeExec(sys, group, key)
	}
	if _, isFS := s.fsKeys[key]; isFS {
		return s.synthesizeFS(sys, group, key)
	}
	if _, isMeta := s.metaKeys[key]; isMeta {
		return s.synthesizeFS(sys, group, key)
	}
	return nil
}

func (s *Synthesizer) common(sys *Record, eventType, key string, owner runindex.Owner, owned bool) event.Audit {
	return event.Audit{
		Common: event.Common{
			SchemaVersion: event.SchemaAudit,
			SessionID:     sessionOf(owner),
			JobID:         owner.JobID,
			TS:            event.FormatTS(sys.TS),
			Source:        event.SourceAudit,
			EventType:     eventType,
			PID:           sys.IntField("pid"),
			PPID:          sys.IntField("ppid"),
			UID:           sys.IntField("uid"),
			GID:           sys.IntField("gid"),
			Comm:          DecodeAuditString(sys.Fields["comm"]),
			Exe:           DecodeAuditString(sys.Fields["exe"]),
			AgentOwned:    owned,
		},
		AuditKey: key,
	}
}

func sessionOf(owner runindex.Owner) string {
	if owner.SessionID == "" {
		return event.SessionUnknown
	}
	return owner.SessionID
}

func (s *Synthesizer) synthesizeExec(sys *Record, group []*Record, key string) *event.Audit {
	argv := collectArgv(group)
	comm := DecodeAuditString(sys.Fields["comm"])
	cmd := s.deriveCmd(comm, argv)

	pid := sys.IntField("pid")
	owned := s.state.MarkOwned(pid, sys.IntField("ppid"), sys.IntField("uid"), comm, sys.IntField("ses"), sys.TS, s.index)

	if cmd != "" {
		s.state.SetLastExecCmd(pid, cmd)
	}

	if sys.Fields["success"] == "no" {
		// Failed execs are emitted even for unowned PIDs: the attempt itself
		// is the signal.
		owner, _ := s.state.Owner(pid)
		row := s.common(sys, event.TypeExec, key, owner, owned)
		row.Argv = argv
		row.Cmd = cmd
		success := false
		row.ExecSuccess = &success
		exit := sys.IntField("exit")
		row.ExecExit = &exit
		row.ExecErrnoName = ErrnoName(exit)
		row.ExecAttemptedPath = attemptedPath(group)
		return &row
	}

	if !owned {
		return nil
	}
	if _, excluded := s.helperExcludeComm[comm]; excluded {
		return nil
	}
	for _, prefix := range s.helperExcludeArgv {
		if strings.HasPrefix(cmd, prefix) {
			return nil
		}
	}

	owner, _ := s.state.Owner(pid)
	row := s.common(sys, event.TypeExec, key, owner, true)
	row.Argv = argv
	row.Cmd = cmd
	return &row
}

// deriveCmd extracts the human-facing command line: the payload after the
// shell's command flag for `sh -c`-style invocations, the quoted argv join
// otherwise.
func (s *Synthesizer) deriveCmd(comm string, argv []string) string {
	if _, isShell := s.shellComm[comm]; isShell && s.shellCmdFlag != "" {
		for i, arg := range argv {
			if s.matchesCmdFlag(arg) && i+1 < len(argv) {
				return argv[i+1]
			}
		}
	}
	return ShellJoin(argv)
}

// matchesCmdFlag accepts the command flag on its own or clustered with other
// short options, so both `bash -c` and `bash -lc` select the next argument.
func (s *Synthesizer) matchesCmdFlag(arg string) bool {
	if arg == s.shellCmdFlag {
		return true
	}
	letter := strings.TrimPrefix(s.shellCmdFlag, "-")
	if len(letter) != 1 {
		return false
	}
	return len(arg) > 1 && arg[0] == '-' && arg[1] != '-' && strings.HasSuffix(arg, letter)
}

// collectArgv gathers the aN fields of the group's EXECVE records, densely
// from their minimum index, applying the hex-decoding heuristic per element.
func collectArgv(group []*Record) []string {
	args := make(map[int]string)
	for _, rec := range group {
		if rec.Type != typeExecve {
			continue
		}
		for k, v := range rec.Fields {
			if len(k) < 2 || k[0] != 'a' {
				continue
			}
			idx, err := strconv.Atoi(k[1:])
			if err != nil || idx < 0 {
				continue
			}
			args[idx] = DecodeAuditString(v)
		}
	}
	if len(args) == 0 {
		return nil
	}
	indices := make([]int, 0, len(args))
	for idx := range args {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	argv := make([]string, 0, len(indices))
	for _, idx := range indices {
		argv = append(argv, args[idx])
	}
	return argv
}

// attemptedPath picks the path a failed exec tried to run: the first PATH
// record whose nametype is UNKNOWN or NORMAL.
func attemptedPath(group []*Record) string {
	for _, rec := range group {
		if rec.Type != typePath {
			continue
		}
		nt := rec.Fields["nametype"]
		if nt == nametypeUnknown || nt == nametypeNormal {
			if name := pathName(rec); name != "" {
				return name
			}
		}
	}
	return ""
}

func pathName(rec *Record) string {
	name := rec.Fields["name"]
	if name == "" || name == "(null)" || name == "null" {
		return ""
	}
	return DecodeAuditString(name)
}

func (s *Synthesizer) synthesizeFS(sys *Record, group []*Record, key string) *event.Audit {
	pid := sys.IntField("pid")
	comm := DecodeAuditString(sys.Fields["comm"])
	owned := s.state.MarkOwned(pid, sys.IntField("ppid"), sys.IntField("uid"), comm, sys.IntField("ses"), sys.TS, s.index)
	if !owned {
		return nil
	}

	var paths []*Record
	nametypes := make(map[string]struct{})
	for _, rec := range group {
		if rec.Type != typePath {
			continue
		}
		paths = append(paths, rec)
		if nt := rec.Fields["nametype"]; nt != "" {
			nametypes[nt] = struct{}{}
		}
	}

	_, hasCreate := nametypes[nametypeCreate]
	_, hasDelete := nametypes[nametypeDelete]
	_, isMeta := s.metaKeys[key]

	var eventType, preferred string
	switch {
	case hasCreate && hasDelete:
		eventType, preferred = event.TypeFsRename, nametypeCreate
	case hasCreate:
		eventType, preferred = event.TypeFsCreate, nametypeCreate
	case hasDelete:
		eventType, preferred = event.TypeFsUnlink, nametypeDelete
	case isMeta:
		eventType = event.TypeFsMeta
	default:
		eventType = event.TypeFsWrite
	}

	path := selectPath(paths, preferred)
	if path == "" {
		return nil
	}
	if !s.pathIncluded(path) {
		return nil
	}

	owner, _ := s.state.Owner(pid)
	row := s.common(sys, eventType, key, owner, true)
	row.Path = path
	if s.attachCmdToFS {
		if cmd, ok := s.state.LastExecCmd(pid); ok {
			row.Cmd = cmd
		}
	}
	return &row
}

// selectPath prefers the record carrying the event type's characteristic
// nametype, then falls back to the first non-PARENT record with a name.
func selectPath(paths []*Record, preferred string) string {
	if preferred != "" {
		for _, rec := range paths {
			if rec.Fields["nametype"] == preferred {
				if name := pathName(rec); name != "" {
					return name
				}
			}
		}
	}
	for _, rec := range paths {
		if rec.Fields["nametype"] == nametypeParent {
			continue
		}
		if name := pathName(rec); name != "" {
			return name
		}
	}
	return ""
}

func (s *Synthesizer) pathIncluded(path string) bool {
	if len(s.includePathsPrefix) == 0 {
		return true
	}
	for _, prefix := range s.includePathsPrefix {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
