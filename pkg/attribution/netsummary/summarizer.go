// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present The sandtrace authors.

package netsummary

import (
	"encoding/json"
	"errors"
	"io"
	"sort"
	"time"

	"github.com/sandtrace/agent/pkg/attribution/config"
	"github.com/sandtrace/agent/pkg/attribution/event"
	"github.com/sandtrace/agent/pkg/attribution/tailer"
	"github.com/sandtrace/agent/pkg/util/log"
)

// dnsPort is never burst-aggregated; DNS traffic is observed through the
// dns_query/dns_response events instead.
const dnsPort = 53

type groupKey struct {
	sessionID string
	jobID     string
	pid       int
	dstIP     string
	dstPort   int
}

type dnsKey struct {
	pid int
	ip  string
}

// burst accumulates one group of network rows sharing a key, open until the
// inter-row gap exceeds burst_gap_sec.
type burst struct {
	key      groupKey
	common   event.Common
	cmd      string
	protocol string

	connectCount   int
	sendCount      int
	bytesSentTotal int64
	tsFirst        time.Time
	tsLast         time.Time
	seq            int
}

// outRow pairs an emitted row with its ordering key.
type outRow struct {
	tsFirst time.Time
	seq     int
	row     interface{}
}

// Summarizer is the burst aggregation stage. It is a pure batch transform.
type Summarizer struct {
	cfg      *Config
	gap      time.Duration
	lookback time.Duration

	groups map[groupKey]*burst
	dns    map[dnsKey]map[string]time.Time
	out    []outRow
	seq    int

	dropped int64
}

// New builds the stage from a validated configuration.
func New(cfg *Config) (*Summarizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Summarizer{
		cfg:      cfg,
		gap:      config.Duration(cfg.burstGapSec()),
		lookback: config.Duration(cfg.dnsLookbackSec()),
		groups:   make(map[groupKey]*burst),
		dns:      make(map[dnsKey]map[string]time.Time),
	}, nil
}

// Run reads the filtered eBPF stream, closes every burst and writes the
// summary file atomically.
func (s *Summarizer) Run() error {
	reader, err := tailer.NewReader(s.cfg.Input.JSONL, false, 0)
	if err != nil {
		return err
	}
	defer reader.Close()

	for {
		line, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		s.processLine(line)
	}
	s.closeAll()

	writer, err := tailer.NewWriter(s.cfg.Output.JSONL, false)
	if err != nil {
		return err
	}
	s.sortOut()
	for _, o := range s.out {
		if err := writer.WriteRow(o.row); err != nil {
			writer.Abort()
			return err
		}
	}
	if err := writer.Commit(); err != nil {
		return err
	}
	log.Infof("net summarizer done, emitted %d rows, dropped %d", writer.RowsWritten.Load(), s.dropped)
	return nil
}

func (s *Summarizer) processLine(line string) {
	var row event.EBPF
	if err := json.Unmarshal([]byte(line), &row); err != nil {
		s.dropped++
		return
	}
	ts, err := event.ParseTS(row.TS)
	if err != nil {
		s.dropped++
		return
	}

	switch row.EventType {
	case event.TypeDNSResponse:
		s.recordDNS(&row, ts)
	case event.TypeNetConnect, event.TypeNetSend:
		s.aggregate(&row, ts)
	case event.TypeUnixConnect:
		// Pass-through: only the schema version changes.
		row.SchemaVersion = event.SchemaSummary
		s.append(ts, s.nextSeq(), &row)
	default:
		s.dropped++
	}
}

// recordDNS remembers, per (pid, answer ip), every query name of the
// response, timestamped for the lookback window.
func (s *Summarizer) recordDNS(row *event.EBPF, ts time.Time) {
	p, ok := event.DecodeDNS(row.DNS)
	if !ok {
		return
	}
	names := p.Names()
	if len(names) == 0 {
		return
	}
	for _, ip := range p.Answers {
		key := dnsKey{pid: row.PID, ip: ip}
		seen := s.dns[key]
		if seen == nil {
			seen = make(map[string]time.Time)
			s.dns[key] = seen
		}
		for _, name := range names {
			seen[name] = ts
		}
	}
}

func (s *Summarizer) aggregate(row *event.EBPF, ts time.Time) {
	p, ok := event.DecodeNet(row.Net)
	if !ok {
		s.dropped++
		return
	}
	if p.DstPort == dnsPort {
		return
	}
	key := groupKey{
		sessionID: row.SessionID,
		jobID:     row.JobID,
		pid:       row.PID,
		dstIP:     p.DstIP,
		dstPort:   p.DstPort,
	}
	g := s.groups[key]
	if g != nil && ts.Sub(g.tsLast) > s.gap {
		s.closeGroup(g)
		g = nil
	}
	if g == nil {
		g = &burst{
			key:      key,
			common:   row.Common,
			cmd:      row.Cmd,
			protocol: p.Proto,
			tsFirst:  ts,
			tsLast:   ts,
			seq:      s.nextSeq(),
		}
		s.groups[key] = g
	}
	switch row.EventType {
	case event.TypeNetConnect:
		g.connectCount++
	case event.TypeNetSend:
		g.sendCount++
		g.bytesSentTotal += p.Bytes
	}
	if ts.After(g.tsLast) {
		g.tsLast = ts
	}
}

// closeGroup finalizes a burst: suppression check, DNS name attachment, then
// the row is queued for ordered output.
func (s *Summarizer) closeGroup(g *burst) {
	delete(s.groups, g.key)
	if g.sendCount < s.cfg.MinSendCount && g.bytesSentTotal < s.cfg.MinBytesSentTotal {
		s.dropped++
		return
	}

	row := event.Summary{
		Common:         g.common,
		Cmd:            g.cmd,
		DstIP:          g.key.dstIP,
		DstPort:        g.key.dstPort,
		Protocol:       g.protocol,
		ConnectCount:   g.connectCount,
		SendCount:      g.sendCount,
		BytesSentTotal: g.bytesSentTotal,
		TSFirst:        event.FormatTS(g.tsFirst),
		TSLast:         event.FormatTS(g.tsLast),
		DNSNames:       s.lookupDNS(g.key.pid, g.key.dstIP, g.tsLast),
	}
	row.SchemaVersion = event.SchemaSummary
	row.EventType = event.TypeNetSummary
	row.TS = row.TSFirst
	// The tie key is the burst's creation order, not the close order; a gap
	// close must not reorder equal ts_first rows.
	s.append(g.tsFirst, g.seq, &row)
}

// lookupDNS returns the sorted names recently resolved to ip by pid, relative
// to the burst's last activity.
func (s *Summarizer) lookupDNS(pid int, ip string, ref time.Time) []string {
	seen := s.dns[dnsKey{pid: pid, ip: ip}]
	if len(seen) == 0 {
		return nil
	}
	cutoff := ref.Add(-s.lookback)
	var names []string
	for name, ts := range seen {
		if !ts.Before(cutoff) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (s *Summarizer) closeAll() {
	open := make([]*burst, 0, len(s.groups))
	for _, g := range s.groups {
		open = append(open, g)
	}
	// Deterministic close order; final ordering is by ts_first anyway.
	sort.Slice(open, func(i, j int) bool { return open[i].seq < open[j].seq })
	for _, g := range open {
		s.closeGroup(g)
	}
}

// sortOut orders the queued rows by ts_first, breaking ties on the creation
// sequence so output order matches input arrival.
func (s *Summarizer) sortOut() {
	sort.SliceStable(s.out, func(i, j int) bool {
		if !s.out[i].tsFirst.Equal(s.out[j].tsFirst) {
			return s.out[i].tsFirst.Before(s.out[j].tsFirst)
		}
		return s.out[i].seq < s.out[j].seq
	})
}

func (s *Summarizer) nextSeq() int {
	n := s.seq
	s.seq++
	return n
}

func (s *Summarizer) append(tsFirst time.Time, seq int, row interface{}) {
	s.out = append(s.out, outRow{tsFirst: tsFirst, seq: seq, row: row})
}
