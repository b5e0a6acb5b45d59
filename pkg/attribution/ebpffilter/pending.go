// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present The sandtrace authors.

package ebpffilter

import (
	"sort"
	"time"
)

// pendingEntry is one buffered event awaiting ownership resolution.
type pendingEntry struct {
	ts  time.Time
	ev  *RawEvent
	seq uint64 // global arrival order, for FIFO eviction across PIDs
}

// PendingBuffer holds eBPF events whose PID is not yet owned, bounded per
// PID and in total. It is the only mechanism that recovers an event arriving
// slightly before the matching audit exec record.
type PendingBuffer struct {
	ttl       time.Duration
	maxPerPid int
	maxTotal  int

	byPid  map[int][]pendingEntry
	total  int
	newest time.Time
	seq    uint64
}

// NewPendingBuffer builds a buffer with the given TTL and caps.
func NewPendingBuffer(ttl time.Duration, maxPerPid, maxTotal int) *PendingBuffer {
	return &PendingBuffer{
		ttl:       ttl,
		maxPerPid: maxPerPid,
		maxTotal:  maxTotal,
		byPid:     make(map[int][]pendingEntry),
	}
}

// Add buffers an event. The per-PID cap drops that PID's oldest entry, the
// total cap drops the globally oldest entry.
func (b *PendingBuffer) Add(pid int, ts time.Time, ev *RawEvent) {
	b.observe(ts)

	q := b.byPid[pid]
	if b.maxPerPid > 0 && len(q) >= b.maxPerPid {
		q = q[1:]
		b.total--
	}
	b.seq++
	q = append(q, pendingEntry{ts: ts, ev: ev, seq: b.seq})
	b.byPid[pid] = q
	b.total++

	if b.maxTotal > 0 && b.total > b.maxTotal {
		b.dropOldest()
	}
}

// Take removes and returns the buffered backlog for a PID in arrival order.
// Called when the PID becomes owned.
func (b *PendingBuffer) Take(pid int, now time.Time) []*RawEvent {
	b.observe(now)
	q, ok := b.byPid[pid]
	if !ok {
		return nil
	}
	delete(b.byPid, pid)
	b.total -= len(q)
	events := make([]*RawEvent, len(q))
	for i, e := range q {
		events[i] = e.ev
	}
	return events
}

// Len returns the total number of buffered events.
func (b *PendingBuffer) Len() int { return b.total }

func (b *PendingBuffer) observe(ts time.Time) {
	if ts.After(b.newest) {
		b.newest = ts
	}
}

// TakeExpired removes and returns every entry older than the TTL relative to
// the newest observed timestamp, in arrival order. Expired entries are not
// dropped: the caller flushes them as unattributed rows.
func (b *PendingBuffer) TakeExpired(now time.Time) []*RawEvent {
	b.observe(now)
	if b.ttl <= 0 {
		return nil
	}
	cutoff := b.newest.Add(-b.ttl)
	var expired []pendingEntry
	for pid, q := range b.byPid {
		keep := q[:0]
		for _, e := range q {
			if e.ts.Before(cutoff) {
				expired = append(expired, e)
				b.total--
			} else {
				keep = append(keep, e)
			}
		}
		if len(keep) == 0 {
			delete(b.byPid, pid)
		} else {
			b.byPid[pid] = keep
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].seq < expired[j].seq })
	events := make([]*RawEvent, len(expired))
	for i, e := range expired {
		events[i] = e.ev
	}
	return events
}

// dropOldest evicts the entry with the smallest arrival sequence.
func (b *PendingBuffer) dropOldest() {
	var (
		oldestPid int
		oldestSeq uint64
		found     bool
	)
	for pid, q := range b.byPid {
		if len(q) == 0 {
			continue
		}
		if !found || q[0].seq < oldestSeq {
			oldestPid, oldestSeq, found = pid, q[0].seq, true
		}
	}
	if !found {
		return
	}
	q := b.byPid[oldestPid][1:]
	if len(q) == 0 {
		delete(b.byPid, oldestPid)
	} else {
		b.byPid[oldestPid] = q
	}
	b.total--
}
