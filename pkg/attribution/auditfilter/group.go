// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present The sandtrace authors.

package auditfilter

// Grouper accumulates audit records into syscall groups. Records sharing a
// sequence number arrive contiguously when the source is in sequence order,
// so a group is complete as soon as a different sequence shows up.
type Grouper struct {
	seq     uint64
	active  bool
	records []*Record
}

// Add feeds one record. When the record opens a new sequence, the previous
// group is returned complete; otherwise Add returns nil.
func (g *Grouper) Add(rec *Record) []*Record {
	if g.active && rec.Seq == g.seq {
		g.records = append(g.records, rec)
		return nil
	}
	done := g.Flush()
	g.seq = rec.Seq
	g.active = true
	g.records = append(g.records, rec)
	return done
}

// Flush returns the pending group, if any, and resets the grouper. Used at
// EOF and on follow-mode idle timeouts.
func (g *Grouper) Flush() []*Record {
	if len(g.records) == 0 {
		g.active = false
		return nil
	}
	done := g.records
	g.records = nil
	g.active = false
	return done
}

// Pending reports whether a group is accumulating.
func (g *Grouper) Pending() bool {
	return len(g.records) > 0
}
