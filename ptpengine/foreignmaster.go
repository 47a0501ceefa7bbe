/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ptpengine

import (
	"time"

	ptp "github.com/tickwell/ptpd/ptp/protocol"
)

const defaultQualificationCount = 2

// ForeignMasterRecord tracks one candidate master heard on this port, per
// spec.md §3's ForeignMasterRecord dataset.
type ForeignMasterRecord struct {
	SourcePortIdentity ptp.PortIdentity
	Announce           ptp.Announce
	AnnounceCount      int
	LastHeard          time.Time
}

// qualified reports whether this record has been seen enough times to be
// eligible for BMC, per spec.md §4.3's "require >= 2 distinct Announces
// from a source before it is eligible".
func (r *ForeignMasterRecord) qualified() bool {
	return r.AnnounceCount >= defaultQualificationCount
}

// ForeignMasterTable is the bounded table of ForeignMasterRecords described
// in spec.md §4.3's "Foreign-master table policy"; on overflow it evicts
// the least-recently-heard record.
type ForeignMasterTable struct {
	capacity int
	order    []ptp.PortIdentity // least-recently-heard first
	records  map[ptp.PortIdentity]*ForeignMasterRecord
}

// NewForeignMasterTable builds a table with the given capacity (spec.md
// §4.3's default of 5 when capacity <= 0).
func NewForeignMasterTable(capacity int) *ForeignMasterTable {
	if capacity <= 0 {
		capacity = 5
	}
	return &ForeignMasterTable{
		capacity: capacity,
		records:  make(map[ptp.PortIdentity]*ForeignMasterRecord),
	}
}

// Update records one received Announce, adding a new record (evicting the
// least-recently-heard one on overflow) or refreshing an existing one.
func (t *ForeignMasterTable) Update(a ptp.Announce, now time.Time) *ForeignMasterRecord {
	src := a.Header.SourcePortIdentity
	if rec, ok := t.records[src]; ok {
		rec.Announce = a
		rec.AnnounceCount++
		rec.LastHeard = now
		t.touch(src)
		return rec
	}

	if len(t.order) >= t.capacity {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.records, oldest)
	}
	rec := &ForeignMasterRecord{
		SourcePortIdentity: src,
		Announce:           a,
		AnnounceCount:      1,
		LastHeard:          now,
	}
	t.records[src] = rec
	t.order = append(t.order, src)
	return rec
}

// touch moves src to the most-recently-heard end of the order slice.
func (t *ForeignMasterTable) touch(src ptp.PortIdentity) {
	for i, id := range t.order {
		if id == src {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	t.order = append(t.order, src)
}

// Purge drops records older than timeout, per spec.md §4.3's
// "announceReceiptTimeout * 2^logAnnounceInterval" rule.
func (t *ForeignMasterTable) Purge(now time.Time, timeout time.Duration) {
	var kept []ptp.PortIdentity
	for _, id := range t.order {
		rec := t.records[id]
		if now.Sub(rec.LastHeard) > timeout {
			delete(t.records, id)
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
}

// Qualified returns the Announces of every qualified record, the candidate
// pool BMC runs over.
func (t *ForeignMasterTable) Qualified() []*ptp.Announce {
	var out []*ptp.Announce
	for _, id := range t.order {
		rec := t.records[id]
		if rec.qualified() {
			a := rec.Announce
			out = append(out, &a)
		}
	}
	return out
}

// Len reports the current number of tracked records (qualified or not).
func (t *ForeignMasterTable) Len() int {
	return len(t.order)
}
