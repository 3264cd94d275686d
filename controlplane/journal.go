// Copyright (c) 2025 The Basis Tracker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package controlplane

import (
	"encoding/binary"
	"sync"

	"github.com/BetterMoneyLabs/basis-tracker/kvstore"
)

const journalPartition = "journal"

// MaxRecentPageSize caps the page size accepted by "recent" event queries
// (spec §6).
const MaxRecentPageSize = 50

// DefaultPageSize is applied when a caller omits page_size (spec §6).
const DefaultPageSize = 20

// EventKind tags the category of a journaled event (spec §4.J side-band:
// note updates, reserve lifecycle events, collateral alerts).
type EventKind string

const (
	EventNoteUpdated        EventKind = "note_updated"
	EventReserveLifecycle   EventKind = "reserve_lifecycle"
	EventCollateralWarning  EventKind = "collateral_warning"
	EventCollateralCritical EventKind = "collateral_critical"
)

// Entry is one append-only journal record.
type Entry struct {
	Sequence  uint64
	Timestamp uint64
	Kind      EventKind
	Detail    string
}

func encodeEntry(e Entry) []byte {
	buf := make([]byte, 0, 8+8+2+len(e.Kind)+4+len(e.Detail))
	buf = binary.BigEndian.AppendUint64(buf, e.Sequence)
	buf = binary.BigEndian.AppendUint64(buf, e.Timestamp)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.Kind)))
	buf = append(buf, e.Kind...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Detail)))
	buf = append(buf, e.Detail...)
	return buf
}

func decodeEntry(b []byte) (Entry, error) {
	var e Entry
	if len(b) < 8+8+2 {
		return e, errMalformedEntry
	}
	off := 0
	e.Sequence = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	e.Timestamp = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	klen := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if len(b) < off+klen+4 {
		return e, errMalformedEntry
	}
	e.Kind = EventKind(b[off : off+klen])
	off += klen
	dlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if len(b) != off+dlen {
		return e, errMalformedEntry
	}
	e.Detail = string(b[off : off+dlen])
	return e, nil
}

func journalKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

// Journal is an append-only event log, durable via kvstore and queryable
// by page and size (spec §4.J side-band, §6 pagination defaults). Writes
// are not in the critical path of a tree mutation: a failure to journal
// is logged by the caller and does not roll back the mutation it
// accompanies.
type Journal struct {
	mu    sync.Mutex
	store *kvstore.Partition
	next  uint64
	now   func() uint64
}

// OpenJournal opens (or creates) a journal backed by store, resuming its
// sequence counter from the highest entry already present.
func OpenJournal(store *kvstore.Store, now func() uint64) (*Journal, error) {
	j := &Journal{store: store.Partition(journalPartition), now: now}

	it := j.store.Iterator(nil)
	defer it.Release()
	for it.Next() {
		e, err := decodeEntry(it.Value())
		if err != nil {
			return nil, err
		}
		if e.Sequence+1 > j.next {
			j.next = e.Sequence + 1
		}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return j, nil
}

// Append records a new event, assigning it the next sequence number.
func (j *Journal) Append(kind EventKind, detail string) (Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	e := Entry{Sequence: j.next, Timestamp: j.now(), Kind: kind, Detail: detail}
	if err := j.store.Put(journalKey(e.Sequence), encodeEntry(e)); err != nil {
		return Entry{}, err
	}
	j.next++
	return e, nil
}

// Page returns entries in ascending sequence order, page 0 being the
// oldest page (spec §6: page defaults to 0, page_size defaults to 20).
func (j *Journal) Page(page, pageSize int) ([]Entry, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	skip := page * pageSize

	it := j.store.Iterator(nil)
	defer it.Release()

	var out []Entry
	i := 0
	for it.Next() {
		if i < skip {
			i++
			continue
		}
		if len(out) >= pageSize {
			break
		}
		e, err := decodeEntry(it.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		i++
	}
	return out, it.Error()
}

// Recent returns the n most recently appended entries, newest first,
// capped at MaxRecentPageSize (spec §6: "max 50 for recent").
func (j *Journal) Recent(n int) ([]Entry, error) {
	if n <= 0 || n > MaxRecentPageSize {
		n = MaxRecentPageSize
	}

	it := j.store.Iterator(nil)
	defer it.Release()

	var all []Entry
	for it.Next() {
		e, err := decodeEntry(it.Value())
		if err != nil {
			return nil, err
		}
		all = append(all, e)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}

	if len(all) > n {
		all = all[len(all)-n:]
	}
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all, nil
}
