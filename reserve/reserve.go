// Copyright (c) 2025 The Basis Tracker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package reserve maintains the indexed view of on-chain reserve boxes and
// the aggregate debt attributed to each, enforcing collateralization
// invariants (spec §4.F). It is a concurrent view: many readers, writes
// serialized per box_id by the tracker's internal lock.
package reserve

import (
	"encoding/hex"
	"errors"
	"math"
	"sync"

	"github.com/BetterMoneyLabs/basis-tracker/schnorr"
)

// ErrReserveNotFound is returned by lookups and mutations addressing an
// unknown box_id.
var ErrReserveNotFound = errors.New("reserve: not found")

// InsufficientCollateral is returned by AddDebt when the resulting total
// debt would exceed the reserve's collateral.
type InsufficientCollateral struct {
	Collateral uint64
	NewDebt    uint64
}

func (e *InsufficientCollateral) Error() string {
	return "reserve: insufficient collateral"
}

// WarningRatio and CriticalRatio are the collateralization thresholds used
// by GetWarningReserves and GetCriticalReserves (spec §3).
const (
	WarningRatio  = 1.25
	CriticalRatio = 1.00
)

// BoxID is an opaque on-chain UTXO identifier.
type BoxID [32]byte

// BoxIDFromHex decodes a hex-encoded box identifier, right-padding with
// zero bytes if the decoded value is shorter than BoxID.
func BoxIDFromHex(s string) (BoxID, error) {
	var id BoxID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) > len(id) {
		return id, errors.New("reserve: box id too long")
	}
	copy(id[:], b)
	return id, nil
}

// Reserve is the tracked state of one on-chain collateral box (spec §3).
type Reserve struct {
	BoxID       BoxID
	Owner       schnorr.PubKey
	Collateral  uint64
	TotalDebt   uint64
	LastHeight  uint64
	NFTID       []byte // optional contract-scoped asset id
}

// Ratio returns the collateralization ratio, positive infinity when
// TotalDebt is zero.
func (r Reserve) Ratio() float64 {
	if r.TotalDebt == 0 {
		return math.Inf(1)
	}
	return float64(r.Collateral) / float64(r.TotalDebt)
}

// SystemTotals summarizes collateral and debt across every tracked
// reserve (spec §4.F get_system_totals).
type SystemTotals struct {
	TotalCollateral uint64
	TotalDebt       uint64
	ReserveCount    int
}

// Tracker is the reserve tracker described in spec §4.F: a map from box_id
// to Reserve, with a secondary owner index, guarded by a read-write lock.
type Tracker struct {
	mu       sync.RWMutex
	byBox    map[BoxID]*Reserve
	byOwner  map[schnorr.PubKey]map[BoxID]struct{}
}

// New constructs an empty reserve tracker.
func New() *Tracker {
	return &Tracker{
		byBox:   make(map[BoxID]*Reserve),
		byOwner: make(map[schnorr.PubKey]map[BoxID]struct{}),
	}
}

func (t *Tracker) indexOwner(owner schnorr.PubKey, id BoxID) {
	set, ok := t.byOwner[owner]
	if !ok {
		set = make(map[BoxID]struct{})
		t.byOwner[owner] = set
	}
	set[id] = struct{}{}
}

func (t *Tracker) unindexOwner(owner schnorr.PubKey, id BoxID) {
	if set, ok := t.byOwner[owner]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(t.byOwner, owner)
		}
	}
}

// UpdateReserve inserts or replaces a reserve. This is the authoritative
// path for the scanner: collateral, owner, and last_height always take the
// scanner's value, while total_debt is preserved from any existing entry
// (debt is owned by note events, not chain observation) unless this is a
// brand-new reserve.
func (t *Tracker) UpdateReserve(r Reserve) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.byBox[r.BoxID]; ok {
		if existing.Owner != r.Owner {
			t.unindexOwner(existing.Owner, r.BoxID)
			t.indexOwner(r.Owner, r.BoxID)
		}
		r.TotalDebt = existing.TotalDebt
		*existing = r
		return
	}

	cp := r
	t.byBox[r.BoxID] = &cp
	t.indexOwner(r.Owner, r.BoxID)
}

// RemoveReserve deletes a reserve, e.g. when its UTXO is spent.
func (t *Tracker) RemoveReserve(id BoxID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.byBox[id]
	if !ok {
		return ErrReserveNotFound
	}
	t.unindexOwner(r.Owner, id)
	delete(t.byBox, id)
	return nil
}

// AddDebt increases total_debt for the reserve at id by amount, failing
// with InsufficientCollateral if the result would exceed collateral.
func (t *Tracker) AddDebt(id BoxID, amount uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.byBox[id]
	if !ok {
		return ErrReserveNotFound
	}
	newDebt := saturatingAdd(r.TotalDebt, amount)
	if newDebt > r.Collateral {
		return &InsufficientCollateral{Collateral: r.Collateral, NewDebt: newDebt}
	}
	r.TotalDebt = newDebt
	return nil
}

// RemoveDebt decreases total_debt for the reserve at id by amount,
// saturating at zero.
func (t *Tracker) RemoveDebt(id BoxID, amount uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.byBox[id]
	if !ok {
		return ErrReserveNotFound
	}
	if amount >= r.TotalDebt {
		r.TotalDebt = 0
	} else {
		r.TotalDebt -= amount
	}
	return nil
}

// UpdateCollateral sets the reserve's collateral to a new value, as
// observed by the scanner.
func (t *Tracker) UpdateCollateral(id BoxID, newCollateral uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.byBox[id]
	if !ok {
		return ErrReserveNotFound
	}
	r.Collateral = newCollateral
	return nil
}

// CanSupportDebt reports whether adding amount to the reserve's total_debt
// would stay within its collateral (spec §4.F is_sufficiently_collateralized).
func (t *Tracker) CanSupportDebt(id BoxID, amount uint64) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, ok := t.byBox[id]
	if !ok {
		return false, ErrReserveNotFound
	}
	return saturatingAdd(r.TotalDebt, amount) <= r.Collateral, nil
}

// GetByBoxID returns a copy of the reserve at id.
func (t *Tracker) GetByBoxID(id BoxID) (Reserve, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, ok := t.byBox[id]
	if !ok {
		return Reserve{}, ErrReserveNotFound
	}
	return *r, nil
}

// GetByOwner returns every reserve controlled by owner.
func (t *Tracker) GetByOwner(owner schnorr.PubKey) []Reserve {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := t.byOwner[owner]
	out := make([]Reserve, 0, len(ids))
	for id := range ids {
		out = append(out, *t.byBox[id])
	}
	return out
}

// GetWarningReserves returns every reserve whose collateralization ratio
// is at or below WarningRatio.
func (t *Tracker) GetWarningReserves() []Reserve {
	return t.filterByRatio(WarningRatio)
}

// GetCriticalReserves returns every reserve whose collateralization ratio
// is at or below CriticalRatio.
func (t *Tracker) GetCriticalReserves() []Reserve {
	return t.filterByRatio(CriticalRatio)
}

func (t *Tracker) filterByRatio(threshold float64) []Reserve {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Reserve
	for _, r := range t.byBox {
		if r.Ratio() <= threshold {
			out = append(out, *r)
		}
	}
	return out
}

// GetSystemTotals sums collateral and debt across every tracked reserve.
func (t *Tracker) GetSystemTotals() SystemTotals {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var totals SystemTotals
	for _, r := range t.byBox {
		totals.TotalCollateral += r.Collateral
		totals.TotalDebt += r.TotalDebt
		totals.ReserveCount++
	}
	return totals
}

func saturatingAdd(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return ^uint64(0)
	}
	return sum
}
