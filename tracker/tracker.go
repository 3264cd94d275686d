// Copyright (c) 2025 The Basis Tracker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package tracker owns the authenticated dictionary engine and the set of
// known debt notes (spec §4.E). It runs as a single logical thread: callers
// are expected to serialize mutating and reading commands through it (the
// control plane does this via its command worker), so every exported
// method here appears atomic.
package tracker

import (
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/btclog"

	"github.com/BetterMoneyLabs/basis-tracker/dict"
	"github.com/BetterMoneyLabs/basis-tracker/internal/trklog"
	"github.com/BetterMoneyLabs/basis-tracker/note"
	"github.com/BetterMoneyLabs/basis-tracker/schnorr"
)

var log btclog.Logger = trklog.NewSubsystemLogger(trklog.SubsystemTracker)

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// DefaultClockSkew is the default tolerance (spec §4.D "small_skew") between
// a note's claimed timestamp and the tracker's clock.
const DefaultClockSkew = 5 * 60

var (
	// ErrNoteNotFound is returned by lookups and redemption flows when no
	// note exists for the given issuer/recipient pair.
	ErrNoteNotFound = errors.New("tracker: note not found")

	// ErrInvalidSignature is returned when a note's signature fails to
	// verify, and also substituted for a monotonicity violation when the
	// tracker is configured for legacy error folding.
	ErrInvalidSignature = errors.New("tracker: invalid signature")

	// ErrStorage wraps an underlying dictionary storage failure.
	ErrStorage = errors.New("tracker: storage error")
)

// Event is emitted to an optional sink after a note mutation commits.
type Event struct {
	Issuer    schnorr.PubKey
	Recipient schnorr.PubKey
	Note      note.Note
}

// ProofResult bundles a note with its authentication proof relative to the
// root digest it was generated against (spec §4.E GenerateProof).
type ProofResult struct {
	Note       note.Note
	ProofBytes []byte
	RootDigest dict.RootDigest
}

func toDictKey(k note.Key) dict.Key {
	return dict.Key(k)
}

// Tracker is the state manager described in spec §4.E.
type Tracker struct {
	engine *dict.Engine

	// LegacyMonotoneErrors folds ErrNotMonotone into ErrInvalidSignature
	// on AddNote, matching the source implementation's historical (and
	// arguably mistaken) error reporting. See note.ErrNotMonotone and
	// DESIGN.md for the reasoning behind keeping this switchable.
	LegacyMonotoneErrors bool

	// OnNoteUpdated, if set, is invoked after AddNote or UpdateRedeemed
	// durably commits a note. It must not block or mutate t.
	OnNoteUpdated func(Event)

	// Clock supplies the current time for the FutureTimestamp check on
	// AddNote (spec §4.D). Defaults to the wall clock.
	Clock func() uint64

	// ClockSkew is the tolerance applied by Clock in the FutureTimestamp
	// check. Defaults to DefaultClockSkew.
	ClockSkew uint64

	mu          sync.RWMutex
	byIssuer    map[schnorr.PubKey][]note.Key
	byRecipient map[schnorr.PubKey][]note.Key
}

func wallClock() uint64 { return uint64(time.Now().Unix()) }

// New constructs a Tracker over an already-opened dictionary engine,
// rebuilding the issuer/recipient secondary indexes by walking its current
// contents (those indexes are not part of the authenticated tree itself;
// see DESIGN.md).
func New(engine *dict.Engine) (*Tracker, error) {
	t := &Tracker{
		engine:      engine,
		Clock:       wallClock,
		ClockSkew:   DefaultClockSkew,
		byIssuer:    make(map[schnorr.PubKey][]note.Key),
		byRecipient: make(map[schnorr.PubKey][]note.Key),
	}
	if err := t.rebuildIndexes(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tracker) rebuildIndexes() error {
	count := 0
	err := t.engine.Iterate(func(key dict.Key, value []byte) error {
		issuer, n, err := note.DecodeValue(value)
		if err != nil {
			return ErrStorage
		}
		nk := note.Key(key)
		t.byIssuer[issuer] = append(t.byIssuer[issuer], nk)
		t.byRecipient[n.Recipient] = append(t.byRecipient[n.Recipient], nk)
		count++
		return nil
	})
	if err != nil {
		return err
	}
	log.Infof("tracker: rebuilt secondary indexes from %d stored notes", count)
	return nil
}

func (t *Tracker) addIndex(issuer, recipient schnorr.PubKey, key note.Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byIssuer[issuer] = append(t.byIssuer[issuer], key)
	t.byRecipient[recipient] = append(t.byRecipient[recipient], key)
}

// AddNote verifies the note's signature, rejects a future-dated timestamp,
// enforces the monotonicity predicates against any existing entry, and
// inserts or updates it in the dictionary.
func (t *Tracker) AddNote(issuer schnorr.PubKey, n note.Note) (dict.RootDigest, error) {
	if err := n.VerifySignature(issuer); err != nil {
		return dict.RootDigest{}, ErrInvalidSignature
	}
	if err := note.CheckTimestamp(n.Timestamp, t.Clock(), t.ClockSkew); err != nil {
		return dict.RootDigest{}, err
	}

	key := note.NewKey(issuer, n.Recipient)
	dk := toDictKey(key)

	existing, err := t.engine.Lookup(dk)
	switch {
	case err == nil:
		_, oldNote, decErr := note.DecodeValue(existing)
		if decErr != nil {
			return dict.RootDigest{}, ErrStorage
		}
		if monoErr := note.CheckMonotone(oldNote, n); monoErr != nil {
			if t.LegacyMonotoneErrors {
				return dict.RootDigest{}, ErrInvalidSignature
			}
			return dict.RootDigest{}, monoErr
		}
		if n.AmountCollected > oldNote.AmountCollected {
			if ofErr := note.CheckAmountOverflow(oldNote.AmountCollected, n.AmountCollected-oldNote.AmountCollected); ofErr != nil {
				return dict.RootDigest{}, ofErr
			}
		}
		root, updErr := t.engine.Update(dk, n.EncodeValue(issuer))
		if updErr != nil {
			return dict.RootDigest{}, ErrStorage
		}
		t.emit(issuer, n)
		return root, nil

	case errors.Is(err, dict.ErrKeyNotFound):
		root, insErr := t.engine.Insert(dk, n.EncodeValue(issuer))
		if insErr != nil {
			return dict.RootDigest{}, ErrStorage
		}
		t.addIndex(issuer, n.Recipient, key)
		t.emit(issuer, n)
		return root, nil

	default:
		return dict.RootDigest{}, ErrStorage
	}
}

func (t *Tracker) emit(issuer schnorr.PubKey, n note.Note) {
	if t.OnNoteUpdated != nil {
		t.OnNoteUpdated(Event{Issuer: issuer, Recipient: n.Recipient, Note: n})
	}
}

// LookupNote returns the current note for an issuer/recipient pair.
func (t *Tracker) LookupNote(issuer, recipient schnorr.PubKey) (note.Note, error) {
	key := note.NewKey(issuer, recipient)
	raw, err := t.engine.Lookup(toDictKey(key))
	if errors.Is(err, dict.ErrKeyNotFound) {
		return note.Note{}, ErrNoteNotFound
	}
	if err != nil {
		return note.Note{}, ErrStorage
	}
	_, n, decErr := note.DecodeValue(raw)
	if decErr != nil {
		return note.Note{}, ErrStorage
	}
	return n, nil
}

// GetIssuerNotes returns every note currently recorded for issuer.
func (t *Tracker) GetIssuerNotes(issuer schnorr.PubKey) ([]note.Note, error) {
	t.mu.RLock()
	keys := append([]note.Key(nil), t.byIssuer[issuer]...)
	t.mu.RUnlock()
	return t.resolveKeys(keys)
}

// GetRecipientNotes returns every note currently recorded for recipient.
func (t *Tracker) GetRecipientNotes(recipient schnorr.PubKey) ([]note.Note, error) {
	t.mu.RLock()
	keys := append([]note.Key(nil), t.byRecipient[recipient]...)
	t.mu.RUnlock()
	return t.resolveKeys(keys)
}

func (t *Tracker) resolveKeys(keys []note.Key) ([]note.Note, error) {
	out := make([]note.Note, 0, len(keys))
	for _, k := range keys {
		raw, err := t.engine.Lookup(toDictKey(k))
		if errors.Is(err, dict.ErrKeyNotFound) {
			continue // superseded by a later index rebuild race; skip.
		}
		if err != nil {
			return nil, ErrStorage
		}
		_, n, decErr := note.DecodeValue(raw)
		if decErr != nil {
			return nil, ErrStorage
		}
		out = append(out, n)
	}
	return out, nil
}

// UpdateRedeemed increases a note's amount_redeemed by amount, saturating
// at amount_collected. Resigning is not required: the existing signature
// still covers amount_collected, which UpdateRedeemed never changes.
func (t *Tracker) UpdateRedeemed(issuer, recipient schnorr.PubKey, amount uint64) (dict.RootDigest, error) {
	key := note.NewKey(issuer, recipient)
	dk := toDictKey(key)

	raw, err := t.engine.Lookup(dk)
	if errors.Is(err, dict.ErrKeyNotFound) {
		return dict.RootDigest{}, ErrNoteNotFound
	}
	if err != nil {
		return dict.RootDigest{}, ErrStorage
	}
	storedIssuer, n, decErr := note.DecodeValue(raw)
	if decErr != nil {
		return dict.RootDigest{}, ErrStorage
	}

	n.AmountRedeemed += amount
	if n.AmountRedeemed > n.AmountCollected {
		n.AmountRedeemed = n.AmountCollected
	}

	root, updErr := t.engine.Update(dk, n.EncodeValue(storedIssuer))
	if updErr != nil {
		return dict.RootDigest{}, ErrStorage
	}
	t.emit(storedIssuer, n)
	return root, nil
}

// GenerateProof returns the current note for an issuer/recipient pair
// together with a membership proof relative to the engine's current root.
// Callers must record the returned root digest alongside the proof.
func (t *Tracker) GenerateProof(issuer, recipient schnorr.PubKey) (ProofResult, error) {
	key := note.NewKey(issuer, recipient)
	dk := toDictKey(key)

	mp, nmp, err := t.engine.GenerateProof(dk)
	if errors.Is(err, dict.ErrKeyNotFound) {
		return ProofResult{}, ErrNoteNotFound
	}
	if err != nil {
		return ProofResult{}, ErrStorage
	}
	if nmp != nil {
		return ProofResult{}, ErrNoteNotFound
	}

	_, n, decErr := note.DecodeValue(mp.Value)
	if decErr != nil {
		return ProofResult{}, ErrStorage
	}
	proofBytes, marshalErr := mp.MarshalBinary()
	if marshalErr != nil {
		return ProofResult{}, ErrStorage
	}
	return ProofResult{Note: n, ProofBytes: proofBytes, RootDigest: t.engine.RootDigest()}, nil
}

// RootDigest returns the dictionary engine's current root, for callers
// (the control plane, the publisher's shared state) that need it without
// going through a note operation.
func (t *Tracker) RootDigest() dict.RootDigest {
	return t.engine.RootDigest()
}

// Sequence returns the dictionary engine's current operation sequence
// number, used by the checkpoint policy to decide when to snapshot.
func (t *Tracker) Sequence() uint64 {
	return t.engine.Sequence()
}

// CreateCheckpoint snapshots the dictionary engine at id (spec §4.C
// create_checkpoint), delegating directly since checkpoint creation does
// not touch the secondary indexes.
func (t *Tracker) CreateCheckpoint(id uint64) (dict.Checkpoint, error) {
	return t.engine.CreateCheckpoint(id)
}
