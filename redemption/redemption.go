// Copyright (c) 2025 The Basis Tracker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package redemption wraps the tracker state manager with the
// redemption handshake: a note holder proves outstanding debt against the
// published root, then the tracker records the redemption once the
// corresponding collateral withdrawal is confirmed on-chain (spec §4.G).
package redemption

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/BetterMoneyLabs/basis-tracker/dict"
	"github.com/BetterMoneyLabs/basis-tracker/note"
	"github.com/BetterMoneyLabs/basis-tracker/schnorr"
	"github.com/BetterMoneyLabs/basis-tracker/tracker"
)

// DefaultTimeLock is the minimum age (spec §4.G) a note must have before
// its outstanding debt may be redeemed: 7 days.
const DefaultTimeLock = 7 * 24 * 3600

var (
	// ErrNoteNotFound mirrors tracker.ErrNoteNotFound for callers that
	// only import this package.
	ErrNoteNotFound = errors.New("redemption: note not found")

	// ErrInvalidNoteSignature is returned when the note on file no
	// longer verifies under its claimed issuer (should not happen for
	// notes that passed AddNote, but is re-checked defensively here
	// since redemption authorizes a collateral withdrawal).
	ErrInvalidNoteSignature = errors.New("redemption: note signature invalid")
)

// RedemptionTooEarly is returned when a redemption is attempted before the
// note's time lock has elapsed.
type RedemptionTooEarly struct {
	Now     uint64
	MinTime uint64
}

func (e *RedemptionTooEarly) Error() string {
	return fmt.Sprintf("redemption: too early, now=%d min_time=%d", e.Now, e.MinTime)
}

// InsufficientCollateral is returned when the requested redemption amount
// exceeds the note's outstanding debt.
type InsufficientCollateral struct {
	Outstanding uint64
	Amount      uint64
}

func (e *InsufficientCollateral) Error() string {
	return fmt.Sprintf("redemption: amount %d exceeds outstanding debt %d", e.Amount, e.Outstanding)
}

// TransactionError wraps a failure submitting or confirming the on-chain
// redemption transaction.
type TransactionError struct {
	Msg string
}

func (e *TransactionError) Error() string {
	return "redemption: transaction error: " + e.Msg
}

// RedemptionData is returned by InitiateRedemption: everything a redeemer
// needs to construct and co-sign the on-chain withdrawal transaction.
type RedemptionData struct {
	RedemptionID    [32]byte
	Note            note.Note
	ProofBytes      []byte
	RootDigest      dict.RootDigest
	RequiredSigners [2]schnorr.PubKey // [issuer_pk, tracker_pk]
	EstimatedFee    uint64
	RedemptionTime  uint64
}

// Coordinator implements the redemption handshake of spec §4.G.
type Coordinator struct {
	tracker       *tracker.Tracker
	trackerPubKey schnorr.PubKey
	timeLock      uint64
	estimatedFee  uint64
	now           func() uint64
}

// New constructs a redemption coordinator. timeLock is the minimum note
// age before redemption (spec default DefaultTimeLock); fee is the
// estimated on-chain transaction fee surfaced in RedemptionData.
func New(t *tracker.Tracker, trackerPubKey schnorr.PubKey, timeLock, fee uint64, now func() uint64) *Coordinator {
	return &Coordinator{
		tracker:       t,
		trackerPubKey: trackerPubKey,
		timeLock:      timeLock,
		estimatedFee:  fee,
		now:           now,
	}
}

// redemptionID derives a deterministic identifier from the parties and the
// note's timestamp, so repeated InitiateRedemption calls for an unchanged
// note produce the same id.
func redemptionID(issuer, recipient schnorr.PubKey, timestamp uint64) [32]byte {
	buf := make([]byte, 0, schnorr.PubKeyLen*2+8)
	buf = append(buf, issuer[:]...)
	buf = append(buf, recipient[:]...)
	buf = binary.BigEndian.AppendUint64(buf, timestamp)
	return blake2b.Sum256(buf)
}

// InitiateRedemption validates the redemption preconditions and returns
// the data needed to build the on-chain withdrawal transaction. It does
// not mutate tracker state; only CompleteRedemption does.
func (c *Coordinator) InitiateRedemption(issuer, recipient schnorr.PubKey, amount uint64) (RedemptionData, error) {
	n, err := c.tracker.LookupNote(issuer, recipient)
	if errors.Is(err, tracker.ErrNoteNotFound) {
		return RedemptionData{}, ErrNoteNotFound
	}
	if err != nil {
		return RedemptionData{}, err
	}

	if verr := n.VerifySignature(issuer); verr != nil {
		return RedemptionData{}, ErrInvalidNoteSignature
	}

	if amount > n.OutstandingDebt() {
		return RedemptionData{}, &InsufficientCollateral{Outstanding: n.OutstandingDebt(), Amount: amount}
	}

	now := c.now()
	minTime := n.Timestamp + c.timeLock
	if now < minTime {
		return RedemptionData{}, &RedemptionTooEarly{Now: now, MinTime: minTime}
	}

	proof, err := c.tracker.GenerateProof(issuer, recipient)
	if err != nil {
		return RedemptionData{}, err
	}

	return RedemptionData{
		RedemptionID:    redemptionID(issuer, recipient, n.Timestamp),
		Note:            n,
		ProofBytes:      proof.ProofBytes,
		RootDigest:      proof.RootDigest,
		RequiredSigners: [2]schnorr.PubKey{issuer, c.trackerPubKey},
		EstimatedFee:    c.estimatedFee,
		RedemptionTime:  now,
	}, nil
}

// CompleteRedemption records a confirmed redemption by incrementing the
// note's amount_redeemed. This is the only path that records a redemption:
// it is idempotent only up to the tracker's acceptance of the increment —
// callers must not retry after a successful call.
func (c *Coordinator) CompleteRedemption(issuer, recipient schnorr.PubKey, amount uint64) (dict.RootDigest, error) {
	root, err := c.tracker.UpdateRedeemed(issuer, recipient, amount)
	if errors.Is(err, tracker.ErrNoteNotFound) {
		return dict.RootDigest{}, ErrNoteNotFound
	}
	return root, err
}
