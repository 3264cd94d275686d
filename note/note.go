// Copyright (c) 2025 The Basis Tracker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package note implements the IOU note data structure, its invariants, and
// the encoding used to persist it in the authenticated dictionary (spec
// §3, §4.D).
package note

import (
	"encoding/binary"
	"errors"
	"math"

	"golang.org/x/crypto/blake2b"

	"github.com/BetterMoneyLabs/basis-tracker/schnorr"
)

// KeyLen is the length in bytes of a note key: a Blake2b-512 digest over
// the issuer and recipient public keys.
const KeyLen = 64

// EncodedLen is the length in bytes of a note's on-disk value encoding.
const EncodedLen = schnorr.PubKeyLen + 8 + 8 + 8 + schnorr.SigLen + schnorr.PubKeyLen

var (
	// ErrAmountOverflow is returned when adding to amount_collected would
	// exceed the range of a uint64.
	ErrAmountOverflow = errors.New("note: amount overflow")

	// ErrFutureTimestamp is returned when a note's timestamp is further
	// in the future than the accepted clock skew.
	ErrFutureTimestamp = errors.New("note: timestamp is in the future")

	// ErrNotMonotone is returned when an updated note does not satisfy
	// the monotonicity predicates of spec §4.D: amount_collected and
	// timestamp must not decrease, and amount_redeemed must be carried
	// over unchanged by AddNote. The source folds this into
	// InvalidSignature (spec §9); see tracker.LegacyMonotoneErrors.
	ErrNotMonotone = errors.New("note: update is not monotone")

	// ErrMalformedValue is returned when decoding a stored note value
	// fails structural validation.
	ErrMalformedValue = errors.New("note: malformed stored value")
)

// Key identifies the issuer→recipient debt relationship.
type Key [KeyLen]byte

// NewKey computes the deterministic note key for an (issuer, recipient)
// pair: Blake2b-512(issuer ‖ recipient).
func NewKey(issuer, recipient schnorr.PubKey) Key {
	buf := make([]byte, 0, schnorr.PubKeyLen*2)
	buf = append(buf, issuer[:]...)
	buf = append(buf, recipient[:]...)
	return blake2b.Sum512(buf)
}

// Note is a signed off-chain record of cumulative debt from an issuer to a
// recipient.
type Note struct {
	Recipient       schnorr.PubKey
	AmountCollected uint64
	AmountRedeemed  uint64
	Timestamp       uint64
	Signature       schnorr.Signature
}

// OutstandingDebt returns amount_collected - amount_redeemed, saturating at
// zero.
func (n Note) OutstandingDebt() uint64 {
	if n.AmountRedeemed >= n.AmountCollected {
		return 0
	}
	return n.AmountCollected - n.AmountRedeemed
}

// VerifySignature checks the note's signature against the claimed issuer.
func (n Note) VerifySignature(issuer schnorr.PubKey) error {
	return schnorr.Verify(n.Signature, n.Recipient, n.AmountCollected, n.Timestamp, issuer)
}

// CheckTimestamp rejects notes timestamped further in the future than the
// accepted clock skew (spec §4.D).
func CheckTimestamp(timestamp, now, skew uint64) error {
	if timestamp > now+skew {
		return ErrFutureTimestamp
	}
	return nil
}

// CheckMonotone enforces the update predicates of spec §4.D for a note
// replacing an existing one at the same key: amount_collected and
// timestamp must not decrease, and amount_redeemed must be unchanged (only
// UpdateRedeemed may change it).
func CheckMonotone(old, updated Note) error {
	if updated.AmountCollected < old.AmountCollected {
		return ErrNotMonotone
	}
	if updated.Timestamp < old.Timestamp {
		return ErrNotMonotone
	}
	if updated.AmountRedeemed != old.AmountRedeemed {
		return ErrNotMonotone
	}
	return nil
}

// CheckAmountOverflow reports ErrAmountOverflow if current+additional would
// overflow a uint64.
func CheckAmountOverflow(current, additional uint64) error {
	if additional > math.MaxUint64-current {
		return ErrAmountOverflow
	}
	return nil
}

// EncodeValue serializes a note for storage in the authenticated
// dictionary: issuer ‖ amount_collected_be8 ‖ amount_redeemed_be8 ‖
// timestamp_be8 ‖ signature ‖ recipient (spec §4.E).
func (n Note) EncodeValue(issuer schnorr.PubKey) []byte {
	buf := make([]byte, 0, EncodedLen)
	buf = append(buf, issuer[:]...)
	buf = binary.BigEndian.AppendUint64(buf, n.AmountCollected)
	buf = binary.BigEndian.AppendUint64(buf, n.AmountRedeemed)
	buf = binary.BigEndian.AppendUint64(buf, n.Timestamp)
	buf = append(buf, n.Signature[:]...)
	buf = append(buf, n.Recipient[:]...)
	return buf
}

// DecodeValue parses a note value as written by EncodeValue.
func DecodeValue(b []byte) (issuer schnorr.PubKey, n Note, err error) {
	if len(b) != EncodedLen {
		return issuer, n, ErrMalformedValue
	}
	off := 0
	copy(issuer[:], b[off:off+schnorr.PubKeyLen])
	off += schnorr.PubKeyLen

	n.AmountCollected = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	n.AmountRedeemed = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	n.Timestamp = binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	copy(n.Signature[:], b[off:off+schnorr.SigLen])
	off += schnorr.SigLen

	copy(n.Recipient[:], b[off:off+schnorr.PubKeyLen])

	return issuer, n, nil
}
