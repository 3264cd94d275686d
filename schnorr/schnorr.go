// Copyright (c) 2025 The Basis Tracker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package schnorr implements the Schnorr signature scheme over secp256k1
// used to authenticate IOU notes. The scheme is deliberately not BIP-340:
// the challenge hash is Blake2b-512 rather than a tagged SHA-256, and the
// signed message layout is fixed by the note protocol (see SigningMessage).
// Any change to the challenge construction invalidates every previously
// issued note.
package schnorr

import (
	"encoding/binary"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/blake2b"
)

const (
	// PubKeyLen is the length in bytes of a compressed secp256k1 public key.
	PubKeyLen = 33

	// SigLen is the length in bytes of a signature: a 33-byte compressed
	// nonce point followed by a 32-byte scalar.
	SigLen = 65
)

var (
	// ErrInvalidPublicKey is returned when a public key is the wrong
	// length, carries an unrecognized prefix byte, or does not decode to
	// a point on the curve.
	ErrInvalidPublicKey = errors.New("schnorr: invalid public key")

	// ErrInvalidSignatureFormat is returned when a signature fails basic
	// structural checks: wrong length, an unparseable nonce point, an
	// all-zero scalar, or a scalar that is not reduced modulo the group
	// order.
	ErrInvalidSignatureFormat = errors.New("schnorr: invalid signature format")

	// ErrInvalidSignature is returned when a well-formed signature fails
	// to verify against the claimed message and public key.
	ErrInvalidSignature = errors.New("schnorr: signature verification failed")
)

// PubKey is a compressed secp256k1 public key.
type PubKey [PubKeyLen]byte

// Signature is a Schnorr signature: the concatenation of a 33-byte
// compressed nonce point and a 32-byte scalar.
type Signature [SigLen]byte

// ParsePubKey validates and wraps a raw compressed public key.
func ParsePubKey(b []byte) (PubKey, error) {
	var pk PubKey
	if len(b) != PubKeyLen || (b[0] != 0x02 && b[0] != 0x03) {
		return pk, ErrInvalidPublicKey
	}
	if _, err := btcec.ParsePubKey(b); err != nil {
		return pk, ErrInvalidPublicKey
	}
	copy(pk[:], b)
	return pk, nil
}

// ParseSignature validates and wraps a raw 65-byte signature.
func ParseSignature(b []byte) (Signature, error) {
	var sig Signature
	if err := validateSignatureFormat(b); err != nil {
		return sig, err
	}
	copy(sig[:], b)
	return sig, nil
}

func validateSignatureFormat(b []byte) error {
	if len(b) != SigLen {
		return ErrInvalidSignatureFormat
	}
	if b[0] != 0x02 && b[0] != 0x03 {
		return ErrInvalidSignatureFormat
	}
	zBytes := b[PubKeyLen:SigLen]
	allZero := true
	for _, v := range zBytes {
		if v != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return ErrInvalidSignatureFormat
	}
	return nil
}

// SigningMessage builds the canonical message committed to by a Schnorr
// signature over an IOU note: recipient || amount_be8 || timestamp_be8.
func SigningMessage(recipient PubKey, amount, timestamp uint64) []byte {
	msg := make([]byte, 0, PubKeyLen+8+8)
	msg = append(msg, recipient[:]...)
	msg = binary.BigEndian.AppendUint64(msg, amount)
	msg = binary.BigEndian.AppendUint64(msg, timestamp)
	return msg
}

// challengeScalar computes e = H(a || message || issuerPubKey) mod n, where
// H is Blake2b-512 and e is taken from the left 32 bytes of the digest,
// interpreted big-endian.
func challengeScalar(a, message, issuerPubKey []byte) btcec.ModNScalar {
	digest := blake2b.Sum512(append(append(append([]byte{}, a...), message...), issuerPubKey...))

	var e btcec.ModNScalar
	e.SetByteSlice(digest[:32])
	return e
}

// GeneratePrivateKey returns a fresh random secp256k1 private key, for use
// by tests and the out-of-core key management surface.
func GeneratePrivateKey() (*btcec.PrivateKey, error) {
	return btcec.NewPrivateKey()
}

// Derive returns the compressed public key for a private key.
func Derive(priv *btcec.PrivateKey) PubKey {
	var pk PubKey
	copy(pk[:], priv.PubKey().SerializeCompressed())
	return pk
}

// Sign produces a Schnorr signature over SigningMessage(recipient, amount,
// timestamp) under issuerPriv, following §4.A of the tracker specification:
// pick a random nonce k, let a = k·G, e = H(a‖m‖issuerPub) mod n, z = k +
// e·s mod n.
func Sign(issuerPriv *btcec.PrivateKey, recipient PubKey, amount, timestamp uint64) (Signature, error) {
	var sig Signature

	issuerPub := issuerPriv.PubKey().SerializeCompressed()
	msg := SigningMessage(recipient, amount, timestamp)

	noncePriv, err := btcec.NewPrivateKey()
	if err != nil {
		return sig, err
	}
	aBytes := noncePriv.PubKey().SerializeCompressed()

	e := challengeScalar(aBytes, msg, issuerPub)

	var z btcec.ModNScalar
	z.Mul2(&e, &issuerPriv.Key).Add(&noncePriv.Key)
	if z.IsZero() {
		return sig, ErrInvalidSignature
	}

	copy(sig[:PubKeyLen], aBytes)
	zBytes := z.Bytes()
	copy(sig[PubKeyLen:], zBytes[:])
	return sig, nil
}

// Verify checks a signature over SigningMessage(recipient, amount,
// timestamp) under the claimed issuer public key, following §4.A: parse a
// and z, recompute e, accept iff z·G == a + e·issuerPub.
func Verify(sig Signature, recipient PubKey, amount, timestamp uint64, issuerPub PubKey) error {
	if _, err := ParsePubKey(issuerPub[:]); err != nil {
		return err
	}
	if err := validateSignatureFormat(sig[:]); err != nil {
		return err
	}

	aBytes := sig[:PubKeyLen]
	zBytes := sig[PubKeyLen:SigLen]

	aPoint, err := btcec.ParsePubKey(aBytes)
	if err != nil {
		return ErrInvalidSignatureFormat
	}
	issuerPoint, err := btcec.ParsePubKey(issuerPub[:])
	if err != nil {
		return ErrInvalidPublicKey
	}

	var z btcec.ModNScalar
	if overflow := z.SetByteSlice(zBytes); overflow {
		return ErrInvalidSignatureFormat
	}

	msg := SigningMessage(recipient, amount, timestamp)
	e := challengeScalar(aBytes, msg, issuerPub[:])

	var zPriv btcec.PrivateKey
	zPriv.Key = z
	lhs := zPriv.PubKey()

	var issuerJ, tweakJ, aJ, sumJ btcec.JacobianPoint
	issuerPoint.AsJacobian(&issuerJ)
	btcec.ScalarMultNonConst(&e, &issuerJ, &tweakJ)
	aPoint.AsJacobian(&aJ)
	btcec.AddNonConst(&aJ, &tweakJ, &sumJ)
	sumJ.ToAffine()
	rhs := btcec.NewPublicKey(&sumJ.X, &sumJ.Y)

	if !lhs.IsEqual(rhs) {
		return ErrInvalidSignature
	}
	return nil
}
