// Copyright (c) 2025 The Basis Tracker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package dict implements the persistent AVL+ authenticated dictionary
// engine: a height-balanced, content-addressed binary search tree whose
// nodes are referenced by digest rather than pointer (spec §4.C, §9 "AVL+
// tree as a value, not a reference graph"). Keys are fixed at 64 bytes;
// values are variable length and live only in leaves.
package dict

import (
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/blake2b"
)

// KeyLen is the fixed length of a dictionary key (spec §3, note key).
const KeyLen = 64

// DigestLen is the length of a node digest (Blake2b-256).
const DigestLen = 32

// RootDigestLen is the length of the public root commitment: a one-byte
// tree height prefix followed by the 32-byte digest of the root subtree.
const RootDigestLen = 1 + DigestLen

// Key is a fixed-width dictionary key.
type Key [KeyLen]byte

// Digest is the content hash of one tree node.
type Digest [DigestLen]byte

// emptyDigest is the sentinel used in an internal node's Left/Right fields
// to mean "no child" and as the in-memory representation of an empty tree.
// It is never written to storage on its own.
var emptyDigest Digest

// EmptyRootHash is the digest of the empty tree, distinct from any real
// node's hash by construction (leaf and internal encodings always start
// with 0x00 or 0x01; this tag is 0xFE).
var EmptyRootHash = blake2b.Sum256([]byte{0xFE})

// RootDigest is the 33-byte public commitment to the dictionary's current
// state (spec §3): a one-byte height prefix and the 32-byte root hash.
type RootDigest [RootDigestLen]byte

// NewRootDigest packs a height and hash into a RootDigest.
func NewRootDigest(height uint8, hash Digest) RootDigest {
	var rd RootDigest
	rd[0] = height
	copy(rd[1:], hash[:])
	return rd
}

// Height returns the tree height encoded in the root digest.
func (rd RootDigest) Height() uint8 { return rd[0] }

// Hash returns the 32-byte root subtree hash encoded in the root digest.
func (rd RootDigest) Hash() Digest {
	var d Digest
	copy(d[:], rd[1:])
	return d
}

// emptyRootDigest is the root digest of a dictionary with zero entries.
func emptyRootDigest() RootDigest {
	return NewRootDigest(0, EmptyRootHash)
}

const (
	tagLeaf     byte = 0x00
	tagInternal byte = 0x01
)

// Node is one node of the AVL+ tree. Leaves hold a key and value; internal
// nodes hold balance metadata (Height) and their children's digests plus a
// routing separator equal to the minimum key in the right subtree.
type Node struct {
	Leaf   bool
	Height uint8
	Key    Key // leaf: the entry's key. internal: the routing separator.
	Value  []byte
	Left   Digest
	Right  Digest
}

// ErrMalformedNode is returned when decoding a stored node fails.
var ErrMalformedNode = errors.New("dict: malformed node encoding")

// Encode serializes a node for content addressing and storage.
func (n *Node) Encode() []byte {
	if n.Leaf {
		buf := make([]byte, 0, 1+KeyLen+4+len(n.Value))
		buf = append(buf, tagLeaf)
		buf = append(buf, n.Key[:]...)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(n.Value)))
		buf = append(buf, n.Value...)
		return buf
	}
	buf := make([]byte, 0, 1+1+KeyLen+DigestLen*2)
	buf = append(buf, tagInternal, n.Height)
	buf = append(buf, n.Key[:]...)
	buf = append(buf, n.Left[:]...)
	buf = append(buf, n.Right[:]...)
	return buf
}

// Digest returns the content hash of the node.
func (n *Node) Digest() Digest {
	return blake2b.Sum256(n.Encode())
}

// DecodeNode parses a node as written by Node.Encode.
func DecodeNode(b []byte) (*Node, error) {
	if len(b) < 1+KeyLen {
		return nil, ErrMalformedNode
	}
	n := &Node{}
	switch b[0] {
	case tagLeaf:
		n.Leaf = true
		copy(n.Key[:], b[1:1+KeyLen])
		off := 1 + KeyLen
		if len(b) < off+4 {
			return nil, ErrMalformedNode
		}
		vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
		off += 4
		if len(b) != off+vlen {
			return nil, ErrMalformedNode
		}
		n.Value = append([]byte(nil), b[off:off+vlen]...)
		return n, nil
	case tagInternal:
		if len(b) != 1+1+KeyLen+DigestLen*2 {
			return nil, ErrMalformedNode
		}
		n.Height = b[1]
		off := 2
		copy(n.Key[:], b[off:off+KeyLen])
		off += KeyLen
		copy(n.Left[:], b[off:off+DigestLen])
		off += DigestLen
		copy(n.Right[:], b[off:off+DigestLen])
		return n, nil
	default:
		return nil, ErrMalformedNode
	}
}
