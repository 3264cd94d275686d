// Copyright (c) 2025 The Basis Tracker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package dict

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/BetterMoneyLabs/basis-tracker/kvstore"
)

const (
	partitionNodes       = "dict_nodes"
	partitionOps         = "dict_ops"
	partitionCheckpoints = "dict_checkpoints"
	partitionMeta        = "dict_meta"

	metaKeyRoot   = "root"
	metaKeySeq    = "seq"
	metaKeyLastCP = "last_checkpoint"
)

// ErrSequenceGap is returned by recovery when the operation log is missing
// an entry between two sequence numbers it otherwise holds.
var ErrSequenceGap = errors.New("dict: operation log has a sequence gap")

// ErrRecoveryMismatch is returned by recovery when replaying the operation
// log does not reproduce the root digest recorded in metadata.
var ErrRecoveryMismatch = errors.New("dict: replay did not reproduce recorded root")

// Clock supplies the current time for operation timestamps, overridable in
// tests.
type Clock func() uint64

// Engine is the persistent AVL+ authenticated dictionary (spec §3, §4.C).
// All dictionary operations are serialized by the caller (the control
// plane owns the single writer); Engine's own mutex exists to make
// concurrent reads (Lookup, GenerateProof, RootDigest) safe against a
// concurrent writer.
type Engine struct {
	mu sync.RWMutex

	store       *kvstore.Store
	nodes       *kvstore.Partition
	operations  *kvstore.Partition
	checkpoints *kvstore.Partition
	metadata    *kvstore.Partition

	// cache holds nodes already read from or written to storage during
	// this process's lifetime, keyed by digest; it is never evicted
	// since nodes are immutable and content-addressed.
	cache map[Digest]*Node

	// pending holds nodes staged by the in-flight mutation, cleared after
	// every Insert/Update regardless of outcome.
	pending map[Digest]*Node

	root        Digest
	height      uint8
	currentSeq  uint64
	lastCPID    uint64
	now         Clock
}

// Open opens or creates a dictionary engine backed by store, replaying the
// operation log to recover the in-memory root if the process previously
// crashed between a checkpoint and its next write (spec §9 "recovery is
// replay").
func Open(store *kvstore.Store, now Clock) (*Engine, error) {
	e := &Engine{
		store:       store,
		nodes:       store.Partition(partitionNodes),
		operations:  store.Partition(partitionOps),
		checkpoints: store.Partition(partitionCheckpoints),
		metadata:    store.Partition(partitionMeta),
		cache:       make(map[Digest]*Node),
		pending:     make(map[Digest]*Node),
		now:         now,
	}

	if err := e.recover(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) resetPending() {
	e.pending = make(map[Digest]*Node)
}

// commitPending persists every staged node into the cache and the nodes
// partition as part of tx, then clears the pending set.
func (e *Engine) commitPending(tx *kvstore.Tx) {
	np := tx.Partition(partitionNodes)
	for d, n := range e.pending {
		np.Put(d[:], n.Encode())
		e.cache[d] = n
	}
	e.resetPending()
}

// encodeRootDigest packs the engine's internal root representation into
// the public RootDigest commitment, mapping the empty-tree sentinel
// (emptyDigest) to the domain-separated EmptyRootHash so a fresh
// dictionary publishes the same commitment emptyRootDigest() describes,
// not an all-zero digest.
func encodeRootDigest(root Digest, height uint8) RootDigest {
	if root == emptyDigest {
		return NewRootDigest(0, EmptyRootHash)
	}
	return NewRootDigest(height, root)
}

// decodeRootDigest is the inverse of encodeRootDigest: it maps the
// published EmptyRootHash commitment back to the internal emptyDigest
// sentinel so recovery never mistakes it for a real node digest.
func decodeRootDigest(rd RootDigest) (Digest, uint8) {
	hash := rd.Hash()
	if hash == EmptyRootHash && rd.Height() == 0 {
		return emptyDigest, 0
	}
	return hash, rd.Height()
}

// RootDigest returns the current public commitment to the dictionary's
// contents.
func (e *Engine) RootDigest() RootDigest {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return encodeRootDigest(e.root, e.height)
}

// Sequence returns the sequence number of the most recently applied
// operation (0 if none has been applied).
func (e *Engine) Sequence() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.currentSeq
}

// Insert adds a new key-value pair. It fails with ErrKeyExists if key is
// already present.
func (e *Engine) Insert(key Key, value []byte) (RootDigest, error) {
	return e.apply(OpInsert, key, value)
}

// Update replaces the value at an existing key. It fails with
// ErrKeyNotFound if key is absent.
func (e *Engine) Update(key Key, value []byte) (RootDigest, error) {
	return e.apply(OpUpdate, key, value)
}

func (e *Engine) apply(kind OperationKind, key Key, value []byte) (RootDigest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var previousValue []byte
	if kind == OpUpdate {
		n, err := e.get(e.root, key, nil)
		if err != nil {
			e.resetPending()
			return RootDigest{}, err
		}
		if n == nil || !bytes.Equal(n.Key[:], key[:]) {
			e.resetPending()
			return RootDigest{}, ErrKeyNotFound
		}
		previousValue = n.Value
	}

	rootBefore := encodeRootDigest(e.root, e.height)

	newRoot, newHeight, err := e.put(e.root, key, value, kind)
	if err != nil {
		e.resetPending()
		return RootDigest{}, err
	}

	seq := e.currentSeq + 1
	ts := e.now()
	entry := OperationLogEntry{
		Sequence:      seq,
		Kind:          kind,
		Timestamp:     ts,
		Key:           key,
		Value:         value,
		PreviousValue: previousValue,
		RootBefore:    rootBefore,
		RootAfter:     encodeRootDigest(newRoot, newHeight),
	}

	tx, err := e.store.NewTransaction()
	if err != nil {
		e.resetPending()
		return RootDigest{}, err
	}
	defer tx.Discard()

	e.commitPending(tx)
	tx.Partition(partitionOps).Put(seqKey(seq), entry.Encode())
	tx.Partition(partitionMeta).Put([]byte(metaKeyRoot), entry.RootAfter[:])
	tx.Partition(partitionMeta).Put([]byte(metaKeySeq), seqKey(seq))

	if err := tx.Commit(); err != nil {
		e.resetPending()
		return RootDigest{}, err
	}

	e.root = newRoot
	e.height = newHeight
	e.currentSeq = seq
	return entry.RootAfter, nil
}

// Lookup returns the value stored at key, or ErrKeyNotFound.
func (e *Engine) Lookup(key Key) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	n, err := e.get(e.root, key, nil)
	if err != nil {
		return nil, err
	}
	if n == nil || !bytes.Equal(n.Key[:], key[:]) {
		return nil, ErrKeyNotFound
	}
	return n.Value, nil
}

// GenerateProof returns an authenticated membership or non-membership
// proof for key against the current root.
func (e *Engine) GenerateProof(key Key) (*MembershipProof, *NonMembershipProof, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var path []AuditStep
	n, err := e.get(e.root, key, &path)
	if err != nil {
		return nil, nil, err
	}
	if n == nil {
		return nil, nil, ErrKeyNotFound
	}
	if bytes.Equal(n.Key[:], key[:]) {
		return &MembershipProof{Key: n.Key, Value: n.Value, Path: path}, nil, nil
	}
	return nil, &NonMembershipProof{Key: key, NeighborKey: n.Key, NeighborValue: n.Value, Path: path}, nil
}

// Iterate visits every key-value pair currently stored, in ascending key
// order, stopping early if fn returns an error.
func (e *Engine) Iterate(fn func(key Key, value []byte) error) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.walk(e.root, fn)
}

// CreateCheckpoint snapshots the current dictionary state so recovery can
// skip replaying the full operation log from the beginning.
func (e *Engine) CreateCheckpoint(id uint64) (Checkpoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	blob, count, err := e.serializeTree(e.root)
	if err != nil {
		return Checkpoint{}, err
	}

	cp := Checkpoint{
		CheckpointID:      id,
		Timestamp:         e.now(),
		RootDigest:        encodeRootDigest(e.root, e.height),
		OperationSequence: e.currentSeq,
		NodeCount:         count,
		SerializedTree:    blob,
	}

	tx, err := e.store.NewTransaction()
	if err != nil {
		return Checkpoint{}, err
	}
	defer tx.Discard()

	tx.Partition(partitionCheckpoints).Put(checkpointKey(id), cp.Encode())
	tx.Partition(partitionMeta).Put([]byte(metaKeyLastCP), checkpointKey(id))
	if err := tx.Commit(); err != nil {
		return Checkpoint{}, err
	}
	e.lastCPID = id
	return cp, nil
}

// recover restores in-memory state at startup: load the latest checkpoint
// if any, then replay every operation-log entry after it, verifying
// sequence continuity and that the final root matches what metadata
// recorded as current.
func (e *Engine) recover() error {
	e.root = emptyDigest
	e.height = 0
	e.currentSeq = 0

	startSeq := uint64(1)

	if raw, err := e.metadata.Get([]byte(metaKeyLastCP)); err == nil {
		id := binary.BigEndian.Uint64(raw)
		cpRaw, err := e.checkpoints.Get(checkpointKey(id))
		if err != nil {
			return err
		}
		cp, err := DecodeCheckpoint(cpRaw)
		if err != nil {
			return err
		}
		if len(cp.SerializedTree) > 0 {
			if err := e.restoreSerializedTree(cp.SerializedTree); err != nil {
				return err
			}
		}
		e.root, e.height = decodeRootDigest(cp.RootDigest)
		e.currentSeq = cp.OperationSequence
		e.lastCPID = id
		startSeq = cp.OperationSequence + 1
	} else if !errors.Is(err, kvstore.ErrNotFound) {
		return err
	}

	it := e.operations.Iterator(nil)
	defer it.Release()

	expected := startSeq
	for it.Next() {
		entry, err := DecodeOperationLogEntry(it.Value())
		if err != nil {
			return err
		}
		if entry.Sequence < startSeq {
			continue
		}
		if entry.Sequence != expected {
			return ErrSequenceGap
		}
		newRoot, newHeight, err := e.put(e.root, entry.Key, entry.Value, entry.Kind)
		if err != nil {
			return err
		}
		if encodeRootDigest(newRoot, newHeight) != entry.RootAfter {
			return ErrRecoveryMismatch
		}
		// Materialize replayed nodes into the durable nodes partition
		// immediately: recovery runs outside the normal apply() path
		// and has no surrounding transaction to piggyback on.
		for d, n := range e.pending {
			e.nodes.Put(d[:], n.Encode())
			e.cache[d] = n
		}
		e.resetPending()

		e.root = newRoot
		e.height = newHeight
		e.currentSeq = entry.Sequence
		expected++
	}
	if err := it.Error(); err != nil {
		return err
	}

	if raw, err := e.metadata.Get([]byte(metaKeyRoot)); err == nil {
		var recorded RootDigest
		copy(recorded[:], raw)
		if recorded != encodeRootDigest(e.root, e.height) {
			return ErrRecoveryMismatch
		}
	} else if !errors.Is(err, kvstore.ErrNotFound) {
		return err
	}

	return nil
}
