// Copyright (c) 2025 The Basis Tracker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package kvstore provides the crash-safe, partitioned embedded key-value
// store used by the authenticated dictionary engine, the control plane's
// event journal, and the scanner's metadata (spec §4.B).
// It is a thin, schema-agnostic layer over goleveldb: partitions are
// realized as byte-prefixed key ranges within one shared database so that
// writes spanning several partitions (e.g. a dictionary node plus its
// operation-log entry plus the sequence counter) can be committed as a
// single atomic transaction.
package kvstore

import (
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ErrNotFound is returned by Get when the key is absent from its partition.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a partitioned, durable key-value store backed by a single
// goleveldb database.
type Store struct {
	db *leveldb.DB
}

// Open opens (creating if necessary) a durable store at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// OpenMemory opens a purely in-memory store, for tests and recovery drills
// that don't need to survive a process restart.
func OpenMemory() (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), &opt.Options{})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Partition returns a keyed view over the store scoped to name. Distinct
// names never collide: the partition prefix is name plus a NUL separator,
// and partition names must not themselves contain NUL.
func (s *Store) Partition(name string) *Partition {
	return &Partition{db: s.db, prefix: partitionPrefix(name)}
}

func partitionPrefix(name string) []byte {
	p := make([]byte, 0, len(name)+1)
	p = append(p, name...)
	p = append(p, 0)
	return p
}

// NewTransaction begins an atomic, isolated transaction spanning the whole
// store. Use it to make a multi-partition write (e.g. node materialization
// plus operation-log append plus sequence counter bump) durable as one
// unit, per the ordering requirement in spec §4.C.
func (s *Store) NewTransaction() (*Tx, error) {
	t, err := s.db.OpenTransaction()
	if err != nil {
		return nil, err
	}
	return &Tx{t: t}, nil
}

// Partition is a byte-prefixed view over a Store.
type Partition struct {
	db     *leveldb.DB
	prefix []byte
}

func (p *Partition) key(k []byte) []byte {
	out := make([]byte, 0, len(p.prefix)+len(k))
	out = append(out, p.prefix...)
	out = append(out, k...)
	return out
}

// Get returns the value stored at k, or ErrNotFound.
func (p *Partition) Get(k []byte) ([]byte, error) {
	v, err := p.db.Get(p.key(k), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}

// Has reports whether k is present in the partition.
func (p *Partition) Has(k []byte) (bool, error) {
	return p.db.Has(p.key(k), nil)
}

// Put writes k=v directly (outside any transaction). Engine code that needs
// cross-partition atomicity should go through a Tx instead.
func (p *Partition) Put(k, v []byte) error {
	return p.db.Put(p.key(k), v, nil)
}

// Iterator returns an ordered iterator over keys in this partition carrying
// the given sub-prefix (may be nil for the whole partition). Keys yielded
// by the iterator have the partition prefix stripped.
func (p *Partition) Iterator(subPrefix []byte) *Iterator {
	rng := util.BytesPrefix(p.key(subPrefix))
	return &Iterator{it: p.db.NewIterator(rng, nil), prefixLen: len(p.prefix)}
}

// Iterator wraps a goleveldb iterator, stripping the partition prefix from
// returned keys.
type Iterator struct {
	it        iterator.Iterator
	prefixLen int
}

func (it *Iterator) Next() bool   { return it.it.Next() }
func (it *Iterator) Key() []byte  { return it.it.Key()[it.prefixLen:] }
func (it *Iterator) Value() []byte {
	return it.it.Value()
}
func (it *Iterator) Error() error { return it.it.Error() }
func (it *Iterator) Release()     { it.it.Release() }

// Tx is an atomic, multi-partition transaction.
type Tx struct {
	t *leveldb.Transaction
}

// Partition returns a transactional view of the named partition.
func (tx *Tx) Partition(name string) *TxPartition {
	return &TxPartition{t: tx.t, prefix: partitionPrefix(name)}
}

// Commit makes every write performed through this transaction durable.
func (tx *Tx) Commit() error {
	return tx.t.Commit()
}

// Discard abandons the transaction; safe to call after Commit as a no-op
// guard in a defer.
func (tx *Tx) Discard() {
	tx.t.Discard()
}

// TxPartition is a Partition-like view scoped to one transaction.
type TxPartition struct {
	t      *leveldb.Transaction
	prefix []byte
}

func (p *TxPartition) key(k []byte) []byte {
	out := make([]byte, 0, len(p.prefix)+len(k))
	out = append(out, p.prefix...)
	out = append(out, k...)
	return out
}

func (p *TxPartition) Get(k []byte) ([]byte, error) {
	v, err := p.t.Get(p.key(k), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}

func (p *TxPartition) Put(k, v []byte) error {
	return p.t.Put(p.key(k), v, nil)
}

func (p *TxPartition) Iterator(subPrefix []byte) *Iterator {
	rng := util.BytesPrefix(p.key(subPrefix))
	return &Iterator{it: p.t.NewIterator(rng, nil), prefixLen: len(p.prefix)}
}
