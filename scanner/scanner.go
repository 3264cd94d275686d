// Copyright (c) 2025 The Basis Tracker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package scanner implements the long-running blockchain observation loop
// that turns new blocks into reserve lifecycle events (spec §4.H). The
// protocol-specific part, "what counts as a reserve output and what its
// owner and collateral are", is delegated to a ReserveContractAdapter; the
// loop itself classifies a recurring box_id as a top-up or a partial
// redemption by the sign of its collateral change.
package scanner

import (
	"context"
	"encoding/binary"
	"errors"
	"time"

	"github.com/btcsuite/btclog"

	"github.com/BetterMoneyLabs/basis-tracker/kvstore"
	"github.com/BetterMoneyLabs/basis-tracker/reserve"
	"github.com/BetterMoneyLabs/basis-tracker/schnorr"
)

// log is a logger that is initialized with no output filters. This means
// the package will not perform any logging by default until the caller
// requests it.
var log btclog.Logger

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger btclog.Logger) {
	log = logger
}

func init() {
	DisableLog()
}

// DisableLog disables all library log output.
func DisableLog() {
	log = btclog.Disabled
}

// State is one of the scanner's lifecycle states (spec §4.H).
type State int

const (
	StateInactive State = iota
	StateRegistering
	StateActive
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateRegistering:
		return "registering"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// DefaultInterval and DefaultBatch are the spec §6 configuration defaults.
const (
	DefaultInterval = 30 * time.Second
	DefaultBatch    = 100
)

// ErrRegistrationFailed is returned when scan registration with the node
// does not succeed.
var ErrRegistrationFailed = errors.New("scanner: registration failed")

const (
	metaPartition      = "scanner_meta"
	metaKeyLastScanned = "last_scanned"
	metaKeyRegistered  = "registration_id"
)

// BlockHeader is the minimal header data the scanner needs per block.
type BlockHeader struct {
	ID     string
	Height uint64
}

// TxOutput is one transaction output as reported by the node, enough
// context for a ReserveContractAdapter to decide relevance.
type TxOutput struct {
	BoxID     reserve.BoxID
	Value     uint64
	Registers map[byte][]byte
	AssetIDs  [][]byte
}

// TxInput references a previously created box being spent.
type TxInput struct {
	BoxID reserve.BoxID
}

// Transaction is one block transaction's inputs and outputs.
type Transaction struct {
	Inputs  []TxInput
	Outputs []TxOutput
}

// NodeClient is the subset of node RPC the scanner needs; nodeclient.Client
// satisfies it.
type NodeClient interface {
	CurrentHeight(ctx context.Context) (uint64, error)
	BlockHeader(ctx context.Context, height uint64) (BlockHeader, error)
	BlockTransactions(ctx context.Context, blockID string) ([]Transaction, error)
	RegisterScan(ctx context.Context, filterAssetID []byte) (string, error)
	DeregisterScan(ctx context.Context, scanID string) error
}

// ReserveContractAdapter classifies transaction outputs as reserve boxes
// or not, in a protocol-specific way (spec §9 Open Question: the scanner
// cannot know the reserve contract's exact encoding without being told).
type ReserveContractAdapter interface {
	// Extract reports whether out is a reserve-contract box and, if so,
	// its owner and collateral value.
	Extract(out TxOutput) (owner schnorr.PubKey, collateral uint64, nftID []byte, ok bool)
}

// Event is one reserve lifecycle event emitted by a tick (spec §4.H).
type Event struct {
	Kind       EventKind
	BoxID      reserve.BoxID
	Owner      schnorr.PubKey
	Collateral uint64
	Height     uint64
}

// EventKind enumerates the reserve lifecycle transitions the scanner
// observes.
type EventKind int

const (
	EventReserveCreated EventKind = iota
	EventReserveSpent
	EventReserveToppedUp
	EventReserveRedeemed
)

// Scanner is the long-running loop of spec §4.H.
type Scanner struct {
	node      NodeClient
	adapter   ReserveContractAdapter
	reserves  *reserve.Tracker
	store     *kvstore.Partition
	filterID  []byte
	interval  time.Duration
	batch     uint64

	// OnEvent, if set, is invoked for every lifecycle event after the
	// corresponding Reserve Tracker mutation has been applied and before
	// last_scanned advances past the event's height.
	OnEvent func(Event)

	state      State
	scanID     string
	lastHeight uint64
	backoff    time.Duration
}

// Config holds scanner construction parameters (spec §4.H Initialization
// and §6 configuration table).
type Config struct {
	Node          NodeClient
	Adapter       ReserveContractAdapter
	Reserves      *reserve.Tracker
	Store         *kvstore.Store
	FilterAssetID []byte
	Interval      time.Duration
	Batch         uint64
}

// New constructs a Scanner in the Inactive state.
func New(cfg Config) *Scanner {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	batch := cfg.Batch
	if batch == 0 {
		batch = DefaultBatch
	}
	return &Scanner{
		node:     cfg.Node,
		adapter:  cfg.Adapter,
		reserves: cfg.Reserves,
		store:    cfg.Store.Partition(metaPartition),
		filterID: cfg.FilterAssetID,
		interval: interval,
		batch:    batch,
		state:    StateInactive,
		backoff:  time.Second,
	}
}

// State returns the scanner's current lifecycle state.
func (s *Scanner) State() State { return s.state }

// Register transitions Inactive -> Registering -> Active, persisting the
// returned scan registration id so it survives a restart.
func (s *Scanner) Register(ctx context.Context) error {
	s.state = StateRegistering

	restarted := false
	if raw, err := s.store.Get([]byte(metaKeyRegistered)); err == nil {
		s.scanID = string(raw)
		restarted = true
	} else if !errors.Is(err, kvstore.ErrNotFound) {
		return err
	}

	if !restarted {
		id, err := s.node.RegisterScan(ctx, s.filterID)
		if err != nil {
			s.state = StateInactive
			return ErrRegistrationFailed
		}
		if err := s.store.Put([]byte(metaKeyRegistered), []byte(id)); err != nil {
			return err
		}
		s.scanID = id
	}

	// last_scanned must be restored on both the restart and the
	// fresh-registration path: a restart resumes from wherever the prior
	// process left off (spec §4.H step 2), and a fresh registration may
	// still follow a prior deregistration that left last_scanned durable.
	if raw, err := s.store.Get([]byte(metaKeyLastScanned)); err == nil {
		s.lastHeight = binary.BigEndian.Uint64(raw)
	} else if !errors.Is(err, kvstore.ErrNotFound) {
		return err
	}

	s.state = StateActive
	return nil
}

// Deregister tears down the node-side scan registration and transitions
// back to Inactive.
func (s *Scanner) Deregister(ctx context.Context) error {
	if s.scanID != "" {
		if err := s.node.DeregisterScan(ctx, s.scanID); err != nil {
			log.Warnf("scanner: deregister failed: %v", err)
		}
	}
	s.state = StateInactive
	return nil
}

// Run drives the scanner loop on a fixed interval until ctx is canceled.
func (s *Scanner) Run(ctx context.Context) error {
	if err := s.Register(ctx); err != nil {
		return err
	}
	defer s.Deregister(context.Background())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				log.Errorf("scanner: tick failed: %v", err)
				s.sleepBackoff(ctx)
				continue
			}
			s.backoff = time.Second
		}
	}
}

func (s *Scanner) sleepBackoff(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(s.backoff):
	}
	if s.backoff < time.Minute {
		s.backoff *= 2
	}
}

// Tick performs one scan iteration: advance from last_scanned to the
// node's current height (bounded by batch), applying reserve mutations
// and passing each event to OnEvent as it goes (spec §4.H). Tick itself
// does not write events to any journal.
func (s *Scanner) Tick(ctx context.Context) error {
	height, err := s.node.CurrentHeight(ctx)
	if err != nil {
		return err
	}

	target := height
	if target > s.lastHeight+s.batch {
		target = s.lastHeight + s.batch
	}

	for h := s.lastHeight + 1; h <= target; h++ {
		header, err := s.node.BlockHeader(ctx, h)
		if err != nil {
			log.Warnf("scanner: header fetch failed at height %d: %v", h, err)
			return nil
		}
		txs, err := s.node.BlockTransactions(ctx, header.ID)
		if err != nil {
			log.Warnf("scanner: tx fetch failed at height %d: %v", h, err)
			return nil
		}

		s.applyBlock(h, txs)

		if err := s.advanceLastScanned(h); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scanner) applyBlock(height uint64, txs []Transaction) {
	for _, tx := range txs {
		for _, out := range tx.Outputs {
			owner, collateral, nftID, ok := s.adapter.Extract(out)
			if !ok {
				continue
			}
			existing, lookupErr := s.reserves.GetByBoxID(out.BoxID)
			s.reserves.UpdateReserve(reserve.Reserve{
				BoxID:      out.BoxID,
				Owner:      owner,
				Collateral: collateral,
				LastHeight: height,
				NFTID:      nftID,
			})
			if lookupErr == nil {
				switch {
				case collateral > existing.Collateral:
					s.publish(Event{Kind: EventReserveToppedUp, BoxID: out.BoxID, Owner: owner, Collateral: collateral, Height: height})
				case collateral < existing.Collateral:
					s.publish(Event{Kind: EventReserveRedeemed, BoxID: out.BoxID, Owner: owner, Collateral: collateral, Height: height})
				}
			} else {
				s.publish(Event{Kind: EventReserveCreated, BoxID: out.BoxID, Owner: owner, Collateral: collateral, Height: height})
			}
		}
		for _, in := range tx.Inputs {
			if r, err := s.reserves.GetByBoxID(in.BoxID); err == nil {
				s.reserves.RemoveReserve(in.BoxID)
				s.publish(Event{Kind: EventReserveSpent, BoxID: in.BoxID, Owner: r.Owner, Height: height})
			}
		}
	}
}

func (s *Scanner) publish(ev Event) {
	if s.OnEvent != nil {
		s.OnEvent(ev)
	}
}

func (s *Scanner) advanceLastScanned(height uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], height)
	if err := s.store.Put([]byte(metaKeyLastScanned), buf[:]); err != nil {
		return err
	}
	s.lastHeight = height
	return nil
}
