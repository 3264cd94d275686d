// Copyright (c) 2025 The Basis Tracker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package publisher implements the periodic task that submits the current
// authenticated-dictionary root to the blockchain (spec §4.I). It is
// timer-driven like the teacher's mining/mobilex pool submission loop:
// a ticker plus a cancel signal, one RPC call per tick, no internal queue.
package publisher

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/btcsuite/btclog"

	"github.com/BetterMoneyLabs/basis-tracker/dict"
	"github.com/BetterMoneyLabs/basis-tracker/internal/trklog"
	"github.com/BetterMoneyLabs/basis-tracker/nodeclient"
	"github.com/BetterMoneyLabs/basis-tracker/schnorr"
)

var log btclog.Logger = trklog.NewSubsystemLogger(trklog.SubsystemPublisher)

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// DefaultInterval is the spec §6 default tick period.
const DefaultInterval = 600 * time.Second

// r5TypeTag, r5InsertFlag, r5KeyLenByte, r5ValLenByte are the fixed bytes
// of the R5 payload besides the root digest itself (spec §6, §8 invariant
// 7): type tag 0x64, a one-byte insert flag, and the fixed key-length
// (0x20) and value-length (0x00) bytes of that layout.
const (
	r5TypeTag    = 0x64
	r5InsertFlag = 0x01
	r5KeyLenByte = 0x20
	r5ValLenByte = 0x00
)

// SharedState is the small structure the publisher reads from on every
// tick: the dictionary's latest root digest and the tracker's public key,
// updated by the control plane after each durable mutation and read under
// a short-held lock (spec §5).
type SharedState struct {
	mu            sync.RWMutex
	rootDigest    dict.RootDigest
	trackerPubKey schnorr.PubKey
}

// NewSharedState constructs shared publisher state for a fixed tracker
// public key; the root digest starts at the empty dictionary's value until
// the first SetRootDigest call.
func NewSharedState(trackerPubKey schnorr.PubKey) *SharedState {
	return &SharedState{
		rootDigest:    dict.NewRootDigest(0, dict.EmptyRootHash),
		trackerPubKey: trackerPubKey,
	}
}

// SetRootDigest updates the published root. Called by the control plane
// immediately after every durable tree mutation (spec §5 "root visibility").
func (s *SharedState) SetRootDigest(root dict.RootDigest) {
	s.mu.Lock()
	s.rootDigest = root
	s.mu.Unlock()
}

// RootDigest returns the most recently published root.
func (s *SharedState) RootDigest() dict.RootDigest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rootDigest
}

// TrackerPubKey returns the configured tracker public key (spec §9 open
// question: treated as the same key used for redemption co-signing).
func (s *SharedState) TrackerPubKey() schnorr.PubKey {
	return s.trackerPubKey
}

// NodeSubmitter is the subset of nodeclient.Client the publisher needs.
type NodeSubmitter interface {
	SendPayment(ctx context.Context, reqs []nodeclient.PaymentRequest) (string, error)
}

// Config configures a Publisher.
type Config struct {
	Node            NodeSubmitter
	State           *SharedState
	ContractNFTID   string // contract-scoped asset id carried as an output asset
	ContractAddress string // the tracker contract's address
	FeeAddress      string // node-standard fee contract address, if any (spec §6)
	BoxValue        uint64 // minimum box value
	Fee             uint64 // spec §6 transaction.fee default 1,000,000
	Interval        time.Duration
	DryRun          bool // spec §4.I "dry-run" mode
}

// Publisher is the periodic task of spec §4.I.
type Publisher struct {
	node            NodeSubmitter
	state           *SharedState
	contractNFTID   string
	contractAddress string
	feeAddress      string
	boxValue        uint64
	fee             uint64
	interval        time.Duration
	dryRun          bool
}

// New constructs a Publisher in dry-run-aware configuration.
func New(cfg Config) *Publisher {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Publisher{
		node:            cfg.Node,
		state:           cfg.State,
		contractNFTID:   cfg.ContractNFTID,
		contractAddress: cfg.ContractAddress,
		feeAddress:      cfg.FeeAddress,
		boxValue:        cfg.BoxValue,
		fee:             cfg.Fee,
		interval:        interval,
		dryRun:          cfg.DryRun,
	}
}

// BuildRegisters computes the R4/R5 register payload for the current
// shared state (spec §6, §8 invariant 7): R4 is the tracker public key as
// a compressed group-element constant; R5 is the type-tagged authenticated
// dictionary encoding 0x64 ‖ root[33] ‖ 0x01 ‖ 0x20 ‖ 0x00.
func (p *Publisher) BuildRegisters() map[string]string {
	root := p.state.RootDigest()
	pubKey := p.state.TrackerPubKey()

	r5 := make([]byte, 0, 1+dict.RootDigestLen+3)
	r5 = append(r5, r5TypeTag)
	r5 = append(r5, root[:]...)
	r5 = append(r5, r5InsertFlag, r5KeyLenByte, r5ValLenByte)

	return map[string]string{
		"R4": hex.EncodeToString(groupElementConstant(pubKey)),
		"R5": hex.EncodeToString(r5),
	}
}

// groupElementConstant wraps a compressed public key as an ErgoTree
// group-element constant: type byte 0x07 followed by the 33-byte point
// encoding, matching the node's register serialization for a
// GroupElement-typed register (spec §4.I R4).
func groupElementConstant(pubKey schnorr.PubKey) []byte {
	buf := make([]byte, 0, 1+schnorr.PubKeyLen)
	buf = append(buf, 0x07)
	buf = append(buf, pubKey[:]...)
	return buf
}

// Tick submits (or, in dry-run mode, logs) one root-publication
// transaction using the then-current shared state. Submission failure is
// logged and never queued: the next tick retries with whatever root is
// current at that time (spec §4.I).
func (p *Publisher) Tick(ctx context.Context) error {
	registers := p.BuildRegisters()

	req := nodeclient.PaymentRequest{
		Address:   p.contractAddress,
		Value:     p.boxValue,
		Registers: registers,
	}
	if p.contractNFTID != "" {
		req.Assets = []nodeclient.PaymentAsset{{TokenID: p.contractNFTID, Amount: 1}}
	}

	reqs := []nodeclient.PaymentRequest{req}
	if p.feeAddress != "" && p.fee > 0 {
		reqs = append(reqs, nodeclient.PaymentRequest{Address: p.feeAddress, Value: p.fee})
	}

	if p.dryRun {
		log.Infof("publisher: dry-run, would submit root %x via %s", p.state.RootDigest(), req.Address)
		return nil
	}

	txID, err := p.node.SendPayment(ctx, reqs)
	if err != nil {
		log.Errorf("publisher: submission failed: %v", err)
		return err
	}
	log.Infof("publisher: submitted root %x as tx %s", p.state.RootDigest(), txID)
	return nil
}

// Run drives the publisher loop on a fixed interval until ctx is canceled,
// matching the timer-plus-cancel-signal shape of spec §4.I.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Tick(ctx); err != nil {
				continue // failure already logged in Tick; next tick retries.
			}
		}
	}
}

