// Copyright (c) 2025 The Basis Tracker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package controlplane implements the serialized command channel in front
// of the tracker state manager (spec §4.J): every mutating and reading
// operation is funneled through one worker goroutine draining a Go
// channel, preserving the single-writer invariant on the authenticated
// dictionary without locking it explicitly (spec §9). It also owns the
// event journal and the glue between note events and reserve debt
// attribution (spec §4.F "writes from the tracker state manager are
// additive") and the checkpoint policy of spec §3.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/davecgh/go-spew/spew"

	"github.com/BetterMoneyLabs/basis-tracker/dict"
	"github.com/BetterMoneyLabs/basis-tracker/internal/trklog"
	"github.com/BetterMoneyLabs/basis-tracker/note"
	"github.com/BetterMoneyLabs/basis-tracker/redemption"
	"github.com/BetterMoneyLabs/basis-tracker/reserve"
	"github.com/BetterMoneyLabs/basis-tracker/schnorr"
	"github.com/BetterMoneyLabs/basis-tracker/tracker"
)

var log btclog.Logger = trklog.NewSubsystemLogger(trklog.SubsystemControlPlane)

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger btclog.Logger) {
	log = logger
}

var errMalformedEntry = errors.New("controlplane: malformed journal entry")

// ErrNoReserve is returned by AddNote when the issuer controls no tracked
// reserve: a note cannot be collateralized against nothing.
var ErrNoReserve = errors.New("controlplane: issuer has no tracked reserve")

// RootObserver receives the dictionary's root digest after every durable
// mutation (spec §5 "shared tracker state... written after each successful
// tree mutation"). publisher.SharedState satisfies this.
type RootObserver interface {
	SetRootDigest(root dict.RootDigest)
}

// Config constructs a ControlPlane.
type Config struct {
	Tracker    *tracker.Tracker
	Reserves   *reserve.Tracker
	Redemption *redemption.Coordinator
	Journal    *Journal
	RootState  RootObserver // optional
	Now        func() uint64
	QueueDepth int // command channel buffer size; 0 uses a sane default
}

// ControlPlane is the command-channel front end of spec §4.J.
type ControlPlane struct {
	tracker    *tracker.Tracker
	reserves   *reserve.Tracker
	redemption *redemption.Coordinator
	journal    *Journal
	rootState  RootObserver
	now        func() uint64

	cmds chan command
	done chan struct{}
}

// defaultQueueDepth bounds how many in-flight commands may queue before a
// caller blocks on submission.
const defaultQueueDepth = 64

// New constructs a ControlPlane and starts its command worker. Callers
// must invoke Close when finished to drain and stop the worker goroutine.
func New(cfg Config) *ControlPlane {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	now := cfg.Now
	if now == nil {
		now = func() uint64 { return uint64(time.Now().Unix()) }
	}

	cp := &ControlPlane{
		tracker:    cfg.Tracker,
		reserves:   cfg.Reserves,
		redemption: cfg.Redemption,
		journal:    cfg.Journal,
		rootState:  cfg.RootState,
		now:        now,
		cmds:       make(chan command, depth),
		done:       make(chan struct{}),
	}

	cp.tracker.OnNoteUpdated = cp.onNoteUpdated

	go cp.run()
	return cp
}

// Close stops accepting new commands and waits for the worker to drain
// whatever is already queued.
func (cp *ControlPlane) Close() {
	close(cp.cmds)
	<-cp.done
}

func (cp *ControlPlane) run() {
	defer close(cp.done)
	for cmd := range cp.cmds {
		cmd.execute(cp)
	}
}

// command is a one-shot request carrying its own reply channel (spec §4.J:
// "every variant carries a one-shot reply handle").
type command interface {
	execute(cp *ControlPlane)
}

// journalAppend is a best-effort journal write: failures are logged but
// never propagated, since the journal is side-band (spec §4.J).
func (cp *ControlPlane) journalAppend(kind EventKind, detail string) {
	if cp.journal == nil {
		return
	}
	if _, err := cp.journal.Append(kind, detail); err != nil {
		log.Warnf("controlplane: journal append failed: %v", err)
	}
}

func (cp *ControlPlane) publishRoot(root dict.RootDigest) {
	if cp.rootState != nil {
		cp.rootState.SetRootDigest(root)
	}
}

// onNoteUpdated fires after the tracker durably commits a note; it is
// wired as tracker.OnNoteUpdated in New.
func (cp *ControlPlane) onNoteUpdated(ev tracker.Event) {
	cp.journalAppend(EventNoteUpdated, fmt.Sprintf("issuer=%x recipient=%x collected=%d redeemed=%d",
		ev.Issuer, ev.Recipient, ev.Note.AmountCollected, ev.Note.AmountRedeemed))
}

// debtDelta computes how much additional outstanding debt a note
// replacement attributes to its issuer: the increase in outstanding_debt
// relative to any existing entry (spec §4.F: note-event debt writes are
// additive).
func (cp *ControlPlane) debtDelta(issuer, recipient schnorr.PubKey, n note.Note) uint64 {
	existing, err := cp.tracker.LookupNote(issuer, recipient)
	if err != nil {
		return n.OutstandingDebt()
	}
	newOutstanding := n.OutstandingDebt()
	oldOutstanding := existing.OutstandingDebt()
	if newOutstanding <= oldOutstanding {
		return 0
	}
	return newOutstanding - oldOutstanding
}

// reserveForDebt picks which of the issuer's reserves absorbs a new debt
// delta: the reserve with the most headroom (collateral minus debt). It
// reports insufficient collateral when that reserve's headroom alone is
// smaller than delta; headroom is not pooled across reserves, although the
// returned error carries the issuer's aggregate collateral and resulting
// aggregate debt (spec §9 Open Question: the source treats one issuer/one
// reserve as the common case — see DESIGN.md).
func (cp *ControlPlane) reserveForDebt(issuer schnorr.PubKey, delta uint64) (reserve.BoxID, *reserve.InsufficientCollateral, error) {
	reserves := cp.reserves.GetByOwner(issuer)
	if len(reserves) == 0 {
		return reserve.BoxID{}, nil, ErrNoReserve
	}

	var totalCollateral, totalDebt uint64
	var best reserve.BoxID
	var bestHeadroom uint64
	haveBest := false
	for _, r := range reserves {
		totalCollateral += r.Collateral
		totalDebt += r.TotalDebt
		headroom := uint64(0)
		if r.Collateral > r.TotalDebt {
			headroom = r.Collateral - r.TotalDebt
		}
		if !haveBest || headroom > bestHeadroom {
			best = r.BoxID
			bestHeadroom = headroom
			haveBest = true
		}
	}

	if bestHeadroom < delta {
		return reserve.BoxID{}, &reserve.InsufficientCollateral{Collateral: totalCollateral, NewDebt: totalDebt + delta}, nil
	}
	return best, nil, nil
}

// AddNote validates and commits a note via the tracker, enforcing the
// reserve collateralization invariant first (spec §8 invariant 4): no
// AddNote may succeed if it would push the issuer's total outstanding debt
// past their reserve's collateral. The dictionary and the reserve tracker
// are left unchanged on any failure.
func (cp *ControlPlane) AddNote(issuer schnorr.PubKey, n note.Note) (dict.RootDigest, error) {
	reply := make(chan addNoteReply, 1)
	cp.cmds <- &addNoteCmd{cp: cp, issuer: issuer, note: n, reply: reply}
	r := <-reply
	return r.root, r.err
}

type addNoteReply struct {
	root dict.RootDigest
	err  error
}

type addNoteCmd struct {
	cp     *ControlPlane
	issuer schnorr.PubKey
	note   note.Note
	reply  chan addNoteReply
}

func (c *addNoteCmd) execute(cp *ControlPlane) {
	delta := cp.debtDelta(c.issuer, c.note.Recipient, c.note)

	boxID, insufficient, err := cp.reserveForDebt(c.issuer, delta)
	if err != nil {
		c.reply <- addNoteReply{err: err}
		return
	}
	if insufficient != nil {
		c.reply <- addNoteReply{err: insufficient}
		return
	}

	root, err := cp.tracker.AddNote(c.issuer, c.note)
	if err != nil {
		c.reply <- addNoteReply{err: err}
		return
	}

	if delta > 0 {
		if err := cp.reserves.AddDebt(boxID, delta); err != nil {
			// The collateral check above already guaranteed headroom for
			// this delta; a failure here means a concurrent scanner
			// write shrank collateral between the check and this call.
			// The note is already committed (spec never rolls back a
			// durable tree mutation), so this is logged, not returned.
			log.Errorf("controlplane: debt attribution failed after commit: %v\n%s", err, spew.Sdump(c.note))
		}
	}

	cp.publishRoot(root)
	c.reply <- addNoteReply{root: root}
}

// LookupNote returns the current note for an issuer/recipient pair.
func (cp *ControlPlane) LookupNote(issuer, recipient schnorr.PubKey) (note.Note, error) {
	reply := make(chan lookupReply, 1)
	cp.cmds <- &lookupCmd{cp: cp, issuer: issuer, recipient: recipient, reply: reply}
	r := <-reply
	return r.note, r.err
}

type lookupReply struct {
	note note.Note
	err  error
}

type lookupCmd struct {
	cp        *ControlPlane
	issuer    schnorr.PubKey
	recipient schnorr.PubKey
	reply     chan lookupReply
}

func (c *lookupCmd) execute(cp *ControlPlane) {
	n, err := cp.tracker.LookupNote(c.issuer, c.recipient)
	c.reply <- lookupReply{note: n, err: err}
}

// GetIssuerNotes returns every note recorded for issuer.
func (cp *ControlPlane) GetIssuerNotes(issuer schnorr.PubKey) ([]note.Note, error) {
	reply := make(chan notesReply, 1)
	cp.cmds <- &issuerNotesCmd{cp: cp, issuer: issuer, reply: reply}
	r := <-reply
	return r.notes, r.err
}

// GetRecipientNotes returns every note recorded for recipient.
func (cp *ControlPlane) GetRecipientNotes(recipient schnorr.PubKey) ([]note.Note, error) {
	reply := make(chan notesReply, 1)
	cp.cmds <- &recipientNotesCmd{cp: cp, recipient: recipient, reply: reply}
	r := <-reply
	return r.notes, r.err
}

type notesReply struct {
	notes []note.Note
	err   error
}

type issuerNotesCmd struct {
	cp     *ControlPlane
	issuer schnorr.PubKey
	reply  chan notesReply
}

func (c *issuerNotesCmd) execute(cp *ControlPlane) {
	notes, err := cp.tracker.GetIssuerNotes(c.issuer)
	c.reply <- notesReply{notes: notes, err: err}
}

type recipientNotesCmd struct {
	cp        *ControlPlane
	recipient schnorr.PubKey
	reply     chan notesReply
}

func (c *recipientNotesCmd) execute(cp *ControlPlane) {
	notes, err := cp.tracker.GetRecipientNotes(c.recipient)
	c.reply <- notesReply{notes: notes, err: err}
}

// GenerateProof returns a note together with a membership proof relative
// to the tracker's current root.
func (cp *ControlPlane) GenerateProof(issuer, recipient schnorr.PubKey) (tracker.ProofResult, error) {
	reply := make(chan proofReply, 1)
	cp.cmds <- &proofCmd{cp: cp, issuer: issuer, recipient: recipient, reply: reply}
	r := <-reply
	return r.result, r.err
}

type proofReply struct {
	result tracker.ProofResult
	err    error
}

type proofCmd struct {
	cp        *ControlPlane
	issuer    schnorr.PubKey
	recipient schnorr.PubKey
	reply     chan proofReply
}

func (c *proofCmd) execute(cp *ControlPlane) {
	res, err := cp.tracker.GenerateProof(c.issuer, c.recipient)
	c.reply <- proofReply{result: res, err: err}
}

// InitiateRedemption validates the redemption handshake's first phase.
func (cp *ControlPlane) InitiateRedemption(issuer, recipient schnorr.PubKey, amount uint64) (redemption.RedemptionData, error) {
	reply := make(chan initiateReply, 1)
	cp.cmds <- &initiateCmd{cp: cp, issuer: issuer, recipient: recipient, amount: amount, reply: reply}
	r := <-reply
	return r.data, r.err
}

type initiateReply struct {
	data redemption.RedemptionData
	err  error
}

type initiateCmd struct {
	cp        *ControlPlane
	issuer    schnorr.PubKey
	recipient schnorr.PubKey
	amount    uint64
	reply     chan initiateReply
}

func (c *initiateCmd) execute(cp *ControlPlane) {
	data, err := cp.redemption.InitiateRedemption(c.issuer, c.recipient, c.amount)
	c.reply <- initiateReply{data: data, err: err}
}

// CompleteRedemption records a confirmed redemption and relieves the
// issuer's reserve of the corresponding debt (spec §4.F: a redemption
// reduces total_debt; §4.G CompleteRedemption is the only path that
// records a redemption).
func (cp *ControlPlane) CompleteRedemption(issuer, recipient schnorr.PubKey, amount uint64) (dict.RootDigest, error) {
	reply := make(chan completeReply, 1)
	cp.cmds <- &completeCmd{cp: cp, issuer: issuer, recipient: recipient, amount: amount, reply: reply}
	r := <-reply
	return r.root, r.err
}

type completeReply struct {
	root dict.RootDigest
	err  error
}

type completeCmd struct {
	cp        *ControlPlane
	issuer    schnorr.PubKey
	recipient schnorr.PubKey
	amount    uint64
	reply     chan completeReply
}

func (c *completeCmd) execute(cp *ControlPlane) {
	root, err := cp.redemption.CompleteRedemption(c.issuer, c.recipient, c.amount)
	if err != nil {
		c.reply <- completeReply{err: err}
		return
	}

	if c.amount > 0 {
		reserves := cp.reserves.GetByOwner(c.issuer)
		if len(reserves) > 0 {
			if err := cp.reserves.RemoveDebt(reserves[0].BoxID, c.amount); err != nil {
				log.Warnf("controlplane: debt release after redemption failed: %v", err)
			}
		}
	}

	cp.publishRoot(root)
	cp.journalAppend(EventNoteUpdated, fmt.Sprintf("redemption issuer=%x recipient=%x amount=%d", c.issuer, c.recipient, c.amount))
	c.reply <- completeReply{root: root}
}

// RecentEvents returns the journal's n most recent entries.
func (cp *ControlPlane) RecentEvents(n int) ([]Entry, error) {
	if cp.journal == nil {
		return nil, nil
	}
	return cp.journal.Recent(n)
}

// EventsPage returns one page of journal entries.
func (cp *ControlPlane) EventsPage(page, pageSize int) ([]Entry, error) {
	if cp.journal == nil {
		return nil, nil
	}
	return cp.journal.Page(page, pageSize)
}

// CheckpointPolicy runs a checkpoint of the dictionary engine on a timer or
// operation-count threshold, whichever fires first (spec §3 Checkpoint
// lifecycle: "created by policy, time- or operation-count-based"). It runs
// outside the command worker: CreateCheckpoint reads the engine under its
// own lock and never contends with the single-writer invariant on tree
// mutations.
type CheckpointPolicy struct {
	cp          *ControlPlane
	interval    time.Duration
	opThreshold uint64
	nextID      uint64
	lastSeqAtCP uint64
	lastCPTime  uint64
}

// NewCheckpointPolicy constructs a policy that checkpoints at least every
// interval, or sooner if opThreshold new operations have accumulated since
// the last checkpoint.
func NewCheckpointPolicy(cp *ControlPlane, interval time.Duration, opThreshold uint64) *CheckpointPolicy {
	return &CheckpointPolicy{cp: cp, interval: interval, opThreshold: opThreshold, nextID: 1, lastCPTime: cp.now()}
}

// Run drives the checkpoint policy until ctx is canceled.
func (p *CheckpointPolicy) Run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.maybeCheckpoint()
		}
	}
}

// pollInterval checks more often than the checkpoint interval itself so an
// operation-count threshold crossed between ticks is noticed promptly.
func (p *CheckpointPolicy) pollInterval() time.Duration {
	if p.interval <= 0 {
		return time.Minute
	}
	quantum := p.interval / 10
	if quantum < time.Second {
		quantum = time.Second
	}
	return quantum
}

// maybeCheckpoint fires on whichever of the two policy triggers comes
// first (spec §3 "created by policy, time- or operation-count-based"): at
// least opThreshold new operations since the last checkpoint, or at least
// interval of wall-clock time since the last checkpoint.
func (p *CheckpointPolicy) maybeCheckpoint() {
	seq := p.cp.tracker.Sequence()
	if seq == p.lastSeqAtCP {
		return
	}

	now := p.cp.now()
	opsDue := p.opThreshold > 0 && seq-p.lastSeqAtCP >= p.opThreshold
	timeDue := p.interval > 0 && now-p.lastCPTime >= uint64(p.interval/time.Second)
	if !opsDue && !timeDue {
		return
	}

	if _, err := p.cp.tracker.CreateCheckpoint(p.nextID); err != nil {
		// Checkpoint failure is non-fatal to serving (spec §4.C); retried
		// on the next tick.
		log.Warnf("controlplane: checkpoint %d failed: %v", p.nextID, err)
		return
	}
	p.nextID++
	p.lastSeqAtCP = seq
	p.lastCPTime = now
}
