package controlplane

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/BetterMoneyLabs/basis-tracker/dict"
	"github.com/BetterMoneyLabs/basis-tracker/kvstore"
	"github.com/BetterMoneyLabs/basis-tracker/note"
	"github.com/BetterMoneyLabs/basis-tracker/redemption"
	"github.com/BetterMoneyLabs/basis-tracker/reserve"
	"github.com/BetterMoneyLabs/basis-tracker/schnorr"
	"github.com/BetterMoneyLabs/basis-tracker/tracker"
)

type fixture struct {
	cp       *ControlPlane
	reserves *reserve.Tracker
	store    *kvstore.Store
}

func newFixture(t *testing.T) *fixture {
	store, err := kvstore.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := func() uint64 { return 1_700_000_000 }
	engine, err := dict.Open(store, dict.Clock(clock))
	require.NoError(t, err)

	tr, err := tracker.New(engine)
	require.NoError(t, err)
	tr.Clock = clock

	reserves := reserve.New()

	trackerPriv, err := schnorr.GeneratePrivateKey()
	require.NoError(t, err)
	trackerPubKey := schnorr.Derive(trackerPriv)

	coord := redemption.New(tr, trackerPubKey, redemption.DefaultTimeLock, 1_000_000, clock)

	journal, err := OpenJournal(store, clock)
	require.NoError(t, err)

	cp := New(Config{
		Tracker:    tr,
		Reserves:   reserves,
		Redemption: coord,
		Journal:    journal,
		Now:        clock,
	})
	t.Cleanup(cp.Close)

	return &fixture{cp: cp, reserves: reserves, store: store}
}

func mustPubKey(t *testing.T) schnorr.PubKey {
	priv, err := schnorr.GeneratePrivateKey()
	require.NoError(t, err)
	return schnorr.Derive(priv)
}

func signedNote(t *testing.T, issuerPriv *btcec.PrivateKey, recipient schnorr.PubKey, collected, redeemed, ts uint64) note.Note {
	sig, err := schnorr.Sign(issuerPriv, recipient, collected, ts)
	require.NoError(t, err)
	return note.Note{Recipient: recipient, AmountCollected: collected, AmountRedeemed: redeemed, Timestamp: ts, Signature: sig}
}

func TestAddNoteFailsWithoutAnyReserve(t *testing.T) {
	f := newFixture(t)

	issuerPriv, err := schnorr.GeneratePrivateKey()
	require.NoError(t, err)
	issuer := schnorr.Derive(issuerPriv)
	recipient := mustPubKey(t)

	n := signedNote(t, issuerPriv, recipient, 1000, 0, 1_699_000_000)
	_, err = f.cp.AddNote(issuer, n)
	require.ErrorIs(t, err, ErrNoReserve)
}

// TestAddNoteRejectsUndercollateralizedDebt mirrors the spec's worked
// example: a reserve backing 1,000,000 already carrying 800,000 of debt
// cannot absorb a note claiming 300,000 more (the resulting 1,100,000 would
// exceed collateral), and neither the dictionary nor the reserve may change
// as a result.
func TestAddNoteRejectsUndercollateralizedDebt(t *testing.T) {
	f := newFixture(t)

	issuerPriv, err := schnorr.GeneratePrivateKey()
	require.NoError(t, err)
	issuer := schnorr.Derive(issuerPriv)
	recipient := mustPubKey(t)

	boxID, err := reserve.BoxIDFromHex("aa")
	require.NoError(t, err)
	f.reserves.UpdateReserve(reserve.Reserve{BoxID: boxID, Owner: issuer, Collateral: 1_000_000})
	require.NoError(t, f.reserves.AddDebt(boxID, 800_000))

	n := signedNote(t, issuerPriv, recipient, 300_000, 0, 1_699_000_000)
	_, err = f.cp.AddNote(issuer, n)

	var insufficient *reserve.InsufficientCollateral
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, uint64(1_000_000), insufficient.Collateral)
	require.Equal(t, uint64(1_100_000), insufficient.NewDebt)

	r, lookupErr := f.reserves.GetByBoxID(boxID)
	require.NoError(t, lookupErr)
	require.Equal(t, uint64(800_000), r.TotalDebt)

	_, lookupNoteErr := f.cp.LookupNote(issuer, recipient)
	require.ErrorIs(t, lookupNoteErr, tracker.ErrNoteNotFound)
}

func TestAddNoteCommitsAndAttributesDebt(t *testing.T) {
	f := newFixture(t)

	issuerPriv, err := schnorr.GeneratePrivateKey()
	require.NoError(t, err)
	issuer := schnorr.Derive(issuerPriv)
	recipient := mustPubKey(t)

	boxID, err := reserve.BoxIDFromHex("bb")
	require.NoError(t, err)
	f.reserves.UpdateReserve(reserve.Reserve{BoxID: boxID, Owner: issuer, Collateral: 1_000_000})

	n := signedNote(t, issuerPriv, recipient, 300_000, 0, 1_699_000_000)
	root, err := f.cp.AddNote(issuer, n)
	require.NoError(t, err)
	require.NotZero(t, root)

	got, err := f.cp.LookupNote(issuer, recipient)
	require.NoError(t, err)
	require.Equal(t, n, got)

	r, err := f.reserves.GetByBoxID(boxID)
	require.NoError(t, err)
	require.Equal(t, uint64(300_000), r.TotalDebt)

	events, err := f.cp.RecentEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, EventNoteUpdated, events[0].Kind)
}

func TestAddNoteUpdateOnlyChargesTheDelta(t *testing.T) {
	f := newFixture(t)

	issuerPriv, err := schnorr.GeneratePrivateKey()
	require.NoError(t, err)
	issuer := schnorr.Derive(issuerPriv)
	recipient := mustPubKey(t)

	boxID, err := reserve.BoxIDFromHex("cc")
	require.NoError(t, err)
	f.reserves.UpdateReserve(reserve.Reserve{BoxID: boxID, Owner: issuer, Collateral: 1_000_000})

	n1 := signedNote(t, issuerPriv, recipient, 300_000, 0, 1_699_000_000)
	_, err = f.cp.AddNote(issuer, n1)
	require.NoError(t, err)

	n2 := signedNote(t, issuerPriv, recipient, 500_000, 0, 1_699_000_100)
	_, err = f.cp.AddNote(issuer, n2)
	require.NoError(t, err)

	r, err := f.reserves.GetByBoxID(boxID)
	require.NoError(t, err)
	require.Equal(t, uint64(500_000), r.TotalDebt)
}

func TestGetIssuerAndRecipientNotesAndProof(t *testing.T) {
	f := newFixture(t)

	issuerPriv, err := schnorr.GeneratePrivateKey()
	require.NoError(t, err)
	issuer := schnorr.Derive(issuerPriv)
	recipient := mustPubKey(t)

	boxID, err := reserve.BoxIDFromHex("dd")
	require.NoError(t, err)
	f.reserves.UpdateReserve(reserve.Reserve{BoxID: boxID, Owner: issuer, Collateral: 1_000_000})

	n := signedNote(t, issuerPriv, recipient, 100_000, 0, 1_699_000_000)
	_, err = f.cp.AddNote(issuer, n)
	require.NoError(t, err)

	byIssuer, err := f.cp.GetIssuerNotes(issuer)
	require.NoError(t, err)
	require.Len(t, byIssuer, 1)

	byRecipient, err := f.cp.GetRecipientNotes(recipient)
	require.NoError(t, err)
	require.Len(t, byRecipient, 1)

	res, err := f.cp.GenerateProof(issuer, recipient)
	require.NoError(t, err)
	require.Equal(t, n, res.Note)
}

func TestRedemptionHandshakeReleasesDebt(t *testing.T) {
	f := newFixture(t)

	issuerPriv, err := schnorr.GeneratePrivateKey()
	require.NoError(t, err)
	issuer := schnorr.Derive(issuerPriv)
	recipient := mustPubKey(t)

	boxID, err := reserve.BoxIDFromHex("ee")
	require.NoError(t, err)
	f.reserves.UpdateReserve(reserve.Reserve{BoxID: boxID, Owner: issuer, Collateral: 1_000_000})

	past := uint64(1_700_000_000) - uint64((8 * 24 * time.Hour).Seconds())
	n := signedNote(t, issuerPriv, recipient, 400_000, 0, past)
	_, err = f.cp.AddNote(issuer, n)
	require.NoError(t, err)

	data, err := f.cp.InitiateRedemption(issuer, recipient, 400_000)
	require.NoError(t, err)
	require.Equal(t, uint64(400_000), data.Note.AmountCollected)

	_, err = f.cp.CompleteRedemption(issuer, recipient, 400_000)
	require.NoError(t, err)

	r, err := f.reserves.GetByBoxID(boxID)
	require.NoError(t, err)
	require.Equal(t, uint64(0), r.TotalDebt)

	got, err := f.cp.LookupNote(issuer, recipient)
	require.NoError(t, err)
	require.Equal(t, uint64(400_000), got.AmountRedeemed)
}

func TestEventsPagePaginatesAscending(t *testing.T) {
	f := newFixture(t)

	issuerPriv, err := schnorr.GeneratePrivateKey()
	require.NoError(t, err)
	issuer := schnorr.Derive(issuerPriv)

	boxID, err := reserve.BoxIDFromHex("ff")
	require.NoError(t, err)
	f.reserves.UpdateReserve(reserve.Reserve{BoxID: boxID, Owner: issuer, Collateral: 10_000_000})

	for i := 0; i < 3; i++ {
		recipient := mustPubKey(t)
		n := signedNote(t, issuerPriv, recipient, uint64(1000*(i+1)), 0, 1_699_000_000)
		_, err := f.cp.AddNote(issuer, n)
		require.NoError(t, err)
	}

	page0, err := f.cp.EventsPage(0, 2)
	require.NoError(t, err)
	require.Len(t, page0, 2)

	page1, err := f.cp.EventsPage(1, 2)
	require.NoError(t, err)
	require.Len(t, page1, 1)
}

func TestCheckpointPolicyTriggersOnOperationThreshold(t *testing.T) {
	f := newFixture(t)

	issuerPriv, err := schnorr.GeneratePrivateKey()
	require.NoError(t, err)
	issuer := schnorr.Derive(issuerPriv)

	boxID, err := reserve.BoxIDFromHex("11")
	require.NoError(t, err)
	f.reserves.UpdateReserve(reserve.Reserve{BoxID: boxID, Owner: issuer, Collateral: 10_000_000})

	for i := 0; i < 3; i++ {
		recipient := mustPubKey(t)
		n := signedNote(t, issuerPriv, recipient, uint64(1000*(i+1)), 0, 1_699_000_000)
		_, err := f.cp.AddNote(issuer, n)
		require.NoError(t, err)
	}

	policy := NewCheckpointPolicy(f.cp, time.Hour, 2)
	policy.maybeCheckpoint()
	require.Equal(t, uint64(2), policy.nextID)
}
