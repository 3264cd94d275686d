package tracker

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/BetterMoneyLabs/basis-tracker/dict"
	"github.com/BetterMoneyLabs/basis-tracker/kvstore"
	"github.com/BetterMoneyLabs/basis-tracker/note"
	"github.com/BetterMoneyLabs/basis-tracker/schnorr"
)

func newTestTracker(t *testing.T) (*Tracker, func(ts uint64) dict.Clock) {
	s, err := kvstore.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := func(ts uint64) dict.Clock { return func() uint64 { return ts } }
	e, err := dict.Open(s, clock(1000))
	require.NoError(t, err)

	tr, err := New(e)
	require.NoError(t, err)
	return tr, clock
}

func signedNote(t *testing.T, issuerPriv *btcec.PrivateKey, recipient schnorr.PubKey, collected, redeemed, ts uint64) note.Note {
	sig, err := schnorr.Sign(issuerPriv, recipient, collected, ts)
	require.NoError(t, err)
	return note.Note{Recipient: recipient, AmountCollected: collected, AmountRedeemed: redeemed, Timestamp: ts, Signature: sig}
}

func TestAddNoteThenLookup(t *testing.T) {
	tr, _ := newTestTracker(t)

	issuerPriv, err := schnorr.GeneratePrivateKey()
	require.NoError(t, err)
	issuer := schnorr.Derive(issuerPriv)
	recipientPriv, err := schnorr.GeneratePrivateKey()
	require.NoError(t, err)
	recipient := schnorr.Derive(recipientPriv)

	n := signedNote(t, issuerPriv, recipient, 1000, 0, 42)
	_, err = tr.AddNote(issuer, n)
	require.NoError(t, err)

	got, err := tr.LookupNote(issuer, recipient)
	require.NoError(t, err)
	require.Equal(t, n, got)
}

func TestAddNoteRejectsBadSignature(t *testing.T) {
	tr, _ := newTestTracker(t)

	issuerPriv, err := schnorr.GeneratePrivateKey()
	require.NoError(t, err)
	issuer := schnorr.Derive(issuerPriv)
	otherPriv, err := schnorr.GeneratePrivateKey()
	require.NoError(t, err)
	recipient := schnorr.Derive(otherPriv)

	// Signed by the wrong key.
	n := signedNote(t, otherPriv, recipient, 1000, 0, 42)
	_, err = tr.AddNote(issuer, n)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestAddNoteRejectsNonMonotoneUpdate(t *testing.T) {
	tr, _ := newTestTracker(t)

	issuerPriv, err := schnorr.GeneratePrivateKey()
	require.NoError(t, err)
	issuer := schnorr.Derive(issuerPriv)
	recipientPriv, err := schnorr.GeneratePrivateKey()
	require.NoError(t, err)
	recipient := schnorr.Derive(recipientPriv)

	n1 := signedNote(t, issuerPriv, recipient, 1000, 0, 100)
	_, err = tr.AddNote(issuer, n1)
	require.NoError(t, err)

	n2 := signedNote(t, issuerPriv, recipient, 500, 0, 200)
	_, err = tr.AddNote(issuer, n2)
	require.ErrorIs(t, err, note.ErrNotMonotone)
}

func TestAddNoteLegacyFoldsMonotoneIntoInvalidSignature(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.LegacyMonotoneErrors = true

	issuerPriv, err := schnorr.GeneratePrivateKey()
	require.NoError(t, err)
	issuer := schnorr.Derive(issuerPriv)
	recipientPriv, err := schnorr.GeneratePrivateKey()
	require.NoError(t, err)
	recipient := schnorr.Derive(recipientPriv)

	n1 := signedNote(t, issuerPriv, recipient, 1000, 0, 100)
	_, err = tr.AddNote(issuer, n1)
	require.NoError(t, err)

	n2 := signedNote(t, issuerPriv, recipient, 500, 0, 200)
	_, err = tr.AddNote(issuer, n2)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestLookupMissingNoteFails(t *testing.T) {
	tr, _ := newTestTracker(t)
	issuer := mustPubKey(t)
	recipient := mustPubKey(t)
	_, err := tr.LookupNote(issuer, recipient)
	require.ErrorIs(t, err, ErrNoteNotFound)
}

func TestGetIssuerAndRecipientNotes(t *testing.T) {
	tr, _ := newTestTracker(t)

	issuerPriv, err := schnorr.GeneratePrivateKey()
	require.NoError(t, err)
	issuer := schnorr.Derive(issuerPriv)

	var recipients []schnorr.PubKey
	for i := 0; i < 3; i++ {
		rp, err := schnorr.GeneratePrivateKey()
		require.NoError(t, err)
		r := schnorr.Derive(rp)
		recipients = append(recipients, r)

		n := signedNote(t, issuerPriv, r, uint64(100*(i+1)), 0, uint64(i+1))
		_, err = tr.AddNote(issuer, n)
		require.NoError(t, err)
	}

	got, err := tr.GetIssuerNotes(issuer)
	require.NoError(t, err)
	require.Len(t, got, 3)

	one, err := tr.GetRecipientNotes(recipients[1])
	require.NoError(t, err)
	require.Len(t, one, 1)
	require.Equal(t, uint64(200), one[0].AmountCollected)
}

func TestUpdateRedeemedSaturatesAtCollected(t *testing.T) {
	tr, _ := newTestTracker(t)

	issuerPriv, err := schnorr.GeneratePrivateKey()
	require.NoError(t, err)
	issuer := schnorr.Derive(issuerPriv)
	recipientPriv, err := schnorr.GeneratePrivateKey()
	require.NoError(t, err)
	recipient := schnorr.Derive(recipientPriv)

	n := signedNote(t, issuerPriv, recipient, 1000, 0, 10)
	_, err = tr.AddNote(issuer, n)
	require.NoError(t, err)

	_, err = tr.UpdateRedeemed(issuer, recipient, 400)
	require.NoError(t, err)
	got, err := tr.LookupNote(issuer, recipient)
	require.NoError(t, err)
	require.Equal(t, uint64(400), got.AmountRedeemed)
	require.Equal(t, n.Signature, got.Signature)

	_, err = tr.UpdateRedeemed(issuer, recipient, 1000)
	require.NoError(t, err)
	got, err = tr.LookupNote(issuer, recipient)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), got.AmountRedeemed)
}

func TestUpdateRedeemedMissingNoteFails(t *testing.T) {
	tr, _ := newTestTracker(t)
	issuer := mustPubKey(t)
	recipient := mustPubKey(t)
	_, err := tr.UpdateRedeemed(issuer, recipient, 10)
	require.ErrorIs(t, err, ErrNoteNotFound)
}

func TestGenerateProofVerifiesAgainstReturnedRoot(t *testing.T) {
	tr, _ := newTestTracker(t)

	issuerPriv, err := schnorr.GeneratePrivateKey()
	require.NoError(t, err)
	issuer := schnorr.Derive(issuerPriv)
	recipientPriv, err := schnorr.GeneratePrivateKey()
	require.NoError(t, err)
	recipient := schnorr.Derive(recipientPriv)

	n := signedNote(t, issuerPriv, recipient, 1000, 0, 10)
	_, err = tr.AddNote(issuer, n)
	require.NoError(t, err)

	res, err := tr.GenerateProof(issuer, recipient)
	require.NoError(t, err)
	require.Equal(t, n, res.Note)

	mp, err := dict.UnmarshalMembershipProof(res.ProofBytes)
	require.NoError(t, err)
	require.NoError(t, mp.Verify(res.RootDigest))
}

func TestOnNoteUpdatedFires(t *testing.T) {
	tr, _ := newTestTracker(t)

	var events []Event
	tr.OnNoteUpdated = func(ev Event) { events = append(events, ev) }

	issuerPriv, err := schnorr.GeneratePrivateKey()
	require.NoError(t, err)
	issuer := schnorr.Derive(issuerPriv)
	recipientPriv, err := schnorr.GeneratePrivateKey()
	require.NoError(t, err)
	recipient := schnorr.Derive(recipientPriv)

	n := signedNote(t, issuerPriv, recipient, 100, 0, 1)
	_, err = tr.AddNote(issuer, n)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, issuer, events[0].Issuer)

	_, err = tr.UpdateRedeemed(issuer, recipient, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func mustPubKey(t *testing.T) schnorr.PubKey {
	priv, err := schnorr.GeneratePrivateKey()
	require.NoError(t, err)
	return schnorr.Derive(priv)
}
