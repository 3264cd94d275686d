package dict

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BetterMoneyLabs/basis-tracker/kvstore"
)

func TestGenerateProofMembership(t *testing.T) {
	e := openEngine(t)
	for i := byte(0); i < 16; i++ {
		_, err := e.Insert(keyFor(i), []byte{i})
		require.NoError(t, err)
	}

	mp, nmp, err := e.GenerateProof(keyFor(5))
	require.NoError(t, err)
	require.Nil(t, nmp)
	require.NotNil(t, mp)
	require.Equal(t, []byte{5}, mp.Value)
	require.NoError(t, mp.Verify(e.RootDigest()))
}

func TestGenerateProofNonMembership(t *testing.T) {
	e := openEngine(t)
	for i := byte(0); i < 16; i += 2 {
		_, err := e.Insert(keyFor(i), []byte{i})
		require.NoError(t, err)
	}

	mp, nmp, err := e.GenerateProof(keyFor(1))
	require.NoError(t, err)
	require.Nil(t, mp)
	require.NotNil(t, nmp)
	require.NoError(t, nmp.Verify(e.RootDigest()))
}

func TestMembershipProofRejectsWrongValue(t *testing.T) {
	e := openEngine(t)
	for i := byte(0); i < 8; i++ {
		_, err := e.Insert(keyFor(i), []byte{i})
		require.NoError(t, err)
	}

	mp, _, err := e.GenerateProof(keyFor(3))
	require.NoError(t, err)

	tampered := *mp
	tampered.Value = []byte{99}
	require.ErrorIs(t, tampered.Verify(e.RootDigest()), ErrInvalidProof)
}

func TestMembershipProofRejectsWrongRoot(t *testing.T) {
	e := openEngine(t)
	for i := byte(0); i < 8; i++ {
		_, err := e.Insert(keyFor(i), []byte{i})
		require.NoError(t, err)
	}
	mp, _, err := e.GenerateProof(keyFor(3))
	require.NoError(t, err)

	_, err = e.Insert(keyFor(200), []byte{1})
	require.NoError(t, err)

	require.ErrorIs(t, mp.Verify(e.RootDigest()), ErrInvalidProof)
}

func TestMembershipProofMarshalRoundTrip(t *testing.T) {
	e := openEngine(t)
	for i := byte(0); i < 8; i++ {
		_, err := e.Insert(keyFor(i), []byte{i, i})
		require.NoError(t, err)
	}
	mp, _, err := e.GenerateProof(keyFor(4))
	require.NoError(t, err)

	raw, err := mp.MarshalBinary()
	require.NoError(t, err)

	got, err := UnmarshalMembershipProof(raw)
	require.NoError(t, err)
	require.Equal(t, *mp, got)
	require.NoError(t, got.Verify(e.RootDigest()))
}

func TestNonMembershipProofMarshalRoundTrip(t *testing.T) {
	e := openEngine(t)
	for i := byte(0); i < 8; i += 2 {
		_, err := e.Insert(keyFor(i), []byte{i})
		require.NoError(t, err)
	}
	_, nmp, err := e.GenerateProof(keyFor(3))
	require.NoError(t, err)

	raw, err := nmp.MarshalBinary()
	require.NoError(t, err)

	got, err := UnmarshalNonMembershipProof(raw)
	require.NoError(t, err)
	require.Equal(t, *nmp, got)
	require.NoError(t, got.Verify(e.RootDigest()))
}

func TestBatchProofVerifiesAllMembers(t *testing.T) {
	e := openEngine(t)
	for i := byte(0); i < 32; i++ {
		_, err := e.Insert(keyFor(i), []byte{i})
		require.NoError(t, err)
	}

	var batch BatchProof
	for _, k := range []byte{1, 7, 19, 31} {
		mp, _, err := e.GenerateProof(keyFor(k))
		require.NoError(t, err)
		batch.Members = append(batch.Members, *mp)
	}

	require.NoError(t, batch.Verify(e.RootDigest()))
}

func TestEmptyTreeProofReturnsKeyNotFound(t *testing.T) {
	s, err := kvstore.OpenMemory()
	require.NoError(t, err)
	defer s.Close()
	e, err := Open(s, fixedClock(1))
	require.NoError(t, err)

	_, _, err = e.GenerateProof(keyFor(1))
	require.ErrorIs(t, err, ErrKeyNotFound)
}
