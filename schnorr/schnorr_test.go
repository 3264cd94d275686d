package schnorr

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestSignThenVerify(t *testing.T) {
	issuerPriv, err := GeneratePrivateKey()
	require.NoError(t, err)

	recipientPriv, err := GeneratePrivateKey()
	require.NoError(t, err)
	recipient := Derive(recipientPriv)

	sig, err := Sign(issuerPriv, recipient, 1000, 1_672_531_200)
	require.NoError(t, err)

	issuerPub := Derive(issuerPriv)
	require.NoError(t, Verify(sig, recipient, 1000, 1_672_531_200, issuerPub))
}

func TestVerifyRejectsWrongMessage(t *testing.T) {
	issuerPriv, err := GeneratePrivateKey()
	require.NoError(t, err)
	issuerPub := Derive(issuerPriv)

	recipientPriv, err := GeneratePrivateKey()
	require.NoError(t, err)
	recipient := Derive(recipientPriv)

	sig, err := Sign(issuerPriv, recipient, 1000, 42)
	require.NoError(t, err)

	err = Verify(sig, recipient, 1001, 42, issuerPub)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	issuerPriv, err := GeneratePrivateKey()
	require.NoError(t, err)

	otherPriv, err := GeneratePrivateKey()
	require.NoError(t, err)
	otherPub := Derive(otherPriv)

	recipientPriv, err := GeneratePrivateKey()
	require.NoError(t, err)
	recipient := Derive(recipientPriv)

	sig, err := Sign(issuerPriv, recipient, 1000, 42)
	require.NoError(t, err)

	err = Verify(sig, recipient, 1000, 42, otherPub)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	issuerPriv, err := GeneratePrivateKey()
	require.NoError(t, err)
	issuerPub := Derive(issuerPriv)

	recipientPriv, err := GeneratePrivateKey()
	require.NoError(t, err)
	recipient := Derive(recipientPriv)

	sig, err := Sign(issuerPriv, recipient, 500, 42)
	require.NoError(t, err)

	sig[40] ^= 0x01 // flip a bit in the z component
	err = Verify(sig, recipient, 500, 42, issuerPub)
	require.Error(t, err)
}

func TestValidatePublicKeyRejectsBadPrefix(t *testing.T) {
	issuerPriv, err := GeneratePrivateKey()
	require.NoError(t, err)
	pk := Derive(issuerPriv)
	raw := pk[:]
	raw[0] = 0x04

	_, err = ParsePubKey(raw)
	require.ErrorIs(t, err, ErrInvalidPublicKey)
}

func TestValidateSignatureFormatRejectsZeroScalar(t *testing.T) {
	var raw [SigLen]byte
	raw[0] = 0x02
	_, err := ParseSignature(raw[:])
	require.ErrorIs(t, err, ErrInvalidSignatureFormat)
}

func TestSigningMessageLayout(t *testing.T) {
	var recipient PubKey
	recipient[0] = 0x02
	for i := 1; i < PubKeyLen; i++ {
		recipient[i] = byte(i)
	}

	msg := SigningMessage(recipient, 1000, 1234567890)
	require.Len(t, msg, PubKeyLen+8+8)
	require.Equal(t, recipient[:], msg[:PubKeyLen])
}

// TestSignVerifyProperty exercises the sign_then_verify round-trip law
// (spec §8) across many random keys, amounts, and timestamps.
func TestSignVerifyProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		issuerPriv, err := GeneratePrivateKey()
		require.NoError(rt, err)
		issuerPub := Derive(issuerPriv)

		recipientPriv, err := GeneratePrivateKey()
		require.NoError(rt, err)
		recipient := Derive(recipientPriv)

		amount := rapid.Uint64().Draw(rt, "amount")
		timestamp := rapid.Uint64().Draw(rt, "timestamp")

		sig, err := Sign(issuerPriv, recipient, amount, timestamp)
		require.NoError(rt, err)
		require.NoError(rt, Verify(sig, recipient, amount, timestamp, issuerPub))
	})
}
