package sign

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEd25519(t *testing.T) {
	priv, pub := GenED25519Keys()
	msg := []byte("challenge")
	sig := SignEd25519(priv, msg)

	ok, err := VerifySignEd25519(pub, msg, sig)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = VerifySignEd25519(pub, []byte("other"), sig)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = VerifySignEd25519(pub, msg, sig[:10])
	require.Error(t, err)
}

func TestThresholdSignature(t *testing.T) {
	shares, pubPoly := GenTSKeys(3, 4)
	msg := []byte("round-2")

	var partials [][]byte
	for _, s := range shares[1:] {
		partial := SignTSPartial(s, msg)
		require.NoError(t, VerifyTSPartial(pubPoly, msg, partial))
		partials = append(partials, partial)
	}
	sigA, err := AssembleIntactTSPartial(partials, pubPoly, msg, 3, 4)
	require.NoError(t, err)
	require.NoError(t, VerifyTS(pubPoly, msg, sigA))

	// Any other quorum recovers the same signature.
	partials = [][]byte{SignTSPartial(shares[0], msg), partials[0], partials[1]}
	sigB, err := AssembleIntactTSPartial(partials, pubPoly, msg, 3, 4)
	require.NoError(t, err)
	require.Equal(t, sigA, sigB)

	_, err = AssembleIntactTSPartial(partials[:2], pubPoly, msg, 3, 4)
	require.Error(t, err)
}

func TestTSKeyEncoding(t *testing.T) {
	shares, pubPoly := GenTSKeys(2, 3)

	pubBytes, err := EncodeTSPublicKey(pubPoly)
	require.NoError(t, err)
	decodedPub, err := DecodeTSPublicKey(pubBytes)
	require.NoError(t, err)
	require.True(t, decodedPub.Equal(pubPoly))

	shareBytes, err := EncodeTSPartialKey(shares[1])
	require.NoError(t, err)
	decodedShare, err := DecodeTSPartialKey(shareBytes)
	require.NoError(t, err)
	require.Equal(t, shares[1].I, decodedShare.I)
	require.True(t, shares[1].V.Equal(decodedShare.V))

	_, err = DecodeTSPublicKey(pubBytes[:10])
	require.Error(t, err)
}
