/*
Package sign wraps the two signature schemes used by the node:
ED25519 for accounts (handshakes, batch headers, batch endorsements) and
threshold BLS over bn256 for the leader-election coin.
*/
package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/sign/tbls"
)

var suite = bn256.NewSuite()

var errShortKey = errors.New("encoded key is too short")

// GenED25519Keys generates a fresh ED25519 key pair.
func GenED25519Keys() (ed25519.PrivateKey, ed25519.PublicKey) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return priv, pub
}

// SignEd25519 signs data with the private key.
func SignEd25519(privateKey ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(privateKey, data)
}

// VerifySignEd25519 verifies an ED25519 signature.
func VerifySignEd25519(publicKey ed25519.PublicKey, data []byte, sig []byte) (bool, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key length %d", len(publicKey))
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("invalid signature length %d", len(sig))
	}
	return ed25519.Verify(publicKey, data, sig), nil
}

// GenTSKeys deals n private shares of a (t, n) threshold key and returns
// them together with the public polynomial.
func GenTSKeys(t, n int) ([]*share.PriShare, *share.PubPoly) {
	priPoly := share.NewPriPoly(suite.G2(), t, nil, suite.RandomStream())
	pubPoly := priPoly.Commit(suite.G2().Point().Base())
	return priPoly.Shares(n), pubPoly
}

// SignTSPartial produces a partial threshold signature over msg.
func SignTSPartial(privateShare *share.PriShare, msg []byte) []byte {
	sig, err := tbls.Sign(suite, privateShare, msg)
	if err != nil {
		panic(err)
	}
	return sig
}

// VerifyTSPartial checks a single partial signature against the public polynomial.
func VerifyTSPartial(pubPoly *share.PubPoly, msg, partialSig []byte) error {
	return tbls.Verify(suite, pubPoly, msg, partialSig)
}

// AssembleIntactTSPartial recovers the full threshold signature from at least
// t valid partial signatures.
func AssembleIntactTSPartial(partialSigs [][]byte, pubPoly *share.PubPoly, msg []byte, t, n int) ([]byte, error) {
	return tbls.Recover(suite, pubPoly, msg, partialSigs, t, n)
}

// VerifyTS verifies a recovered threshold signature.
func VerifyTS(pubPoly *share.PubPoly, msg, sig []byte) error {
	return bls.Verify(suite, pubPoly.Commit(), msg, sig)
}

// EncodeTSPublicKey serializes the public polynomial (base point, then commits).
func EncodeTSPublicKey(pubPoly *share.PubPoly) ([]byte, error) {
	base, commits := pubPoly.Info()
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, uint32(len(commits)))
	points := append([]kyber.Point{base}, commits...)
	for _, p := range points {
		b, err := p.MarshalBinary()
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// DecodeTSPublicKey is the inverse of EncodeTSPublicKey.
func DecodeTSPublicKey(data []byte) (*share.PubPoly, error) {
	if len(data) < 4 {
		return nil, errShortKey
	}
	count := int(binary.BigEndian.Uint32(data[:4]))
	pointLen := suite.G2().PointLen()
	data = data[4:]
	if len(data) != (count+1)*pointLen {
		return nil, fmt.Errorf("public key has %d bytes, expected %d", len(data), (count+1)*pointLen)
	}
	points := make([]kyber.Point, count+1)
	for i := range points {
		p := suite.G2().Point()
		if err := p.UnmarshalBinary(data[i*pointLen : (i+1)*pointLen]); err != nil {
			return nil, err
		}
		points[i] = p
	}
	return share.NewPubPoly(suite.G2(), points[0], points[1:]), nil
}

// EncodeTSPartialKey serializes a private share as index || scalar.
func EncodeTSPartialKey(priShare *share.PriShare) ([]byte, error) {
	v, err := priShare.V.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4, 4+len(v))
	binary.BigEndian.PutUint32(out, uint32(priShare.I))
	return append(out, v...), nil
}

// DecodeTSPartialKey is the inverse of EncodeTSPartialKey.
func DecodeTSPartialKey(data []byte) (*share.PriShare, error) {
	if len(data) < 4 {
		return nil, errShortKey
	}
	v := suite.G2().Scalar()
	if err := v.UnmarshalBinary(data[4:]); err != nil {
		return nil, err
	}
	return &share.PriShare{I: int(binary.BigEndian.Uint32(data[:4])), V: v}, nil
}
