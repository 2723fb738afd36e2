package types

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/gitzhang10/narwhal/sign"
)

// Address identifies a committee member. It is the member's ED25519 public key.
type Address [ed25519.PublicKeySize]byte

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// Short returns the first eight hex characters, for logs.
func (a Address) Short() string {
	return hex.EncodeToString(a[:4])
}

func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) Less(other Address) bool {
	return bytes.Compare(a[:], other[:]) < 0
}

// ParseAddress decodes a hex encoded address.
func ParseAddress(s string) (Address, error) {
	var a Address
	raw, err := hex.DecodeString(s)
	if err != nil {
		return a, err
	}
	if len(raw) != len(a) {
		return a, fmt.Errorf("address has %d bytes, expected %d", len(raw), len(a))
	}
	copy(a[:], raw)
	return a, nil
}

// Signature is an ED25519 signature.
type Signature []byte

// Account is the node identity. It is created once and owned by the node process.
type Account struct {
	privateKey ed25519.PrivateKey
	address    Address
}

// NewAccount generates a random account.
func NewAccount(r io.Reader) (*Account, error) {
	if r == nil {
		r = rand.Reader
	}
	_, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, err
	}
	return NewAccountFromPrivateKey(priv)
}

// NewAccountFromPrivateKey wraps an existing ED25519 private key.
func NewAccountFromPrivateKey(priv ed25519.PrivateKey) (*Account, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key has %d bytes, expected %d", len(priv), ed25519.PrivateKeySize)
	}
	var addr Address
	copy(addr[:], priv.Public().(ed25519.PublicKey))
	return &Account{privateKey: priv, address: addr}, nil
}

// NewDevAccount derives a deterministic account from a numeric development id.
func NewDevAccount(id uint16) *Account {
	seed := sha256.Sum256([]byte(fmt.Sprintf("narwhal-development-account-%d", id)))
	account, err := NewAccountFromPrivateKey(ed25519.NewKeyFromSeed(seed[:]))
	if err != nil {
		panic(err)
	}
	return account
}

func (a *Account) Address() Address {
	return a.address
}

func (a *Account) PrivateKey() ed25519.PrivateKey {
	return a.privateKey
}

// Sign signs msg with the account key.
func (a *Account) Sign(msg []byte) Signature {
	return sign.SignEd25519(a.privateKey, msg)
}

// Verify checks that sig is a signature of msg by addr.
func Verify(addr Address, msg []byte, sig Signature) bool {
	ok, err := sign.VerifySignEd25519(addr[:], msg, sig)
	return err == nil && ok
}
