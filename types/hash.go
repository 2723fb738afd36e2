/*
Package types holds the data model shared by every component of the node:
accounts and addresses, the committee, transmissions, batch headers,
batch certificates and committed subdags.
*/
package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/go-msgpack/codec"
)

// Hash is a 32-byte content identifier (certificate IDs, batch IDs, payload IDs).
type Hash [32]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first eight hex characters, for logs.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:4])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) Less(other Hash) bool {
	return bytes.Compare(h[:], other[:]) < 0
}

var hashEncMode cbor.EncMode

func init() {
	var err error
	hashEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// HashOf returns the SHA-256 digest of the deterministic CBOR encoding of v.
func HashOf(v interface{}) Hash {
	data, err := hashEncMode.Marshal(v)
	if err != nil {
		// Only plain data types are hashed, encoding cannot fail.
		panic(err)
	}
	return sha256.Sum256(data)
}

// HashBytes returns the SHA-256 digest of data.
func HashBytes(data []byte) Hash {
	return sha256.Sum256(data)
}

// Encode encodes payloads with msgpack, the codec used on the wire.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &codec.MsgpackHandle{})
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode decodes msgpack bytes into v, which must be a pointer.
func Decode(data []byte, v interface{}) error {
	dec := codec.NewDecoderBytes(data, &codec.MsgpackHandle{})
	return dec.Decode(v)
}
