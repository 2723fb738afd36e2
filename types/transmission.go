package types

import (
	"errors"
	"fmt"
	"sort"
)

var ErrKindMismatch = errors.New("transmission kind mismatch")

type TransmissionKind uint8

const (
	TransmissionRatification TransmissionKind = iota
	TransmissionSolution
	TransmissionTransaction
)

func (k TransmissionKind) String() string {
	switch k {
	case TransmissionRatification:
		return "ratification"
	case TransmissionSolution:
		return "solution"
	case TransmissionTransaction:
		return "transaction"
	default:
		return "unknown"
	}
}

// TransmissionID is the content address of a unit of unconfirmed work.
// Two IDs with equal kind, ID and checksum denote the same transmission.
type TransmissionID struct {
	Kind     TransmissionKind
	ID       Hash
	Checksum Hash
}

func NewSolutionID(id, checksum Hash) TransmissionID {
	return TransmissionID{Kind: TransmissionSolution, ID: id, Checksum: checksum}
}

func NewTransactionID(id, checksum Hash) TransmissionID {
	return TransmissionID{Kind: TransmissionTransaction, ID: id, Checksum: checksum}
}

func (t TransmissionID) String() string {
	return fmt.Sprintf("%s(%s.%s)", t.Kind, t.ID.Short(), t.Checksum.Short())
}

func (t TransmissionID) Less(other TransmissionID) bool {
	if t.Kind != other.Kind {
		return t.Kind < other.Kind
	}
	if t.ID != other.ID {
		return t.ID.Less(other.ID)
	}
	return t.Checksum.Less(other.Checksum)
}

// SortedTransmissionIDs returns ids sorted with duplicates removed.
func SortedTransmissionIDs(ids []TransmissionID) []TransmissionID {
	out := make([]TransmissionID, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return dedupSorted(out, func(a, b TransmissionID) bool { return a == b })
}

// SortedHashes returns hashes sorted with duplicates removed.
func SortedHashes(hashes []Hash) []Hash {
	out := make([]Hash, len(hashes))
	copy(out, hashes)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return dedupSorted(out, func(a, b Hash) bool { return a == b })
}

func dedupSorted[T any](in []T, equal func(a, b T) bool) []T {
	if len(in) == 0 {
		return in
	}
	out := in[:1]
	for _, v := range in[1:] {
		if !equal(out[len(out)-1], v) {
			out = append(out, v)
		}
	}
	return out
}

// Transmission is the wire form of a payload. The typed payload is only
// decoded when asked for, so receiving goroutines never pay for it.
type Transmission struct {
	Kind  TransmissionKind
	Bytes []byte
}

func NewSolutionTransmission(data Data[Solution]) (Transmission, error) {
	b, err := data.Bytes()
	if err != nil {
		return Transmission{}, err
	}
	return Transmission{Kind: TransmissionSolution, Bytes: b}, nil
}

func NewTransactionTransmission(data Data[Transaction]) (Transmission, error) {
	b, err := data.Bytes()
	if err != nil {
		return Transmission{}, err
	}
	return Transmission{Kind: TransmissionTransaction, Bytes: b}, nil
}

func (t Transmission) Checksum() Hash {
	return HashBytes(t.Bytes)
}

// Matches reports whether the payload is the one addressed by id.
func (t Transmission) Matches(id TransmissionID) bool {
	return t.Kind == id.Kind && t.Checksum() == id.Checksum
}

func (t Transmission) Solution() (Data[Solution], error) {
	if t.Kind != TransmissionSolution {
		return Data[Solution]{}, fmt.Errorf("%w: %s is not a solution", ErrKindMismatch, t.Kind)
	}
	return NewBufferData[Solution](t.Bytes), nil
}

func (t Transmission) Transaction() (Data[Transaction], error) {
	if t.Kind != TransmissionTransaction {
		return Data[Transaction]{}, fmt.Errorf("%w: %s is not a transaction", ErrKindMismatch, t.Kind)
	}
	return NewBufferData[Transaction](t.Bytes), nil
}
