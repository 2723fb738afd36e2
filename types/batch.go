package types

import (
	"fmt"
	"sort"
)

// MaxTransmissionsPerBatch bounds len(BatchHeader.TransmissionIDs).
const MaxTransmissionsPerBatch = 250

// BatchHeader is a proposer's claim of a set of transmissions for a round.
type BatchHeader struct {
	Author                 Address
	Round                  uint64
	Timestamp              int64
	TransmissionIDs        []TransmissionID // sorted, unique
	PreviousCertificateIDs []Hash           // sorted, unique
	ElectionShare          []byte
	Signature              Signature
}

type unsignedHeader struct {
	Author                 Address
	Round                  uint64
	Timestamp              int64
	TransmissionIDs        []TransmissionID
	PreviousCertificateIDs []Hash
	ElectionShare          []byte
}

// NewBatchHeader normalizes the ID sets and signs the header with account.
func NewBatchHeader(account *Account, round uint64, timestamp int64, transmissionIDs []TransmissionID,
	previousCertificateIDs []Hash, electionShare []byte) (*BatchHeader, error) {
	tids := SortedTransmissionIDs(transmissionIDs)
	if len(tids) > MaxTransmissionsPerBatch {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyTransmissions, len(tids), MaxTransmissionsPerBatch)
	}
	h := &BatchHeader{
		Author:                 account.Address(),
		Round:                  round,
		Timestamp:              timestamp,
		TransmissionIDs:        tids,
		PreviousCertificateIDs: SortedHashes(previousCertificateIDs),
		ElectionShare:          electionShare,
	}
	batchID := h.BatchID()
	h.Signature = account.Sign(batchID[:])
	return h, nil
}

// BatchID is the hash of the header without its signature. Committee
// members endorse a batch by signing this value.
func (h *BatchHeader) BatchID() Hash {
	// nil and empty sets must hash alike, the wire codec does not keep them apart.
	return HashOf(unsignedHeader{
		Author:                 h.Author,
		Round:                  h.Round,
		Timestamp:              h.Timestamp,
		TransmissionIDs:        nonNil(h.TransmissionIDs),
		PreviousCertificateIDs: nonNil(h.PreviousCertificateIDs),
		ElectionShare:          nonNil(h.ElectionShare),
	})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// Check verifies the author signature and the shape of the ID sets.
func (h *BatchHeader) Check() error {
	if len(h.TransmissionIDs) > MaxTransmissionsPerBatch {
		return fmt.Errorf("%w: %d > %d", ErrTooManyTransmissions, len(h.TransmissionIDs), MaxTransmissionsPerBatch)
	}
	if !sort.SliceIsSorted(h.TransmissionIDs, func(i, j int) bool { return h.TransmissionIDs[i].Less(h.TransmissionIDs[j]) }) ||
		len(SortedTransmissionIDs(h.TransmissionIDs)) != len(h.TransmissionIDs) {
		return fmt.Errorf("batch %s transmission ids are not a sorted set", h.BatchID().Short())
	}
	if len(SortedHashes(h.PreviousCertificateIDs)) != len(h.PreviousCertificateIDs) {
		return fmt.Errorf("batch %s previous certificate ids are not a set", h.BatchID().Short())
	}
	batchID := h.BatchID()
	if !Verify(h.Author, batchID[:], h.Signature) {
		return fmt.Errorf("%w: header %s by %s", ErrInvalidSignature, batchID.Short(), h.Author.Short())
	}
	return nil
}

func (h *BatchHeader) ContainsTransmission(id TransmissionID) bool {
	i := sort.Search(len(h.TransmissionIDs), func(i int) bool { return !h.TransmissionIDs[i].Less(id) })
	return i < len(h.TransmissionIDs) && h.TransmissionIDs[i] == id
}

func (h *BatchHeader) ReferencesCertificate(id Hash) bool {
	for _, prev := range h.PreviousCertificateIDs {
		if prev == id {
			return true
		}
	}
	return false
}
