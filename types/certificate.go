package types

import (
	"fmt"
	"sort"
)

// Endorsement is a committee member's signature over a batch ID.
type Endorsement struct {
	Signer    Address
	Signature Signature
}

// BatchCertificate is a batch header plus a quorum of endorsements. It is the
// vertex type of the DAG and never changes once formed.
type BatchCertificate struct {
	Header       BatchHeader
	Endorsements []Endorsement // sorted by signer, author excluded
}

// NewBatchCertificate assembles a certificate from the collected endorsements.
func NewBatchCertificate(header BatchHeader, signatures map[Address]Signature) *BatchCertificate {
	endorsements := make([]Endorsement, 0, len(signatures))
	for signer, sig := range signatures {
		if signer == header.Author {
			continue
		}
		endorsements = append(endorsements, Endorsement{Signer: signer, Signature: sig})
	}
	sort.Slice(endorsements, func(i, j int) bool { return endorsements[i].Signer.Less(endorsements[j].Signer) })
	return &BatchCertificate{Header: header, Endorsements: endorsements}
}

type certificatePreimage struct {
	BatchID   Hash
	Signature Signature
}

// ID is the hash of the signed header.
func (c *BatchCertificate) ID() Hash {
	return HashOf(certificatePreimage{BatchID: c.Header.BatchID(), Signature: c.Header.Signature})
}

func (c *BatchCertificate) Author() Address                   { return c.Header.Author }
func (c *BatchCertificate) Round() uint64                     { return c.Header.Round }
func (c *BatchCertificate) Timestamp() int64                  { return c.Header.Timestamp }
func (c *BatchCertificate) TransmissionIDs() []TransmissionID { return c.Header.TransmissionIDs }
func (c *BatchCertificate) PreviousCertificateIDs() []Hash    { return c.Header.PreviousCertificateIDs }

// Signers returns the author followed by every endorsing member.
func (c *BatchCertificate) Signers() []Address {
	out := make([]Address, 0, len(c.Endorsements)+1)
	out = append(out, c.Header.Author)
	for _, e := range c.Endorsements {
		out = append(out, e.Signer)
	}
	return out
}

// Verify checks the header and that the author plus endorsers carry a quorum
// of the committee's stake with valid signatures.
func (c *BatchCertificate) Verify(committee *Committee) error {
	if err := c.Header.Check(); err != nil {
		return err
	}
	if !committee.IsCommitteeMember(c.Header.Author) {
		return fmt.Errorf("%w: author %s", ErrNotCommitteeMember, c.Header.Author.Short())
	}
	batchID := c.Header.BatchID()
	seen := map[Address]struct{}{c.Header.Author: {}}
	for _, e := range c.Endorsements {
		if _, ok := seen[e.Signer]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateSigner, e.Signer.Short())
		}
		seen[e.Signer] = struct{}{}
		if !committee.IsCommitteeMember(e.Signer) {
			return fmt.Errorf("%w: signer %s", ErrNotCommitteeMember, e.Signer.Short())
		}
		if !Verify(e.Signer, batchID[:], e.Signature) {
			return fmt.Errorf("%w: endorsement by %s", ErrInvalidSignature, e.Signer.Short())
		}
	}
	if !committee.IsQuorumThresholdReached(c.Signers()) {
		return fmt.Errorf("%w: certificate %s has stake %d of %d", ErrQuorumNotReached, c.ID().Short(),
			committee.StakeOf(c.Signers()), committee.QuorumThreshold())
	}
	return nil
}
