// Package typestest provides committees, certificates and transmissions for tests.
package typestest

import (
	"fmt"
	"time"

	"github.com/gitzhang10/narwhal/types"
)

// Accounts returns n deterministic development accounts.
func Accounts(n int) []*types.Account {
	accounts := make([]*types.Account, n)
	for i := range accounts {
		accounts[i] = types.NewDevAccount(uint16(i))
	}
	return accounts
}

// Committee builds an equal-stake committee over accounts.
func Committee(accounts []*types.Account) *types.Committee {
	members := make([]types.Member, len(accounts))
	for i, a := range accounts {
		members[i] = types.Member{Address: a.Address(), Stake: 1000, IsOpen: true}
	}
	committee, err := types.NewCommittee(0, members)
	if err != nil {
		panic(err)
	}
	return committee
}

// Certificate returns a certificate authored by author and endorsed by every
// other account in signers.
func Certificate(author *types.Account, signers []*types.Account, round uint64, previous []types.Hash,
	transmissionIDs []types.TransmissionID) *types.BatchCertificate {
	header, err := types.NewBatchHeader(author, round, time.Now().UnixNano(), transmissionIDs, previous, nil)
	if err != nil {
		panic(err)
	}
	batchID := header.BatchID()
	sigs := make(map[types.Address]types.Signature, len(signers))
	for _, s := range signers {
		sigs[s.Address()] = s.Sign(batchID[:])
	}
	return types.NewBatchCertificate(*header, sigs)
}

// Round builds one certificate per account for round, each referencing previous.
func Round(accounts []*types.Account, round uint64, previous []types.Hash) []*types.BatchCertificate {
	certs := make([]*types.BatchCertificate, len(accounts))
	for i, a := range accounts {
		certs[i] = Certificate(a, accounts, round, previous, nil)
	}
	return certs
}

// IDs returns the certificate IDs.
func IDs(certs []*types.BatchCertificate) []types.Hash {
	out := make([]types.Hash, len(certs))
	for i, c := range certs {
		out[i] = c.ID()
	}
	return out
}

// Solution returns a solution transmission and its ID.
func Solution(epoch, nonce uint64) (types.TransmissionID, types.Transmission) {
	s := types.NewSolution(types.Address{1}, epoch, nonce, []byte(fmt.Sprintf("proof-%d", nonce)))
	data := types.NewObjectData(s)
	t, err := types.NewSolutionTransmission(data)
	if err != nil {
		panic(err)
	}
	return types.NewSolutionID(s.ID, t.Checksum()), t
}

// Transaction returns a transaction transmission and its ID.
func Transaction(typ types.TransactionType, nonce uint64) (types.TransmissionID, types.Transmission) {
	tx := types.NewTransaction(typ, "hello.aleo", []byte(fmt.Sprintf("payload-%d", nonce)), nonce)
	t, err := types.NewTransactionTransmission(types.NewObjectData(tx))
	if err != nil {
		panic(err)
	}
	return types.NewTransactionID(tx.ID, t.Checksum()), t
}
