package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gitzhang10/narwhal/ledger"
	"github.com/gitzhang10/narwhal/types"
	"github.com/gitzhang10/narwhal/types/typestest"
)

func newStorage(t *testing.T, maxGCRounds uint64) (*Storage, []*types.Account) {
	t.Helper()
	accounts := typestest.Accounts(4)
	l := ledger.NewMemory(typestest.Committee(accounts), 0, nil)
	return New(l, maxGCRounds, nil, nil), accounts
}

// insertRounds fills rounds 1..n with one certificate per account.
func insertRounds(t *testing.T, s *Storage, accounts []*types.Account, n uint64) [][]*types.BatchCertificate {
	t.Helper()
	var all [][]*types.BatchCertificate
	var previous []types.Hash
	for r := uint64(1); r <= n; r++ {
		certs := typestest.Round(accounts, r, previous)
		for _, c := range certs {
			require.NoError(t, s.InsertCertificate(c, nil))
		}
		previous = typestest.IDs(certs)
		all = append(all, certs)
	}
	return all
}

func TestInsertRequiresCausalHistory(t *testing.T) {
	s, accounts := newStorage(t, 10)

	round1 := typestest.Round(accounts, 1, nil)
	ids := typestest.IDs(round1)

	// Parents not stored yet.
	orphan := typestest.Certificate(accounts[0], accounts, 2, ids, nil)
	require.ErrorIs(t, s.InsertCertificate(orphan, nil), ErrInvalidCertificate)
	require.Equal(t, types.SortedHashes(ids), s.MissingPreviousCertificates(orphan))

	for _, c := range round1 {
		require.NoError(t, s.InsertCertificate(c, nil))
	}
	require.NoError(t, s.InsertCertificate(orphan, nil))
	require.True(t, s.ContainsCertificate(orphan.ID()))
	require.Empty(t, s.MissingPreviousCertificates(orphan))

	// Two parents out of four do not reach quorum stake.
	weak := typestest.Certificate(accounts[1], accounts, 2, ids[:2], nil)
	require.ErrorIs(t, s.InsertCertificate(weak, nil), ErrInvalidCertificate)

	// Skipping a round is rejected.
	skip := typestest.Certificate(accounts[2], accounts, 3, ids, nil)
	require.ErrorIs(t, s.InsertCertificate(skip, nil), ErrInvalidCertificate)
}

func TestRoundOneHasNoParents(t *testing.T) {
	s, accounts := newStorage(t, 10)
	bad := typestest.Certificate(accounts[1], accounts, 1, []types.Hash{{1}}, nil)
	require.ErrorIs(t, s.InsertCertificate(bad, nil), ErrInvalidCertificate)
}

func TestInsertDuplicateAndEquivocation(t *testing.T) {
	s, accounts := newStorage(t, 10)
	c := typestest.Certificate(accounts[0], accounts, 1, nil, nil)
	require.NoError(t, s.InsertCertificate(c, nil))
	require.ErrorIs(t, s.InsertCertificate(c, nil), ErrCertificateExists)

	tid, tx := typestest.Transaction(types.TransactionExecute, 1)
	other := typestest.Certificate(accounts[0], accounts, 1, nil, []types.TransmissionID{tid})
	err := s.InsertCertificate(other, map[types.TransmissionID]types.Transmission{tid: tx})
	require.ErrorIs(t, err, ErrInvalidCertificate)
}

func TestInsertRequiresQuorumEndorsements(t *testing.T) {
	s, accounts := newStorage(t, 10)
	c := typestest.Certificate(accounts[0], accounts[:2], 1, nil, nil)
	require.ErrorIs(t, s.InsertCertificate(c, nil), ErrInvalidCertificate)
}

func TestInsertTransmissions(t *testing.T) {
	s, accounts := newStorage(t, 10)
	tid, tx := typestest.Transaction(types.TransactionExecute, 1)
	c := typestest.Certificate(accounts[0], accounts, 1, nil, []types.TransmissionID{tid})

	require.ErrorIs(t, s.CheckCertificate(c, nil), ErrMissingTransmission)
	require.NoError(t, s.CheckCertificate(c, map[types.TransmissionID]types.Transmission{tid: tx}))

	_, wrong := typestest.Transaction(types.TransactionExecute, 2)
	require.ErrorIs(t, s.InsertCertificate(c, map[types.TransmissionID]types.Transmission{tid: wrong}), ErrInvalidCertificate)

	require.NoError(t, s.InsertCertificate(c, map[types.TransmissionID]types.Transmission{tid: tx}))
	got, ok := s.GetTransmission(tid)
	require.True(t, ok)
	require.Equal(t, tx, got)
}

func TestGetCertificatesForRound(t *testing.T) {
	s, accounts := newStorage(t, 10)
	rounds := insertRounds(t, s, accounts, 3)

	got := s.GetCertificatesForRound(2)
	require.Len(t, got, 4)
	for i := 1; i < len(got); i++ {
		require.True(t, got[i-1].ID().Less(got[i].ID()))
	}
	require.Nil(t, s.GetCertificatesForRound(9))

	c, ok := s.GetCertificateForRoundWithAuthor(3, accounts[2].Address())
	require.True(t, ok)
	require.Equal(t, accounts[2].Address(), c.Author())
	require.True(t, s.ContainsCertificateInRoundFrom(1, accounts[3].Address()))
	require.Equal(t, uint64(3), s.MaxRound())
	require.Equal(t, 12, s.NumCertificates())
	require.Len(t, rounds, 3)
}

func TestGarbageCollect(t *testing.T) {
	s, accounts := newStorage(t, 2)
	tid, tx := typestest.Transaction(types.TransactionExecute, 1)
	first := typestest.Certificate(accounts[0], accounts, 1, nil, []types.TransmissionID{tid})
	require.NoError(t, s.InsertCertificate(first, map[types.TransmissionID]types.Transmission{tid: tx}))
	var previous []types.Hash
	for _, a := range accounts[1:] {
		c := typestest.Certificate(a, accounts, 1, nil, nil)
		require.NoError(t, s.InsertCertificate(c, nil))
		previous = append(previous, c.ID())
	}
	previous = append(previous, first.ID())
	for r := uint64(2); r <= 5; r++ {
		certs := typestest.Round(accounts, r, previous)
		for _, c := range certs {
			require.NoError(t, s.InsertCertificate(c, nil))
		}
		previous = typestest.IDs(certs)
	}

	// Nothing is collected while the committed round is within the window.
	s.GarbageCollect(2)
	require.Equal(t, uint64(0), s.GCRound())

	// Round committed - MaxGCRounds itself is kept.
	s.GarbageCollect(4)
	require.Equal(t, uint64(1), s.GCRound())
	require.Empty(t, s.GetCertificatesForRound(1))
	require.Len(t, s.GetCertificatesForRound(2), 4)
	require.Len(t, s.GetCertificatesForRound(3), 4)
	require.False(t, s.ContainsTransmission(tid))
	require.Equal(t, uint64(2), s.CurrentRound())

	// A lower commit never moves the gc round back.
	s.GarbageCollect(3)
	require.Equal(t, uint64(1), s.GCRound())

	s.GarbageCollect(5)
	require.Equal(t, uint64(2), s.GCRound())
	require.Empty(t, s.GetCertificatesForRound(2))
	require.Len(t, s.GetCertificatesForRound(3), 4)

	late := typestest.Certificate(accounts[0], accounts, 2, nil, nil)
	require.ErrorIs(t, s.InsertCertificate(late, nil), ErrInvalidCertificate)
}

func TestRoundCounter(t *testing.T) {
	s, _ := newStorage(t, 10)
	require.Equal(t, uint64(1), s.CurrentRound())
	require.Equal(t, uint64(2), s.IncrementToNextRound())
	s.SyncToRound(7)
	s.SyncToRound(5)
	require.Equal(t, uint64(7), s.CurrentRound())
}
