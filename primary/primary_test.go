package primary

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/gitzhang10/narwhal/bft"
	"github.com/gitzhang10/narwhal/event"
	"github.com/gitzhang10/narwhal/ledger"
	"github.com/gitzhang10/narwhal/storage"
	"github.com/gitzhang10/narwhal/types"
	"github.com/gitzhang10/narwhal/types/typestest"
	"github.com/gitzhang10/narwhal/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sentEvent struct {
	to        types.Address
	broadcast bool
	event     event.Event
}

type fakeGateway struct {
	mu           sync.Mutex
	sent         []sentEvent
	disconnected map[types.Address]event.DisconnectReason
	inbound      chan event.Envelope
	onSend       func(to types.Address, e event.Event)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{inbound: make(chan event.Envelope, 16)}
}

func (g *fakeGateway) Send(to types.Address, e event.Event) error {
	g.mu.Lock()
	g.sent = append(g.sent, sentEvent{to: to, event: e})
	hook := g.onSend
	g.mu.Unlock()
	if hook != nil {
		hook(to, e)
	}
	return nil
}

func (g *fakeGateway) Broadcast(e event.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, sentEvent{broadcast: true, event: e})
}

func (g *fakeGateway) PrimaryInbound() <-chan event.Envelope {
	return g.inbound
}

func (g *fakeGateway) Disconnect(addr types.Address, reason event.DisconnectReason) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.disconnected == nil {
		g.disconnected = make(map[types.Address]event.DisconnectReason)
	}
	g.disconnected[addr] = reason
}

func (g *fakeGateway) Disconnected() map[types.Address]event.DisconnectReason {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[types.Address]event.DisconnectReason, len(g.disconnected))
	for addr, reason := range g.disconnected {
		out[addr] = reason
	}
	return out
}

func (g *fakeGateway) events(tag uint8) []sentEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []sentEvent
	for _, s := range g.sent {
		if s.event.Tag() == tag {
			out = append(out, s)
		}
	}
	return out
}

type fixture struct {
	accounts []*types.Account
	ledger   *ledger.Memory
	storage  *storage.Storage
	gateway  *fakeGateway
	workers  []*worker.Worker
	primary  *Primary
}

func newFixture(t *testing.T, n int, conf Config) *fixture {
	t.Helper()
	accounts := typestest.Accounts(n)
	l := ledger.NewMemory(typestest.Committee(accounts), 0, nil)
	s := storage.New(l, storage.DefaultMaxGCRounds, nil, nil)
	gw := newFakeGateway()
	workers := make([]*worker.Worker, 2)
	for i := range workers {
		w, err := worker.New(worker.Config{ID: uint8(i), Sender: gw, Storage: s, Ledger: l, FetchTimeout: time.Second})
		require.NoError(t, err)
		workers[i] = w
	}
	conf.Account = accounts[0]
	conf.Ledger = l
	conf.Storage = s
	conf.Gateway = gw
	conf.Workers = workers
	conf.BFT = bft.New(bft.Config{Storage: s, Ledger: l})
	p, err := New(conf)
	require.NoError(t, err)
	return &fixture{accounts: accounts, ledger: l, storage: s, gateway: gw, workers: workers, primary: p}
}

func (f *fixture) addTransactions(t *testing.T, count int) []types.TransmissionID {
	t.Helper()
	ids := make([]types.TransmissionID, count)
	for i := range ids {
		id, tx := typestest.Transaction(types.TransactionExecute, uint64(i))
		require.NoError(t, f.primary.ProcessTransmission(id, tx))
		ids[i] = id
	}
	return ids
}

func (f *fixture) queued() int {
	total := 0
	for _, w := range f.workers {
		total += w.NumTransmissions()
	}
	return total
}

func (f *fixture) lastProposal(t *testing.T) *types.BatchHeader {
	t.Helper()
	proposals := f.gateway.events(event.BatchProposeTag)
	require.NotEmpty(t, proposals)
	return proposals[len(proposals)-1].event.(event.BatchPropose).Header
}

func (f *fixture) signature(i int, header *types.BatchHeader) event.BatchSignature {
	batchID := header.BatchID()
	return event.BatchSignature{BatchID: batchID, Signature: f.accounts[i].Sign(batchID[:])}
}

func TestProcessTransmissionRoutesToOwner(t *testing.T) {
	f := newFixture(t, 4, Config{})
	for _, id := range f.addTransactions(t, 8) {
		i, err := worker.AssignToWorker(id, 2)
		require.NoError(t, err)
		require.True(t, f.workers[i].Contains(id))
		require.False(t, f.workers[1-i].Contains(id))
	}
}

func TestProposeCertifyAdvance(t *testing.T) {
	f := newFixture(t, 4, Config{})
	p := f.primary
	ids := f.addTransactions(t, 5)

	require.NoError(t, p.propose())
	header := f.lastProposal(t)
	require.Equal(t, uint64(1), header.Round)
	require.Equal(t, types.SortedTransmissionIDs(ids), header.TransmissionIDs)
	require.Empty(t, header.PreviousCertificateIDs)
	require.Zero(t, f.queued())

	// The author and one endorser are short of a quorum.
	p.handleBatchSignature(f.accounts[1].Address(), f.signature(1, header))
	require.False(t, f.storage.ContainsCertificateInRoundFrom(1, f.accounts[0].Address()))
	// Invalid signatures and repeats do not count.
	p.handleBatchSignature(f.accounts[2].Address(), f.signature(3, header))
	p.handleBatchSignature(f.accounts[1].Address(), f.signature(1, header))
	require.False(t, f.storage.ContainsCertificateInRoundFrom(1, f.accounts[0].Address()))

	p.handleBatchSignature(f.accounts[2].Address(), f.signature(2, header))
	require.True(t, f.storage.ContainsCertificateInRoundFrom(1, f.accounts[0].Address()))
	sealed := f.gateway.events(event.BatchSealedTag)
	require.Len(t, sealed, 1)
	require.True(t, sealed[0].broadcast)
	require.NoError(t, sealed[0].event.(event.BatchSealed).Certificate.Verify(typestest.Committee(f.accounts)))
	for _, id := range ids {
		require.True(t, f.storage.ContainsTransmission(id))
	}

	// One certificate is not a quorum of round 1.
	require.Equal(t, uint64(1), p.CurrentRound())
	require.ErrorIs(t, p.propose(), ErrNotReady)

	for i := 1; i < 3; i++ {
		require.NoError(t, f.storage.InsertCertificate(typestest.Certificate(f.accounts[i], f.accounts, 1, nil, nil), nil))
	}
	p.tryAdvance()
	require.Equal(t, uint64(2), p.CurrentRound())

	require.NoError(t, p.propose())
	next := f.lastProposal(t)
	require.Equal(t, uint64(2), next.Round)
	require.Len(t, next.PreviousCertificateIDs, 3)
}

func TestProposeWaitsForPreviousQuorum(t *testing.T) {
	f := newFixture(t, 4, Config{})
	f.storage.SyncToRound(2)
	require.ErrorIs(t, f.primary.propose(), ErrNotReady)
	require.Empty(t, f.gateway.events(event.BatchProposeTag))
}

func TestSingleMemberCertifiesAlone(t *testing.T) {
	f := newFixture(t, 1, Config{})
	p := f.primary
	require.NoError(t, p.propose())
	require.True(t, f.storage.ContainsCertificateInRoundFrom(1, f.accounts[0].Address()))
	require.Equal(t, uint64(2), p.CurrentRound())

	// Round 2 is even and its leader is this node.
	require.NoError(t, p.propose())
	require.Equal(t, uint64(3), p.CurrentRound())
}

func TestProposalExpiryReinserts(t *testing.T) {
	f := newFixture(t, 4, Config{ProposalExpiry: 50 * time.Millisecond})
	p := f.primary
	f.addTransactions(t, 3)

	require.NoError(t, p.propose())
	require.Zero(t, f.queued())
	require.Eventually(t, func() bool {
		p.expireProposal()
		return f.queued() == 3
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, p.propose())
	require.Len(t, f.gateway.events(event.BatchProposeTag), 2)
	require.Zero(t, f.queued())
}

func TestSignBatch(t *testing.T) {
	f := newFixture(t, 4, Config{})
	p := f.primary
	ctx := context.Background()
	author := f.accounts[1]

	header, err := types.NewBatchHeader(author, 1, time.Now().UnixNano(), nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, p.handleBatchPropose(ctx, author.Address(), event.BatchPropose{Round: 1, Header: header}))
	sigs := f.gateway.events(event.BatchSignatureTag)
	require.Len(t, sigs, 1)
	require.Equal(t, author.Address(), sigs[0].to)
	sig := sigs[0].event.(event.BatchSignature)
	batchID := header.BatchID()
	require.Equal(t, batchID, sig.BatchID)
	require.True(t, types.Verify(f.accounts[0].Address(), batchID[:], sig.Signature))

	// The same batch gets the same signature again.
	require.NoError(t, p.handleBatchPropose(ctx, author.Address(), event.BatchPropose{Round: 1, Header: header}))
	sigs = f.gateway.events(event.BatchSignatureTag)
	require.Len(t, sigs, 2)
	require.Equal(t, sig, sigs[1].event.(event.BatchSignature))

	other, err := types.NewBatchHeader(author, 1, time.Now().UnixNano()+1, nil, nil, nil)
	require.NoError(t, err)
	require.ErrorIs(t, p.handleBatchPropose(ctx, author.Address(), event.BatchPropose{Round: 1, Header: other}), ErrEquivocation)
	require.Len(t, f.gateway.events(event.BatchSignatureTag), 2)
}

func TestSignBatchRejectsInvalid(t *testing.T) {
	f := newFixture(t, 4, Config{})
	p := f.primary
	ctx := context.Background()
	author := f.accounts[1]

	header, err := types.NewBatchHeader(author, 1, time.Now().UnixNano(), nil, nil, nil)
	require.NoError(t, err)
	err = p.handleBatchPropose(ctx, f.accounts[2].Address(), event.BatchPropose{Round: 1, Header: header})
	require.ErrorIs(t, err, ErrInvalidProposal)
	err = p.handleBatchPropose(ctx, author.Address(), event.BatchPropose{Round: 2, Header: header})
	require.ErrorIs(t, err, ErrInvalidProposal)

	future, err := types.NewBatchHeader(author, 1, time.Now().Add(time.Hour).UnixNano(), nil, nil, nil)
	require.NoError(t, err)
	err = p.handleBatchPropose(ctx, author.Address(), event.BatchPropose{Round: 1, Header: future})
	require.ErrorIs(t, err, ErrInvalidProposal)

	outsider := types.NewDevAccount(99)
	foreign, err := types.NewBatchHeader(outsider, 1, time.Now().UnixNano(), nil, nil, nil)
	require.NoError(t, err)
	err = p.handleBatchPropose(ctx, outsider.Address(), event.BatchPropose{Round: 1, Header: foreign})
	require.ErrorIs(t, err, types.ErrNotCommitteeMember)

	orphan, err := types.NewBatchHeader(author, 2, time.Now().UnixNano(), nil, nil, nil)
	require.NoError(t, err)
	err = p.handleBatchPropose(ctx, author.Address(), event.BatchPropose{Round: 2, Header: orphan})
	require.ErrorIs(t, err, ErrInvalidProposal)

	require.Empty(t, f.gateway.events(event.BatchSignatureTag))
}

func TestSignBatchFetchesTransmissions(t *testing.T) {
	f := newFixture(t, 4, Config{})
	p := f.primary
	author := f.accounts[1]
	id, tx := typestest.Transaction(types.TransactionExecute, 42)
	owner := p.workerFor(id)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, w := range f.workers {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Run(ctx)
		}()
	}
	defer func() {
		cancel()
		wg.Wait()
	}()

	f.gateway.mu.Lock()
	f.gateway.onSend = func(to types.Address, e event.Event) {
		if req, ok := e.(event.TransmissionRequest); ok && req.TransmissionID == id {
			owner.Inbound() <- event.Envelope{Peer: to, Event: event.TransmissionResponse{TransmissionID: id, Transmission: tx}}
		}
	}
	f.gateway.mu.Unlock()

	header, err := types.NewBatchHeader(author, 1, time.Now().UnixNano(), []types.TransmissionID{id}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, p.handleBatchPropose(ctx, author.Address(), event.BatchPropose{Round: 1, Header: header}))

	requests := f.gateway.events(event.TransmissionRequestTag)
	require.Len(t, requests, 1)
	require.Equal(t, author.Address(), requests[0].to)
	require.Len(t, f.gateway.events(event.BatchSignatureTag), 1)
	require.True(t, owner.Contains(id))
}

func TestReceiveCertificateParksUntilParents(t *testing.T) {
	f := newFixture(t, 4, Config{})
	p := f.primary
	ctx := context.Background()
	peer := f.accounts[1].Address()

	parents := typestest.Round(f.accounts, 1, nil)
	child := typestest.Certificate(f.accounts[1], f.accounts, 2, typestest.IDs(parents[:3]), nil)

	p.receiveCertificate(ctx, peer, child)
	require.False(t, f.storage.ContainsCertificate(child.ID()))
	require.True(t, p.pending.Contains(child.ID()))
	requests := f.gateway.events(event.CertificateRequestTag)
	require.Len(t, requests, 3)
	for _, r := range requests {
		require.Equal(t, peer, r.to)
	}

	for _, c := range parents[:3] {
		p.receiveCertificate(ctx, peer, c)
		require.True(t, f.storage.ContainsCertificate(c.ID()))
	}
	require.Eventually(t, func() bool { return f.storage.ContainsCertificate(child.ID()) }, 2*time.Second, 10*time.Millisecond)
	p.wg.Wait()
	require.False(t, p.pending.Contains(child.ID()))
	// A quorum of round 1 moved the round on.
	require.GreaterOrEqual(t, p.CurrentRound(), uint64(2))
}

func TestReceiveCertificateRejectsInvalid(t *testing.T) {
	f := newFixture(t, 4, Config{})
	p := f.primary
	// Signed by the author alone.
	lonely := typestest.Certificate(f.accounts[1], f.accounts[1:2], 1, nil, nil)
	p.receiveCertificate(context.Background(), f.accounts[1].Address(), lonely)
	require.False(t, f.storage.ContainsCertificate(lonely.ID()))
	require.False(t, p.pending.Contains(lonely.ID()))
}

func insertRound(t *testing.T, s *storage.Storage, authors []*types.Account, signers []*types.Account, round uint64,
	previous []types.Hash) []*types.BatchCertificate {
	t.Helper()
	certs := make([]*types.BatchCertificate, len(authors))
	for i, a := range authors {
		certs[i] = typestest.Certificate(a, signers, round, previous, nil)
		require.NoError(t, s.InsertCertificate(certs[i], nil))
	}
	return certs
}

func TestAdvanceWaitsForLeader(t *testing.T) {
	f := newFixture(t, 4, Config{LeaderTimeout: 300 * time.Millisecond})
	p := f.primary
	round1 := insertRound(t, f.storage, f.accounts, f.accounts, 1, nil)
	p.tryAdvance()
	require.Equal(t, uint64(2), p.CurrentRound())

	leader, ok := p.bft.Leader(2)
	require.True(t, ok)
	var others []*types.Account
	for _, a := range f.accounts {
		if a.Address() != leader {
			others = append(others, a)
		}
	}
	insertRound(t, f.storage, others, f.accounts, 2, typestest.IDs(round1))

	start := time.Now()
	p.tryAdvance()
	require.Equal(t, uint64(2), p.CurrentRound())
	require.Eventually(t, func() bool {
		p.tryAdvance()
		return p.CurrentRound() == 3
	}, 2*time.Second, 10*time.Millisecond)
	require.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
}

func TestAdvanceWithLeaderIsImmediate(t *testing.T) {
	f := newFixture(t, 4, Config{LeaderTimeout: time.Hour})
	p := f.primary
	round1 := insertRound(t, f.storage, f.accounts, f.accounts, 1, nil)
	p.tryAdvance()

	leader, ok := p.bft.Leader(2)
	require.True(t, ok)
	var authors []*types.Account
	for _, a := range f.accounts {
		if a.Address() != leader && len(authors) < 2 {
			authors = append(authors, a)
		}
	}
	for _, a := range f.accounts {
		if a.Address() == leader {
			authors = append(authors, a)
		}
	}
	insertRound(t, f.storage, authors, f.accounts, 2, typestest.IDs(round1))
	require.True(t, f.storage.ContainsCertificateInRoundFrom(2, leader))
	p.tryAdvance()
	require.Equal(t, uint64(3), p.CurrentRound())
}

func TestAdvanceCatchesUp(t *testing.T) {
	f := newFixture(t, 4, Config{LeaderTimeout: time.Hour})
	p := f.primary
	previous := typestest.IDs(insertRound(t, f.storage, f.accounts, f.accounts, 1, nil))
	for r := uint64(2); r <= 5; r++ {
		previous = typestest.IDs(insertRound(t, f.storage, f.accounts, f.accounts, r, previous))
	}
	p.tryAdvance()
	require.Equal(t, uint64(6), p.CurrentRound())
}

func TestServeCertificatesAndPings(t *testing.T) {
	f := newFixture(t, 4, Config{})
	p := f.primary
	cert := insertRound(t, f.storage, f.accounts[1:2], f.accounts, 1, nil)[0]

	p.handleCertificateRequest(f.accounts[2].Address(), event.CertificateRequest{CertificateID: cert.ID()})
	p.handleCertificateRequest(f.accounts[2].Address(), event.CertificateRequest{CertificateID: types.Hash{9}})
	responses := f.gateway.events(event.CertificateResponseTag)
	require.Len(t, responses, 1)
	require.Equal(t, cert.ID(), responses[0].event.(event.CertificateResponse).Certificate.ID())

	p.handlePrimaryPing(f.accounts[1].Address(), event.PrimaryPing{Version: event.Version, CurrentRound: 7})
	p.handlePrimaryPing(f.accounts[2].Address(), event.PrimaryPing{Version: event.Version, CurrentRound: 5})
	p.handlePrimaryPing(f.accounts[3].Address(), event.PrimaryPing{Version: event.Version + 1, CurrentRound: 50})
	require.Equal(t, uint64(7), p.HighestPeerRound())
	require.Empty(t, f.gateway.Disconnected())
}

func TestOutdatedPingDisconnects(t *testing.T) {
	f := newFixture(t, 4, Config{})
	p := f.primary
	peer := f.accounts[1].Address()

	p.handlePrimaryPing(peer, event.PrimaryPing{Version: event.Version - 1, CurrentRound: 30})
	require.Zero(t, p.HighestPeerRound())
	require.Equal(t, map[types.Address]event.DisconnectReason{peer: event.OutdatedClientVersion}, f.gateway.Disconnected())
}

func TestRun(t *testing.T) {
	f := newFixture(t, 1, Config{MaxBatchDelay: 10 * time.Millisecond, PingInterval: 10 * time.Millisecond})
	f.addTransactions(t, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- f.primary.Run(ctx) }()

	require.Eventually(t, func() bool { return f.primary.CurrentRound() >= 5 }, 5*time.Second, 10*time.Millisecond)
	require.NotEmpty(t, f.gateway.events(event.PrimaryPingTag))
	require.Zero(t, f.queued())

	cancel()
	require.NoError(t, <-done)
}
