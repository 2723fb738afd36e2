package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/gitzhang10/narwhal/event"
	"github.com/gitzhang10/narwhal/ledger"
	"github.com/gitzhang10/narwhal/types"
	"github.com/gitzhang10/narwhal/types/typestest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sent struct {
	peer  types.Address
	event event.Event
}

type fakeSender struct {
	mu         sync.Mutex
	sent       []sent
	broadcasts []event.Event
	onSend     func(peer types.Address, e event.Event)
}

func (f *fakeSender) Send(peer types.Address, e event.Event) error {
	f.mu.Lock()
	f.sent = append(f.sent, sent{peer: peer, event: e})
	onSend := f.onSend
	f.mu.Unlock()
	if onSend != nil {
		onSend(peer, e)
	}
	return nil
}

func (f *fakeSender) Broadcast(e event.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, e)
}

func (f *fakeSender) Sent() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

func (f *fakeSender) Broadcasts() []event.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]event.Event(nil), f.broadcasts...)
}

func newWorker(t *testing.T, sender Sender, l ledger.Service, capacity int) *Worker {
	t.Helper()
	if l == nil {
		l = ledger.NewMemory(typestest.Committee(typestest.Accounts(4)), 0, nil)
	}
	w, err := New(Config{
		ID:           0,
		Sender:       sender,
		Ledger:       l,
		Capacity:     capacity,
		FetchTimeout: 200 * time.Millisecond,
		PingInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	return w
}

func TestAssignToWorker(t *testing.T) {
	_, err := AssignToWorker(types.TransmissionID{}, 0)
	require.ErrorIs(t, err, ErrNoWorkers)

	seen := make(map[uint8]bool)
	for i := uint64(0); i < 200; i++ {
		id, _ := typestest.Transaction(types.TransactionExecute, i)
		a, err := AssignToWorker(id, 4)
		require.NoError(t, err)
		b, err := AssignToWorker(id, 4)
		require.NoError(t, err)
		require.Equal(t, a, b)
		require.Less(t, a, uint8(4))
		seen[a] = true

		one, err := AssignToWorker(id, 1)
		require.NoError(t, err)
		require.Zero(t, one)
	}
	require.Len(t, seen, 4)
}

func TestReadyQueue(t *testing.T) {
	w := newWorker(t, &fakeSender{}, nil, 3)

	var ids []types.TransmissionID
	var txs []types.Transmission
	for i := uint64(0); i < 3; i++ {
		id, tx := typestest.Transaction(types.TransactionExecute, i)
		require.NoError(t, w.ProcessUnconfirmedTransmission(id, tx))
		ids = append(ids, id)
		txs = append(txs, tx)
	}
	require.ErrorIs(t, w.ProcessUnconfirmedTransmission(ids[0], txs[0]), ErrAlreadyHeld)
	require.ErrorIs(t, w.ProcessUnconfirmedTransmission(ids[0], txs[1]), ErrChecksumMismatch)

	extra, extraTx := typestest.Transaction(types.TransactionExecute, 9)
	require.ErrorIs(t, w.ProcessUnconfirmedTransmission(extra, extraTx), ErrQueueFull)

	drained := w.Drain(2)
	require.Len(t, drained, 2)
	require.Equal(t, ids[0], drained[0].ID)
	require.Equal(t, ids[1], drained[1].ID)
	require.Equal(t, 1, w.NumTransmissions())

	// Proposed transmissions are still served and still count as held.
	require.True(t, w.Contains(ids[0]))
	require.ErrorIs(t, w.ProcessUnconfirmedTransmission(ids[0], txs[0]), ErrAlreadyHeld)

	w.Reinsert(drained[:1])
	w.Settle([]types.TransmissionID{ids[1]})
	require.Equal(t, 2, w.NumTransmissions())
	require.False(t, w.Contains(ids[1]))

	rest := w.Drain(10)
	require.Len(t, rest, 2)
	require.Equal(t, ids[2], rest[0].ID)
	require.Equal(t, ids[0], rest[1].ID)
}

func TestClearSolutions(t *testing.T) {
	w := newWorker(t, &fakeSender{}, nil, 0)
	sid, solution := typestest.Solution(0, 1)
	tid, tx := typestest.Transaction(types.TransactionExecute, 1)
	require.NoError(t, w.ProcessUnconfirmedTransmission(sid, solution))
	require.NoError(t, w.ProcessUnconfirmedTransmission(tid, tx))

	require.Equal(t, 1, w.ClearSolutions())
	require.False(t, w.Contains(sid))
	require.True(t, w.Contains(tid))
}

func TestRejectsLedgerTransmission(t *testing.T) {
	accounts := typestest.Accounts(4)
	l := ledger.NewMemory(typestest.Committee(accounts), 0, nil)
	tid, tx := typestest.Transaction(types.TransactionExecute, 1)
	cert := typestest.Certificate(accounts[0], accounts, 2, nil, []types.TransmissionID{tid})
	subdag, err := types.NewSubdag(map[uint64][]*types.BatchCertificate{2: {cert}})
	require.NoError(t, err)
	block, err := l.PrepareAdvanceToNextQuorumBlock(subdag, map[types.TransmissionID]types.Transmission{tid: tx})
	require.NoError(t, err)
	require.NoError(t, l.AdvanceToNextBlock(block))

	w := newWorker(t, &fakeSender{}, l, 0)
	require.ErrorIs(t, w.ProcessUnconfirmedTransmission(tid, tx), ErrInLedger)
}

func TestTransmissionRequest(t *testing.T) {
	sender := &fakeSender{}
	w := newWorker(t, sender, nil, 0)
	peer := types.Address{7}
	tid, tx := typestest.Transaction(types.TransactionExecute, 1)
	unknown, _ := typestest.Transaction(types.TransactionExecute, 2)
	require.NoError(t, w.ProcessUnconfirmedTransmission(tid, tx))

	w.handle(event.Envelope{Peer: peer, Event: event.TransmissionRequest{TransmissionID: unknown}})
	require.Empty(t, sender.Sent())

	w.handle(event.Envelope{Peer: peer, Event: event.TransmissionRequest{TransmissionID: tid}})
	out := sender.Sent()
	require.Len(t, out, 1)
	require.Equal(t, peer, out[0].peer)
	require.Equal(t, event.TransmissionResponse{TransmissionID: tid, Transmission: tx}, out[0].event)
}

func TestGetOrFetchTransmission(t *testing.T) {
	tid, tx := typestest.Transaction(types.TransactionExecute, 1)
	peer := types.Address{7}
	sender := &fakeSender{}
	w := newWorker(t, sender, nil, 0)
	sender.onSend = func(p types.Address, e event.Event) {
		req := e.(event.TransmissionRequest)
		go w.handle(event.Envelope{Peer: p, Event: event.TransmissionResponse{TransmissionID: req.TransmissionID, Transmission: tx}})
	}

	got, err := w.GetOrFetchTransmission(context.Background(), peer, tid)
	require.NoError(t, err)
	require.Equal(t, tx, got)
	require.Len(t, sender.Sent(), 1)

	// Served from the fetched cache the second time.
	_, err = w.GetOrFetchTransmission(context.Background(), peer, tid)
	require.NoError(t, err)
	require.Len(t, sender.Sent(), 1)
}

func TestFetchIgnoresMismatchingResponse(t *testing.T) {
	tid, _ := typestest.Transaction(types.TransactionExecute, 1)
	_, wrong := typestest.Transaction(types.TransactionExecute, 2)
	sender := &fakeSender{}
	w := newWorker(t, sender, nil, 0)
	sender.onSend = func(p types.Address, e event.Event) {
		go w.handle(event.Envelope{Peer: p, Event: event.TransmissionResponse{TransmissionID: tid, Transmission: wrong}})
	}

	_, err := w.GetOrFetchTransmission(context.Background(), types.Address{7}, tid)
	require.ErrorIs(t, err, ErrFetchTimeout)
	w.pendingLock.Lock()
	require.Empty(t, w.pending)
	w.pendingLock.Unlock()
}

func TestWorkerPingRequestsMissing(t *testing.T) {
	sender := &fakeSender{}
	w := newWorker(t, sender, nil, 0)
	held, tx := typestest.Transaction(types.TransactionExecute, 1)
	missing, _ := typestest.Transaction(types.TransactionExecute, 2)
	require.NoError(t, w.ProcessUnconfirmedTransmission(held, tx))

	ping := event.WorkerPing{TransmissionIDs: []types.TransmissionID{held, missing}}
	w.handle(event.Envelope{Peer: types.Address{7}, Event: ping})
	w.handle(event.Envelope{Peer: types.Address{8}, Event: ping})

	out := sender.Sent()
	require.Len(t, out, 1)
	require.Equal(t, event.TransmissionRequest{TransmissionID: missing}, out[0].event)
}

func TestPingedTransmissionJoinsReadyQueue(t *testing.T) {
	sender := &fakeSender{}
	w := newWorker(t, sender, nil, 0)
	missing, tx := typestest.Transaction(types.TransactionExecute, 2)

	peer := types.Address{7}
	w.handle(event.Envelope{Peer: peer, Event: event.WorkerPing{TransmissionIDs: []types.TransmissionID{missing}}})
	require.Len(t, sender.Sent(), 1)
	require.Zero(t, w.NumTransmissions())

	w.handle(event.Envelope{Peer: peer, Event: event.TransmissionResponse{TransmissionID: missing, Transmission: tx}})
	require.Equal(t, 1, w.NumTransmissions())
	drained := w.Drain(1)
	require.Len(t, drained, 1)
	require.Equal(t, missing, drained[0].ID)

	// A second delivery of the same transmission is not queued twice.
	w.handle(event.Envelope{Peer: peer, Event: event.TransmissionResponse{TransmissionID: missing, Transmission: tx}})
	require.Zero(t, w.NumTransmissions())
}

func TestFetchedTransmissionStaysOutOfReadyQueue(t *testing.T) {
	tid, tx := typestest.Transaction(types.TransactionExecute, 1)
	sender := &fakeSender{}
	w := newWorker(t, sender, nil, 0)
	sender.onSend = func(p types.Address, e event.Event) {
		go w.handle(event.Envelope{Peer: p, Event: event.TransmissionResponse{TransmissionID: tid, Transmission: tx}})
	}

	_, err := w.GetOrFetchTransmission(context.Background(), types.Address{7}, tid)
	require.NoError(t, err)
	require.Zero(t, w.NumTransmissions())
}

func TestReinsertKeepsOverflow(t *testing.T) {
	w := newWorker(t, &fakeSender{}, nil, 2)
	for i := uint64(0); i < 2; i++ {
		id, tx := typestest.Transaction(types.TransactionExecute, i)
		require.NoError(t, w.ProcessUnconfirmedTransmission(id, tx))
	}
	proposed := w.Drain(2)
	for i := uint64(2); i < 4; i++ {
		id, tx := typestest.Transaction(types.TransactionExecute, i)
		require.NoError(t, w.ProcessUnconfirmedTransmission(id, tx))
	}

	w.Reinsert(proposed)
	require.Equal(t, 4, w.NumTransmissions())
	for _, e := range proposed {
		require.True(t, w.Contains(e.ID))
	}
	extra, extraTx := typestest.Transaction(types.TransactionExecute, 9)
	require.ErrorIs(t, w.ProcessUnconfirmedTransmission(extra, extraTx), ErrQueueFull)
}

func TestRunPingsAndStops(t *testing.T) {
	sender := &fakeSender{}
	w := newWorker(t, sender, nil, 0)
	tid, tx := typestest.Transaction(types.TransactionExecute, 1)
	require.NoError(t, w.ProcessUnconfirmedTransmission(tid, tx))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sender.Broadcasts()) > 0 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, event.WorkerPing{TransmissionIDs: []types.TransmissionID{tid}}, sender.Broadcasts()[0])

	cancel()
	require.NoError(t, <-done)

	_, err := w.GetOrFetchTransmission(context.Background(), types.Address{7}, types.TransmissionID{})
	require.ErrorIs(t, err, ErrShutdown)
}
