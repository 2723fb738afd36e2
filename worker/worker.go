/*
Package worker keeps the transmissions a primary may propose. Every
transmission is owned by exactly one worker, chosen from its ID, so all nodes
route the same transmission to the same worker index.
*/
package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/spaolacci/murmur3"

	"github.com/gitzhang10/narwhal/event"
	"github.com/gitzhang10/narwhal/ledger"
	"github.com/gitzhang10/narwhal/metrics"
	"github.com/gitzhang10/narwhal/types"
)

const (
	// MaxWorkers bounds the number of workers per primary.
	MaxWorkers = 32

	DefaultCapacity      = 1 << 16
	DefaultFetchTimeout  = 5 * time.Second
	DefaultPingInterval  = time.Second
	maxPingTransmissions = 1024
	fetchedCacheSize     = 4096
)

var (
	ErrShutdown         = errors.New("worker shut down")
	ErrNoWorkers        = errors.New("number of workers must be positive")
	ErrAlreadyHeld      = errors.New("transmission already held")
	ErrInLedger         = errors.New("transmission already in ledger")
	ErrQueueFull        = errors.New("ready queue is full")
	ErrChecksumMismatch = errors.New("transmission does not match its ID")
	ErrFetchTimeout     = errors.New("transmission fetch timed out")
)

// AssignToWorker maps a transmission to a worker index in [0, numWorkers).
func AssignToWorker(id types.TransmissionID, numWorkers uint8) (uint8, error) {
	if numWorkers == 0 {
		return 0, ErrNoWorkers
	}
	buf := make([]byte, 0, 1+2*len(id.ID))
	buf = append(buf, byte(id.Kind))
	buf = append(buf, id.ID[:]...)
	buf = append(buf, id.Checksum[:]...)
	return uint8(murmur3.Sum32(buf) % uint32(numWorkers)), nil
}

// Sender delivers events to connected peers.
type Sender interface {
	Send(peer types.Address, e event.Event) error
	Broadcast(e event.Event)
}

// TransmissionStore is the read side of the DAG storage.
type TransmissionStore interface {
	GetTransmission(id types.TransmissionID) (types.Transmission, bool)
}

// Entry is a transmission paired with its ID.
type Entry struct {
	ID           types.TransmissionID
	Transmission types.Transmission
}

type pendingFetch struct {
	since time.Time
	// fromPing marks requests for transmissions a peer advertised, which join
	// the ready queue once they arrive.
	fromPing bool
	waiters  []chan types.Transmission
}

type Config struct {
	ID           uint8
	Sender       Sender
	Storage      TransmissionStore
	Ledger       ledger.Service
	Capacity     int
	FetchTimeout time.Duration
	PingInterval time.Duration
	Logger       hclog.Logger
	Metrics      *metrics.Metrics
}

type Worker struct {
	id           uint8
	label        string
	sender       Sender
	storage      TransmissionStore
	ledger       ledger.Service
	capacity     int
	fetchTimeout time.Duration
	pingInterval time.Duration
	logger       hclog.Logger
	metrics      *metrics.Metrics

	readyLock sync.Mutex
	ready     *simplelru.LRU[types.TransmissionID, types.Transmission] // oldest first
	proposed  map[types.TransmissionID]types.Transmission

	pendingLock sync.Mutex
	pending     map[types.TransmissionID]*pendingFetch
	fetched     *simplelru.LRU[types.TransmissionID, types.Transmission]

	inbound    chan event.Envelope
	shutdownCh chan struct{}
	closeOnce  sync.Once
}

func New(conf Config) (*Worker, error) {
	if conf.Capacity <= 0 {
		conf.Capacity = DefaultCapacity
	}
	if conf.FetchTimeout <= 0 {
		conf.FetchTimeout = DefaultFetchTimeout
	}
	if conf.PingInterval <= 0 {
		conf.PingInterval = DefaultPingInterval
	}
	if conf.Logger == nil {
		conf.Logger = hclog.NewNullLogger()
	}
	// New transmissions are refused at capacity. Reinsert may exceed it by
	// one batch, which the headroom absorbs without evicting.
	ready, err := simplelru.NewLRU[types.TransmissionID, types.Transmission](conf.Capacity+types.MaxTransmissionsPerBatch, nil)
	if err != nil {
		return nil, err
	}
	fetched, err := simplelru.NewLRU[types.TransmissionID, types.Transmission](fetchedCacheSize, nil)
	if err != nil {
		return nil, err
	}
	label := strconv.Itoa(int(conf.ID))
	return &Worker{
		id:           conf.ID,
		label:        label,
		sender:       conf.Sender,
		storage:      conf.Storage,
		ledger:       conf.Ledger,
		capacity:     conf.Capacity,
		fetchTimeout: conf.FetchTimeout,
		pingInterval: conf.PingInterval,
		logger:       conf.Logger.Named("worker-" + label),
		metrics:      conf.Metrics,
		ready:        ready,
		proposed:     make(map[types.TransmissionID]types.Transmission),
		pending:      make(map[types.TransmissionID]*pendingFetch),
		fetched:      fetched,
		inbound:      make(chan event.Envelope, 1024),
		shutdownCh:   make(chan struct{}),
	}, nil
}

func (w *Worker) ID() uint8 {
	return w.id
}

// Inbound is where the gateway delivers the worker's events.
func (w *Worker) Inbound() chan<- event.Envelope {
	return w.inbound
}

// NumTransmissions is the size of the ready queue.
func (w *Worker) NumTransmissions() int {
	w.readyLock.Lock()
	defer w.readyLock.Unlock()
	return w.ready.Len()
}

// ProcessUnconfirmedTransmission adds a new transmission to the ready queue.
func (w *Worker) ProcessUnconfirmedTransmission(id types.TransmissionID, t types.Transmission) error {
	if !t.Matches(id) {
		return fmt.Errorf("%w: %s", ErrChecksumMismatch, id)
	}
	inLedger, err := w.ledger.ContainsTransmission(id)
	if err != nil {
		return err
	}
	if inLedger {
		return fmt.Errorf("%w: %s", ErrInLedger, id)
	}
	return w.insert(id, t)
}

func (w *Worker) insert(id types.TransmissionID, t types.Transmission) error {
	w.readyLock.Lock()
	defer w.readyLock.Unlock()
	if _, ok := w.proposed[id]; ok || w.ready.Contains(id) {
		return fmt.Errorf("%w: %s", ErrAlreadyHeld, id)
	}
	if w.ready.Len() >= w.capacity {
		return ErrQueueFull
	}
	w.ready.Add(id, t)
	w.metrics.SetWorkerSize(w.label, w.ready.Len())
	return nil
}

// Drain removes up to n of the oldest ready transmissions and holds them as
// proposed until Settle or Reinsert.
func (w *Worker) Drain(n int) []Entry {
	w.readyLock.Lock()
	defer w.readyLock.Unlock()
	var out []Entry
	for len(out) < n {
		id, t, ok := w.ready.RemoveOldest()
		if !ok {
			break
		}
		w.proposed[id] = t
		out = append(out, Entry{ID: id, Transmission: t})
	}
	w.metrics.SetWorkerSize(w.label, w.ready.Len())
	return out
}

// Settle forgets proposed transmissions once their batch is certified.
func (w *Worker) Settle(ids []types.TransmissionID) {
	w.readyLock.Lock()
	defer w.readyLock.Unlock()
	for _, id := range ids {
		delete(w.proposed, id)
	}
}

// Reinsert returns transmissions to the ready queue, in order, even past
// its capacity.
func (w *Worker) Reinsert(entries []Entry) {
	w.readyLock.Lock()
	defer w.readyLock.Unlock()
	for _, e := range entries {
		delete(w.proposed, e.ID)
		if w.ready.Contains(e.ID) {
			continue
		}
		if oldest, _, ok := w.ready.GetOldest(); ok && w.ready.Len() >= w.capacity+types.MaxTransmissionsPerBatch {
			w.logger.Warn("ready queue overflows, evicting the oldest transmission", "evicted", oldest)
		}
		w.ready.Add(e.ID, e.Transmission)
	}
	w.metrics.SetWorkerSize(w.label, w.ready.Len())
}

// ClearSolutions drops every ready solution. Solutions from a past epoch can
// no longer be included.
func (w *Worker) ClearSolutions() int {
	w.readyLock.Lock()
	defer w.readyLock.Unlock()
	removed := 0
	for _, id := range w.ready.Keys() {
		if id.Kind == types.TransmissionSolution {
			w.ready.Remove(id)
			removed++
		}
	}
	w.metrics.SetWorkerSize(w.label, w.ready.Len())
	return removed
}

// Contains reports whether the worker can serve the transmission locally.
func (w *Worker) Contains(id types.TransmissionID) bool {
	_, ok := w.GetTransmission(id)
	return ok
}

func (w *Worker) GetTransmission(id types.TransmissionID) (types.Transmission, bool) {
	w.readyLock.Lock()
	if t, ok := w.ready.Peek(id); ok {
		w.readyLock.Unlock()
		return t, true
	}
	if t, ok := w.proposed[id]; ok {
		w.readyLock.Unlock()
		return t, true
	}
	w.readyLock.Unlock()

	w.pendingLock.Lock()
	t, ok := w.fetched.Peek(id)
	w.pendingLock.Unlock()
	if ok {
		return t, true
	}
	if w.storage != nil {
		return w.storage.GetTransmission(id)
	}
	return types.Transmission{}, false
}

// GetOrFetchTransmission returns the transmission, asking peer for it when it
// is not held locally. Concurrent callers for the same ID share one request.
func (w *Worker) GetOrFetchTransmission(ctx context.Context, peer types.Address, id types.TransmissionID) (types.Transmission, error) {
	if t, ok := w.GetTransmission(id); ok {
		return t, nil
	}
	select {
	case <-w.shutdownCh:
		return types.Transmission{}, ErrShutdown
	default:
	}

	ch := make(chan types.Transmission, 1)
	w.pendingLock.Lock()
	p, inFlight := w.pending[id]
	if !inFlight {
		p = &pendingFetch{since: time.Now()}
		w.pending[id] = p
	}
	p.waiters = append(p.waiters, ch)
	w.pendingLock.Unlock()

	if !inFlight {
		if err := w.sender.Send(peer, event.TransmissionRequest{TransmissionID: id}); err != nil {
			w.dropWaiter(id, ch)
			return types.Transmission{}, err
		}
	}

	timer := time.NewTimer(w.fetchTimeout)
	defer timer.Stop()
	select {
	case t := <-ch:
		return t, nil
	case <-timer.C:
		w.dropWaiter(id, ch)
		return types.Transmission{}, fmt.Errorf("%w: %s from %s", ErrFetchTimeout, id, peer.Short())
	case <-ctx.Done():
		w.dropWaiter(id, ch)
		return types.Transmission{}, ctx.Err()
	case <-w.shutdownCh:
		return types.Transmission{}, ErrShutdown
	}
}

func (w *Worker) dropWaiter(id types.TransmissionID, ch chan types.Transmission) {
	w.pendingLock.Lock()
	defer w.pendingLock.Unlock()
	p, ok := w.pending[id]
	if !ok {
		return
	}
	for i, c := range p.waiters {
		if c == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	if len(p.waiters) == 0 {
		delete(w.pending, id)
	}
}

// Run serves inbound events and pings peers until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	defer w.closeOnce.Do(func() { close(w.shutdownCh) })
	ticker := time.NewTicker(w.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-w.inbound:
			w.handle(env)
		case <-ticker.C:
			w.ping()
			w.prunePending()
		}
	}
}

func (w *Worker) handle(env event.Envelope) {
	switch e := env.Event.(type) {
	case event.TransmissionRequest:
		w.handleTransmissionRequest(env.Peer, e)
	case event.TransmissionResponse:
		w.handleTransmissionResponse(env.Peer, e)
	case event.WorkerPing:
		w.handleWorkerPing(env.Peer, e)
	default:
		w.logger.Warn("unexpected event", "event", env.Event.Name(), "peer", env.Peer.Short())
	}
}

// Unknown transmissions are not answered at all.
func (w *Worker) handleTransmissionRequest(peer types.Address, req event.TransmissionRequest) {
	t, ok := w.GetTransmission(req.TransmissionID)
	if !ok {
		return
	}
	resp := event.TransmissionResponse{TransmissionID: req.TransmissionID, Transmission: t}
	if err := w.sender.Send(peer, resp); err != nil {
		w.logger.Debug("failed to send transmission", "peer", peer.Short(), "error", err)
	}
}

func (w *Worker) handleTransmissionResponse(peer types.Address, resp event.TransmissionResponse) {
	id := resp.TransmissionID
	if !resp.Transmission.Matches(id) {
		w.logger.Warn("peer sent a mismatching transmission", "peer", peer.Short(), "transmission", id)
		return
	}
	w.pendingLock.Lock()
	p, ok := w.pending[id]
	if !ok {
		w.pendingLock.Unlock()
		return
	}
	delete(w.pending, id)
	w.fetched.Add(id, resp.Transmission)
	w.pendingLock.Unlock()

	for _, ch := range p.waiters {
		ch <- resp.Transmission
	}
	if !p.fromPing {
		return
	}
	if err := w.ProcessUnconfirmedTransmission(id, resp.Transmission); err != nil {
		w.logger.Debug("fetched transmission not queued", "transmission", id, "error", err)
	}
}

func (w *Worker) handleWorkerPing(peer types.Address, ping event.WorkerPing) {
	for _, id := range ping.TransmissionIDs {
		if w.Contains(id) {
			continue
		}
		if inLedger, err := w.ledger.ContainsTransmission(id); err != nil || inLedger {
			continue
		}
		w.pendingLock.Lock()
		_, inFlight := w.pending[id]
		if !inFlight {
			w.pending[id] = &pendingFetch{since: time.Now(), fromPing: true}
		}
		w.pendingLock.Unlock()
		if inFlight {
			continue
		}
		if err := w.sender.Send(peer, event.TransmissionRequest{TransmissionID: id}); err != nil {
			w.logger.Debug("failed to request transmission", "peer", peer.Short(), "error", err)
			return
		}
	}
}

func (w *Worker) ping() {
	w.readyLock.Lock()
	ids := w.ready.Keys()
	w.readyLock.Unlock()
	if len(ids) == 0 {
		return
	}
	if len(ids) > maxPingTransmissions {
		ids = ids[len(ids)-maxPingTransmissions:]
	}
	w.sender.Broadcast(event.WorkerPing{TransmissionIDs: ids})
}

// prunePending forgets ping-initiated requests that were never answered.
func (w *Worker) prunePending() {
	w.pendingLock.Lock()
	defer w.pendingLock.Unlock()
	for id, p := range w.pending {
		if len(p.waiters) == 0 && time.Since(p.since) > w.fetchTimeout {
			delete(w.pending, id)
		}
	}
}
