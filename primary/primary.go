/*
Package primary builds the DAG. Each round the primary drains its workers into
a batch header, collects committee signatures over it and seals the quorum
into a certificate. It also signs the batches of other members, stores the
certificates they seal and moves the round forward once a quorum of the
current round is certified.
*/
package primary

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/gitzhang10/narwhal/bft"
	"github.com/gitzhang10/narwhal/event"
	"github.com/gitzhang10/narwhal/ledger"
	"github.com/gitzhang10/narwhal/metrics"
	"github.com/gitzhang10/narwhal/storage"
	"github.com/gitzhang10/narwhal/types"
	"github.com/gitzhang10/narwhal/worker"
)

const (
	DefaultMaxBatchDelay  = 200 * time.Millisecond
	DefaultProposalExpiry = 10 * time.Second
	DefaultLeaderTimeout  = time.Second
	DefaultPingInterval   = time.Second
	DefaultFetchTimeout   = 5 * time.Second

	// maxTimestampSkew bounds how far in the future a proposed header may be.
	maxTimestampSkew = 10 * time.Second
	pendingCacheSize = 4096
)

var (
	ErrEquivocation    = errors.New("author proposed a different batch for the round")
	ErrStaleProposal   = errors.New("proposal round is out of range")
	ErrInvalidProposal = errors.New("invalid batch proposal")
	ErrMissingPrevious = errors.New("previous certificates are unavailable")
	ErrNotReady        = errors.New("not ready to propose")
)

// Gateway is the part of the gateway the primary talks through.
type Gateway interface {
	Send(addr types.Address, e event.Event) error
	Broadcast(e event.Event)
	PrimaryInbound() <-chan event.Envelope
	Disconnect(addr types.Address, reason event.DisconnectReason)
}

// ElectionSigner produces the election share a header carries, if any.
type ElectionSigner interface {
	ElectionShare(headerRound uint64) []byte
}

type Config struct {
	Account        *types.Account
	Ledger         ledger.Service
	Storage        *storage.Storage
	Gateway        Gateway
	Workers        []*worker.Worker
	BFT            *bft.BFT
	ElectionSigner ElectionSigner
	MaxBatchSize   int
	MaxBatchDelay  time.Duration
	ProposalExpiry time.Duration
	LeaderTimeout  time.Duration
	PingInterval   time.Duration
	FetchTimeout   time.Duration
	Logger         hclog.Logger
	Metrics        *metrics.Metrics
}

// proposal is the batch of this node awaiting signatures.
type proposal struct {
	header     *types.BatchHeader
	batchID    types.Hash
	entries    []worker.Entry
	signatures map[types.Address]types.Signature // author excluded
	createdAt  time.Time
	sentAt     time.Time
}

// signedBatch is the last batch signed for an author.
type signedBatch struct {
	round     uint64
	batchID   types.Hash
	signature types.Signature
	signedAt  time.Time
}

type pendingCertificate struct {
	certificate *types.BatchCertificate
	peer        types.Address
}

type Primary struct {
	account        *types.Account
	address        types.Address
	ledger         ledger.Service
	storage        *storage.Storage
	gateway        Gateway
	workers        []*worker.Worker
	bft            *bft.BFT
	electionSigner ElectionSigner
	maxBatchSize   int
	maxBatchDelay  time.Duration
	proposalExpiry time.Duration
	leaderTimeout  time.Duration
	pingInterval   time.Duration
	fetchTimeout   time.Duration
	logger         hclog.Logger
	metrics        *metrics.Metrics

	lock        sync.Mutex
	proposal    *proposal
	signed      map[types.Address]signedBatch
	quorumRound uint64
	quorumSince time.Time

	// Certificates waiting for their parents, keyed by ID.
	pending *lru.Cache[types.Hash, pendingCertificate]

	waitLock sync.Mutex
	waiters  map[types.Hash][]chan struct{}

	highestPeerRound atomic.Uint64

	wg sync.WaitGroup
}

func New(conf Config) (*Primary, error) {
	if len(conf.Workers) == 0 || len(conf.Workers) > worker.MaxWorkers {
		return nil, fmt.Errorf("%w: got %d", worker.ErrNoWorkers, len(conf.Workers))
	}
	if conf.MaxBatchSize <= 0 || conf.MaxBatchSize > types.MaxTransmissionsPerBatch {
		conf.MaxBatchSize = types.MaxTransmissionsPerBatch
	}
	if conf.MaxBatchDelay <= 0 {
		conf.MaxBatchDelay = DefaultMaxBatchDelay
	}
	if conf.ProposalExpiry <= 0 {
		conf.ProposalExpiry = DefaultProposalExpiry
	}
	if conf.LeaderTimeout <= 0 {
		conf.LeaderTimeout = DefaultLeaderTimeout
	}
	if conf.PingInterval <= 0 {
		conf.PingInterval = DefaultPingInterval
	}
	if conf.FetchTimeout <= 0 {
		conf.FetchTimeout = DefaultFetchTimeout
	}
	if conf.Logger == nil {
		conf.Logger = hclog.NewNullLogger()
	}
	pending, err := lru.New[types.Hash, pendingCertificate](pendingCacheSize)
	if err != nil {
		return nil, err
	}
	return &Primary{
		account:        conf.Account,
		address:        conf.Account.Address(),
		ledger:         conf.Ledger,
		storage:        conf.Storage,
		gateway:        conf.Gateway,
		workers:        conf.Workers,
		bft:            conf.BFT,
		electionSigner: conf.ElectionSigner,
		maxBatchSize:   conf.MaxBatchSize,
		maxBatchDelay:  conf.MaxBatchDelay,
		proposalExpiry: conf.ProposalExpiry,
		leaderTimeout:  conf.LeaderTimeout,
		pingInterval:   conf.PingInterval,
		fetchTimeout:   conf.FetchTimeout,
		logger:         conf.Logger.Named("primary"),
		metrics:        conf.Metrics,
		signed:         make(map[types.Address]signedBatch),
		pending:        pending,
		waiters:        make(map[types.Hash][]chan struct{}),
	}, nil
}

// CurrentRound is the round the primary proposes for.
func (p *Primary) CurrentRound() uint64 {
	return p.storage.CurrentRound()
}

// HighestPeerRound is the highest round a peer announced in a ping.
func (p *Primary) HighestPeerRound() uint64 {
	return p.highestPeerRound.Load()
}

func (p *Primary) workerFor(id types.TransmissionID) *worker.Worker {
	i, err := worker.AssignToWorker(id, uint8(len(p.workers)))
	if err != nil {
		panic(err)
	}
	return p.workers[i]
}

// ProcessTransmission hands a transmission released by the mempool to the
// worker that owns it.
func (p *Primary) ProcessTransmission(id types.TransmissionID, t types.Transmission) error {
	return p.workerFor(id).ProcessUnconfirmedTransmission(id, t)
}

// ClearWorkerSolutions drops the solutions every worker holds.
func (p *Primary) ClearWorkerSolutions() {
	removed := 0
	for _, w := range p.workers {
		removed += w.ClearSolutions()
	}
	p.logger.Debug("cleared worker solutions", "removed", removed)
}

// Run drives proposals and serves primary events until ctx is done.
func (p *Primary) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.eventLoop(ctx) })
	g.Go(func() error { return p.proposeLoop(ctx) })
	g.Go(func() error { return p.pingLoop(ctx) })
	err := g.Wait()
	p.wg.Wait()
	return err
}

func (p *Primary) spawn(ctx context.Context, f func(ctx context.Context)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		f(ctx)
	}()
}

func (p *Primary) eventLoop(ctx context.Context) error {
	inbound := p.gateway.PrimaryInbound()
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-inbound:
			p.handle(ctx, env)
		}
	}
}

func (p *Primary) proposeLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.maxBatchDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Primary) tick(ctx context.Context) {
	p.expireProposal()
	p.retryPending(ctx)
	p.tryAdvance()
	if err := p.propose(); err != nil {
		p.logger.Debug("no proposal", "round", p.storage.CurrentRound(), "reason", err)
	}
}

func (p *Primary) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.gateway.Broadcast(event.PrimaryPing{
				Version:      event.Version,
				BlockHeight:  p.ledger.LatestBlockHeight(),
				CurrentRound: p.storage.CurrentRound(),
			})
		}
	}
}

func (p *Primary) handle(ctx context.Context, env event.Envelope) {
	switch e := env.Event.(type) {
	case event.BatchPropose:
		p.spawn(ctx, func(ctx context.Context) {
			if err := p.handleBatchPropose(ctx, env.Peer, e); err != nil {
				p.logger.Debug("not signing batch", "peer", env.Peer.Short(), "round", e.Round, "reason", err)
			}
		})
	case event.BatchSignature:
		p.handleBatchSignature(env.Peer, e)
	case event.BatchSealed:
		p.spawn(ctx, func(ctx context.Context) { p.receiveCertificate(ctx, env.Peer, e.Certificate) })
	case event.CertificateResponse:
		p.spawn(ctx, func(ctx context.Context) { p.receiveCertificate(ctx, env.Peer, e.Certificate) })
	case event.CertificateRequest:
		p.handleCertificateRequest(env.Peer, e)
	case event.PrimaryPing:
		p.handlePrimaryPing(env.Peer, e)
	default:
		p.logger.Warn("unexpected event", "event", env.Event.Name(), "peer", env.Peer.Short())
	}
}
