/*
Package node assembles a committee member from its configuration: the gateway,
the workers, the primary, the BFT commit rule and consensus, all sharing one
in-memory ledger and one DAG storage.
*/
package node

import (
	"context"
	"errors"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/gitzhang10/narwhal/bft"
	"github.com/gitzhang10/narwhal/config"
	"github.com/gitzhang10/narwhal/consensus"
	"github.com/gitzhang10/narwhal/event"
	"github.com/gitzhang10/narwhal/gateway"
	"github.com/gitzhang10/narwhal/ledger"
	"github.com/gitzhang10/narwhal/metrics"
	"github.com/gitzhang10/narwhal/primary"
	"github.com/gitzhang10/narwhal/storage"
	"github.com/gitzhang10/narwhal/types"
	"github.com/gitzhang10/narwhal/worker"
)

var ErrNotStarted = errors.New("node is not started")

type Node struct {
	name     string
	conf     *config.Config
	logger   hclog.Logger
	registry *prometheus.Registry

	ledger    *ledger.Memory
	storage   *storage.Storage
	gateway   *gateway.Gateway
	workers   []*worker.Worker
	bft       *bft.BFT
	consensus *consensus.Consensus
	primary   *primary.Primary

	lock   sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New builds every component of the node without starting any of them.
func New(conf *config.Config) (*Node, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   conf.Name,
		Output: hclog.DefaultOutput,
		Level:  hclog.Level(conf.LogLevel),
	})
	registry := prometheus.NewRegistry()
	m, err := metrics.New(registry)
	if err != nil {
		return nil, err
	}

	committee, err := conf.BuildCommittee()
	if err != nil {
		return nil, err
	}
	l := ledger.NewMemory(committee, conf.BlocksPerEpoch, logger.Named("ledger"))
	s := storage.New(l, conf.MaxGCRounds, logger.Named("storage"), m)

	gw := gateway.New(gateway.Config{
		Account:          conf.Account,
		ListenAddr:       conf.ListenAddr,
		Peers:            conf.Peers(),
		Committee:        l,
		HandshakeTimeout: conf.HandshakeTimeout,
		RadioSilence:     conf.RadioSilence,
		Logger:           logger,
		Metrics:          m,
	})

	numWorkers := conf.NumWorkers
	if numWorkers <= 0 {
		numWorkers = config.DefaultNumWorkers
	}
	workers := make([]*worker.Worker, numWorkers)
	inbound := make([]chan<- event.Envelope, numWorkers)
	for i := range workers {
		w, err := worker.New(worker.Config{
			ID:      uint8(i),
			Sender:  gw,
			Storage: s,
			Ledger:  l,
			Logger:  logger,
			Metrics: m,
		})
		if err != nil {
			return nil, err
		}
		workers[i] = w
		inbound[i] = w.Inbound()
	}
	gw.RegisterWorkers(inbound)

	// Without threshold keys the leader rotates over the committee.
	var elector bft.LeaderElector = bft.RoundRobinElector{}
	var signer primary.ElectionSigner
	if conf.TsPublicKey != nil && conf.TsPrivateKey != nil {
		n := committee.Len()
		coin := bft.NewCoinElector(conf.TsPublicKey, conf.TsPrivateKey, n-n/3, n)
		elector = coin
		signer = coin
	}

	commits := make(chan *bft.CommitRequest)
	b := bft.New(bft.Config{
		Storage:   s,
		Ledger:    l,
		Elector:   elector,
		Consensus: commits,
		Logger:    logger,
		Metrics:   m,
	})
	p, err := primary.New(primary.Config{
		Account:        conf.Account,
		Ledger:         l,
		Storage:        s,
		Gateway:        gw,
		Workers:        workers,
		BFT:            b,
		ElectionSigner: signer,
		MaxBatchSize:   conf.MaxBatchSize,
		MaxBatchDelay:  conf.MaxBatchDelay,
		Logger:         logger,
		Metrics:        m,
	})
	if err != nil {
		return nil, err
	}
	c, err := consensus.New(consensus.Config{
		Ledger:  l,
		Mempool: p,
		Commits: commits,
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return nil, err
	}

	return &Node{
		name:      conf.Name,
		conf:      conf,
		logger:    logger,
		registry:  registry,
		ledger:    l,
		storage:   s,
		gateway:   gw,
		workers:   workers,
		bft:       b,
		consensus: c,
		primary:   p,
	}, nil
}

// Start binds the listener and runs every component until ctx is done or
// Shutdown is called.
func (n *Node) Start(ctx context.Context) error {
	n.lock.Lock()
	defer n.lock.Unlock()
	if n.group != nil {
		return errors.New("node already started")
	}
	if err := n.gateway.Start(); err != nil {
		return err
	}

	ctx, n.cancel = context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range n.workers {
		w := w
		g.Go(func() error { return w.Run(ctx) })
	}
	g.Go(func() error { return n.bft.Run(ctx) })
	g.Go(func() error { return n.consensus.Run(ctx) })
	g.Go(func() error { return n.primary.Run(ctx) })
	g.Go(func() error {
		n.connectTrustedPeers(ctx)
		return nil
	})
	n.group = g
	n.logger.Info("node starts", "account", n.conf.Account.Address().Short(),
		"address", n.gateway.ListenAddr(), "workers", len(n.workers))
	return nil
}

// connectTrustedPeers dials the configured bootstrap addresses once. The
// gateway's heartbeat takes care of committee members afterwards.
func (n *Node) connectTrustedPeers(ctx context.Context) {
	for _, addr := range n.conf.TrustedPeers {
		if ctx.Err() != nil {
			return
		}
		if err := n.gateway.Connect(ctx, addr); err != nil {
			n.logger.Debug("failed to connect to a trusted peer", "address", addr, "error", err)
		}
	}
}

// Connect dials a peer right away instead of waiting for the heartbeat.
func (n *Node) Connect(ctx context.Context, addr string) error {
	return n.gateway.Connect(ctx, addr)
}

// Wait blocks until the node stops.
func (n *Node) Wait() error {
	n.lock.Lock()
	g := n.group
	n.lock.Unlock()
	if g == nil {
		return ErrNotStarted
	}
	return g.Wait()
}

// Shutdown stops every component and closes all connections.
func (n *Node) Shutdown() error {
	n.lock.Lock()
	g, cancel := n.group, n.cancel
	n.lock.Unlock()
	if g == nil {
		n.gateway.Shutdown()
		return nil
	}
	cancel()
	err := g.Wait()
	n.gateway.Shutdown()
	n.logger.Info("node stopped", "height", n.ledger.LatestBlockHeight(), "round", n.storage.CurrentRound())
	return err
}

func (n *Node) Name() string {
	return n.name
}

func (n *Node) Address() types.Address {
	return n.conf.Account.Address()
}

// ListenAddr is the bound listener address once started.
func (n *Node) ListenAddr() string {
	return n.gateway.ListenAddr()
}

func (n *Node) Registry() *prometheus.Registry {
	return n.registry
}

func (n *Node) Ledger() *ledger.Memory {
	return n.ledger
}

func (n *Node) Storage() *storage.Storage {
	return n.storage
}

func (n *Node) Gateway() *gateway.Gateway {
	return n.gateway
}

func (n *Node) Primary() *primary.Primary {
	return n.primary
}

func (n *Node) BFT() *bft.BFT {
	return n.bft
}

// AddUnconfirmedSolution submits a solution to the node's mempool.
func (n *Node) AddUnconfirmedSolution(solution *types.Solution) error {
	return n.consensus.AddUnconfirmedSolution(solution)
}

// AddUnconfirmedTransaction submits a transaction to the node's mempool.
func (n *Node) AddUnconfirmedTransaction(tx *types.Transaction) error {
	return n.consensus.AddUnconfirmedTransaction(tx)
}
