/*
Package consensus is the last stage of the pipeline. It admits unconfirmed
solutions and transactions into the mempool, hands them to the primary's
workers, and turns every committed subdag into the next ledger block. When a
block cannot be built, the subdag's transmissions go back into the mempool.
*/
package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/gitzhang10/narwhal/bft"
	"github.com/gitzhang10/narwhal/ledger"
	"github.com/gitzhang10/narwhal/metrics"
	"github.com/gitzhang10/narwhal/types"
	"github.com/gitzhang10/narwhal/worker"
)

const (
	// MaxDeploymentsPerInterval bounds the deployments handed to the workers per pass.
	MaxDeploymentsPerInterval = 1
	// MaxTransmissionsPerInterval bounds each queue's items handed to the workers per pass.
	MaxTransmissionsPerInterval = types.MaxTransmissionsPerBatch

	DefaultQueueCapacity   = 1 << 16
	DefaultProcessInterval = 100 * time.Millisecond
	seenCacheSize          = 1 << 16
)

var (
	ErrAlreadyExists  = errors.New("transmission already exists")
	ErrInLedger       = errors.New("transmission already in ledger")
	ErrFeeTransaction = errors.New("fee transactions are not accepted")
)

// Mempool receives the transmissions consensus releases. The primary routes
// each one to its worker.
type Mempool interface {
	ProcessTransmission(id types.TransmissionID, t types.Transmission) error
	ClearWorkerSolutions()
}

type Config struct {
	Ledger          ledger.Service
	Mempool         Mempool
	Commits         <-chan *bft.CommitRequest
	QueueCapacity   int
	ProcessInterval time.Duration
	Logger          hclog.Logger
	Metrics         *metrics.Metrics
}

type queuedTransaction struct {
	transmission types.Transmission
	deploy       bool
}

type Consensus struct {
	ledger          ledger.Service
	mempool         Mempool
	commits         <-chan *bft.CommitRequest
	capacity        int
	processInterval time.Duration
	logger          hclog.Logger
	metrics         *metrics.Metrics

	solutionsLock sync.Mutex
	solutions     *simplelru.LRU[types.TransmissionID, types.Transmission]

	transactionsLock sync.Mutex
	transactions     *simplelru.LRU[types.TransmissionID, queuedTransaction]

	seenSolutions    *lru.Cache[types.Hash, struct{}]
	seenTransactions *lru.Cache[types.Hash, struct{}]
}

func New(conf Config) (*Consensus, error) {
	if conf.QueueCapacity <= 0 {
		conf.QueueCapacity = DefaultQueueCapacity
	}
	if conf.ProcessInterval <= 0 {
		conf.ProcessInterval = DefaultProcessInterval
	}
	if conf.Logger == nil {
		conf.Logger = hclog.NewNullLogger()
	}
	// A full queue evicts its oldest entry.
	solutions, err := simplelru.NewLRU[types.TransmissionID, types.Transmission](conf.QueueCapacity, nil)
	if err != nil {
		return nil, err
	}
	transactions, err := simplelru.NewLRU[types.TransmissionID, queuedTransaction](conf.QueueCapacity, nil)
	if err != nil {
		return nil, err
	}
	seenSolutions, err := lru.New[types.Hash, struct{}](seenCacheSize)
	if err != nil {
		return nil, err
	}
	seenTransactions, err := lru.New[types.Hash, struct{}](seenCacheSize)
	if err != nil {
		return nil, err
	}
	return &Consensus{
		ledger:           conf.Ledger,
		mempool:          conf.Mempool,
		commits:          conf.Commits,
		capacity:         conf.QueueCapacity,
		processInterval:  conf.ProcessInterval,
		logger:           conf.Logger.Named("consensus"),
		metrics:          conf.Metrics,
		solutions:        solutions,
		transactions:     transactions,
		seenSolutions:    seenSolutions,
		seenTransactions: seenTransactions,
	}, nil
}

// AddUnconfirmedSolution admits a solution into the mempool.
func (c *Consensus) AddUnconfirmedSolution(solution *types.Solution) error {
	t, err := types.NewSolutionTransmission(types.NewObjectData(solution))
	if err != nil {
		return err
	}
	id := types.NewSolutionID(solution.ID, t.Checksum())
	if seen, _ := c.seenSolutions.ContainsOrAdd(solution.ID, struct{}{}); seen {
		return fmt.Errorf("%w: solution %s was already seen", ErrAlreadyExists, solution.ID.Short())
	}
	err = c.queueSolution(id, t)
	if err != nil && !errors.Is(err, ErrAlreadyExists) {
		c.seenSolutions.Remove(solution.ID)
	}
	return err
}

func (c *Consensus) queueSolution(id types.TransmissionID, t types.Transmission) error {
	inLedger, err := c.ledger.ContainsTransmission(id)
	if err != nil {
		return err
	}
	if inLedger {
		return fmt.Errorf("%w: %s", ErrInLedger, id)
	}
	c.solutionsLock.Lock()
	defer c.solutionsLock.Unlock()
	if c.solutions.Contains(id) {
		return fmt.Errorf("%w: %s is already queued", ErrAlreadyExists, id)
	}
	if c.solutions.Len() >= c.capacity {
		if oldest, _, ok := c.solutions.GetOldest(); ok {
			c.logger.Debug("solutions queue is full, evicting the oldest", "evicted", oldest)
		}
	}
	c.solutions.Add(id, t)
	c.metrics.SetQueueSize("solutions", c.solutions.Len())
	return nil
}

// AddUnconfirmedTransaction admits a transaction into the mempool. Fee
// transactions are produced by block building and never enter it.
func (c *Consensus) AddUnconfirmedTransaction(tx *types.Transaction) error {
	t, err := types.NewTransactionTransmission(types.NewObjectData(tx))
	if err != nil {
		return err
	}
	id := types.NewTransactionID(tx.ID, t.Checksum())
	if seen, _ := c.seenTransactions.ContainsOrAdd(tx.ID, struct{}{}); seen {
		return fmt.Errorf("%w: transaction %s was already seen", ErrAlreadyExists, tx.ID.Short())
	}
	err = c.queueTransaction(id, t, tx)
	if err != nil && !errors.Is(err, ErrAlreadyExists) {
		c.seenTransactions.Remove(tx.ID)
	}
	return err
}

func (c *Consensus) queueTransaction(id types.TransmissionID, t types.Transmission, tx *types.Transaction) error {
	inLedger, err := c.ledger.ContainsTransmission(id)
	if err != nil {
		return err
	}
	if inLedger {
		return fmt.Errorf("%w: %s", ErrInLedger, id)
	}
	c.transactionsLock.Lock()
	defer c.transactionsLock.Unlock()
	if c.transactions.Contains(id) {
		return fmt.Errorf("%w: %s is already queued", ErrAlreadyExists, id)
	}
	if tx.IsFee() {
		return fmt.Errorf("%w: %s", ErrFeeTransaction, id)
	}
	if c.transactions.Len() >= c.capacity {
		if oldest, _, ok := c.transactions.GetOldest(); ok {
			c.logger.Debug("transactions queue is full, evicting the oldest", "evicted", oldest)
		}
	}
	c.transactions.Add(id, queuedTransaction{transmission: t, deploy: tx.IsDeploy()})
	c.metrics.SetQueueSize("transactions", c.transactions.Len())
	return nil
}

// NumUnconfirmedSolutions is the size of the solutions queue.
func (c *Consensus) NumUnconfirmedSolutions() int {
	c.solutionsLock.Lock()
	defer c.solutionsLock.Unlock()
	return c.solutions.Len()
}

// NumUnconfirmedTransactions is the size of the transactions queue.
func (c *Consensus) NumUnconfirmedTransactions() int {
	c.transactionsLock.Lock()
	defer c.transactionsLock.Unlock()
	return c.transactions.Len()
}

func (c *Consensus) drainSolutions(capacity int) []entry {
	c.solutionsLock.Lock()
	defer c.solutionsLock.Unlock()
	var out []entry
	for len(out) < capacity {
		id, t, ok := c.solutions.RemoveOldest()
		if !ok {
			break
		}
		out = append(out, entry{id: id, transmission: t})
	}
	c.metrics.SetQueueSize("solutions", c.solutions.Len())
	return out
}

// drainTransactions takes up to capacity transactions, oldest first, with at
// most MaxDeploymentsPerInterval deployments. Skipped deployments keep their
// place in the queue.
func (c *Consensus) drainTransactions(capacity int) []entry {
	c.transactionsLock.Lock()
	defer c.transactionsLock.Unlock()
	var out []entry
	deployments := 0
	for _, id := range c.transactions.Keys() {
		if len(out) >= capacity {
			break
		}
		q, _ := c.transactions.Peek(id)
		if q.deploy {
			if deployments >= MaxDeploymentsPerInterval {
				continue
			}
			deployments++
		}
		c.transactions.Remove(id)
		out = append(out, entry{id: id, transmission: q.transmission})
	}
	c.metrics.SetQueueSize("transactions", c.transactions.Len())
	return out
}

type entry struct {
	id           types.TransmissionID
	transmission types.Transmission
}

// process hands one pass worth of queued transmissions to the workers. What
// a full worker refuses goes back into the queue for a later pass.
func (c *Consensus) process() {
	entries := c.drainSolutions(MaxTransmissionsPerInterval)
	entries = append(entries, c.drainTransactions(MaxTransmissionsPerInterval)...)
	requeued := 0
	for _, e := range entries {
		err := c.mempool.ProcessTransmission(e.id, e.transmission)
		switch {
		case err == nil:
		case errors.Is(err, worker.ErrQueueFull):
			if err := c.reinsertTransmission(e.id, e.transmission); err != nil {
				c.logger.Warn("failed to requeue transmission", "transmission", e.id, "error", err)
				continue
			}
			requeued++
		default:
			c.logger.Debug("worker refused transmission", "transmission", e.id, "error", err)
		}
	}
	if requeued > 0 {
		c.logger.Debug("workers are full, requeued transmissions", "requeued", requeued)
	}
}

// ProcessBFTSubdag advances the ledger with the subdag. It returns only once
// the block is appended, or once its transmissions are back in the mempool.
func (c *Consensus) ProcessBFTSubdag(subdag *types.Subdag, transmissions map[types.TransmissionID]types.Transmission) error {
	if err := c.tryAdvanceToNextBlock(subdag, transmissions); err != nil {
		c.metrics.BlockFailed()
		c.logger.Warn("failed to advance to the next block", "round", subdag.AnchorRound(), "error", err)
		c.reinsertTransmissions(subdag, transmissions)
		return err
	}
	return nil
}

func (c *Consensus) tryAdvanceToNextBlock(subdag *types.Subdag, transmissions map[types.TransmissionID]types.Transmission) error {
	block, err := c.ledger.PrepareAdvanceToNextQuorumBlock(subdag, transmissions)
	if err != nil {
		return err
	}
	if err := c.ledger.CheckNextBlock(block); err != nil {
		return err
	}
	if err := c.ledger.AdvanceToNextBlock(block); err != nil {
		return err
	}
	latency := time.Since(time.Unix(0, block.Timestamp))
	c.metrics.SetLedgerHeight(block.Height)
	c.metrics.ObserveCommitLatency(latency)
	c.logger.Info("advanced to the next block", "height", block.Height, "round", block.Round,
		"transmissions", len(block.Transmissions), "aborted", len(block.Aborted), "latency", latency)

	if block.IsEpochStart(c.ledger.BlocksPerEpoch()) {
		c.solutionsLock.Lock()
		c.solutions.Purge()
		c.metrics.SetQueueSize("solutions", 0)
		c.solutionsLock.Unlock()
		c.mempool.ClearWorkerSolutions()
		c.logger.Info("cleared unconfirmed solutions for the new epoch", "epoch", block.Epoch(c.ledger.BlocksPerEpoch()))
	}
	return nil
}

// reinsertTransmissions puts the payloads back into the queues without
// consulting the seen caches.
func (c *Consensus) reinsertTransmissions(subdag *types.Subdag, transmissions map[types.TransmissionID]types.Transmission) {
	reinserted := 0
	for _, id := range subdag.TransmissionIDs() {
		t, ok := transmissions[id]
		if !ok {
			continue
		}
		if err := c.reinsertTransmission(id, t); err != nil {
			c.logger.Debug("transmission was not reinserted", "transmission", id, "error", err)
			continue
		}
		reinserted++
	}
	c.metrics.Reinserted(reinserted)
}

func (c *Consensus) reinsertTransmission(id types.TransmissionID, t types.Transmission) error {
	switch id.Kind {
	case types.TransmissionSolution:
		if _, err := t.Solution(); err != nil {
			panic(fmt.Sprintf("reinserting %s: %v", id, err))
		}
		return c.queueSolution(id, t)
	case types.TransmissionTransaction:
		data, err := t.Transaction()
		if err != nil {
			panic(fmt.Sprintf("reinserting %s: %v", id, err))
		}
		tx, err := data.Deserialize()
		if err != nil {
			return err
		}
		return c.queueTransaction(id, t, tx)
	default:
		return nil
	}
}

// Run serves commit requests one at a time and feeds the workers until ctx
// is done. Blocks are built off the loop so the workers keep being fed; a
// commit in progress always completes.
func (c *Consensus) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.processInterval)
	defer ticker.Stop()
	commits := c.commits
	var advancing chan struct{}
	for {
		select {
		case <-ctx.Done():
			if advancing != nil {
				<-advancing
			}
			return nil
		case req := <-commits:
			// No new commit is taken until this one settles.
			commits = nil
			advancing = make(chan struct{})
			go func(done chan struct{}) {
				defer close(done)
				req.Result <- c.ProcessBFTSubdag(req.Subdag, req.Transmissions)
			}(advancing)
		case <-advancing:
			advancing = nil
			commits = c.commits
		case <-ticker.C:
			c.process()
		}
	}
}
