/*
Package bft orders the certificate DAG. Even rounds have a leader; a leader
certificate is committed once a quorum of the next round's certificates
reference it, and its uncommitted causal history is handed to consensus as
one subdag.
*/
package bft

import (
	"context"
	"errors"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/narwhal/ledger"
	"github.com/gitzhang10/narwhal/metrics"
	"github.com/gitzhang10/narwhal/storage"
	"github.com/gitzhang10/narwhal/types"
)

var ErrShutdown = errors.New("bft shut down")

const commitQueueSize = 1024

// CommitRequest carries a committed subdag to consensus. Consensus sends
// exactly one value on Result once the ledger outcome is settled.
type CommitRequest struct {
	Subdag        *types.Subdag
	Transmissions map[types.TransmissionID]types.Transmission
	Result        chan error
}

func NewCommitRequest(subdag *types.Subdag, transmissions map[types.TransmissionID]types.Transmission) *CommitRequest {
	return &CommitRequest{Subdag: subdag, Transmissions: transmissions, Result: make(chan error, 1)}
}

type Config struct {
	Storage   *storage.Storage
	Ledger    ledger.Service
	Elector   LeaderElector
	Consensus chan<- *CommitRequest
	Logger    hclog.Logger
	Metrics   *metrics.Metrics
}

type BFT struct {
	lock               sync.Mutex
	storage            *storage.Storage
	ledger             ledger.Service
	elector            LeaderElector
	lastCommittedRound uint64
	committed          map[types.Hash]uint64 // certificate ID to round

	consensus  chan<- *CommitRequest
	queue      chan *CommitRequest
	shutdownCh chan struct{}
	closeOnce  sync.Once

	logger  hclog.Logger
	metrics *metrics.Metrics
}

func New(conf Config) *BFT {
	if conf.Elector == nil {
		conf.Elector = RoundRobinElector{}
	}
	if conf.Logger == nil {
		conf.Logger = hclog.NewNullLogger()
	}
	return &BFT{
		storage:    conf.Storage,
		ledger:     conf.Ledger,
		elector:    conf.Elector,
		committed:  make(map[types.Hash]uint64),
		consensus:  conf.Consensus,
		queue:      make(chan *CommitRequest, commitQueueSize),
		shutdownCh: make(chan struct{}),
		logger:     conf.Logger.Named("bft"),
		metrics:    conf.Metrics,
	}
}

func (b *BFT) LastCommittedRound() uint64 {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.lastCommittedRound
}

func (b *BFT) IsCommitted(id types.Hash) bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	_, ok := b.committed[id]
	return ok
}

// Leader returns the leader of an even round, if it can be known yet.
func (b *BFT) Leader(round uint64) (types.Address, bool) {
	if round < 2 || round%2 != 0 {
		return types.Address{}, false
	}
	committee, err := b.ledger.GetCommitteeForRound(round)
	if err != nil {
		return types.Address{}, false
	}
	return b.elector.Leader(round, committee, b.storage.GetCertificatesForRound(round+1))
}

// ProcessCertificate is called for every certificate stored in the DAG.
func (b *BFT) ProcessCertificate(cert *types.BatchCertificate) {
	b.lock.Lock()
	defer b.lock.Unlock()
	round := cert.Round()
	switch {
	case round%2 == 1 && round >= 3:
		b.tryCommit(round - 1)
	case round%2 == 0 && round >= 2:
		// The leader may arrive after its supporters.
		b.tryCommit(round)
	}
}

func (b *BFT) leaderCertificate(round uint64) (*types.BatchCertificate, bool) {
	leader, ok := b.Leader(round)
	if !ok {
		return nil, false
	}
	return b.storage.GetCertificateForRoundWithAuthor(round, leader)
}

func (b *BFT) tryCommit(leaderRound uint64) {
	if leaderRound <= b.lastCommittedRound {
		return
	}
	leaderCert, ok := b.leaderCertificate(leaderRound)
	if !ok {
		return
	}
	committee, err := b.ledger.GetCommitteeForRound(leaderRound + 1)
	if err != nil {
		b.logger.Error("no committee for round", "round", leaderRound+1, "error", err)
		return
	}
	leaderID := leaderCert.ID()
	var supporters []types.Address
	for _, c := range b.storage.GetCertificatesForRound(leaderRound + 1) {
		if c.Header.ReferencesCertificate(leaderID) {
			supporters = append(supporters, c.Author())
		}
	}
	if !committee.IsQuorumThresholdReached(supporters) {
		return
	}
	b.commitLeaderCertificate(leaderCert)
}

// commitLeaderCertificate commits leaderCert after every earlier uncommitted
// leader it is linked to, oldest first.
func (b *BFT) commitLeaderCertificate(leaderCert *types.BatchCertificate) {
	leaders := []*types.BatchCertificate{leaderCert}
	current := leaderCert
	gcRound := b.storage.GCRound()
	for r := leaderCert.Round(); r >= 4; r -= 2 {
		previous := r - 2
		if previous <= b.lastCommittedRound || previous <= gcRound {
			break
		}
		candidate, ok := b.leaderCertificate(previous)
		if !ok {
			continue
		}
		if b.isLinked(current, candidate) {
			leaders = append(leaders, candidate)
			current = candidate
		}
	}

	for i := len(leaders) - 1; i >= 0; i-- {
		leader := leaders[i]
		subdag, err := b.orderDAG(leader)
		if err != nil {
			b.logger.Error("failed to order the subdag", "round", leader.Round(), "error", err)
			return
		}
		transmissions := make(map[types.TransmissionID]types.Transmission)
		for _, id := range subdag.TransmissionIDs() {
			if t, ok := b.storage.GetTransmission(id); ok {
				transmissions[id] = t
			}
		}
		for _, c := range subdag.Certificates() {
			b.committed[c.ID()] = c.Round()
		}
		b.lastCommittedRound = leader.Round()
		b.metrics.LeaderCommitted()
		b.logger.Info("commit the leader certificate", "round", leader.Round(), "leader", leader.Author().Short(),
			"certificates", subdag.Len())

		select {
		case b.queue <- NewCommitRequest(subdag, transmissions):
		case <-b.shutdownCh:
			return
		}
	}
}

// isLinked reports whether to is in the causal history of from.
func (b *BFT) isLinked(from, to *types.BatchCertificate) bool {
	frontier := []*types.BatchCertificate{from}
	for r := from.Round(); r > to.Round() && len(frontier) > 0; r-- {
		next := make(map[types.Hash]*types.BatchCertificate)
		for _, c := range frontier {
			for _, pid := range c.PreviousCertificateIDs() {
				if parent, ok := b.storage.GetCertificate(pid); ok {
					next[pid] = parent
				}
			}
		}
		frontier = frontier[:0]
		for _, c := range next {
			frontier = append(frontier, c)
		}
	}
	toID := to.ID()
	for _, c := range frontier {
		if c.ID() == toID {
			return true
		}
	}
	return false
}

// orderDAG collects the uncommitted causal history of leader.
func (b *BFT) orderDAG(leader *types.BatchCertificate) (*types.Subdag, error) {
	gcRound := b.storage.GCRound()
	byRound := make(map[uint64][]*types.BatchCertificate)
	visited := map[types.Hash]struct{}{leader.ID(): {}}
	stack := []*types.BatchCertificate{leader}
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		byRound[c.Round()] = append(byRound[c.Round()], c)
		for _, pid := range c.PreviousCertificateIDs() {
			if _, ok := visited[pid]; ok {
				continue
			}
			if _, ok := b.committed[pid]; ok {
				continue
			}
			parent, ok := b.storage.GetCertificate(pid)
			if !ok || parent.Round() <= gcRound {
				continue
			}
			visited[pid] = struct{}{}
			stack = append(stack, parent)
		}
	}
	return types.NewSubdag(byRound)
}

// Run hands committed subdags to consensus one at a time, in commit order,
// and garbage collects the DAG behind them.
func (b *BFT) Run(ctx context.Context) error {
	defer b.closeOnce.Do(func() { close(b.shutdownCh) })
	for {
		var req *CommitRequest
		select {
		case <-ctx.Done():
			return nil
		case req = <-b.queue:
		}

		select {
		case b.consensus <- req:
		case <-ctx.Done():
			return nil
		}
		select {
		case err := <-req.Result:
			if err != nil {
				b.logger.Warn("subdag did not advance the ledger", "round", req.Subdag.AnchorRound(), "error", err)
			}
		case <-ctx.Done():
			return nil
		}

		b.storage.GarbageCollect(req.Subdag.AnchorRound())
		b.prune()
	}
}

func (b *BFT) prune() {
	gcRound := b.storage.GCRound()
	b.lock.Lock()
	defer b.lock.Unlock()
	for id, round := range b.committed {
		if round <= gcRound {
			delete(b.committed, id)
		}
	}
}
