package primary

import (
	"fmt"
	"time"

	"github.com/gitzhang10/narwhal/event"
	"github.com/gitzhang10/narwhal/types"
	"github.com/gitzhang10/narwhal/worker"
)

// proposalResendInterval spaces out resending a proposal to members that have
// not signed it yet.
const proposalResendInterval = time.Second

// propose creates the batch for the current round, or resends the one still
// collecting signatures.
func (p *Primary) propose() error {
	prop, cert, err := p.newProposal()
	if err != nil {
		return err
	}
	if cert != nil {
		p.certify(prop, cert)
	}
	return nil
}

func (p *Primary) newProposal() (*proposal, *types.BatchCertificate, error) {
	round := p.storage.CurrentRound()
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.proposal != nil {
		if p.proposal.header.Round == round && time.Since(p.proposal.sentAt) >= proposalResendInterval {
			p.resendLocked()
		}
		return nil, nil, nil
	}
	if p.storage.ContainsCertificateInRoundFrom(round, p.address) {
		return nil, nil, fmt.Errorf("%w: round %d is already certified", ErrNotReady, round)
	}
	committee, err := p.ledger.GetCommitteeForRound(round)
	if err != nil {
		return nil, nil, err
	}
	if !committee.IsCommitteeMember(p.address) {
		return nil, nil, fmt.Errorf("%w: round %d", types.ErrNotCommitteeMember, round)
	}
	var previous []types.Hash
	if round > 1 {
		certs := p.storage.GetCertificatesForRound(round - 1)
		if !p.hasQuorum(round-1, certs) {
			return nil, nil, fmt.Errorf("%w: round %d has no certified quorum", ErrNotReady, round-1)
		}
		for _, c := range certs {
			previous = append(previous, c.ID())
		}
	}

	entries := p.drainWorkers()
	ids := make([]types.TransmissionID, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	var share []byte
	if p.electionSigner != nil {
		share = p.electionSigner.ElectionShare(round)
	}
	header, err := types.NewBatchHeader(p.account, round, time.Now().UnixNano(), ids, previous, share)
	if err != nil {
		p.reinsert(entries)
		return nil, nil, err
	}
	now := time.Now()
	p.proposal = &proposal{
		header:     header,
		batchID:    header.BatchID(),
		entries:    entries,
		signatures: make(map[types.Address]types.Signature),
		createdAt:  now,
		sentAt:     now,
	}
	p.metrics.BatchProposed()
	p.logger.Info("propose a batch", "round", round, "transmissions", len(entries), "batch", p.proposal.batchID.Short())
	p.gateway.Broadcast(event.BatchPropose{Round: round, Header: header})

	// A committee where this node alone holds a quorum seals right away.
	prop := p.proposal
	return prop, p.sealLocked(committee), nil
}

func (p *Primary) resendLocked() {
	committee, err := p.ledger.GetCommitteeForRound(p.proposal.header.Round)
	if err != nil {
		return
	}
	e := event.BatchPropose{Round: p.proposal.header.Round, Header: p.proposal.header}
	for _, m := range committee.Members() {
		if m.Address == p.address {
			continue
		}
		if _, ok := p.proposal.signatures[m.Address]; ok {
			continue
		}
		// Members that are not connected yet get it on a later resend.
		_ = p.gateway.Send(m.Address, e)
	}
	p.proposal.sentAt = time.Now()
}

func (p *Primary) drainWorkers() []worker.Entry {
	per := p.maxBatchSize / len(p.workers)
	if per == 0 {
		per = 1
	}
	var entries []worker.Entry
	for _, w := range p.workers {
		remaining := p.maxBatchSize - len(entries)
		if remaining <= 0 {
			break
		}
		entries = append(entries, w.Drain(min(per, remaining))...)
	}
	return entries
}

func (p *Primary) handleBatchSignature(peer types.Address, e event.BatchSignature) {
	p.lock.Lock()
	prop := p.proposal
	if prop == nil || prop.batchID != e.BatchID {
		p.lock.Unlock()
		return
	}
	if _, ok := prop.signatures[peer]; ok || peer == p.address {
		p.lock.Unlock()
		return
	}
	committee, err := p.ledger.GetCommitteeForRound(prop.header.Round)
	if err != nil {
		p.lock.Unlock()
		p.logger.Error("no committee for round", "round", prop.header.Round, "error", err)
		return
	}
	if !committee.IsCommitteeMember(peer) {
		p.lock.Unlock()
		p.logger.Warn("signature from a non-member", "peer", peer.Short())
		return
	}
	if !types.Verify(peer, e.BatchID[:], e.Signature) {
		p.lock.Unlock()
		p.logger.Warn("invalid batch signature", "peer", peer.Short(), "batch", e.BatchID.Short())
		return
	}
	prop.signatures[peer] = e.Signature
	cert := p.sealLocked(committee)
	p.lock.Unlock()

	if cert != nil {
		p.certify(prop, cert)
	}
}

// sealLocked forms the certificate once the signers reach quorum stake and
// clears the proposal.
func (p *Primary) sealLocked(committee *types.Committee) *types.BatchCertificate {
	prop := p.proposal
	signers := make([]types.Address, 0, len(prop.signatures)+1)
	signers = append(signers, p.address)
	for signer := range prop.signatures {
		signers = append(signers, signer)
	}
	if !committee.IsQuorumThresholdReached(signers) {
		return nil
	}
	p.proposal = nil
	return types.NewBatchCertificate(*prop.header, prop.signatures)
}

// certify stores the certificate of this node's own batch and announces it.
func (p *Primary) certify(prop *proposal, cert *types.BatchCertificate) {
	transmissions := make(map[types.TransmissionID]types.Transmission, len(prop.entries))
	for _, e := range prop.entries {
		transmissions[e.ID] = e.Transmission
	}
	if err := p.storage.InsertCertificate(cert, transmissions); err != nil {
		p.logger.Error("failed to store own certificate", "round", cert.Round(), "error", err)
		p.reinsert(prop.entries)
		return
	}
	p.settle(prop.entries)
	p.logger.Info("certify the batch", "round", cert.Round(), "certificate", cert.ID().Short(),
		"signers", len(cert.Endorsements)+1)
	p.gateway.Broadcast(event.BatchSealed{Certificate: cert})
	p.afterInsert(cert)
	p.tryAdvance()
}

// expireProposal drops a proposal that outlived ProposalExpiry or whose round
// has passed, handing its transmissions back to the workers.
func (p *Primary) expireProposal() {
	round := p.storage.CurrentRound()
	p.lock.Lock()
	prop := p.proposal
	if prop == nil || (prop.header.Round >= round && time.Since(prop.createdAt) < p.proposalExpiry) {
		p.lock.Unlock()
		return
	}
	p.proposal = nil
	p.lock.Unlock()

	p.reinsert(prop.entries)
	p.logger.Debug("proposal expired", "round", prop.header.Round, "signatures", len(prop.signatures),
		"transmissions", len(prop.entries))
}

func (p *Primary) groupByWorker(entries []worker.Entry) map[*worker.Worker][]worker.Entry {
	out := make(map[*worker.Worker][]worker.Entry)
	for _, e := range entries {
		w := p.workerFor(e.ID)
		out[w] = append(out[w], e)
	}
	return out
}

func (p *Primary) reinsert(entries []worker.Entry) {
	for w, es := range p.groupByWorker(entries) {
		w.Reinsert(es)
	}
}

func (p *Primary) settle(entries []worker.Entry) {
	for w, es := range p.groupByWorker(entries) {
		ids := make([]types.TransmissionID, len(es))
		for i, e := range es {
			ids[i] = e.ID
		}
		w.Settle(ids)
	}
}

// hasQuorum reports whether certs carry a quorum of round's committee.
func (p *Primary) hasQuorum(round uint64, certs []*types.BatchCertificate) bool {
	committee, err := p.ledger.GetCommitteeForRound(round)
	if err != nil {
		return false
	}
	authors := make([]types.Address, len(certs))
	for i, c := range certs {
		authors[i] = c.Author()
	}
	return committee.IsQuorumThresholdReached(authors)
}

// tryAdvance moves to the next round once the current one holds a certified
// quorum. Even rounds also wait for their leader, up to LeaderTimeout. A
// primary that fell behind jumps to the highest round with a quorum.
func (p *Primary) tryAdvance() {
	p.lock.Lock()
	defer p.lock.Unlock()

	round := p.storage.CurrentRound()
	for r := p.storage.MaxRound(); r > round; r-- {
		if p.hasQuorum(r, p.storage.GetCertificatesForRound(r)) {
			p.logger.Info("catch up to a certified round", "from", round, "to", r)
			p.storage.SyncToRound(r)
			round = r
			break
		}
	}
	if !p.hasQuorum(round, p.storage.GetCertificatesForRound(round)) {
		return
	}
	if p.quorumRound != round {
		p.quorumRound = round
		p.quorumSince = time.Now()
	}
	if round%2 == 0 && !p.leaderCertified(round) && time.Since(p.quorumSince) < p.leaderTimeout {
		return
	}
	next := p.storage.IncrementToNextRound()
	p.metrics.SetCurrentRound(next)
	p.logger.Debug("advance to the next round", "round", next)
}

// leaderCertified reports whether the leader certificate of an even round is
// stored. A leader that cannot be known yet does not hold the round back.
func (p *Primary) leaderCertified(round uint64) bool {
	leader, ok := p.bft.Leader(round)
	if !ok {
		return true
	}
	return p.storage.ContainsCertificateInRoundFrom(round, leader)
}
