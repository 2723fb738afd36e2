package primary

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gitzhang10/narwhal/event"
	"github.com/gitzhang10/narwhal/storage"
	"github.com/gitzhang10/narwhal/types"
)

const maxConcurrentFetches = 16

// handleBatchPropose signs a peer's batch once its previous certificates and
// transmissions are all available locally. At most one batch is signed per
// author and round.
func (p *Primary) handleBatchPropose(ctx context.Context, peer types.Address, e event.BatchPropose) error {
	header := e.Header
	if header == nil || header.Round != e.Round {
		return fmt.Errorf("%w: round mismatch", ErrInvalidProposal)
	}
	if header.Author != peer {
		return fmt.Errorf("%w: author %s is not the sender", ErrInvalidProposal, header.Author.Short())
	}
	round := header.Round
	if round == 0 || round <= p.storage.GCRound() || round > p.storage.CurrentRound()+p.storage.MaxGCRounds() {
		return fmt.Errorf("%w: round %d", ErrStaleProposal, round)
	}
	committee, err := p.ledger.GetCommitteeForRound(round)
	if err != nil {
		return err
	}
	if !committee.IsCommitteeMember(peer) {
		return fmt.Errorf("%w: %s", types.ErrNotCommitteeMember, peer.Short())
	}
	if time.Unix(0, header.Timestamp).After(time.Now().Add(maxTimestampSkew)) {
		return fmt.Errorf("%w: timestamp is in the future", ErrInvalidProposal)
	}
	if err := header.Check(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProposal, err)
	}
	if p.storage.ContainsCertificateInRoundFrom(round, peer) {
		return fmt.Errorf("%w: %s is already certified in round %d", ErrStaleProposal, peer.Short(), round)
	}

	batchID := header.BatchID()
	p.lock.Lock()
	sig, err := p.signedLocked(peer, round, batchID)
	p.lock.Unlock()
	if err != nil {
		return err
	}
	if sig != nil {
		return p.gateway.Send(peer, event.BatchSignature{BatchID: batchID, Signature: sig})
	}

	if err := p.fetchPreviousCertificates(ctx, peer, header); err != nil {
		return err
	}
	if _, err := p.fetchTransmissions(ctx, peer, header.TransmissionIDs); err != nil {
		return err
	}

	p.lock.Lock()
	sig, err = p.signedLocked(peer, round, batchID)
	if err == nil && sig == nil {
		sig = p.account.Sign(batchID[:])
		p.signed[peer] = signedBatch{round: round, batchID: batchID, signature: sig, signedAt: time.Now()}
	}
	p.lock.Unlock()
	if err != nil {
		return err
	}
	p.logger.Debug("sign the batch", "author", peer.Short(), "round", round, "batch", batchID.Short())
	return p.gateway.Send(peer, event.BatchSignature{BatchID: batchID, Signature: sig})
}

// signedLocked returns the signature already given to this batch, or an
// error when signing it would endorse two batches of one author and round.
// A signed batch that expired no longer blocks its author.
func (p *Primary) signedLocked(author types.Address, round uint64, batchID types.Hash) (types.Signature, error) {
	s, ok := p.signed[author]
	switch {
	case !ok || s.round < round:
		return nil, nil
	case s.round > round:
		return nil, fmt.Errorf("%w: already signed round %d", ErrStaleProposal, s.round)
	case s.batchID == batchID:
		return s.signature, nil
	case time.Since(s.signedAt) < p.proposalExpiry:
		return nil, fmt.Errorf("%w: %s in round %d", ErrEquivocation, author.Short(), round)
	}
	return nil, nil
}

// fetchPreviousCertificates makes sure every certificate the header builds on
// is stored, and that they form a quorum of the previous round.
func (p *Primary) fetchPreviousCertificates(ctx context.Context, peer types.Address, header *types.BatchHeader) error {
	round := header.Round
	if round == 1 {
		if len(header.PreviousCertificateIDs) != 0 {
			return fmt.Errorf("%w: round 1 batch has parents", ErrInvalidProposal)
		}
		return nil
	}
	if len(header.PreviousCertificateIDs) == 0 {
		return fmt.Errorf("%w: round %d batch has no parents", ErrInvalidProposal, round)
	}
	if round-1 <= p.storage.GCRound() {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	var sendErr error
	for _, id := range header.PreviousCertificateIDs {
		if p.storage.ContainsCertificate(id) {
			continue
		}
		id := id
		if sendErr = p.gateway.Send(peer, event.CertificateRequest{CertificateID: id}); sendErr != nil {
			cancel()
			break
		}
		g.Go(func() error { return p.waitForCertificate(gctx, id) })
	}
	if err := g.Wait(); sendErr != nil || err != nil {
		return errors.Join(sendErr, err)
	}

	certs := make([]*types.BatchCertificate, 0, len(header.PreviousCertificateIDs))
	for _, id := range header.PreviousCertificateIDs {
		c, ok := p.storage.GetCertificate(id)
		if !ok {
			// Garbage collected while waiting.
			return fmt.Errorf("%w: %s", ErrMissingPrevious, id.Short())
		}
		if c.Round() != round-1 {
			return fmt.Errorf("%w: parent %s is from round %d", ErrInvalidProposal, id.Short(), c.Round())
		}
		certs = append(certs, c)
	}
	if !p.hasQuorum(round-1, certs) {
		return fmt.Errorf("%w: parents do not reach quorum", ErrInvalidProposal)
	}
	return nil
}

// waitForCertificate blocks until the certificate is stored, for at most
// FetchTimeout.
func (p *Primary) waitForCertificate(ctx context.Context, id types.Hash) error {
	ch := make(chan struct{})
	p.waitLock.Lock()
	if p.storage.ContainsCertificate(id) {
		p.waitLock.Unlock()
		return nil
	}
	p.waiters[id] = append(p.waiters[id], ch)
	p.waitLock.Unlock()

	timer := time.NewTimer(p.fetchTimeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		p.dropWaiter(id, ch)
		return fmt.Errorf("%w: %s", ErrMissingPrevious, id.Short())
	case <-ctx.Done():
		p.dropWaiter(id, ch)
		return ctx.Err()
	}
}

func (p *Primary) dropWaiter(id types.Hash, ch chan struct{}) {
	p.waitLock.Lock()
	defer p.waitLock.Unlock()
	waiters := p.waiters[id]
	for i, c := range waiters {
		if c == ch {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(p.waiters, id)
	} else {
		p.waiters[id] = waiters
	}
}

func (p *Primary) notify(id types.Hash) {
	p.waitLock.Lock()
	defer p.waitLock.Unlock()
	for _, ch := range p.waiters[id] {
		close(ch)
	}
	delete(p.waiters, id)
}

// fetchTransmissions collects the payloads of ids, asking peer through the
// owning workers for those not held locally. Transmissions already in the
// ledger are left out.
func (p *Primary) fetchTransmissions(ctx context.Context, peer types.Address,
	ids []types.TransmissionID) (map[types.TransmissionID]types.Transmission, error) {
	var lock sync.Mutex
	out := make(map[types.TransmissionID]types.Transmission, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)
	for _, id := range ids {
		id := id
		w := p.workerFor(id)
		if t, ok := w.GetTransmission(id); ok {
			lock.Lock()
			out[id] = t
			lock.Unlock()
			continue
		}
		inLedger, err := p.ledger.ContainsTransmission(id)
		if err != nil {
			g.Go(func() error { return err })
			break
		}
		if inLedger {
			continue
		}
		g.Go(func() error {
			t, err := w.GetOrFetchTransmission(gctx, peer, id)
			if err != nil {
				return err
			}
			lock.Lock()
			out[id] = t
			lock.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// receiveCertificate stores a certificate sealed by a peer. Certificates with
// missing parents are parked until the parents arrive.
func (p *Primary) receiveCertificate(ctx context.Context, peer types.Address, cert *types.BatchCertificate) {
	if cert == nil {
		return
	}
	id := cert.ID()
	if p.storage.ContainsCertificate(id) || cert.Round() <= p.storage.GCRound() {
		return
	}
	committee, err := p.ledger.GetCommitteeForRound(cert.Round())
	if err != nil {
		p.logger.Debug("no committee for certificate", "round", cert.Round(), "error", err)
		return
	}
	if err := cert.Verify(committee); err != nil {
		p.logger.Warn("invalid certificate", "peer", peer.Short(), "round", cert.Round(), "error", err)
		return
	}
	if missing := p.storage.MissingPreviousCertificates(cert); len(missing) > 0 {
		p.park(peer, cert, missing)
		return
	}
	transmissions, err := p.fetchTransmissions(ctx, peer, cert.TransmissionIDs())
	if err != nil {
		p.logger.Debug("failed to fetch certificate transmissions", "certificate", id.Short(), "error", err)
		if ctx.Err() == nil {
			p.pending.Add(id, pendingCertificate{certificate: cert, peer: peer})
		}
		return
	}
	if err := p.storage.InsertCertificate(cert, transmissions); err != nil {
		if !errors.Is(err, storage.ErrCertificateExists) {
			p.logger.Warn("failed to store certificate", "peer", peer.Short(), "round", cert.Round(), "error", err)
		}
		return
	}
	p.pending.Remove(id)
	p.logger.Debug("store the certificate", "author", cert.Author().Short(), "round", cert.Round(),
		"certificate", id.Short())
	p.afterInsert(cert)
	p.resumeChildren(ctx, id)
	p.tryAdvance()
}

func (p *Primary) park(peer types.Address, cert *types.BatchCertificate, missing []types.Hash) {
	p.pending.Add(cert.ID(), pendingCertificate{certificate: cert, peer: peer})
	for _, pid := range missing {
		if p.pending.Contains(pid) {
			continue
		}
		if err := p.gateway.Send(peer, event.CertificateRequest{CertificateID: pid}); err != nil {
			p.logger.Debug("failed to request certificate", "peer", peer.Short(), "error", err)
			return
		}
	}
}

// afterInsert runs for every certificate that enters storage.
func (p *Primary) afterInsert(cert *types.BatchCertificate) {
	p.notify(cert.ID())
	p.bft.ProcessCertificate(cert)
}

// resumeChildren retries the parked certificates that referenced parent.
func (p *Primary) resumeChildren(ctx context.Context, parent types.Hash) {
	for _, id := range p.pending.Keys() {
		pc, ok := p.pending.Peek(id)
		if !ok || !pc.certificate.Header.ReferencesCertificate(parent) {
			continue
		}
		if len(p.storage.MissingPreviousCertificates(pc.certificate)) > 0 {
			continue
		}
		p.pending.Remove(id)
		p.spawn(ctx, func(ctx context.Context) { p.receiveCertificate(ctx, pc.peer, pc.certificate) })
	}
}

// retryPending resumes every parked certificate whose parents arrived, asks
// again for the parents still missing and forgets what fell below the gc round.
func (p *Primary) retryPending(ctx context.Context) {
	gcRound := p.storage.GCRound()
	for _, id := range p.pending.Keys() {
		pc, ok := p.pending.Peek(id)
		if !ok {
			continue
		}
		if pc.certificate.Round() <= gcRound || p.storage.ContainsCertificate(id) {
			p.pending.Remove(id)
			continue
		}
		if missing := p.storage.MissingPreviousCertificates(pc.certificate); len(missing) > 0 {
			p.park(pc.peer, pc.certificate, missing)
			continue
		}
		p.pending.Remove(id)
		p.spawn(ctx, func(ctx context.Context) { p.receiveCertificate(ctx, pc.peer, pc.certificate) })
	}
}

func (p *Primary) handleCertificateRequest(peer types.Address, e event.CertificateRequest) {
	cert, ok := p.storage.GetCertificate(e.CertificateID)
	if !ok {
		return
	}
	if err := p.gateway.Send(peer, event.CertificateResponse{Certificate: cert}); err != nil {
		p.logger.Debug("failed to send certificate", "peer", peer.Short(), "error", err)
	}
}

func (p *Primary) handlePrimaryPing(peer types.Address, e event.PrimaryPing) {
	if e.Version < event.Version {
		p.logger.Warn("disconnecting peer with an outdated protocol version", "peer", peer.Short(), "version", e.Version)
		p.gateway.Disconnect(peer, event.OutdatedClientVersion)
		return
	}
	if e.Version != event.Version {
		p.logger.Warn("peer runs a newer protocol version", "peer", peer.Short(), "version", e.Version)
		return
	}
	for {
		current := p.highestPeerRound.Load()
		if e.CurrentRound <= current || p.highestPeerRound.CompareAndSwap(current, e.CurrentRound) {
			break
		}
	}
	p.logger.Trace("primary ping", "peer", peer.Short(), "round", e.CurrentRound, "height", e.BlockHeight)
}
