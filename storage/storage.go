/*
Package storage holds the certificate DAG of the node: certificates indexed
by round and author, and the transmissions they reference. A certificate is
only admitted once its whole causal history is present.
*/
package storage

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/btree"
	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/narwhal/ledger"
	"github.com/gitzhang10/narwhal/metrics"
	"github.com/gitzhang10/narwhal/types"
)

// DefaultMaxGCRounds is the number of committed rounds kept below the last commit.
const DefaultMaxGCRounds = 50

var (
	ErrInvalidCertificate  = errors.New("invalid certificate")
	ErrCertificateExists   = errors.New("certificate already exists")
	ErrMissingTransmission = errors.New("missing transmission")
)

type roundEntry struct {
	round        uint64
	certificates map[types.Address]*types.BatchCertificate // by author
}

func lessRound(a, b *roundEntry) bool {
	return a.round < b.round
}

type transmissionEntry struct {
	transmission types.Transmission
	certificates map[types.Hash]struct{}
}

// Storage is safe for concurrent use. Reads share a single RW lock.
type Storage struct {
	lock          sync.RWMutex
	ledger        ledger.Service
	rounds        *btree.BTreeG[*roundEntry]
	certificates  map[types.Hash]*types.BatchCertificate
	transmissions map[types.TransmissionID]*transmissionEntry
	currentRound  uint64
	gcRound       uint64
	maxGCRounds   uint64
	logger        hclog.Logger
	metrics       *metrics.Metrics
}

// New creates an empty storage at round 1.
func New(ledgerService ledger.Service, maxGCRounds uint64, logger hclog.Logger, m *metrics.Metrics) *Storage {
	if maxGCRounds == 0 {
		maxGCRounds = DefaultMaxGCRounds
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Storage{
		ledger:        ledgerService,
		rounds:        btree.NewG[*roundEntry](32, lessRound),
		certificates:  make(map[types.Hash]*types.BatchCertificate),
		transmissions: make(map[types.TransmissionID]*transmissionEntry),
		currentRound:  1,
		maxGCRounds:   maxGCRounds,
		logger:        logger,
		metrics:       m,
	}
}

func (s *Storage) CurrentRound() uint64 {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.currentRound
}

// IncrementToNextRound moves the current round forward by one and returns it.
func (s *Storage) IncrementToNextRound() uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.currentRound++
	return s.currentRound
}

// SyncToRound jumps forward to round. Going backwards is a no-op.
func (s *Storage) SyncToRound(round uint64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if round > s.currentRound {
		s.currentRound = round
	}
}

// GCRound is the highest garbage collected round, one below the oldest
// round GarbageCollect keeps.
func (s *Storage) GCRound() uint64 {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.gcRound
}

func (s *Storage) MaxGCRounds() uint64 {
	return s.maxGCRounds
}

// MaxRound is the highest round holding a certificate, 0 when empty.
func (s *Storage) MaxRound() uint64 {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if e, ok := s.rounds.Max(); ok {
		return e.round
	}
	return 0
}

func (s *Storage) NumCertificates() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.certificates)
}

func (s *Storage) ContainsCertificate(id types.Hash) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	_, ok := s.certificates[id]
	return ok
}

func (s *Storage) GetCertificate(id types.Hash) (*types.BatchCertificate, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	c, ok := s.certificates[id]
	return c, ok
}

// GetCertificatesForRound returns the round's certificates ordered by ID.
func (s *Storage) GetCertificatesForRound(round uint64) []*types.BatchCertificate {
	s.lock.RLock()
	defer s.lock.RUnlock()
	e, ok := s.rounds.Get(&roundEntry{round: round})
	if !ok {
		return nil
	}
	out := make([]*types.BatchCertificate, 0, len(e.certificates))
	for _, c := range e.certificates {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].ID(), out[j].ID()
		return a.Less(b)
	})
	return out
}

func (s *Storage) GetCertificateForRoundWithAuthor(round uint64, author types.Address) (*types.BatchCertificate, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	e, ok := s.rounds.Get(&roundEntry{round: round})
	if !ok {
		return nil, false
	}
	c, ok := e.certificates[author]
	return c, ok
}

func (s *Storage) ContainsCertificateInRoundFrom(round uint64, author types.Address) bool {
	_, ok := s.GetCertificateForRoundWithAuthor(round, author)
	return ok
}

func (s *Storage) ContainsTransmission(id types.TransmissionID) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	_, ok := s.transmissions[id]
	return ok
}

func (s *Storage) GetTransmission(id types.TransmissionID) (types.Transmission, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	e, ok := s.transmissions[id]
	if !ok {
		return types.Transmission{}, false
	}
	return e.transmission, true
}

// MissingPreviousCertificates lists the parents of cert that are not stored
// and not yet garbage collected.
func (s *Storage) MissingPreviousCertificates(cert *types.BatchCertificate) []types.Hash {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if cert.Round() <= 1 || cert.Round()-1 <= s.gcRound {
		return nil
	}
	var missing []types.Hash
	for _, id := range cert.PreviousCertificateIDs() {
		if _, ok := s.certificates[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// CheckCertificate reports whether cert could be inserted given the extra
// transmissions. It does not modify the storage.
func (s *Storage) CheckCertificate(cert *types.BatchCertificate, transmissions map[types.TransmissionID]types.Transmission) error {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.checkCertificate(cert, transmissions)
}

func (s *Storage) checkCertificate(cert *types.BatchCertificate, transmissions map[types.TransmissionID]types.Transmission) error {
	id := cert.ID()
	round := cert.Round()
	if _, ok := s.certificates[id]; ok {
		return fmt.Errorf("%w: %s", ErrCertificateExists, id.Short())
	}
	if round == 0 {
		return fmt.Errorf("%w: round 0", ErrInvalidCertificate)
	}
	if round <= s.gcRound {
		return fmt.Errorf("%w: round %d is garbage collected (gc round %d)", ErrInvalidCertificate, round, s.gcRound)
	}
	if e, ok := s.rounds.Get(&roundEntry{round: round}); ok {
		if other, ok := e.certificates[cert.Author()]; ok && other.ID() != id {
			return fmt.Errorf("%w: %s already has certificate %s in round %d", ErrInvalidCertificate,
				cert.Author().Short(), other.ID().Short(), round)
		}
	}

	committee, err := s.ledger.GetCommitteeForRound(round)
	if err != nil {
		return err
	}
	if err := cert.Verify(committee); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}

	if err := s.checkPrevious(cert); err != nil {
		return err
	}

	for _, tid := range cert.TransmissionIDs() {
		if _, ok := s.transmissions[tid]; ok {
			continue
		}
		if t, ok := transmissions[tid]; ok {
			if !t.Matches(tid) {
				return fmt.Errorf("%w: payload does not match %s", ErrInvalidCertificate, tid)
			}
			continue
		}
		inLedger, err := s.ledger.ContainsTransmission(tid)
		if err != nil {
			return err
		}
		if !inLedger {
			return fmt.Errorf("%w: %s", ErrMissingTransmission, tid)
		}
	}
	return nil
}

func (s *Storage) checkPrevious(cert *types.BatchCertificate) error {
	round := cert.Round()
	previous := cert.PreviousCertificateIDs()
	if round == 1 {
		if len(previous) != 0 {
			return fmt.Errorf("%w: round 1 certificate references %d parents", ErrInvalidCertificate, len(previous))
		}
		return nil
	}
	if len(previous) == 0 {
		return fmt.Errorf("%w: round %d certificate has no parents", ErrInvalidCertificate, round)
	}
	// Parents at or below the gc round are gone, the certificate is trusted on its quorum.
	if round-1 <= s.gcRound {
		return nil
	}
	authors := make([]types.Address, 0, len(previous))
	for _, pid := range previous {
		parent, ok := s.certificates[pid]
		if !ok {
			return fmt.Errorf("%w: missing previous certificate %s", ErrInvalidCertificate, pid.Short())
		}
		if parent.Round() != round-1 {
			return fmt.Errorf("%w: previous certificate %s is from round %d, expected %d", ErrInvalidCertificate,
				pid.Short(), parent.Round(), round-1)
		}
		authors = append(authors, parent.Author())
	}
	committee, err := s.ledger.GetCommitteeForRound(round - 1)
	if err != nil {
		return err
	}
	if !committee.IsQuorumThresholdReached(authors) {
		return fmt.Errorf("%w: previous certificates of round %d do not reach quorum", ErrInvalidCertificate, round-1)
	}
	return nil
}

// InsertCertificate checks and stores cert together with the transmissions
// it references that are not stored yet.
func (s *Storage) InsertCertificate(cert *types.BatchCertificate, transmissions map[types.TransmissionID]types.Transmission) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkCertificate(cert, transmissions); err != nil {
		return err
	}
	id := cert.ID()
	round := cert.Round()
	e, ok := s.rounds.Get(&roundEntry{round: round})
	if !ok {
		e = &roundEntry{round: round, certificates: make(map[types.Address]*types.BatchCertificate)}
		s.rounds.ReplaceOrInsert(e)
	}
	e.certificates[cert.Author()] = cert
	s.certificates[id] = cert

	for _, tid := range cert.TransmissionIDs() {
		te, ok := s.transmissions[tid]
		if !ok {
			t, supplied := transmissions[tid]
			if !supplied {
				// Already in the ledger.
				continue
			}
			te = &transmissionEntry{transmission: t, certificates: make(map[types.Hash]struct{})}
			s.transmissions[tid] = te
		}
		te.certificates[id] = struct{}{}
	}
	s.logger.Debug("inserted certificate", "round", round, "author", cert.Author().Short(), "id", id.Short())
	s.metrics.SetCertificates(len(s.certificates))
	return nil
}

// GarbageCollect drops every round strictly older than committedRound -
// MaxGCRounds, along with the transmissions only those rounds referenced.
func (s *Storage) GarbageCollect(committedRound uint64) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if committedRound <= s.maxGCRounds+1 {
		return
	}
	oldest := committedRound - s.maxGCRounds
	gcRound := oldest - 1
	if gcRound <= s.gcRound {
		return
	}

	var stale []*roundEntry
	s.rounds.AscendLessThan(&roundEntry{round: oldest}, func(e *roundEntry) bool {
		stale = append(stale, e)
		return true
	})
	for _, e := range stale {
		s.rounds.Delete(e)
		for _, cert := range e.certificates {
			id := cert.ID()
			delete(s.certificates, id)
			for _, tid := range cert.TransmissionIDs() {
				te, ok := s.transmissions[tid]
				if !ok {
					continue
				}
				delete(te.certificates, id)
				if len(te.certificates) == 0 {
					delete(s.transmissions, tid)
				}
			}
		}
	}
	s.gcRound = gcRound
	if s.currentRound <= gcRound {
		s.currentRound = gcRound + 1
	}
	s.logger.Debug("garbage collected", "gc-round", gcRound, "rounds", len(stale))
	s.metrics.SetCertificates(len(s.certificates))
}
