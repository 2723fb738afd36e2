package types

import (
	"errors"
	"sort"
)

var ErrInvalidSubdag = errors.New("invalid subdag")

type SubdagRound struct {
	Round        uint64
	Certificates []*BatchCertificate
}

// Subdag is the set of certificates committed together with a leader
// certificate, ordered by round and by certificate ID within a round.
type Subdag struct {
	rounds []SubdagRound
}

// NewSubdag orders the certificates. The highest round must hold exactly
// one certificate: the leader.
func NewSubdag(byRound map[uint64][]*BatchCertificate) (*Subdag, error) {
	if len(byRound) == 0 {
		return nil, ErrInvalidSubdag
	}
	rounds := make([]SubdagRound, 0, len(byRound))
	for r, certs := range byRound {
		if len(certs) == 0 {
			continue
		}
		ordered := make([]*BatchCertificate, len(certs))
		copy(ordered, certs)
		ids := make(map[*BatchCertificate]Hash, len(ordered))
		for _, c := range ordered {
			ids[c] = c.ID()
		}
		sort.Slice(ordered, func(i, j int) bool { return ids[ordered[i]].Less(ids[ordered[j]]) })
		rounds = append(rounds, SubdagRound{Round: r, Certificates: ordered})
	}
	sort.Slice(rounds, func(i, j int) bool { return rounds[i].Round < rounds[j].Round })
	if len(rounds) == 0 || len(rounds[len(rounds)-1].Certificates) != 1 {
		return nil, ErrInvalidSubdag
	}
	return &Subdag{rounds: rounds}, nil
}

func (s *Subdag) Rounds() []SubdagRound {
	return s.rounds
}

func (s *Subdag) LeaderCertificate() *BatchCertificate {
	return s.rounds[len(s.rounds)-1].Certificates[0]
}

func (s *Subdag) AnchorRound() uint64 {
	return s.rounds[len(s.rounds)-1].Round
}

// Timestamp of a subdag is the leader's timestamp.
func (s *Subdag) Timestamp() int64 {
	return s.LeaderCertificate().Timestamp()
}

// Certificates returns the certificates in commit order.
func (s *Subdag) Certificates() []*BatchCertificate {
	var out []*BatchCertificate
	for _, r := range s.rounds {
		out = append(out, r.Certificates...)
	}
	return out
}

func (s *Subdag) Len() int {
	n := 0
	for _, r := range s.rounds {
		n += len(r.Certificates)
	}
	return n
}

// TransmissionIDs returns every referenced transmission in commit order,
// keeping only the first occurrence.
func (s *Subdag) TransmissionIDs() []TransmissionID {
	seen := make(map[TransmissionID]struct{})
	var out []TransmissionID
	for _, c := range s.Certificates() {
		for _, id := range c.TransmissionIDs() {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
