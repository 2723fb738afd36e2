package types

import (
	"errors"
	"fmt"
	"sort"
)

// MaxCommitteeSize bounds the committee and therefore the connected-peer set.
const MaxCommitteeSize = 200

var (
	ErrEmptyCommittee       = errors.New("committee has no members")
	ErrCommitteeTooLarge    = errors.New("committee exceeds the maximum size")
	ErrDuplicateMember      = errors.New("duplicate committee member")
	ErrZeroStake            = errors.New("committee member has no stake")
	ErrNotCommitteeMember   = errors.New("address is not a committee member")
	ErrQuorumNotReached     = errors.New("quorum threshold not reached")
	ErrDuplicateSigner      = errors.New("duplicate signer")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrTooManyTransmissions = errors.New("too many transmissions in batch")
)

type Member struct {
	Address Address
	Stake   uint64
	IsOpen  bool
}

// Committee is an immutable snapshot of the members valid from StartingRound on.
type Committee struct {
	startingRound uint64
	members       []Member // ordered by position
	positions     map[Address]int
	totalStake    uint64
}

// NewCommittee orders members by stake (descending) and then by address,
// which fixes each member's position independently of the input order.
func NewCommittee(startingRound uint64, members []Member) (*Committee, error) {
	if len(members) == 0 {
		return nil, ErrEmptyCommittee
	}
	if len(members) > MaxCommitteeSize {
		return nil, fmt.Errorf("%w: %d members", ErrCommitteeTooLarge, len(members))
	}
	ordered := make([]Member, len(members))
	copy(ordered, members)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Stake != ordered[j].Stake {
			return ordered[i].Stake > ordered[j].Stake
		}
		return ordered[i].Address.Less(ordered[j].Address)
	})
	c := &Committee{
		startingRound: startingRound,
		members:       ordered,
		positions:     make(map[Address]int, len(ordered)),
	}
	for i, m := range ordered {
		if m.Stake == 0 {
			return nil, fmt.Errorf("%w: %s", ErrZeroStake, m.Address.Short())
		}
		if _, ok := c.positions[m.Address]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateMember, m.Address.Short())
		}
		c.positions[m.Address] = i
		c.totalStake += m.Stake
	}
	return c, nil
}

func (c *Committee) StartingRound() uint64 {
	return c.startingRound
}

func (c *Committee) Len() int {
	return len(c.members)
}

// Members returns the members in position order.
func (c *Committee) Members() []Member {
	out := make([]Member, len(c.members))
	copy(out, c.members)
	return out
}

func (c *Committee) MemberAt(position int) Member {
	return c.members[position]
}

func (c *Committee) IsCommitteeMember(addr Address) bool {
	_, ok := c.positions[addr]
	return ok
}

func (c *Committee) Position(addr Address) (int, bool) {
	p, ok := c.positions[addr]
	return p, ok
}

// Stake returns the stake of addr, zero for non-members.
func (c *Committee) Stake(addr Address) uint64 {
	p, ok := c.positions[addr]
	if !ok {
		return 0
	}
	return c.members[p].Stake
}

func (c *Committee) TotalStake() uint64 {
	return c.totalStake
}

// QuorumThreshold is the stake-weighted 2f+1 threshold.
func (c *Committee) QuorumThreshold() uint64 {
	return c.totalStake*2/3 + 1
}

// AvailabilityThreshold is the stake-weighted f+1 threshold.
func (c *Committee) AvailabilityThreshold() uint64 {
	return c.totalStake/3 + 1
}

// StakeOf sums the stake of the distinct members in addrs.
func (c *Committee) StakeOf(addrs []Address) uint64 {
	seen := make(map[Address]struct{}, len(addrs))
	var stake uint64
	for _, a := range addrs {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		stake += c.Stake(a)
	}
	return stake
}

func (c *Committee) IsQuorumThresholdReached(addrs []Address) bool {
	return c.StakeOf(addrs) >= c.QuorumThreshold()
}

func (c *Committee) IsAvailabilityThresholdReached(addrs []Address) bool {
	return c.StakeOf(addrs) >= c.AvailabilityThreshold()
}
