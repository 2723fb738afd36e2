package bft

import (
	"encoding/binary"
	"sync"

	"go.dedis.ch/kyber/v3/share"

	"github.com/gitzhang10/narwhal/sign"
	"github.com/gitzhang10/narwhal/types"
)

// LeaderElector picks the leader of an even round. Every honest node must
// get the same answer from the same inputs. ok is false while the leader
// cannot be determined yet.
type LeaderElector interface {
	Leader(round uint64, committee *types.Committee, nextRound []*types.BatchCertificate) (types.Address, bool)
}

// RoundRobinElector rotates leadership over the committee in position
// order. Stakes are counted in units of their greatest common divisor, each
// unit being one leader slot.
type RoundRobinElector struct{}

func (RoundRobinElector) Leader(round uint64, committee *types.Committee, _ []*types.BatchCertificate) (types.Address, bool) {
	var unit uint64
	for _, m := range committee.Members() {
		unit = gcd(unit, m.Stake)
	}
	if unit == 0 {
		return types.Address{}, false
	}
	slots := committee.TotalStake() / unit
	return pickByStake(committee, ((round/2)%slots)*unit)
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func pickByStake(committee *types.Committee, target uint64) (types.Address, bool) {
	for _, m := range committee.Members() {
		if target < m.Stake {
			return m.Address, true
		}
		target -= m.Stake
	}
	return types.Address{}, false
}

// CoinElector draws the leader of round r from a threshold signature over r.
// Proposers of round r+1 put their partial signature in the batch header, so
// the coin is revealed only once round r+1 certificates exist.
type CoinElector struct {
	pubPoly   *share.PubPoly
	priShare  *share.PriShare
	threshold int
	n         int

	lock    sync.Mutex
	leaders map[uint64]types.Address
}

func NewCoinElector(pubPoly *share.PubPoly, priShare *share.PriShare, threshold, n int) *CoinElector {
	return &CoinElector{
		pubPoly:   pubPoly,
		priShare:  priShare,
		threshold: threshold,
		n:         n,
		leaders:   make(map[uint64]types.Address),
	}
}

const cachedCoinRounds = 64

func coinMessage(round uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte("narwhal-coin"), round)
}

// ElectionShare is the partial coin a proposer includes in its header for
// headerRound. Only headers that follow an even round carry one.
func (c *CoinElector) ElectionShare(headerRound uint64) []byte {
	if headerRound < 3 || headerRound%2 == 0 {
		return nil
	}
	return sign.SignTSPartial(c.priShare, coinMessage(headerRound-1))
}

func (c *CoinElector) Leader(round uint64, committee *types.Committee, nextRound []*types.BatchCertificate) (types.Address, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if leader, ok := c.leaders[round]; ok {
		return leader, true
	}

	msg := coinMessage(round)
	seen := make(map[string]struct{})
	var partials [][]byte
	for _, cert := range nextRound {
		s := cert.Header.ElectionShare
		if cert.Round() != round+1 || len(s) == 0 {
			continue
		}
		if _, dup := seen[string(s)]; dup {
			continue
		}
		if err := sign.VerifyTSPartial(c.pubPoly, msg, s); err != nil {
			continue
		}
		seen[string(s)] = struct{}{}
		partials = append(partials, s)
	}
	if len(partials) < c.threshold {
		return types.Address{}, false
	}
	sig, err := sign.AssembleIntactTSPartial(partials, c.pubPoly, msg, c.threshold, c.n)
	if err != nil {
		return types.Address{}, false
	}
	total := committee.TotalStake()
	if total == 0 {
		return types.Address{}, false
	}
	seed := types.HashBytes(sig)
	leader, ok := pickByStake(committee, binary.BigEndian.Uint64(seed[:8])%total)
	if ok {
		c.leaders[round] = leader
		for r := range c.leaders {
			if r+cachedCoinRounds < round {
				delete(c.leaders, r)
			}
		}
	}
	return leader, ok
}
