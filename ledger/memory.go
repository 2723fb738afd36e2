package ledger

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/narwhal/types"
)

type transmissionKey struct {
	kind types.TransmissionKind
	id   types.Hash
}

func keyOf(id types.TransmissionID) transmissionKey {
	return transmissionKey{kind: id.Kind, id: id.ID}
}

// Memory is an in-memory ledger with a fixed committee.
type Memory struct {
	lock           sync.RWMutex
	committee      *types.Committee
	blocks         []*Block
	transmissions  map[transmissionKey]uint32 // to block height
	blocksPerEpoch uint32
	logger         hclog.Logger
}

// NewMemory creates a ledger holding only the genesis block.
func NewMemory(committee *types.Committee, blocksPerEpoch uint32, logger hclog.Logger) *Memory {
	if blocksPerEpoch == 0 {
		blocksPerEpoch = DefaultBlocksPerEpoch
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	genesis := &Block{}
	genesis.Hash = genesis.computeHash()
	return &Memory{
		committee:      committee,
		blocks:         []*Block{genesis},
		transmissions:  make(map[transmissionKey]uint32),
		blocksPerEpoch: blocksPerEpoch,
		logger:         logger,
	}
}

// SetHeight fills the chain with empty blocks up to height. It lets
// development setups start close to an epoch boundary.
func (m *Memory) SetHeight(height uint32) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for uint32(len(m.blocks)-1) < height {
		prev := m.blocks[len(m.blocks)-1]
		b := &Block{Height: prev.Height + 1, PreviousHash: prev.Hash, Round: prev.Round, Timestamp: prev.Timestamp}
		b.Hash = b.computeHash()
		m.blocks = append(m.blocks, b)
	}
}

func (m *Memory) ContainsTransmission(id types.TransmissionID) (bool, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	_, ok := m.transmissions[keyOf(id)]
	return ok, nil
}

func (m *Memory) PrepareAdvanceToNextQuorumBlock(subdag *types.Subdag,
	transmissions map[types.TransmissionID]types.Transmission) (*Block, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	latest := m.blocks[len(m.blocks)-1]
	height := latest.Height + 1
	epoch := uint64(height / m.blocksPerEpoch)
	block := &Block{
		Height:              height,
		PreviousHash:        latest.Hash,
		Round:               subdag.AnchorRound(),
		LeaderCertificateID: subdag.LeaderCertificate().ID(),
		Timestamp:           subdag.Timestamp(),
		Transmissions:       []types.TransmissionID{},
		Aborted:             []types.TransmissionID{},
	}
	inBlock := make(map[transmissionKey]struct{})
	for _, id := range subdag.TransmissionIDs() {
		if id.Kind == types.TransmissionRatification {
			continue
		}
		key := keyOf(id)
		_, dup := inBlock[key]
		_, confirmed := m.transmissions[key]
		if dup || confirmed {
			block.Aborted = append(block.Aborted, id)
			continue
		}
		t, ok := transmissions[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingTransmission, id)
		}
		if !t.Matches(id) {
			return nil, fmt.Errorf("%w: payload does not match %s", ErrInvalidBlock, id)
		}
		if id.Kind == types.TransmissionSolution {
			data, err := t.Solution()
			if err != nil {
				return nil, err
			}
			solution, err := data.Deserialize()
			if err != nil {
				return nil, err
			}
			if solution.Epoch != epoch {
				m.logger.Debug("aborting stale solution", "solution", id, "epoch", solution.Epoch, "current", epoch)
				block.Aborted = append(block.Aborted, id)
				continue
			}
		}
		inBlock[key] = struct{}{}
		block.Transmissions = append(block.Transmissions, id)
	}
	block.Hash = block.computeHash()
	return block, nil
}

func (m *Memory) CheckNextBlock(block *Block) error {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.checkNextBlock(block)
}

func (m *Memory) checkNextBlock(block *Block) error {
	latest := m.blocks[len(m.blocks)-1]
	if block.Height != latest.Height+1 {
		return fmt.Errorf("%w: height %d, expected %d", ErrInvalidBlock, block.Height, latest.Height+1)
	}
	if block.PreviousHash != latest.Hash {
		return fmt.Errorf("%w: previous hash mismatch at height %d", ErrInvalidBlock, block.Height)
	}
	if block.Round <= latest.Round && latest.Height > 0 {
		return fmt.Errorf("%w: round %d is not after %d", ErrInvalidBlock, block.Round, latest.Round)
	}
	if block.Hash != block.computeHash() {
		return fmt.Errorf("%w: hash mismatch at height %d", ErrInvalidBlock, block.Height)
	}
	for _, id := range block.Transmissions {
		if _, ok := m.transmissions[keyOf(id)]; ok {
			return fmt.Errorf("%w: %s is already in the ledger", ErrInvalidBlock, id)
		}
	}
	return nil
}

func (m *Memory) AdvanceToNextBlock(block *Block) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if err := m.checkNextBlock(block); err != nil {
		return err
	}
	m.blocks = append(m.blocks, block)
	for _, id := range block.Transmissions {
		m.transmissions[keyOf(id)] = block.Height
	}
	m.logger.Debug("advanced to next block", "height", block.Height, "round", block.Round,
		"transmissions", len(block.Transmissions), "aborted", len(block.Aborted))
	return nil
}

func (m *Memory) LatestBlockHeight() uint32 {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.blocks[len(m.blocks)-1].Height
}

func (m *Memory) LatestRound() uint64 {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.blocks[len(m.blocks)-1].Round
}

func (m *Memory) LatestBlock() *Block {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.blocks[len(m.blocks)-1]
}

// GetBlock returns the block at height.
func (m *Memory) GetBlock(height uint32) (*Block, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if int(height) >= len(m.blocks) {
		return nil, false
	}
	return m.blocks[height], true
}

func (m *Memory) GetCommitteeForRound(round uint64) (*types.Committee, error) {
	if round < m.committee.StartingRound() {
		return nil, fmt.Errorf("%w %d", ErrNoCommittee, round)
	}
	return m.committee, nil
}

func (m *Memory) BlocksPerEpoch() uint32 {
	return m.blocksPerEpoch
}
