/*
Package ledger defines the capability the consensus core needs from the
ledger, and an in-memory implementation used by development nodes and tests.
*/
package ledger

import (
	"errors"

	"github.com/gitzhang10/narwhal/types"
)

// DefaultBlocksPerEpoch is the number of blocks in an epoch.
const DefaultBlocksPerEpoch = 360

var (
	ErrMissingTransmission = errors.New("missing transmission")
	ErrInvalidBlock        = errors.New("invalid block")
	ErrNoCommittee         = errors.New("no committee for round")
)

// Service is implemented by ledger backends.
type Service interface {
	// ContainsTransmission reports whether a transmission with the same kind
	// and ID is already in a block.
	ContainsTransmission(id types.TransmissionID) (bool, error)
	// PrepareAdvanceToNextQuorumBlock builds the candidate block for a committed subdag.
	PrepareAdvanceToNextQuorumBlock(subdag *types.Subdag, transmissions map[types.TransmissionID]types.Transmission) (*Block, error)
	CheckNextBlock(block *Block) error
	// AdvanceToNextBlock durably appends the block.
	AdvanceToNextBlock(block *Block) error
	LatestBlockHeight() uint32
	LatestRound() uint64
	LatestBlock() *Block
	GetCommitteeForRound(round uint64) (*types.Committee, error)
	BlocksPerEpoch() uint32
}

// Block is a ledger block built from one committed subdag.
type Block struct {
	Height              uint32
	Hash                types.Hash
	PreviousHash        types.Hash
	Round               uint64
	LeaderCertificateID types.Hash
	Timestamp           int64
	Transmissions       []types.TransmissionID
	Aborted             []types.TransmissionID
}

type blockPreimage struct {
	Height              uint32
	PreviousHash        types.Hash
	Round               uint64
	LeaderCertificateID types.Hash
	Timestamp           int64
	Transmissions       []types.TransmissionID
	Aborted             []types.TransmissionID
}

func (b *Block) computeHash() types.Hash {
	return types.HashOf(blockPreimage{
		Height:              b.Height,
		PreviousHash:        b.PreviousHash,
		Round:               b.Round,
		LeaderCertificateID: b.LeaderCertificateID,
		Timestamp:           b.Timestamp,
		Transmissions:       b.Transmissions,
		Aborted:             b.Aborted,
	})
}

// Epoch returns the epoch the block belongs to.
func (b *Block) Epoch(blocksPerEpoch uint32) uint64 {
	return uint64(b.Height / blocksPerEpoch)
}

// IsEpochStart reports whether the block is the first block of a new epoch.
func (b *Block) IsEpochStart(blocksPerEpoch uint32) bool {
	return b.Height > 0 && b.Height%blocksPerEpoch == 0
}
