package types

import "encoding/binary"

// Solution is a prover solution for the current epoch.
type Solution struct {
	ID     Hash
	Prover Address
	Epoch  uint64
	Nonce  uint64
	Proof  []byte
}

// NewSolution builds a solution whose ID commits to prover, epoch and nonce.
func NewSolution(prover Address, epoch, nonce uint64, proof []byte) *Solution {
	buf := make([]byte, 0, len(prover)+16)
	buf = append(buf, prover[:]...)
	buf = binary.BigEndian.AppendUint64(buf, epoch)
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	return &Solution{
		ID:     HashBytes(buf),
		Prover: prover,
		Epoch:  epoch,
		Nonce:  nonce,
		Proof:  proof,
	}
}

type TransactionType uint8

const (
	TransactionDeploy TransactionType = iota
	TransactionExecute
	// TransactionFee only pays a fee; it is never admitted to the mempool on its own.
	TransactionFee
)

func (t TransactionType) String() string {
	switch t {
	case TransactionDeploy:
		return "deploy"
	case TransactionExecute:
		return "execute"
	case TransactionFee:
		return "fee"
	default:
		return "unknown"
	}
}

type Transaction struct {
	ID      Hash
	Type    TransactionType
	Program string
	Payload []byte
	Fee     uint64
}

type transactionPreimage struct {
	Type    TransactionType
	Program string
	Payload []byte
	Fee     uint64
}

// NewTransaction builds a transaction whose ID is the hash of its contents.
func NewTransaction(typ TransactionType, program string, payload []byte, fee uint64) *Transaction {
	return &Transaction{
		ID:      HashOf(transactionPreimage{Type: typ, Program: program, Payload: payload, Fee: fee}),
		Type:    typ,
		Program: program,
		Payload: payload,
		Fee:     fee,
	}
}

func (t *Transaction) IsDeploy() bool  { return t.Type == TransactionDeploy }
func (t *Transaction) IsExecute() bool { return t.Type == TransactionExecute }
func (t *Transaction) IsFee() bool     { return t.Type == TransactionFee }
