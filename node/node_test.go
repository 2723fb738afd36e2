package node

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/gitzhang10/narwhal/config"
	"github.com/gitzhang10/narwhal/sign"
	"github.com/gitzhang10/narwhal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfigs(n int) []*config.Config {
	accounts := make([]*types.Account, n)
	members := make([]config.Member, n)
	for i := range accounts {
		accounts[i] = types.NewDevAccount(uint16(i))
		members[i] = config.Member{Address: accounts[i].Address(), Stake: config.DevStake}
	}
	confs := make([]*config.Config, n)
	for i, account := range accounts {
		conf := config.New(fmt.Sprintf("node%d", i), account, "127.0.0.1:0", members)
		conf.MaxBatchDelay = 50 * time.Millisecond
		conf.NumWorkers = 2
		conf.LogLevel = int(hclog.Off)
		confs[i] = conf
	}
	return confs
}

func startNodes(t *testing.T, confs []*config.Config) []*Node {
	t.Helper()
	nodes := make([]*Node, len(confs))
	for i, conf := range confs {
		node, err := New(conf)
		require.NoError(t, err)
		require.NoError(t, node.Start(context.Background()))
		nodes[i] = node
	}
	t.Cleanup(func() {
		for _, node := range nodes {
			assert.NoError(t, node.Shutdown())
		}
	})
	for i := range nodes {
		for j := i + 1; j < len(nodes); j++ {
			require.NoError(t, nodes[i].Connect(context.Background(), nodes[j].ListenAddr()))
		}
	}
	return nodes
}

func transactionID(tx *types.Transaction) types.TransmissionID {
	t, err := types.NewTransactionTransmission(types.NewObjectData(tx))
	if err != nil {
		panic(err)
	}
	return types.NewTransactionID(tx.ID, t.Checksum())
}

func TestCommitteeReachesConsensus(t *testing.T) {
	if testing.Short() {
		t.Skip("runs a four node committee")
	}
	nodes := startNodes(t, testConfigs(4))

	txs := make([]*types.Transaction, 10)
	for i := range txs {
		txs[i] = types.NewTransaction(types.TransactionExecute, "credits.aleo", []byte(fmt.Sprintf("transfer-%d", i)), 1)
		require.NoError(t, nodes[i%len(nodes)].AddUnconfirmedTransaction(txs[i]))
	}

	require.Eventually(t, func() bool {
		for _, node := range nodes {
			if node.Ledger().LatestBlockHeight() < 1 {
				return false
			}
		}
		return true
	}, 30*time.Second, 100*time.Millisecond)

	require.Eventually(t, func() bool {
		for _, node := range nodes {
			for _, tx := range txs {
				ok, err := node.Ledger().ContainsTransmission(transactionID(tx))
				if err != nil || !ok {
					return false
				}
			}
		}
		return true
	}, 30*time.Second, 100*time.Millisecond)

	// Every node appends the same blocks.
	height := nodes[0].Ledger().LatestBlockHeight()
	for _, node := range nodes[1:] {
		height = min(height, node.Ledger().LatestBlockHeight())
	}
	want, ok := nodes[0].Ledger().GetBlock(height)
	require.True(t, ok)
	for _, node := range nodes[1:] {
		got, ok := node.Ledger().GetBlock(height)
		require.True(t, ok)
		assert.Equal(t, want.Hash, got.Hash)
	}
}

func TestCommitteeWithCoinElection(t *testing.T) {
	if testing.Short() {
		t.Skip("runs a four node committee")
	}
	confs := testConfigs(4)
	shares, pubPoly := sign.GenTSKeys(3, 4)
	for i, conf := range confs {
		conf.TsPublicKey = pubPoly
		conf.TsPrivateKey = shares[i]
	}
	nodes := startNodes(t, confs)

	require.Eventually(t, func() bool {
		for _, node := range nodes {
			if node.Ledger().LatestBlockHeight() < 1 {
				return false
			}
		}
		return true
	}, 30*time.Second, 100*time.Millisecond)
	assert.Positive(t, nodes[0].BFT().LastCommittedRound())
}

func TestNewRejectsOutsider(t *testing.T) {
	conf := testConfigs(4)[0]
	conf.Account = types.NewDevAccount(99)
	_, err := New(conf)
	assert.ErrorIs(t, err, config.ErrNotInCommittee)
}

func TestShutdownBeforeStart(t *testing.T) {
	node, err := New(testConfigs(4)[1])
	require.NoError(t, err)
	assert.ErrorIs(t, node.Wait(), ErrNotStarted)
	assert.NoError(t, node.Shutdown())
}
