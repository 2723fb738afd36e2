package config

import (
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitzhang10/narwhal/sign"
	"github.com/gitzhang10/narwhal/types"
)

func writeConfig(t *testing.T, name string, values map[string]interface{}) string {
	t.Helper()
	dir := t.TempDir()
	v := viper.New()
	for k, val := range values {
		v.Set(k, val)
	}
	require.NoError(t, v.WriteConfigAs(filepath.Join(dir, name+".yaml")))
	return dir
}

func TestConfigRead(t *testing.T) {
	accounts := make([]*types.Account, 4)
	committee := make(map[string]interface{})
	for i := range accounts {
		priv, _ := sign.GenED25519Keys()
		account, err := types.NewAccountFromPrivateKey(priv)
		require.NoError(t, err)
		accounts[i] = account
		committee[account.Address().String()] = map[string]interface{}{
			"stake": 1000 * (i + 1),
			"addr":  DevAddr(uint16(i)),
		}
	}
	shares, pubPoly := sign.GenTSKeys(3, 4)
	shareAsBytes, err := sign.EncodeTSPartialKey(shares[2])
	require.NoError(t, err)
	pubAsBytes, err := sign.EncodeTSPublicKey(pubPoly)
	require.NoError(t, err)

	dir := writeConfig(t, "node2", map[string]interface{}{
		"name":               "node2",
		"privkeyed":          hex.EncodeToString(accounts[2].PrivateKey()),
		"listen":             "0.0.0.0:7000",
		"committee":          committee,
		"trusted_peers":      []string{"10.0.0.1:7000"},
		"num_workers":        2,
		"max_batch_delay_ms": 50,
		"tspubkey":           hex.EncodeToString(pubAsBytes),
		"tsshare":            hex.EncodeToString(shareAsBytes),
	})

	conf, err := LoadConfig("narwhal_test", "node2", dir)
	require.NoError(t, err)
	assert.Equal(t, "node2", conf.Name)
	assert.False(t, conf.Dev)
	assert.Equal(t, accounts[2].Address(), conf.Account.Address())
	assert.Equal(t, "0.0.0.0:7000", conf.ListenAddr)
	assert.Equal(t, []string{"10.0.0.1:7000"}, conf.TrustedPeers)
	assert.Equal(t, 2, conf.NumWorkers)
	assert.Equal(t, 50*time.Millisecond, conf.MaxBatchDelay)
	assert.Equal(t, types.MaxTransmissionsPerBatch, conf.MaxBatchSize)
	assert.Equal(t, DefaultHandshakeTimeout, conf.HandshakeTimeout)
	require.NotNil(t, conf.TsPublicKey)
	require.NotNil(t, conf.TsPrivateKey)
	assert.Equal(t, 2, conf.TsPrivateKey.I)

	require.Len(t, conf.Committee, 4)
	for i := 1; i < len(conf.Committee); i++ {
		assert.True(t, conf.Committee[i-1].Address.Less(conf.Committee[i].Address))
	}
	c, err := conf.BuildCommittee()
	require.NoError(t, err)
	assert.Equal(t, uint64(10000), c.TotalStake())
	assert.Equal(t, uint64(3000), c.Stake(accounts[2].Address()))

	peers := conf.Peers()
	assert.Len(t, peers, 3)
	assert.NotContains(t, peers, accounts[2].Address())
	assert.Equal(t, DevAddr(0), peers[accounts[0].Address()])
}

func TestConfigReadDev(t *testing.T) {
	dir := writeConfig(t, "dev", map[string]interface{}{
		"dev":                1,
		"dev_committee_size": 5,
	})

	conf, err := LoadConfig("narwhal_test", "dev", dir)
	require.NoError(t, err)
	assert.True(t, conf.Dev)
	assert.Equal(t, uint16(1), conf.DevID)
	assert.Equal(t, "node1", conf.Name)
	assert.Equal(t, "127.0.0.1:5001", conf.ListenAddr)
	assert.Equal(t, types.NewDevAccount(1).Address(), conf.Account.Address())
	assert.Len(t, conf.Committee, 5)
	assert.Nil(t, conf.TsPublicKey)
	assert.Len(t, conf.Peers(), 4)
}

func TestConfigRequiresAccount(t *testing.T) {
	dir := writeConfig(t, "nokey", map[string]interface{}{"name": "node0"})
	_, err := LoadConfig("narwhal_test", "nokey", dir)
	assert.ErrorIs(t, err, ErrNoAccount)
}

func TestConfigRejectsOutsider(t *testing.T) {
	priv, _ := sign.GenED25519Keys()
	dir := writeConfig(t, "outsider", map[string]interface{}{
		"privkeyed": hex.EncodeToString(priv),
		"committee": map[string]interface{}{
			types.NewDevAccount(0).Address().String(): map[string]interface{}{"stake": 1000, "addr": DevAddr(0)},
		},
	})
	_, err := LoadConfig("narwhal_test", "outsider", dir)
	assert.ErrorIs(t, err, ErrNotInCommittee)
}

func TestDev(t *testing.T) {
	conf := Dev(3, 4)
	require.NoError(t, conf.Validate())
	assert.Equal(t, DevAddr(3), conf.ListenAddr)
	c, err := conf.BuildCommittee()
	require.NoError(t, err)
	assert.Equal(t, 4, c.Len())
	assert.True(t, c.IsCommitteeMember(types.NewDevAccount(0).Address()))
}
