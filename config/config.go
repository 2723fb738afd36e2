/*
Package config implements the type to pass the arguments to the node
and implements a function to load the parameters from a configuration file.
*/
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/viper"
	"go.dedis.ch/kyber/v3/share"

	"github.com/gitzhang10/narwhal/ledger"
	"github.com/gitzhang10/narwhal/sign"
	"github.com/gitzhang10/narwhal/storage"
	"github.com/gitzhang10/narwhal/types"
)

const (
	// DevBasePort is the listener port of development node 0.
	DevBasePort = 5000
	// DevStake is the stake of every development committee member.
	DevStake = 1000

	DefaultNumWorkers       = 1
	DefaultMaxBatchDelay    = 200 * time.Millisecond
	DefaultHandshakeTimeout = 3 * time.Second
	DefaultRadioSilence     = 30 * time.Second
	DefaultDevCommitteeSize = 4
)

var (
	ErrNoAccount      = errors.New("privkeyed is required outside of dev mode")
	ErrNoCommittee    = errors.New("committee is empty")
	ErrNotInCommittee = errors.New("node is not in the committee")
)

// Member is one committee entry: its stake and where it listens.
type Member struct {
	Address types.Address
	Stake   uint64
	Addr    string
}

// Config defines a type to describe the configuration.
type Config struct {
	Name             string
	Dev              bool
	DevID            uint16
	Account          *types.Account
	ListenAddr       string
	Committee        []Member // sorted by address
	TrustedPeers     []string
	NumWorkers       int
	MaxBatchSize     int
	MaxBatchDelay    time.Duration
	MaxGCRounds      uint64
	HandshakeTimeout time.Duration
	RadioSilence     time.Duration
	LogLevel         int
	MetricsAddr      string
	TsPublicKey      *share.PubPoly
	TsPrivateKey     *share.PriShare
	BlocksPerEpoch   uint32
}

// New creates a configuration with default parameters, for tests and dev mode.
func New(name string, account *types.Account, listenAddr string, committee []Member) *Config {
	members := append([]Member(nil), committee...)
	sort.Slice(members, func(i, j int) bool { return members[i].Address.Less(members[j].Address) })
	return &Config{
		Name:             name,
		Account:          account,
		ListenAddr:       listenAddr,
		Committee:        members,
		NumWorkers:       DefaultNumWorkers,
		MaxBatchSize:     types.MaxTransmissionsPerBatch,
		MaxBatchDelay:    DefaultMaxBatchDelay,
		MaxGCRounds:      storage.DefaultMaxGCRounds,
		HandshakeTimeout: DefaultHandshakeTimeout,
		RadioSilence:     DefaultRadioSilence,
		LogLevel:         int(hclog.Info),
		BlocksPerEpoch:   ledger.DefaultBlocksPerEpoch,
	}
}

// DevAddr is the listen address of development node id.
func DevAddr(id uint16) string {
	return "127.0.0.1:" + strconv.Itoa(DevBasePort+int(id))
}

// DevCommittee is a committee of size development nodes with equal stake.
func DevCommittee(size int) []Member {
	members := make([]Member, size)
	for i := range members {
		members[i] = Member{
			Address: types.NewDevAccount(uint16(i)).Address(),
			Stake:   DevStake,
			Addr:    DevAddr(uint16(i)),
		}
	}
	return members
}

// Dev is the configuration of development node id in a committee of size.
func Dev(id uint16, size int) *Config {
	conf := New("node"+strconv.Itoa(int(id)), types.NewDevAccount(id), DevAddr(id), DevCommittee(size))
	conf.Dev = true
	conf.DevID = id
	return conf
}

// BuildCommittee turns the member list into the committee of the first round.
func (c *Config) BuildCommittee() (*types.Committee, error) {
	if len(c.Committee) == 0 {
		return nil, ErrNoCommittee
	}
	members := make([]types.Member, len(c.Committee))
	for i, m := range c.Committee {
		members[i] = types.Member{Address: m.Address, Stake: m.Stake, IsOpen: true}
	}
	return types.NewCommittee(0, members)
}

// Peers maps every other committee member to its listen address.
func (c *Config) Peers() map[types.Address]string {
	self := c.Account.Address()
	peers := make(map[types.Address]string, len(c.Committee))
	for _, m := range c.Committee {
		if m.Address != self && m.Addr != "" {
			peers[m.Address] = m.Addr
		}
	}
	return peers
}

// Validate checks that the node can run with this configuration.
func (c *Config) Validate() error {
	if c.Account == nil {
		return ErrNoAccount
	}
	if len(c.Committee) == 0 {
		return ErrNoCommittee
	}
	self := c.Account.Address()
	for _, m := range c.Committee {
		if m.Address == self {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotInCommittee, self.Short())
}

type memberEntry struct {
	Stake uint64 `mapstructure:"stake"`
	Addr  string `mapstructure:"addr"`
}

// LoadConfig loads configuration files by package viper. The file is looked
// up in paths, or in the working directory when none is given.
func LoadConfig(configPrefix, configName string, paths ...string) (*Config, error) {
	viperConfig := viper.New()

	// for environment variables
	viperConfig.SetEnvPrefix(configPrefix)
	viperConfig.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperConfig.SetEnvKeyReplacer(replacer)
	viperConfig.SetConfigName(configName)
	if len(paths) == 0 {
		paths = []string{"./"}
	}
	for _, p := range paths {
		viperConfig.AddConfigPath(p)
	}
	viperConfig.SetDefault("dev_committee_size", DefaultDevCommitteeSize)
	viperConfig.SetDefault("num_workers", DefaultNumWorkers)
	viperConfig.SetDefault("max_batch_size", types.MaxTransmissionsPerBatch)
	viperConfig.SetDefault("max_batch_delay_ms", DefaultMaxBatchDelay.Milliseconds())
	viperConfig.SetDefault("max_gc_rounds", storage.DefaultMaxGCRounds)
	viperConfig.SetDefault("handshake_timeout_ms", DefaultHandshakeTimeout.Milliseconds())
	viperConfig.SetDefault("radio_silence_ms", DefaultRadioSilence.Milliseconds())
	viperConfig.SetDefault("log_level", int(hclog.Info))
	viperConfig.SetDefault("blocks_per_epoch", ledger.DefaultBlocksPerEpoch)
	err := viperConfig.ReadInConfig()
	if err != nil {
		return nil, err
	}
	return fromViper(viperConfig)
}

func fromViper(v *viper.Viper) (*Config, error) {
	conf := &Config{
		Name:             v.GetString("name"),
		ListenAddr:       v.GetString("listen"),
		TrustedPeers:     v.GetStringSlice("trusted_peers"),
		NumWorkers:       v.GetInt("num_workers"),
		MaxBatchSize:     v.GetInt("max_batch_size"),
		MaxBatchDelay:    time.Duration(v.GetInt64("max_batch_delay_ms")) * time.Millisecond,
		MaxGCRounds:      v.GetUint64("max_gc_rounds"),
		HandshakeTimeout: time.Duration(v.GetInt64("handshake_timeout_ms")) * time.Millisecond,
		RadioSilence:     time.Duration(v.GetInt64("radio_silence_ms")) * time.Millisecond,
		LogLevel:         v.GetInt("log_level"),
		MetricsAddr:      v.GetString("metrics_addr"),
		BlocksPerEpoch:   v.GetUint32("blocks_per_epoch"),
	}

	if v.IsSet("dev") {
		conf.Dev = true
		conf.DevID = uint16(v.GetUint("dev"))
		conf.Account = types.NewDevAccount(conf.DevID)
		if conf.ListenAddr == "" {
			conf.ListenAddr = DevAddr(conf.DevID)
		}
		if conf.Name == "" {
			conf.Name = "node" + strconv.Itoa(int(conf.DevID))
		}
	}
	if privKeyEDAsString := v.GetString("privkeyed"); privKeyEDAsString != "" {
		privKeyED, err := hex.DecodeString(privKeyEDAsString)
		if err != nil {
			return nil, err
		}
		account, err := types.NewAccountFromPrivateKey(ed25519.PrivateKey(privKeyED))
		if err != nil {
			return nil, err
		}
		conf.Account = account
	}
	if conf.Account == nil {
		return nil, ErrNoAccount
	}

	entries := make(map[string]memberEntry)
	if err := v.UnmarshalKey("committee", &entries); err != nil {
		return nil, err
	}
	for addrAsString, entry := range entries {
		addr, err := types.ParseAddress(addrAsString)
		if err != nil {
			return nil, fmt.Errorf("committee member %q: %w", addrAsString, err)
		}
		conf.Committee = append(conf.Committee, Member{Address: addr, Stake: entry.Stake, Addr: entry.Addr})
	}
	if len(conf.Committee) == 0 && conf.Dev {
		conf.Committee = DevCommittee(v.GetInt("dev_committee_size"))
	}
	sort.Slice(conf.Committee, func(i, j int) bool { return conf.Committee[i].Address.Less(conf.Committee[j].Address) })

	// Threshold keys are optional, they switch leader election to the coin.
	tsPubKeyAsString := v.GetString("tspubkey")
	tsShareAsString := v.GetString("tsshare")
	if tsPubKeyAsString != "" && tsShareAsString != "" {
		tsPubKeyAsBytes, err := hex.DecodeString(tsPubKeyAsString)
		if err != nil {
			return nil, err
		}
		tsPubKey, err := sign.DecodeTSPublicKey(tsPubKeyAsBytes)
		if err != nil {
			return nil, err
		}
		tsShareAsBytes, err := hex.DecodeString(tsShareAsString)
		if err != nil {
			return nil, err
		}
		tsShareKey, err := sign.DecodeTSPartialKey(tsShareAsBytes)
		if err != nil {
			return nil, err
		}
		conf.TsPublicKey = tsPubKey
		conf.TsPrivateKey = tsShareKey
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}
