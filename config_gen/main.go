/*
Package main in the directory config_gen implements a tool to read configuration from a template,
and generate customized configuration files for each node.
The generated configuration file particularly contains the keys for ED25519 and TS,
and the committee every node starts with.
*/
package main

import (
	"encoding/hex"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/gitzhang10/narwhal/sign"
	"github.com/gitzhang10/narwhal/types"
)

type node struct {
	name    string
	privKey string
	address string
	listen  string
}

func main() {
	templateName := pflag.String("template", "config_template", "name of the template file, without extension")
	outDir := pflag.String("out", "./", "directory the node files are written to")
	pflag.Parse()

	viperRead := viper.New()
	// for environment variables
	viperRead.SetEnvPrefix("")
	viperRead.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperRead.SetEnvKeyReplacer(replacer)
	viperRead.SetConfigName(*templateName)
	viperRead.AddConfigPath("./")
	viperRead.SetDefault("stake", 1000)
	viperRead.SetDefault("p2p_port", 5000)
	err := viperRead.ReadInConfig()
	if err != nil {
		panic(err)
	}

	// ips maps node names to the hosts they run on
	ipsAsInterface := viperRead.GetStringMap("ips")
	names := make([]string, 0, len(ipsAsInterface))
	for name := range ipsAsInterface {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return nodeIndex(names[i]) < nodeIndex(names[j]) })
	nodeNumber := len(names)
	if nodeNumber == 0 {
		panic("ips in the config file is empty")
	}

	basePort := viperRead.GetInt("p2p_port")
	stake := viperRead.GetUint64("stake")
	nodes := make([]node, nodeNumber)
	committee := make(map[string]interface{}, nodeNumber)
	for i, name := range names {
		host, ok := ipsAsInterface[name].(string)
		if !ok {
			panic("ips in the config file cannot be decoded correctly")
		}
		privKeyED, _ := sign.GenED25519Keys()
		account, err := types.NewAccountFromPrivateKey(privKeyED)
		if err != nil {
			panic(err)
		}
		listen := net.JoinHostPort(host, strconv.Itoa(basePort+nodeIndex(name)))
		nodes[i] = node{
			name:    name,
			privKey: hex.EncodeToString(privKeyED),
			address: account.Address().String(),
			listen:  listen,
		}
		committee[nodes[i].address] = map[string]interface{}{
			"stake": stake,
			"addr":  listen,
		}
	}

	// create the threshold signature keys
	numT := nodeNumber - nodeNumber/3
	shares, pubPoly := sign.GenTSKeys(numT, nodeNumber)
	tsPubKeyAsBytes, err := sign.EncodeTSPublicKey(pubPoly)
	if err != nil {
		panic("fail encode the TSPublicKey")
	}

	// load simple parameter
	numWorkers := viperRead.GetInt("num_workers")
	maxBatchSize := viperRead.GetInt("max_batch_size")
	maxBatchDelay := viperRead.GetInt("max_batch_delay_ms")
	maxGCRounds := viperRead.GetInt("max_gc_rounds")
	logLevel := viperRead.GetInt("log_level")
	metricsPort := viperRead.GetInt("metrics_port")

	// write to configure files
	for i, n := range nodes {
		viperWrite := viper.New()
		viperWrite.SetConfigFile(fmt.Sprintf("%s/%s.yaml", strings.TrimSuffix(*outDir, "/"), n.name))
		shareAsBytes, err := sign.EncodeTSPartialKey(shares[i])
		if err != nil {
			panic("fail encode the share")
		}

		var trusted []string
		for j, other := range nodes {
			if j != i {
				trusted = append(trusted, other.listen)
			}
		}
		viperWrite.Set("name", n.name)
		viperWrite.Set("privkeyed", n.privKey)
		viperWrite.Set("listen", n.listen)
		viperWrite.Set("committee", committee)
		viperWrite.Set("trusted_peers", trusted)
		viperWrite.Set("tsshare", hex.EncodeToString(shareAsBytes))
		viperWrite.Set("tspubkey", hex.EncodeToString(tsPubKeyAsBytes))
		viperWrite.Set("log_level", logLevel)
		if numWorkers > 0 {
			viperWrite.Set("num_workers", numWorkers)
		}
		if maxBatchSize > 0 {
			viperWrite.Set("max_batch_size", maxBatchSize)
		}
		if maxBatchDelay > 0 {
			viperWrite.Set("max_batch_delay_ms", maxBatchDelay)
		}
		if maxGCRounds > 0 {
			viperWrite.Set("max_gc_rounds", maxGCRounds)
		}
		if metricsPort > 0 {
			viperWrite.Set("metrics_addr", ":"+strconv.Itoa(metricsPort+nodeIndex(n.name)))
		}
		if err := viperWrite.WriteConfig(); err != nil {
			panic(err)
		}
		fmt.Println("generated", n.name, "account", n.address[:8], "listen", n.listen)
	}
}

// nodeIndex parses the number in a node name such as "node3".
func nodeIndex(name string) int {
	index, err := strconv.Atoi(strings.TrimPrefix(name, "node"))
	if err != nil {
		panic("node names must look like node0, node1, ...")
	}
	return index
}
