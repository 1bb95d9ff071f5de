package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/raftcore/pkg/raftapi"
)

// fileConfig is the on-disk shape loaded via --config before flag
// overrides apply, the same layering cuemby-warren's cobra commands use
// for flags read through viper-less plain structs.
type fileConfig struct {
	NodeID             string            `yaml:"node_id"`
	BindAddr           string            `yaml:"bind_addr"`
	DataDir            string            `yaml:"data_dir"`
	Peers              map[string]string `yaml:"peers"`
	Bootstrap          []string          `yaml:"bootstrap"`
	ElectionTimeoutMin time.Duration     `yaml:"election_timeout_min"`
	ElectionTimeoutMax time.Duration     `yaml:"election_timeout_max"`
	HeartbeatInterval  time.Duration     `yaml:"heartbeat_interval"`
	SnapshotThreshold  uint64            `yaml:"snapshot_threshold"`
	MetricsAddr        string            `yaml:"metrics_addr"`
	AdminAddr          string            `yaml:"admin_addr"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// parsePeerFlag parses a comma-separated "id=host:port" list, the format
// accepted by --peer on the command line, into the map form fileConfig
// carries under YAML.
func parsePeerFlag(raw string) (map[string]string, error) {
	peers := make(map[string]string)
	if raw == "" {
		return peers, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid --peer entry %q, expected id=host:port", pair)
		}
		peers[parts[0]] = parts[1]
	}
	return peers, nil
}

func peerAddrMap(peers map[string]string) map[raftapi.NodeID]string {
	out := make(map[raftapi.NodeID]string, len(peers))
	for id, addr := range peers {
		out[raftapi.NodeID(id)] = addr
	}
	return out
}

func bootstrapConfig(selfID string, peers map[string]string, extra []string) *raftapi.ClusterConfig {
	members := make([]raftapi.NodeID, 0, len(peers)+len(extra)+1)
	members = append(members, raftapi.NodeID(selfID))
	for id := range peers {
		members = append(members, raftapi.NodeID(id))
	}
	for _, id := range extra {
		members = append(members, raftapi.NodeID(id))
	}
	return raftapi.NewSingleConfig(members...)
}
