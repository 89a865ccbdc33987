package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// TLSConfig holds paths to the PEM files needed for mTLS.
// When nil or all paths empty, the node falls back to plain TCP.
type TLSConfig struct {
	CACert   string `json:"ca_cert"`   // CA certificate PEM path
	NodeCert string `json:"node_cert"` // node certificate PEM path
	NodeKey  string `json:"node_key"`  // node private key PEM path
}

// SeedPeer identifies a remote node to connect to on startup.
type SeedPeer struct {
	ID   string `json:"id"`   // remote node ID
	Addr string `json:"addr"` // host:port
}

// GenesisConfig describes the chain's initial state: the public key from
// which every thread's genesis block is deterministically derived, plus
// initial roll/balance allocations.
type GenesisConfig struct {
	ChainID   string            `json:"chain_id"`
	PublicKey string            `json:"public_key"` // hex-encoded genesis public key
	Alloc     map[string]uint64 `json:"alloc"`       // pubkey hex → initial balance (raw units)
}

// Config holds all node configuration, including the thread layout, slot
// timing and PoS/roll parameters that drive the block graph and selector.
type Config struct {
	NodeID  string `json:"node_id"`
	DataDir string `json:"data_dir"`
	RPCPort int    `json:"rpc_port"`
	P2PPort int    `json:"p2p_port"`

	// Thread/slot layout.
	ThreadCount      uint8         `json:"thread_count"`
	T0               time.Duration `json:"t0"` // slot period duration
	GenesisTimestamp time.Time     `json:"genesis_timestamp"`

	// Stake-weighted selection participants.
	Nodes            []string `json:"nodes"`               // participant public keys, hex-encoded
	CurrentNodeIndex int      `json:"current_node_index"` // this node's index into Nodes

	// Clique/finalization.
	DeltaF0 uint64 `json:"delta_f0"`

	// PoS roll accounting.
	PeriodsPerCycle                  uint64  `json:"periods_per_cycle"`
	PosLookbackCycles                uint64  `json:"pos_lookback_cycles"`
	PosLockCycles                    uint64  `json:"pos_lock_cycles"`
	PosMissRateDeactivationThreshold float64 `json:"pos_miss_rate_deactivation_threshold"`
	RollPrice                        uint64  `json:"roll_price"`

	// Block shape limits.
	EndorsementCount         uint32 `json:"endorsement_count"`
	OperationValidityPeriods uint64 `json:"operation_validity_periods"`
	MaxOperationsPerBlock    int    `json:"max_operations_per_block"`
	MaxBlockSize             int    `json:"max_block_size"`

	// Behavior toggles / retention.
	DisableBlockCreation  bool          `json:"disable_block_creation"`
	ForceKeepFinalPeriods uint64        `json:"force_keep_final_periods"`
	DiscardTTL            time.Duration `json:"discard_ttl"`

	GenesisKey string        `json:"genesis_key,omitempty"` // hex-encoded genesis private key (dev/test only)
	Genesis    GenesisConfig `json:"genesis"`

	SeedPeers    []SeedPeer `json:"seed_peers,omitempty"`
	TLS          *TLSConfig `json:"tls,omitempty"`
	RPCAuthToken string     `json:"rpc_auth_token,omitempty"`
}

// DefaultConfig returns a single-node development configuration with two
// threads and conservative PoS parameters.
func DefaultConfig() *Config {
	return &Config{
		NodeID:                           "node0",
		DataDir:                          "./data",
		RPCPort:                          8545,
		P2PPort:                          30303,
		ThreadCount:                      2,
		T0:                               16 * time.Second,
		CurrentNodeIndex:                 0,
		DeltaF0:                          3,
		PeriodsPerCycle:                  128,
		PosLookbackCycles:                2,
		PosLockCycles:                    1,
		PosMissRateDeactivationThreshold: 0.5,
		RollPrice:                        1000,
		EndorsementCount:                 9,
		OperationValidityPeriods:         10,
		MaxOperationsPerBlock:            5000,
		MaxBlockSize:                     1 << 20,
		ForceKeepFinalPeriods:            10,
		DiscardTTL:                       10 * time.Minute,
		Genesis: GenesisConfig{
			ChainID: "tolchain-dev",
			Alloc:   map[string]uint64{},
		},
	}
}

// Load reads a JSON config file from path and validates required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Genesis.ChainID == "" {
		return fmt.Errorf("genesis.chain_id must not be empty")
	}
	if c.RPCPort <= 0 || c.RPCPort > 65535 {
		return fmt.Errorf("rpc_port must be 1-65535, got %d", c.RPCPort)
	}
	if c.P2PPort <= 0 || c.P2PPort > 65535 {
		return fmt.Errorf("p2p_port must be 1-65535, got %d", c.P2PPort)
	}
	if c.RPCPort == c.P2PPort {
		return fmt.Errorf("rpc_port and p2p_port must not be the same (%d)", c.RPCPort)
	}
	if c.ThreadCount == 0 {
		return fmt.Errorf("thread_count must be > 0")
	}
	if c.T0 <= 0 {
		return fmt.Errorf("t0 must be > 0")
	}
	if len(c.Nodes) == 0 {
		return fmt.Errorf("nodes list must not be empty")
	}
	if c.CurrentNodeIndex < 0 || c.CurrentNodeIndex >= len(c.Nodes) {
		return fmt.Errorf("current_node_index %d out of range [0,%d)", c.CurrentNodeIndex, len(c.Nodes))
	}
	for i, n := range c.Nodes {
		if _, err := hex.DecodeString(n); err != nil {
			return fmt.Errorf("nodes[%d]: must be hex-encoded public key, got %q", i, n)
		}
	}
	if c.DeltaF0 == 0 {
		return fmt.Errorf("delta_f0 must be > 0")
	}
	if c.PeriodsPerCycle == 0 {
		return fmt.Errorf("periods_per_cycle must be > 0")
	}
	if c.PosMissRateDeactivationThreshold < 0 || c.PosMissRateDeactivationThreshold > 1 {
		return fmt.Errorf("pos_miss_rate_deactivation_threshold must be in [0,1]")
	}
	if c.RollPrice == 0 {
		return fmt.Errorf("roll_price must be > 0")
	}
	if c.MaxOperationsPerBlock <= 0 {
		return fmt.Errorf("max_operations_per_block must be > 0")
	}
	if c.MaxBlockSize <= 0 {
		return fmt.Errorf("max_block_size must be > 0")
	}
	if c.Genesis.PublicKey == "" {
		return fmt.Errorf("genesis.public_key must not be empty")
	}
	if _, err := hex.DecodeString(c.Genesis.PublicKey); err != nil {
		return fmt.Errorf("genesis.public_key: must be hex-encoded, got %q", c.Genesis.PublicKey)
	}
	if c.TLS != nil {
		t := c.TLS
		allSet := t.CACert != "" && t.NodeCert != "" && t.NodeKey != ""
		allEmpty := t.CACert == "" && t.NodeCert == "" && t.NodeKey == ""
		if !allSet && !allEmpty {
			return fmt.Errorf("tls: all three paths (ca_cert, node_cert, node_key) must be set or all empty")
		}
	}
	return nil
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
