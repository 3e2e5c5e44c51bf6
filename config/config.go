package config

import (
	"encoding/json"
	"fmt"
	"os"
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
	ID   string `json:"id"`   // remote node's fingerprint
	Addr string `json:"addr"` // host:port
}

// FounderConfig is one genesis member: an armored public key plus its own
// JOIN declaration, as embedded in block 0's NEWCOMER keychanges (spec.md
// §4.8 "Genesis is the same algorithm with lastBlock = nil").
type FounderConfig struct {
	KeyFile string `json:"key_file"` // path to an armored public key block
	UserID  string `json:"userid"`   // udid2-format identity string
}

// GenesisConfig describes the chain's currency and founding members. The WoT
// parameters (sig_qty, sig_validity, ...) are fields of Config itself.
type GenesisConfig struct {
	Currency string          `json:"currency"`
	Founders []FounderConfig `json:"founders"`
}

// Config holds all node configuration (spec.md §6 "Configuration").
type Config struct {
	NodeID      string `json:"node_id"`
	DataDir     string `json:"data_dir"`
	RPCPort     int    `json:"rpc_port"`
	P2PPort     int    `json:"p2p_port"`
	KeyFile     string `json:"key_file"`     // this node's own armored private key
	Participate bool   `json:"participate"`  // whether this node searches for blocks

	SigQty      int   `json:"sig_qty"`      // min current certifications per member
	SigValidity int64 `json:"sig_validity"` // seconds before a link is obsolete
	TsInterval  int64 `json:"ts_interval"`  // allowed clock drift, seconds
	PowZeroMin  int   `json:"pow_zero_min"` // minimum leading hex zeros
	PowPeriod   int   `json:"pow_period"`   // cooldown period
	PowPeriodC  bool  `json:"pow_period_constant"`

	Genesis      GenesisConfig `json:"genesis"`
	SeedPeers    []SeedPeer    `json:"seed_peers,omitempty"`
	TLS          *TLSConfig    `json:"tls,omitempty"`
	RPCAuthToken string        `json:"rpc_auth_token,omitempty"`
}

// DefaultConfig returns a single-node development configuration, matching
// spec.md's literal example values (sigQty=2, powZeroMin=1,
// sigValidity=2629800 — one month).
func DefaultConfig() *Config {
	return &Config{
		NodeID:      "node0",
		DataDir:     "./data",
		RPCPort:     8545,
		P2PPort:     30303,
		Participate: true,
		SigQty:      2,
		SigValidity: 2629800,
		TsInterval:  3600,
		PowZeroMin:  1,
		PowPeriod:   18,
		PowPeriodC:  false,
		Genesis: GenesisConfig{
			Currency: "tolchain-dev",
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
	if c.Genesis.Currency == "" {
		return fmt.Errorf("genesis.currency must not be empty")
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
	if c.SigQty < 1 {
		return fmt.Errorf("sig_qty must be >= 1, got %d", c.SigQty)
	}
	if c.SigValidity <= 0 {
		return fmt.Errorf("sig_validity must be positive, got %d", c.SigValidity)
	}
	if c.PowZeroMin < 0 {
		return fmt.Errorf("pow_zero_min must be >= 0, got %d", c.PowZeroMin)
	}
	if c.PowPeriod < 1 {
		return fmt.Errorf("pow_period must be >= 1, got %d", c.PowPeriod)
	}
	if len(c.Genesis.Founders) == 0 {
		return fmt.Errorf("genesis.founders must not be empty")
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
