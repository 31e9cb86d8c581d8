// Package config defines the LoRaMesh protocol configuration and its
// validation, loaded from YAML the same way the teacher's controller
// service loads its own config file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ProtocolConfig is the coordinator's Configure(...) input: every
// tunable named by the protocol core.
type ProtocolConfig struct {
	NodeAddress uint16 `yaml:"node_address"`

	HelloIntervalMs uint32 `yaml:"hello_interval_ms"`
	RouteTimeoutMs  uint32 `yaml:"route_timeout_ms"`
	NodeTimeoutMs   uint32 `yaml:"node_timeout_ms"`

	MaxHops          uint8  `yaml:"max_hops"`
	MaxPacketSize    uint16 `yaml:"max_packet_size"`
	MaxNetworkNodes  int    `yaml:"max_network_nodes"`

	DefaultDataSlots      uint16 `yaml:"default_data_slots"`
	DefaultControlSlots   uint16 `yaml:"default_control_slots"`
	DefaultDiscoverySlots uint16 `yaml:"default_discovery_slots"`
	SlotDurationMs        uint32 `yaml:"slot_duration_ms"`
	GuardTimeMs           uint32 `yaml:"guard_time_ms"`

	RetryDelaySuperframes uint32  `yaml:"retry_delay_superframes"`
	MaxJoinRetries        int     `yaml:"max_join_retries"`
	BackoffMultiplier     float64 `yaml:"backoff_multiplier"`
	MaxRetryDelayMs       uint32  `yaml:"max_retry_delay_ms"`
}

// Default returns a configuration with the values spec.md calls out
// explicitly (join retry backoff, capped delay) and reasonable
// defaults for everything else.
func Default() ProtocolConfig {
	return ProtocolConfig{
		NodeAddress:           0,
		HelloIntervalMs:       5000,
		RouteTimeoutMs:        30000,
		NodeTimeoutMs:         60000,
		MaxHops:               8,
		MaxPacketSize:         255,
		MaxNetworkNodes:       64,
		DefaultDataSlots:      4,
		DefaultControlSlots:   2,
		DefaultDiscoverySlots: 2,
		SlotDurationMs:        100,
		GuardTimeMs:           5,
		RetryDelaySuperframes: 1,
		MaxJoinRetries:        5,
		BackoffMultiplier:     2.0,
		MaxRetryDelayMs:       60000,
	}
}

// Validate returns a human-readable error naming the first
// out-of-range field, or nil if cfg is usable.
func (c ProtocolConfig) Validate() error {
	switch {
	case c.NodeAddress == 0x0000 || c.NodeAddress == 0xFFFF:
		return fmt.Errorf("node_address must not be a reserved address (0x0000 or 0xFFFF)")
	case c.HelloIntervalMs == 0:
		return fmt.Errorf("hello_interval_ms must be > 0")
	case c.RouteTimeoutMs == 0:
		return fmt.Errorf("route_timeout_ms must be > 0")
	case c.NodeTimeoutMs < c.RouteTimeoutMs:
		return fmt.Errorf("node_timeout_ms (%d) must be >= route_timeout_ms (%d)", c.NodeTimeoutMs, c.RouteTimeoutMs)
	case c.MaxHops == 0:
		return fmt.Errorf("max_hops must be > 0")
	case c.MaxPacketSize == 0 || c.MaxPacketSize > 255:
		return fmt.Errorf("max_packet_size must be in (0, 255]")
	case c.MaxNetworkNodes <= 0:
		return fmt.Errorf("max_network_nodes must be > 0")
	case c.DefaultDataSlots+c.DefaultControlSlots+c.DefaultDiscoverySlots == 0:
		return fmt.Errorf("superframe must have at least one slot")
	case c.SlotDurationMs == 0:
		return fmt.Errorf("slot_duration_ms must be > 0")
	case c.MaxJoinRetries <= 0:
		return fmt.Errorf("max_join_retries must be > 0")
	case c.BackoffMultiplier < 1.0:
		return fmt.Errorf("backoff_multiplier must be >= 1.0")
	case c.MaxRetryDelayMs == 0:
		return fmt.Errorf("max_retry_delay_ms must be > 0")
	}
	return nil
}

// TotalSlots is the superframe size implied by the configured slot
// counts.
func (c ProtocolConfig) TotalSlots() uint16 {
	return c.DefaultDataSlots + c.DefaultControlSlots + c.DefaultDiscoverySlots
}

// Load reads and validates a YAML config file at path.
func Load(path string) (ProtocolConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ProtocolConfig{}, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ProtocolConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return ProtocolConfig{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
