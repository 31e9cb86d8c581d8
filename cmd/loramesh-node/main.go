// LoRaMesh Node
// Main entry point for a single LoRaMesh protocol node.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/loramesh/loramesh/internal/config"
	"github.com/loramesh/loramesh/internal/coordinator"
	"github.com/loramesh/loramesh/internal/radio"
	"github.com/loramesh/loramesh/internal/rtos"
	"github.com/loramesh/loramesh/internal/store"
	"github.com/loramesh/loramesh/internal/telemetry"
)

// fileConfig is the on-disk configuration file layout: the protocol
// tunables inline at the top level (so existing config.Load-style
// files keep working) plus the node-process sections config.Load
// itself has no business knowing about.
type fileConfig struct {
	config.ProtocolConfig `yaml:",inline"`

	Radio struct {
		Mode          string   `yaml:"mode"` // "zmq" or "loopback"
		PublishURL    string   `yaml:"publish_url"`
		SubscribeURLs []string `yaml:"subscribe_urls"`
	} `yaml:"radio"`

	Telemetry struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
		Path    string `yaml:"path"`
	} `yaml:"telemetry"`

	Store struct {
		Path               string `yaml:"path"`
		SnapshotIntervalMs uint32 `yaml:"snapshot_interval_ms"`
	} `yaml:"store"`
}

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "loramesh-node",
		Short: "LoRaMesh protocol node",
		Long:  "Runs a single LoRaMesh TDMA mesh networking protocol node.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the node",
		RunE:  runNode,
	}

	configCheckCmd = &cobra.Command{
		Use:   "configcheck",
		Short: "Validate a configuration file without running",
		RunE:  configCheck,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("LoRaMesh Node v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/loramesh/node.yaml", "Configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCheckCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadFileConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &fileConfig{ProtocolConfig: config.Default()}
	cfg.Telemetry.Addr = ":8765"
	cfg.Telemetry.Path = "/ws"
	cfg.Store.SnapshotIntervalMs = 5000

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.ProtocolConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func configCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadFileConfig(configFile)
	if err != nil {
		return err
	}
	fmt.Printf("config OK: node_address=0x%04X total_slots=%d radio_mode=%s\n",
		cfg.NodeAddress, cfg.TotalSlots(), radioMode(cfg))
	return nil
}

func radioMode(cfg *fileConfig) string {
	if cfg.Radio.Mode == "" {
		return "zmq"
	}
	return cfg.Radio.Mode
}

func buildDriver(cfg *fileConfig) (radio.Driver, error) {
	switch radioMode(cfg) {
	case "zmq":
		if cfg.Radio.PublishURL == "" {
			return nil, fmt.Errorf("radio.publish_url is required for radio.mode=zmq")
		}
		return radio.NewZMQDriver(radio.ZMQConfig{
			PublishURL:    cfg.Radio.PublishURL,
			SubscribeURLs: cfg.Radio.SubscribeURLs,
		}), nil
	case "loopback":
		// A loopback driver needs a shared medium to talk to other
		// nodes; on a medium of its own it reaches and hears no one (the
		// medium never echoes a frame to its sender), which is only
		// useful for smoke-testing the wire codec and lifecycle alone.
		return radio.NewLoopbackDriver(radio.NewMedium(0, 0)), nil
	default:
		return nil, fmt.Errorf("unknown radio.mode %q (want \"zmq\" or \"loopback\")", cfg.Radio.Mode)
	}
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := loadFileConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	driver, err := buildDriver(cfg)
	if err != nil {
		return fmt.Errorf("failed to build radio driver: %w", err)
	}

	rt := rtos.NewReal()
	coord, err := coordinator.New(rt, driver, cfg.ProtocolConfig)
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var db *store.DB
	if cfg.Store.Path != "" {
		db, err = store.Open(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer db.Close()
		store.RecordEvents(db, coord.Network())
		go runSnapshotLoop(ctx, db, coord, cfg.Store.SnapshotIntervalMs)
	}

	if cfg.Telemetry.Enabled {
		tserver := telemetry.New(telemetry.DefaultConfig())
		telemetry.ServeNetwork(tserver, coord.Network())
		go func() {
			if err := telemetry.ListenAndServe(ctx, cfg.Telemetry.Addr, cfg.Telemetry.Path, tserver); err != nil {
				log.Printf("telemetry server exited: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("starting LoRaMesh node 0x%04X", cfg.NodeAddress)
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}

	sig := <-sigChan
	log.Printf("received signal %v, shutting down...", sig)
	cancel()

	if err := coord.Stop(); err != nil {
		log.Printf("error during shutdown: %v", err)
	}

	log.Println("shutdown complete")
	return nil
}

// runSnapshotLoop periodically replaces the store's node/route tables
// with the coordinator's current state until ctx is cancelled.
func runSnapshotLoop(ctx context.Context, db *store.DB, coord *coordinator.Coordinator, intervalMs uint32) {
	if intervalMs == 0 {
		intervalMs = 5000
	}
	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.SnapshotNow(db, coord.Registry(), coord.Routing()); err != nil {
				log.Printf("snapshot failed: %v", err)
			}
		}
	}
}
