package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/aoscore/aos-cm/pkg/log"
	"github.com/aoscore/aos-cm/pkg/types"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "aos-cm",
	Short:   "Communication Manager - edge node fleet management daemon",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("aos-cm version %s\nCommit: %s\n", Version, Commit))

	rootCmd.Flags().String("config", "/etc/aos-cm/config.yaml", "path to the daemon's YAML config file")
	rootCmd.Flags().Bool("provisioning", false, "after starting the fleet, block until the node completes IAM provisioning")
	rootCmd.Flags().Bool("journal", false, "log as JSON lines, for capture by the system journal")
	rootCmd.Flags().String("verbose", "info", "log level: debug, info, warn, error")
}

func run(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	provisioning, _ := cmd.Flags().GetBool("provisioning")
	journal, _ := cmd.Flags().GetBool("journal")
	verbose, _ := cmd.Flags().GetString("verbose")

	log.Init(log.Config{Level: log.Level(strings.ToLower(verbose)), JSONOutput: journal})

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	nodeID, err := loadOrCreateNodeID(cfg.NodeIDPath)
	if err != nil {
		return fmt.Errorf("load node id: %w", err)
	}
	log.Info("aos-cm starting, node " + nodeID)

	f := buildFleet(cfg, nodeID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := f.supervisor.Init(ctx); err != nil {
		return fmt.Errorf("init: %w", err)
	}

	if err := f.supervisor.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	log.Info("aos-cm running")

	if provisioning {
		log.Info("waiting for IAM provisioning to complete")
		if err := waitForProvisioning(ctx, f); err != nil {
			f.supervisor.Stop()
			return fmt.Errorf("provisioning: %w", err)
		}
		log.Info("node provisioned, state " + string(f.IAMState()))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")

	cancel()
	f.supervisor.Stop()
	log.Info("shutdown complete")
	return nil
}

// loadOrCreateNodeID reads the node's UUID from path, generating and
// persisting a fresh one on first boot.
func loadOrCreateNodeID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	id := uuid.New().String()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id), 0o644); err != nil {
		return "", err
	}
	return id, nil
}

// waitForProvisioning blocks until the IAM client reports the node
// has left the unprovisioned state, or ctx is canceled.
func waitForProvisioning(ctx context.Context, f *fleet) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		if f.IAMState() != types.NodeStateUnprovisioned {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
