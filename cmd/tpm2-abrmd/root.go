package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bseazeng/tpm2-abrmd/internal/broker"
	"github.com/bseazeng/tpm2-abrmd/internal/config"
	"github.com/bseazeng/tpm2-abrmd/internal/logging"
	"github.com/bseazeng/tpm2-abrmd/internal/manager"
)

// NewRootCmd builds the tpm2-abrmd root command, following
// rancher-elemental-toolkit/cmd/root.go's shape: persistent flags bound
// to viper, one RunE that resolves a Config and starts the daemon.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tpm2-abrmd",
		Short: "TPM 2.0 userspace resource manager",
		Long: "tpm2-abrmd serializes and multiplexes many client connections " +
			"onto a single TPM device, virtualizing its transient object and " +
			"session slots so clients can treat both as unlimited.",
		RunE: runDaemon,
	}

	cmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	_ = viper.BindPFlag("debug", cmd.PersistentFlags().Lookup("debug"))
	config.BindFlags(cmd.PersistentFlags())

	cmd.AddCommand(newVersionCmd())
	return cmd
}

func runDaemon(cmd *cobra.Command, args []string) error {
	log := logging.New()
	if viper.GetBool("debug") {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.New(config.WithLogger(log))
	if err != nil {
		return fmt.Errorf("tpm2-abrmd: resolving configuration: %w", err)
	}

	dev, err := broker.OpenLinuxDevice(cfg.DevicePath)
	if err != nil {
		return fmt.Errorf("tpm2-abrmd: opening TPM device %s: %w", cfg.DevicePath, err)
	}
	defer dev.Close()

	mgr := manager.New(dev, cfg.ObjectQuota, cfg.SessionQuota, cfg.Logger)
	log.Infof("tpm2-abrmd: serving %s, listening on %s", cfg.DevicePath, cfg.SocketPath)

	// Accepting connections and wiring each to mgr.Register is the
	// (external) connection manager's job per spec.md §1; waitForShutdown
	// blocks until the process is asked to stop, at which point every
	// worker goroutine the connection manager registered is told to
	// drain via mgr.Shutdown.
	waitForShutdown(log)
	mgr.Shutdown()
	return nil
}

// Execute runs the root command, matching
// rancher-elemental-toolkit/cmd/root.go's Execute entrypoint.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
