package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/bseazeng/tpm2-abrmd/internal/logging"
)

// waitForShutdown blocks until SIGINT or SIGTERM, logging the signal
// that woke it. This is the daemon's half of spec.md §9's cooperative
// cancellation: the actual CheckCancel control messages are enqueued
// per-connection by manager.Manager.Shutdown once this returns.
func waitForShutdown(log logging.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("tpm2-abrmd: received %s, shutting down", sig)
}
