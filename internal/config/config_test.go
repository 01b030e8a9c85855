package config

import (
	"testing"

	"github.com/bseazeng/tpm2-abrmd/internal/handlemap"
	"github.com/bseazeng/tpm2-abrmd/internal/logging"
	"github.com/bseazeng/tpm2-abrmd/internal/session"
)

func TestNewAppliesOptionsOverDefaults(t *testing.T) {
	c, err := New(
		WithDevicePath("/dev/tpm-test"),
		WithSocketPath("/tmp/tpm2-abrmd-test.sock"),
		WithObjectQuota(5),
		WithSessionQuota(7),
		WithLogger(logging.NewNull()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.DevicePath != "/dev/tpm-test" {
		t.Fatalf("expected overridden device path, got %q", c.DevicePath)
	}
	if c.SocketPath != "/tmp/tpm2-abrmd-test.sock" {
		t.Fatalf("expected overridden socket path, got %q", c.SocketPath)
	}
	if c.ObjectQuota != 5 || c.SessionQuota != 7 {
		t.Fatalf("expected overridden quotas, got object=%d session=%d", c.ObjectQuota, c.SessionQuota)
	}
}

func TestNewFallsBackToPackageDefaultsWhenUnset(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.ObjectQuota != handlemap.DefaultQuota {
		t.Fatalf("expected object quota default %d, got %d", handlemap.DefaultQuota, c.ObjectQuota)
	}
	if c.SessionQuota != session.DefaultQuota {
		t.Fatalf("expected session quota default %d, got %d", session.DefaultQuota, c.SessionQuota)
	}
}

func TestValueOrDefault(t *testing.T) {
	if got := valueOrDefault(0, 42); got != 42 {
		t.Fatalf("expected the default for a zero value, got %d", got)
	}
	if got := valueOrDefault(9, 42); got != 9 {
		t.Fatalf("expected the explicit value to win, got %d", got)
	}
}
