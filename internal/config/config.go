// Package config holds the daemon's runtime configuration: the TPM
// device path, the quotas the pipeline enforces, and logging settings.
// It follows the functional-options pattern
// rancher-elemental-toolkit/pkg/config/config.go uses for its own
// Config (WithFs, WithLogger, ...), backed by github.com/spf13/viper
// for the values a deployment may want to override via file or
// environment (SPEC_FULL.md §4.9).
package config

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/bseazeng/tpm2-abrmd/internal/handlemap"
	"github.com/bseazeng/tpm2-abrmd/internal/logging"
	"github.com/bseazeng/tpm2-abrmd/internal/session"
)

// Config is the daemon's resolved runtime configuration.
type Config struct {
	// DevicePath is the TPM character device the access broker opens,
	// e.g. "/dev/tpm0". The abrmd talks to the raw device directly,
	// not the kernel's own in-kernel resource manager at /dev/tpmrm0.
	DevicePath string

	// SocketPath is where the (external) connection manager listens
	// for clients. The core never dials or listens itself; this field
	// exists only so cmd/tpm2-abrmd has somewhere to read it from.
	SocketPath string

	// ObjectQuota and SessionQuota are the per-connection limits
	// spec.md §4.1/§3 describes; 0 selects each package's default.
	ObjectQuota  int
	SessionQuota int

	Logger logging.Logger
}

// Option mutates a Config being built by New.
type Option func(*Config) error

// WithDevicePath overrides the TPM device path.
func WithDevicePath(path string) Option {
	return func(c *Config) error {
		c.DevicePath = path
		return nil
	}
}

// WithSocketPath overrides the listen socket path.
func WithSocketPath(path string) Option {
	return func(c *Config) error {
		c.SocketPath = path
		return nil
	}
}

// WithObjectQuota overrides the per-connection transient object quota.
func WithObjectQuota(n int) Option {
	return func(c *Config) error {
		c.ObjectQuota = n
		return nil
	}
}

// WithSessionQuota overrides the per-connection session quota.
func WithSessionQuota(n int) Option {
	return func(c *Config) error {
		c.SessionQuota = n
		return nil
	}
}

// WithLogger overrides the Logger every component is wired with.
func WithLogger(l logging.Logger) Option {
	return func(c *Config) error {
		c.Logger = l
		return nil
	}
}

// defaults returns a Config seeded from viper (which cmd/tpm2-abrmd
// binds to flags and an optional config file/environment), before any
// explicit Option overrides are applied.
func defaults() Config {
	return Config{
		DevicePath:   viper.GetString("device"),
		SocketPath:   viper.GetString("socket"),
		ObjectQuota:  valueOrDefault(viper.GetInt("object-quota"), handlemap.DefaultQuota),
		SessionQuota: valueOrDefault(viper.GetInt("session-quota"), session.DefaultQuota),
		Logger:       logging.New(),
	}
}

func valueOrDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// New builds a Config from viper-bound defaults, applying opts in
// order.
func New(opts ...Option) (*Config, error) {
	c := defaults()
	for _, opt := range opts {
		if err := opt(&c); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

// BindFlags registers the flags New's defaults are read from and binds
// each to the matching viper key, matching
// rancher-elemental-toolkit/cmd/root.go's BindPFlag-per-flag style.
func BindFlags(flags *pflag.FlagSet) {
	flags.String("device", "/dev/tpm0", "TPM character device to serialize access to")
	flags.String("socket", "/run/tpm2-abrmd.sock", "listen socket for client connections")
	flags.Int("object-quota", 0, "per-connection transient object quota (0 = default)")
	flags.Int("session-quota", 0, "per-connection session quota (0 = default)")

	_ = viper.BindPFlag("device", flags.Lookup("device"))
	_ = viper.BindPFlag("socket", flags.Lookup("socket"))
	_ = viper.BindPFlag("object-quota", flags.Lookup("object-quota"))
	_ = viper.BindPFlag("session-quota", flags.Lookup("session-quota"))
}
