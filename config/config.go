// Package config loads sessiond settings from an optional YAML file and
// SESSIOND_* environment variables using Viper, and validates them before
// anything is started.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/spf13/viper"

	"github.com/jmcleod/sessionguard/audit"
	"github.com/jmcleod/sessionguard/internal/util"
	"github.com/jmcleod/sessionguard/session"
)

// EnvPrefix is prepended to every environment variable, with dots in key
// names replaced by underscores: audit.store becomes SESSIOND_AUDIT_STORE.
const EnvPrefix = "SESSIOND"

const (
	StoreMemory   = "memory"
	StoreBbolt    = "bbolt"
	StorePostgres = "postgres"
)

// MinIdPTokenLength is the shortest identity provider credential accepted.
const MinIdPTokenLength = 32

var (
	ErrInvalidConfig   = errors.New("config: invalid configuration")
	ErrMissingIdPToken = errors.New("config: identity provider token is required")
)

type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	TLSCert    string `mapstructure:"tls_cert"`
	TLSKey     string `mapstructure:"tls_key"`
	LogLevel   string `mapstructure:"log_level"`
	LogFormat  string `mapstructure:"log_format"`

	// MasterKey is the hex-encoded 32-byte audit master key. MasterKeyFile
	// is read when MasterKey is empty.
	MasterKey     string `mapstructure:"master_key"`
	MasterKeyFile string `mapstructure:"master_key_file"`

	// IdPToken is the shared credential the identity provider sends in
	// X-IdP-Token. IdPTokenFile is read when IdPToken is empty.
	IdPToken     string `mapstructure:"idp_token"`
	IdPTokenFile string `mapstructure:"idp_token_file"`

	Session SessionConfig `mapstructure:"session"`
	Audit   AuditConfig   `mapstructure:"audit"`
	Alert   AlertConfig   `mapstructure:"alert"`
}

type PolicyConfig struct {
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	AbsoluteTimeout time.Duration `mapstructure:"absolute_timeout"`
	WarningWindow   time.Duration `mapstructure:"warning_window"`
}

type SessionConfig struct {
	IdleTimeout     time.Duration           `mapstructure:"idle_timeout"`
	AbsoluteTimeout time.Duration           `mapstructure:"absolute_timeout"`
	WarningWindow   time.Duration           `mapstructure:"warning_window"`
	SweepInterval   time.Duration           `mapstructure:"sweep_interval"`
	TickInterval    time.Duration           `mapstructure:"tick_interval"`
	AdminRoles      []string                `mapstructure:"admin_roles"`
	Roles           map[string]PolicyConfig `mapstructure:"roles"`
}

type AuditConfig struct {
	Store         string        `mapstructure:"store"`
	BboltPath     string        `mapstructure:"bbolt_path"`
	DatabaseURL   string        `mapstructure:"database_url"`
	MaxEntries    int           `mapstructure:"max_entries"`
	Retention     time.Duration `mapstructure:"retention"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`

	// CheckpointPath is a separate BBolt file recording the newest persisted
	// chain head. Empty disables rollback detection.
	CheckpointPath string `mapstructure:"checkpoint_path"`
}

type AlertConfig struct {
	WebhookURL  string `mapstructure:"webhook_url"`
	WebhookAuth string `mapstructure:"webhook_auth"`

	// WebhookRate is the sustained number of webhook deliveries per second;
	// zero disables rate limiting.
	WebhookRate  float64 `mapstructure:"webhook_rate"`
	WebhookBurst int     `mapstructure:"webhook_burst"`

	LoginFailureThreshold int           `mapstructure:"login_failure_threshold"`
	LoginFailureWindow    time.Duration `mapstructure:"login_failure_window"`
	ExportThreshold       int           `mapstructure:"export_threshold"`
	ExportWindow          time.Duration `mapstructure:"export_window"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8443")
	v.SetDefault("tls_cert", "")
	v.SetDefault("tls_key", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("master_key", "")
	v.SetDefault("master_key_file", "")
	v.SetDefault("idp_token", "")
	v.SetDefault("idp_token_file", "")

	v.SetDefault("session.idle_timeout", session.DefaultIdleTimeout)
	v.SetDefault("session.absolute_timeout", session.DefaultAbsoluteTimeout)
	v.SetDefault("session.warning_window", session.DefaultWarningWindow)
	v.SetDefault("session.sweep_interval", session.DefaultSweepInterval)
	v.SetDefault("session.tick_interval", session.DefaultTickInterval)
	v.SetDefault("session.admin_roles", []string{"admin"})

	v.SetDefault("audit.store", StoreBbolt)
	v.SetDefault("audit.bbolt_path", "./data/audit.db")
	v.SetDefault("audit.database_url", "")
	v.SetDefault("audit.max_entries", 10000)
	v.SetDefault("audit.retention", 24*time.Hour)
	v.SetDefault("audit.flush_interval", 5*time.Second)
	v.SetDefault("audit.checkpoint_path", "")

	v.SetDefault("alert.webhook_url", "")
	v.SetDefault("alert.webhook_auth", "")
	v.SetDefault("alert.webhook_rate", 1.0)
	v.SetDefault("alert.webhook_burst", 10)
	v.SetDefault("alert.login_failure_threshold", 50)
	v.SetDefault("alert.login_failure_window", time.Minute)
	v.SetDefault("alert.export_threshold", 10)
	v.SetDefault("alert.export_window", 5*time.Minute)
}

// New returns a Viper instance with defaults and environment binding set
// up. Callers may bind command-line flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (if non-empty) into v, decodes and validates the result.
// Environment variables override the file; bound flags override both.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks everything that can be checked without touching the
// network or the key material.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("%w: listen_addr must be set", ErrInvalidConfig)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("%w: tls_cert and tls_key must be set together", ErrInvalidConfig)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("%w: log_format %q must be json or text", ErrInvalidConfig, c.LogFormat)
	}

	switch c.Audit.Store {
	case StoreMemory:
	case StoreBbolt:
		if c.Audit.BboltPath == "" {
			return fmt.Errorf("%w: audit.bbolt_path is required for the bbolt store", ErrInvalidConfig)
		}
	case StorePostgres:
		if c.Audit.DatabaseURL == "" {
			return fmt.Errorf("%w: audit.database_url is required for the postgres store", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown audit.store %q", ErrInvalidConfig, c.Audit.Store)
	}
	if c.Audit.CheckpointPath != "" {
		if c.Audit.Store == StoreMemory {
			return fmt.Errorf("%w: audit.checkpoint_path cannot be used with the memory store", ErrInvalidConfig)
		}
		if c.Audit.Store == StoreBbolt && filepath.Clean(c.Audit.CheckpointPath) == filepath.Clean(c.Audit.BboltPath) {
			return fmt.Errorf("%w: audit.checkpoint_path must differ from audit.bbolt_path", ErrInvalidConfig)
		}
	}
	if c.Audit.MaxEntries <= 0 || c.Audit.Retention <= 0 || c.Audit.FlushInterval <= 0 {
		return fmt.Errorf("%w: audit max_entries, retention and flush_interval must be positive", ErrInvalidConfig)
	}

	if c.Alert.WebhookRate < 0 || c.Alert.WebhookBurst < 0 {
		return fmt.Errorf("%w: alert webhook rate and burst must not be negative", ErrInvalidConfig)
	}
	if c.Alert.LoginFailureThreshold <= 0 || c.Alert.ExportThreshold <= 0 {
		return fmt.Errorf("%w: alert thresholds must be positive", ErrInvalidConfig)
	}
	if c.Alert.LoginFailureWindow <= 0 || c.Alert.ExportWindow <= 0 {
		return fmt.Errorf("%w: alert windows must be positive", ErrInvalidConfig)
	}

	if err := c.SessionConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// SessionConfig maps the session section onto session.Config.
func (c *Config) SessionConfig() session.Config {
	sc := session.Config{
		Default: session.Policy{
			IdleTimeout:     c.Session.IdleTimeout,
			AbsoluteTimeout: c.Session.AbsoluteTimeout,
			WarningWindow:   c.Session.WarningWindow,
		},
		SweepInterval: c.Session.SweepInterval,
		TickInterval:  c.Session.TickInterval,
		AdminRoles:    slices.Clone(c.Session.AdminRoles),
	}
	if len(c.Session.Roles) > 0 {
		sc.RolePolicies = make(map[string]session.Policy, len(c.Session.Roles))
		for role, p := range c.Session.Roles {
			sc.RolePolicies[role] = session.Policy{
				IdleTimeout:     p.IdleTimeout,
				AbsoluteTimeout: p.AbsoluteTimeout,
				WarningWindow:   p.WarningWindow,
			}
		}
	}
	return sc
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("%w: log_level %q: %w", ErrInvalidConfig, c.LogLevel, err)
	}
	return l, nil
}

// Logger builds the process logger writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := c.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// MasterKeyEnclave decodes the master key and seals it in a memguard
// enclave. The decoded bytes are wiped.
func (c *Config) MasterKeyEnclave() (*memguard.Enclave, error) {
	encoded := strings.TrimSpace(c.MasterKey)
	if encoded == "" && c.MasterKeyFile != "" {
		data, err := os.ReadFile(c.MasterKeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading master key file: %w", err)
		}
		encoded = strings.TrimSpace(string(data))
		util.WipeBytes(data)
	}
	if encoded == "" {
		return nil, fmt.Errorf("%w: set %s_MASTER_KEY or master_key_file", audit.ErrMissingKey, EnvPrefix)
	}
	key, err := util.HexDecode(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: not valid hex", audit.ErrInvalidKey)
	}
	if len(key) != audit.MasterKeySize {
		util.WipeBytes(key)
		return nil, fmt.Errorf("%w: got %d bytes", audit.ErrInvalidKey, len(key))
	}
	return memguard.NewEnclave(key), nil
}

// IdPCredential returns the identity provider's shared credential from the
// value or the file. The server refuses to start without one.
func (c *Config) IdPCredential() (string, error) {
	token := strings.TrimSpace(c.IdPToken)
	if token == "" && c.IdPTokenFile != "" {
		data, err := os.ReadFile(c.IdPTokenFile)
		if err != nil {
			return "", fmt.Errorf("reading idp token file: %w", err)
		}
		token = strings.TrimSpace(string(data))
		util.WipeBytes(data)
	}
	if token == "" {
		return "", fmt.Errorf("%w: set %s_IDP_TOKEN or idp_token_file", ErrMissingIdPToken, EnvPrefix)
	}
	if len(token) < MinIdPTokenLength {
		return "", fmt.Errorf("%w: idp_token must be at least %d characters", ErrInvalidConfig, MinIdPTokenLength)
	}
	return token, nil
}
