package session

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidConfig = errors.New("session: invalid configuration")

const (
	DefaultIdleTimeout     = 15 * time.Minute
	DefaultAbsoluteTimeout = 12 * time.Hour
	DefaultWarningWindow   = 2 * time.Minute
	DefaultSweepInterval   = 1 * time.Minute
	DefaultTickInterval    = 1 * time.Second
)

// Policy is the timeout policy a session is created under.
type Policy struct {
	IdleTimeout     time.Duration `json:"idle_timeout"`
	AbsoluteTimeout time.Duration `json:"absolute_timeout"`
	WarningWindow   time.Duration `json:"warning_window"`
}

// Validate checks the policy invariants: every duration positive, the idle
// timeout no longer than the absolute timeout, and the warning window
// shorter than the idle timeout.
func (p Policy) Validate() error {
	switch {
	case p.IdleTimeout <= 0:
		return fmt.Errorf("%w: idle timeout must be positive", ErrInvalidConfig)
	case p.AbsoluteTimeout <= 0:
		return fmt.Errorf("%w: absolute timeout must be positive", ErrInvalidConfig)
	case p.WarningWindow <= 0:
		return fmt.Errorf("%w: warning window must be positive", ErrInvalidConfig)
	case p.IdleTimeout > p.AbsoluteTimeout:
		return fmt.Errorf("%w: idle timeout %s exceeds absolute timeout %s",
			ErrInvalidConfig, p.IdleTimeout, p.AbsoluteTimeout)
	case p.WarningWindow >= p.IdleTimeout:
		return fmt.Errorf("%w: warning window %s must be shorter than idle timeout %s",
			ErrInvalidConfig, p.WarningWindow, p.IdleTimeout)
	}
	return nil
}

type Config struct {
	Default Policy
	// RolePolicies overrides Default for subjects with a matching role.
	RolePolicies  map[string]Policy
	SweepInterval time.Duration
	TickInterval  time.Duration
	// AdminRoles may list sessions, force logouts and read the audit trail.
	AdminRoles []string
}

func DefaultConfig() Config {
	return Config{
		Default: Policy{
			IdleTimeout:     DefaultIdleTimeout,
			AbsoluteTimeout: DefaultAbsoluteTimeout,
			WarningWindow:   DefaultWarningWindow,
		},
		SweepInterval: DefaultSweepInterval,
		TickInterval:  DefaultTickInterval,
		AdminRoles:    []string{"admin"},
	}
}

func (c Config) Validate() error {
	if err := c.Default.Validate(); err != nil {
		return fmt.Errorf("default policy: %w", err)
	}
	for role, p := range c.RolePolicies {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("policy for role %q: %w", role, err)
		}
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("%w: sweep interval must be positive", ErrInvalidConfig)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("%w: tick interval must be positive", ErrInvalidConfig)
	}
	return nil
}

// PolicyFor returns the policy for role, falling back to Default.
func (c Config) PolicyFor(role string) Policy {
	if p, ok := c.RolePolicies[role]; ok {
		return p
	}
	return c.Default
}
