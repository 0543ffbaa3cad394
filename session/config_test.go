package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyValidate(t *testing.T) {
	valid := Policy{IdleTimeout: 15 * time.Minute, AbsoluteTimeout: 12 * time.Hour, WarningWindow: 2 * time.Minute}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(p *Policy)
	}{
		{"zero idle", func(p *Policy) { p.IdleTimeout = 0 }},
		{"negative absolute", func(p *Policy) { p.AbsoluteTimeout = -time.Hour }},
		{"zero warning", func(p *Policy) { p.WarningWindow = 0 }},
		{"idle beyond absolute", func(p *Policy) { p.IdleTimeout = 13 * time.Hour }},
		{"warning as long as idle", func(p *Policy) { p.WarningWindow = 15 * time.Minute }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			assert.ErrorIs(t, p.Validate(), ErrInvalidConfig)
		})
	}

	equal := Policy{IdleTimeout: time.Hour, AbsoluteTimeout: time.Hour, WarningWindow: time.Minute}
	assert.NoError(t, equal.Validate(), "idle may equal absolute")
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.RolePolicies = map[string]Policy{"kiosk": {IdleTimeout: time.Hour}}
	err := cfg.Validate()
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "kiosk")

	cfg = DefaultConfig()
	cfg.SweepInterval = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.TickInterval = -time.Second
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestPolicyFor(t *testing.T) {
	cfg := DefaultConfig()
	kiosk := Policy{IdleTimeout: 5 * time.Minute, AbsoluteTimeout: time.Hour, WarningWindow: time.Minute}
	cfg.RolePolicies = map[string]Policy{"kiosk": kiosk}

	assert.Equal(t, kiosk, cfg.PolicyFor("kiosk"))
	assert.Equal(t, cfg.Default, cfg.PolicyFor("clinician"))
	assert.Equal(t, cfg.Default, cfg.PolicyFor(""))
}
