package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/sessionguard/config"
)

// Version is set at build time with -ldflags "-X ...cmd.Version=...".
var Version = "dev"

var configFile string

var rootCmd = &cobra.Command{
	Use:   "sessiond",
	Short: "sessiond enforces session timeouts and keeps the HIPAA audit trail",
	Long: `sessiond creates, validates and expires authenticated sessions under an
idle and absolute timeout policy, and records every security-relevant event
in a tamper-evident, risk-classified audit trail.

Settings come from an optional YAML file (--config) and SESSIOND_* environment
variables, e.g. SESSIOND_SESSION_IDLE_TIMEOUT=15m or SESSIOND_AUDIT_STORE=postgres.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (json, text)")
}

// loadConfig builds the configuration for cmd, letting any flags the user
// set override the file and environment.
func loadConfig(cmd *cobra.Command, flagKeys map[string]string) (*config.Config, error) {
	v := config.New()
	keys := map[string]string{"log-level": "log_level", "log-format": "log_format"}
	for flag, key := range flagKeys {
		keys[flag] = key
	}
	for flag, key := range keys {
		f := cmd.Flags().Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("binding --%s: %w", flag, err)
		}
	}
	return config.Load(v, configFile)
}
