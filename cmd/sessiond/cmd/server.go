package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/jmcleod/sessionguard/alert"
	"github.com/jmcleod/sessionguard/api"
	"github.com/jmcleod/sessionguard/audit"
	"github.com/jmcleod/sessionguard/session"
)

const lockoutSweepInterval = 5 * time.Minute

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the session service",
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().String("listen", "", "Address to listen on (default :8443)")
	serverCmd.Flags().String("audit-store", "", "Audit store: memory, bbolt or postgres")
	serverCmd.Flags().String("tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().String("tls-key", "", "Path to TLS key file")
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, map[string]string{
		"listen":      "listen_addr",
		"audit-store": "audit.store",
		"tls-cert":    "tls_cert",
		"tls-key":     "tls_key",
	})
	if err != nil {
		return err
	}
	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	master, err := cfg.MasterKeyEnclave()
	if err != nil {
		return err
	}
	keys, err := audit.NewKeys(master)
	if err != nil {
		return err
	}
	idpToken, err := cfg.IdPCredential()
	if err != nil {
		return err
	}

	persister, closeStore, err := openPersister(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Error("closing audit store", "error", err)
		}
	}()

	checkpointOpts, closeCheckpoint, err := openCheckpoint(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeCheckpoint(); err != nil {
			logger.Error("closing audit checkpoint", "error", err)
		}
	}()

	alerters := alert.Multi{alert.NewLogger(logger)}
	var webhook *alert.Webhook
	if cfg.Alert.WebhookURL != "" {
		limit := rate.Inf
		if cfg.Alert.WebhookRate > 0 {
			limit = rate.Limit(cfg.Alert.WebhookRate)
		}
		webhook = alert.NewWebhook(cfg.Alert.WebhookURL, cfg.Alert.WebhookAuth,
			alert.WithRateLimit(limit, cfg.Alert.WebhookBurst),
			alert.WithWebhookLogger(logger))
		defer webhook.Close()
		alerters = append(alerters, webhook)
	}

	// The spike detector logs back into the trail it observes; trail is
	// assigned before the first entry can be observed.
	var trail *audit.Trail
	spikes := alert.NewSpikeDetector(func(s alert.Spike) {
		trail.Log(context.Background(), alert.SpikeEvent(s))
	},
		alert.WithLoginFailureThreshold(cfg.Alert.LoginFailureThreshold, cfg.Alert.LoginFailureWindow),
		alert.WithExportThreshold(cfg.Alert.ExportThreshold, cfg.Alert.ExportWindow),
	)
	trailOpts := append([]audit.Option{
		audit.WithLogger(logger),
		audit.WithAlerter(alerters),
		audit.WithMaxEntries(cfg.Audit.MaxEntries),
		audit.WithRetention(cfg.Audit.Retention),
		audit.WithFlushInterval(cfg.Audit.FlushInterval),
		audit.WithObserver(spikes.Observe),
	}, checkpointOpts...)
	trail, err = audit.NewTrail(ctx, persister, keys, trailOpts...)
	if errors.Is(err, audit.ErrRollbackDetected) {
		logger.Error("audit store is behind its checkpoint; refusing to start", "error", err)
	}
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := trail.Close(closeCtx); err != nil {
			logger.Error("final audit flush failed", "error", err, "unpersisted", trail.Unpersisted())
		}
	}()

	mgr, err := session.NewManager(cfg.SessionConfig(), trail,
		session.WithLogger(logger),
		session.WithWarningCallback(func(n session.WarningNotice) {
			logger.Info("session idle warning",
				"session_ref", n.SessionRef,
				"subject_id", n.SubjectID,
				"remaining", n.Remaining.Round(time.Second).String())
		}),
	)
	if err != nil {
		return err
	}
	mgr.Start()

	a := api.New(mgr, api.WithLogger(logger), api.WithIdPToken(idpToken))
	go func() {
		t := time.NewTicker(lockoutSweepInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				a.SweepLockouts()
			}
		}
	}()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(api.SecurityHeaders)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Mount("/api/v1", a.Router())

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if cfg.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	done := make(chan error, 1)
	go func() {
		var err error
		if server.TLSConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			logger.Warn("serving plain HTTP; terminate TLS in front of sessiond")
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	printBanner(os.Stdout)
	logger.Info("sessiond started", "addr", cfg.ListenAddr, "audit_store", cfg.Audit.Store, "version", Version)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-done:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	mgr.Close()
	// Sessions are never persisted; record that each one ends here.
	n := mgr.TerminateAll(shutdownCtx, session.ReasonShutdown)
	logger.Info("terminated sessions on shutdown", "count", n)
	return serveErr
}
