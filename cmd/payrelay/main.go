package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/tracyhatemice/payrelay/internal/alert"
	"github.com/tracyhatemice/payrelay/internal/checkpoint"
	"github.com/tracyhatemice/payrelay/internal/config"
	"github.com/tracyhatemice/payrelay/internal/extract"
	"github.com/tracyhatemice/payrelay/internal/hub"
	"github.com/tracyhatemice/payrelay/internal/mailbox"
	"github.com/tracyhatemice/payrelay/internal/relay"
)

func main() {
	configPath := pflag.String("config", "config.yaml", "path to configuration file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel)
	logger.Info("payrelay starting", "mailbox", cfg.Mailbox.Host, "folder", cfg.Mailbox.GetFolder())

	sessCfg, err := sessionConfig(cfg.Mailbox, logger)
	if err != nil {
		logger.Error("failed to load checkpoint", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dialer := mailbox.NewIMAPDialer(cfg.Mailbox.Host, cfg.Mailbox.Port, cfg.Mailbox.UseTLS, cfg.Mailbox.CommandTimeout(), logger)
	session := mailbox.NewSession(sessCfg, dialer, logger)

	subscribers := hub.New(hub.Config{
		InboundRate:     cfg.Hub.GetInboundRate(),
		MaxMessageBytes: cfg.Hub.GetMaxMessageBytes(),
		WriteTimeout:    cfg.Hub.WriteTimeout(),
	}, logger)

	srv := &http.Server{
		Addr:              cfg.Hub.GetListen(),
		Handler:           hub.NewRouter(subscribers, session.Connected),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var alerter relay.Alerter
	if cfg.Alerts.Enabled() {
		s := cfg.Alerts.SMTP
		alerter = alert.New(s.Host, s.Port, s.Username, s.Password, s.UseTLS, cfg.Alerts.ForwardTo, s.Timeout(), logger)
	}
	rl := relay.New(session, extract.New(), subscribers, alerter, logger)

	listenErr := make(chan error, 1)
	go func() {
		logger.Info("websocket server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		session.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		rl.Run(ctx)
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
	case err := <-listenErr:
		logger.Error("websocket server failed", "error", err)
		exitCode = 1
		cancel()
	}
	logger.Info("shutting down")

	// Force exit on second signal.
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Warn("forced shutdown")
		os.Exit(1)
	}()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	subscribers.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("websocket server shutdown", "error", err)
	}

	wg.Wait()
	logger.Info("payrelay stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// sessionConfig builds the session settings. A stored checkpoint takes
// precedence over the configured start sequence.
func sessionConfig(m config.Mailbox, logger *slog.Logger) (mailbox.Config, error) {
	sc := mailbox.Config{
		Username:       m.Username,
		Password:       m.Password,
		Folder:         m.GetFolder(),
		Start:          m.StartSeq,
		OpenTimeout:    m.OpenTimeout(),
		IdleTimeout:    m.IdleTimeout(),
		ReconnectDelay: m.ReconnectDelay(),
	}
	if m.CheckpointFile == "" {
		return sc, nil
	}

	store, err := checkpoint.Open(m.CheckpointFile)
	if err != nil {
		return sc, err
	}
	if seq, ok := store.Load(); ok {
		logger.Info("loaded checkpoint", "file", m.CheckpointFile, "seq", seq)
		sc.Start = &seq
	}
	sc.Checkpoint = store
	return sc, nil
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
