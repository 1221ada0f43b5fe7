package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/flowpbx/holdmusic/internal/api"
	"github.com/flowpbx/holdmusic/internal/config"
	"github.com/flowpbx/holdmusic/internal/database"
	"github.com/flowpbx/holdmusic/internal/media"
	"github.com/flowpbx/holdmusic/internal/metrics"
	sipserver "github.com/flowpbx/holdmusic/internal/sip"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("holdmusic exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if err := media.CheckSource(cfg.AudioFile); err != nil {
		return err
	}

	slog.Info("starting holdmusic",
		"server_ip", cfg.ServerIP,
		"sip_port", cfg.SIPPort,
		"http_port", cfg.HTTPPort,
		"audio_file", cfg.AudioFile,
		"ack_timeout", cfg.AckTimeout.String(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sipSrv, err := sipserver.NewServer(cfg, media.NewFFmpegLauncher(cfg.FFmpegPath, logger), logger)
	if err != nil {
		return fmt.Errorf("creating sip server: %w", err)
	}

	// Call history is optional; history stays a nil interface when disabled.
	var (
		history api.HistoryLister
		counter metrics.HistoryCounter
		writer  *database.HistoryWriter
	)
	if cfg.HistoryEnabled() {
		db, err := database.Open(cfg.DataDir, logger)
		if err != nil {
			return fmt.Errorf("opening call history database: %w", err)
		}
		defer db.Close()

		repo := database.NewHistoryRepository(db)
		history, counter = repo, repo
		writer = database.NewHistoryWriter(repo, logger)
		go writer.Run()
		sipSrv.SetHistory(writer)

		database.StartRetentionTicker(ctx, repo, cfg.HistoryMaxDays, time.Hour, logger)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(sipSrv, counter, time.Now()),
	)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sipSrv.Run(gCtx)
	})

	if cfg.HTTPPort > 0 {
		srv := &http.Server{
			Addr:         cfg.HTTPAddr(),
			Handler:      api.NewServer(sipSrv, history, registry, logger),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		g.Go(func() error {
			slog.Info("http server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})

		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("http server shutdown error", "error", err)
			}
			return nil
		})
	}

	<-gCtx.Done()
	slog.Info("shutting down servers")
	err = g.Wait()

	if writer != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if cerr := writer.Close(closeCtx); cerr != nil {
			slog.Warn("call history not fully written", "error", cerr)
		}
	}

	if err != nil {
		return err
	}
	slog.Info("holdmusic stopped")
	return nil
}
