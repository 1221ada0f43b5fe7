package sip

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowpbx/holdmusic/internal/config"
	"github.com/flowpbx/holdmusic/internal/media"
	"github.com/flowpbx/holdmusic/internal/metrics"
	"github.com/flowpbx/holdmusic/internal/reactor"
)

// shutdownGrace bounds how long shutdown waits for media processes, past
// the kill delay.
const shutdownGrace = 2 * time.Second

// Server owns the reactor, the SIP socket and the call handler.
type Server struct {
	cfg       *config.Config
	loop      *reactor.Loop
	transport *Transport
	handler   *Handler
	limiter   *RateLimiter
	tracer    *MessageTracer
	logger    *slog.Logger
}

// NewServer binds the SIP socket and wires the call handler. launcher
// starts the media processes.
func NewServer(cfg *config.Config, launcher media.Launcher, logger *slog.Logger) (*Server, error) {
	logger = logger.With("component", "sip")

	ports, err := media.NewPortPool(cfg.RTPPortMin, cfg.RTPPortMax, logger)
	if err != nil {
		return nil, fmt.Errorf("creating rtp port pool: %w", err)
	}

	sources, err := NewSourceACL(cfg.SourceList())
	if err != nil {
		return nil, fmt.Errorf("invalid allow-sources: %w", err)
	}
	if sources.Len() > 0 {
		logger.Info("sip source acl enabled", "prefixes", sources.Len())
	}

	loop := reactor.New(logger)
	tracer := NewMessageTracer(logger, ParseSIPLogVerbosity(cfg.SIPLog))

	transport, err := Listen(cfg.SIPAddr(), loop, tracer, logger)
	if err != nil {
		return nil, err
	}

	limitCfg := DefaultRateLimiterConfig()
	limitCfg.Rate = rate.Limit(cfg.InviteRate)
	limitCfg.Burst = cfg.InviteBurst
	limiter := NewRateLimiter(limitCfg, logger)

	handler := NewHandler(HandlerConfig{
		ServerIP:   cfg.ServerIP,
		SIPPort:    cfg.SIPPort,
		AudioFile:  cfg.AudioFile,
		AckTimeout: cfg.AckTimeout,
		Sources:    sources,
	}, loop, ports, launcher, transport, limiter, logger)

	return &Server{
		cfg:       cfg,
		loop:      loop,
		transport: transport,
		handler:   handler,
		limiter:   limiter,
		tracer:    tracer,
		logger:    logger,
	}, nil
}

// SetHistory attaches a call history recorder. Call before Run.
func (s *Server) SetHistory(r HistoryRecorder) {
	s.handler.SetHistory(r)
}

// LocalAddr returns the bound SIP address.
func (s *Server) LocalAddr() netip.AddrPort {
	return s.transport.LocalAddr()
}

// Tracer returns the SIP message tracer.
func (s *Server) Tracer() *MessageTracer {
	return s.tracer
}

// Run serves SIP until ctx is cancelled, then ends every call, waits for
// media processes to exit and closes the socket.
func (s *Server) Run(ctx context.Context) error {
	go s.loop.Run()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.transport.Serve(s.handler.HandleDatagram)
	}()

	s.logger.Info("sip server started",
		"addr", s.transport.LocalAddr().String(),
		"server_ip", s.cfg.ServerIP,
		"audio_file", s.cfg.AudioFile,
		"rtp_port_min", s.cfg.RTPPortMin,
		"rtp_port_max", s.cfg.RTPPortMax,
	)

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if err == nil {
			err = fmt.Errorf("sip transport closed unexpectedly")
		}
		s.logger.Error("sip transport stopped", "error", err)
	}

	s.shutdown()
	return err
}

func (s *Server) shutdown() {
	s.logger.Info("sip server shutting down")

	if err := s.loop.Do(context.Background(), s.handler.Shutdown); err != nil {
		s.logger.Error("ending calls for shutdown", "error", err)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), media.KillDelay+shutdownGrace)
	defer cancel()
	if err := s.handler.Media().Wait(waitCtx); err != nil {
		s.logger.Warn("media processes still running at shutdown", "error", err)
	}

	if err := s.transport.Close(); err != nil {
		s.logger.Debug("closing sip transport", "error", err)
	}
	s.limiter.Stop()
	s.loop.Stop()
	s.logger.Info("sip server stopped")
}

// ActiveCalls returns the live sessions.
func (s *Server) ActiveCalls(ctx context.Context) ([]CallInfo, error) {
	var calls []CallInfo
	if err := s.loop.Do(ctx, func() { calls = s.handler.Snapshot() }); err != nil {
		return nil, err
	}
	return calls, nil
}

// CallStats implements metrics.CallStatsProvider.
func (s *Server) CallStats(ctx context.Context) (metrics.CallStats, error) {
	var st metrics.CallStats
	if err := s.loop.Do(ctx, func() { st = s.handler.Stats() }); err != nil {
		return metrics.CallStats{}, err
	}
	return st, nil
}
