package sip

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/flowpbx/holdmusic/internal/database"
	"github.com/flowpbx/holdmusic/internal/media"
	"github.com/flowpbx/holdmusic/internal/metrics"
	"github.com/flowpbx/holdmusic/internal/reactor"
)

// MaxMessageSize is the largest datagram the handler will look at.
const MaxMessageSize = 65535

// Reasons a call session ends.
const (
	ReasonBye              = "bye"
	ReasonCancel           = "cancel"
	ReasonAckTimeout       = "ack_timeout"
	ReasonReplaced         = "replaced"
	ReasonMediaStartFailed = "media_start_failed"
	ReasonMediaError       = "media_error"
	ReasonStreamEnded      = "stream_ended"
	ReasonMediaExit        = "media_exit"
	ReasonShutdown         = "shutdown"
)

// Sender delivers an encoded response to a signaling address.
type Sender interface {
	Send(data []byte, to netip.AddrPort) error
}

// HistoryRecorder receives a record for every call that ends. Record must
// not block.
type HistoryRecorder interface {
	Record(rec database.CallRecord)
}

// HandlerConfig holds the settings the call handler needs.
type HandlerConfig struct {
	ServerIP   string
	SIPPort    int
	AudioFile  string
	AckTimeout time.Duration
	// Sources restricts which addresses may signal. Nil allows all.
	Sources *SourceACL
}

// Handler is the call state machine. Every method must run on the reactor
// goroutine.
type Handler struct {
	cfg       HandlerConfig
	loop      *reactor.Loop
	ports     *media.PortPool
	media     *media.Controller
	registry  *Registry
	responses *ResponseBuilder
	sender    Sender
	limiter   *RateLimiter
	history   HistoryRecorder
	logger    *slog.Logger

	closing   bool
	answered  uint64
	ended     map[string]uint64
	responded map[int]uint64
	dropped   map[string]uint64
}

// NewHandler creates the call handler. limiter may be nil.
func NewHandler(cfg HandlerConfig, loop *reactor.Loop, ports *media.PortPool, launcher media.Launcher, sender Sender, limiter *RateLimiter, logger *slog.Logger) *Handler {
	h := &Handler{
		cfg:       cfg,
		loop:      loop,
		ports:     ports,
		registry:  NewRegistry(),
		responses: NewResponseBuilder(cfg.ServerIP, cfg.SIPPort),
		sender:    sender,
		limiter:   limiter,
		logger:    logger.With("subsystem", "calls"),
		ended:     make(map[string]uint64),
		responded: make(map[int]uint64),
		dropped:   make(map[string]uint64),
	}
	h.media = media.NewController(loop, launcher, h.onMediaEvent, logger)
	return h
}

// SetHistory attaches a call history recorder.
func (h *Handler) SetHistory(r HistoryRecorder) {
	h.history = r
}

// Media returns the handler's media process controller.
func (h *Handler) Media() *media.Controller {
	return h.media
}

// Registry returns the live session registry.
func (h *Handler) Registry() *Registry {
	return h.registry
}

// HandleDatagram processes one inbound datagram from the given source.
// Datagrams are dropped once Shutdown has run.
func (h *Handler) HandleDatagram(data []byte, from netip.AddrPort) {
	if h.closing {
		h.drop("shutdown")
		return
	}
	if !h.cfg.Sources.Allow(from.Addr()) {
		h.drop("source_denied")
		h.logger.Debug("dropping datagram from denied source", "source", from.String())
		return
	}
	if len(data) > MaxMessageSize {
		h.drop("oversized")
		h.logger.Warn("dropping oversized sip message", "source", from.String(), "size", len(data))
		return
	}

	msg := ParseMessage(data)
	callID := msg.CallID()
	if callID == "" {
		h.drop("no_call_id")
		h.logger.Warn("sip message without call-id", "source", from.String())
		return
	}
	if msg.Response {
		h.drop("response")
		h.logger.Debug("ignoring sip response", "call_id", callID, "status", msg.StartLine)
		return
	}

	switch {
	case msg.Malformed():
		h.logger.Warn("malformed sip message", "call_id", callID, "source", from.String())
		if msg.Replyable() {
			h.respond(400, h.responses.BadRequest(msg), from, callID)
		}
	case !msg.Supported():
		h.logger.Warn("unsupported sip method", "call_id", callID, "method", msg.Method, "source", from.String())
		if msg.Replyable() {
			h.respond(501, h.responses.NotImplemented(msg), from, callID)
		}
	default:
		switch sip.RequestMethod(msg.Method) {
		case sip.INVITE:
			h.handleInvite(msg, callID, from)
		case sip.ACK:
			h.handleAck(callID)
		case sip.BYE:
			h.handleBye(msg, callID, from)
		case sip.CANCEL:
			h.handleCancel(msg, callID, from)
		}
	}
}

func (h *Handler) handleInvite(msg *Message, callID string, from netip.AddrPort) {
	existing := h.registry.Get(callID)
	if existing != nil && existing.Retransmission(msg) {
		h.logger.Info("invite retransmission, resending 200 ok", "call_id", callID, "state", existing.State())
		if existing.AwaitingAck() {
			existing.ackTimer.Cancel()
			existing.ackTimer = h.armAckTimer(existing)
		}
		h.respond(200, existing.response, from, callID)
		return
	}

	if h.limiter != nil && !h.limiter.Allow(from.Addr()) {
		h.drop("rate_limited")
		h.logger.Warn("invite rate limit exceeded", "call_id", callID, "source", from.String())
		return
	}

	if existing != nil {
		h.logger.Info("new invite for existing call-id, replacing session", "call_id", callID)
		h.Cleanup(callID, ReasonReplaced)
	}

	clientPort, ok := media.ExtractAudioPort(msg.Body)
	if !ok {
		h.logger.Warn("invite without usable audio port", "call_id", callID, "source", from.String())
		h.respond(400, h.responses.BadRequest(msg), from, callID)
		return
	}

	clientAddr := from.Addr()
	if ip, ok := media.ExtractConnectionIP(msg.Body); ok {
		if addr, err := netip.ParseAddr(ip); err == nil {
			clientAddr = addr
		}
	}

	serverPort, err := h.ports.Allocate()
	if err != nil {
		if errors.Is(err, media.ErrPoolExhausted) {
			h.logger.Warn("no rtp ports available, rejecting call", "call_id", callID)
		} else {
			h.logger.Error("allocating rtp port", "call_id", callID, "error", err)
		}
		h.respond(486, h.responses.BusyHere(msg), from, callID)
		return
	}

	s := newCallSession(callID, msg, from)
	s.MediaTarget = netip.AddrPortFrom(clientAddr, uint16(clientPort))
	s.ServerPort = serverPort
	s.LocalTag = newLocalTag()

	offer, err := media.BuildOffer(h.cfg.ServerIP, serverPort, newSDPSessionID())
	if err != nil {
		h.ports.Release(serverPort)
		h.logger.Error("building sdp offer, rejecting call", "call_id", callID, "error", err)
		h.respond(500, h.responses.ServerError(msg), from, callID)
		return
	}
	s.response = h.responses.InviteOK(s, offer)
	s.ackTimer = h.armAckTimer(s)
	h.registry.Put(s)
	h.answered++

	h.respond(200, s.response, from, callID)
	h.logger.Info("call answered, waiting for ack",
		"call_id", callID,
		"source", from.String(),
		"rtp_port", serverPort,
		"media_target", s.MediaTarget.String(),
	)
}

func (h *Handler) handleAck(callID string) {
	s := h.registry.Get(callID)
	if s == nil {
		h.logger.Debug("ack for unknown call, ignoring", "call_id", callID)
		return
	}
	if !s.AwaitingAck() {
		h.logger.Debug("duplicate ack, ignoring", "call_id", callID)
		return
	}

	s.ackTimer.Cancel()
	s.ackTimer = nil
	if err := s.acknowledge(); err != nil {
		h.logger.Error("ack transition failed", "call_id", callID, "error", err)
		return
	}

	handle, err := h.media.Start(callID, media.Stream{
		Source:    h.cfg.AudioFile,
		Target:    s.MediaTarget,
		LocalIP:   h.cfg.ServerIP,
		LocalPort: s.ServerPort,
	})
	if err != nil {
		h.logger.Error("starting media stream", "call_id", callID, "error", err)
		h.Cleanup(callID, ReasonMediaStartFailed)
		return
	}
	s.media = handle

	h.logger.Info("ack received, streaming",
		"call_id", callID,
		"media_target", s.MediaTarget.String(),
		"rtp_port", s.ServerPort,
	)
}

func (h *Handler) handleBye(msg *Message, callID string, from netip.AddrPort) {
	s := h.registry.Get(callID)
	if s == nil {
		h.logger.Debug("bye for unknown call, ignoring", "call_id", callID)
		return
	}
	h.respond(200, h.responses.ByeOK(msg, s.LocalTag), from, callID)
	h.Cleanup(callID, ReasonBye)
}

func (h *Handler) handleCancel(msg *Message, callID string, from netip.AddrPort) {
	s := h.registry.Get(callID)
	if s == nil {
		h.logger.Debug("cancel for unknown call, ignoring", "call_id", callID)
		return
	}
	h.respond(200, h.responses.CancelOK(msg), from, callID)
	h.Cleanup(callID, ReasonCancel)
}

// armAckTimer schedules the ACK timeout for s.
func (h *Handler) armAckTimer(s *CallSession) *reactor.Timer {
	return h.loop.Schedule(h.cfg.AckTimeout, func() {
		if h.registry.Get(s.CallID) != s || !s.AwaitingAck() {
			return
		}
		h.logger.Warn("ack timeout, ending call", "call_id", s.CallID)
		h.Cleanup(s.CallID, ReasonAckTimeout)
	})
}

func (h *Handler) onMediaEvent(ev media.Event) {
	s := h.registry.Get(ev.CallID)
	if s == nil || s.media != ev.Handle {
		h.logger.Debug("media event for ended call",
			"call_id", ev.CallID,
			"event", ev.Kind.String(),
		)
		return
	}

	switch ev.Kind {
	case media.EventStarted:
		h.logger.Info("media stream started", "call_id", ev.CallID, "pid", ev.Handle.Pid())
	case media.EventRuntimeError:
		h.logger.Error("media stream error", "call_id", ev.CallID, "error", ev.Message)
		h.Cleanup(ev.CallID, ReasonMediaError)
	case media.EventStreamEnded:
		h.logger.Info("media stream ended", "call_id", ev.CallID)
		h.Cleanup(ev.CallID, ReasonStreamEnded)
	case media.EventExited:
		level := slog.LevelInfo
		if ev.Failed() {
			level = slog.LevelError
		}
		h.logger.Log(context.Background(), level, "media process exited",
			"call_id", ev.CallID,
			"code", ev.Code,
			"signal", ev.Signal,
		)
		h.Cleanup(ev.CallID, ReasonMediaExit)
	}
}

// Cleanup ends the session for callID: it cancels the ACK timer, stops the
// media process, releases the RTP port and removes the session. Cleaning up
// an absent session does nothing.
func (h *Handler) Cleanup(callID, reason string) {
	s := h.registry.Get(callID)
	if s == nil {
		return
	}

	s.ackTimer.Cancel()
	s.ackTimer = nil

	if s.media != nil {
		handle := s.media
		s.media = nil
		h.media.Stop(handle)
	}

	h.ports.Release(s.ServerPort)
	h.registry.Delete(callID)
	h.ended[reason]++

	h.logger.Info("call ended",
		"call_id", callID,
		"reason", reason,
		"rtp_port", s.ServerPort,
		"duration", time.Since(s.CreatedAt).Round(time.Millisecond).String(),
	)
	h.record(s, reason)
}

// Shutdown ends every live session. Datagrams arriving afterwards are
// dropped and no media process is started.
func (h *Handler) Shutdown() {
	h.closing = true
	h.media.Close()

	ids := h.registry.IDs()
	for _, id := range ids {
		h.Cleanup(id, ReasonShutdown)
	}
	if len(ids) > 0 {
		h.logger.Info("all calls ended for shutdown", "count", len(ids))
	}
}

// Snapshot returns the live sessions.
func (h *Handler) Snapshot() []CallInfo {
	return h.registry.Snapshot()
}

// Stats returns a copy of the handler counters.
func (h *Handler) Stats() metrics.CallStats {
	st := metrics.CallStats{
		ActiveCalls:    h.registry.Len(),
		PortsAllocated: h.ports.Allocated(),
		PortsCapacity:  h.ports.Capacity(),
		CallsAnswered:  h.answered,
		CallsEnded:     make(map[string]uint64, len(h.ended)),
		Responses:      make(map[int]uint64, len(h.responded)),
		Dropped:        make(map[string]uint64, len(h.dropped)),
	}
	for _, s := range h.registry.sessions {
		if s.Streaming() {
			st.StreamingCalls++
		}
	}
	for k, v := range h.ended {
		st.CallsEnded[k] = v
	}
	for k, v := range h.responded {
		st.Responses[k] = v
	}
	for k, v := range h.dropped {
		st.Dropped[k] = v
	}
	return st
}

func (h *Handler) respond(code int, data []byte, to netip.AddrPort, callID string) {
	h.responded[code]++
	if err := h.sender.Send(data, to); err != nil {
		h.logger.Error("sending sip response failed",
			"call_id", callID,
			"status", code,
			"destination", to.String(),
			"error", err,
		)
	}
}

func (h *Handler) drop(reason string) {
	h.dropped[reason]++
}

func (h *Handler) record(s *CallSession, reason string) {
	if h.history == nil {
		return
	}
	rec := database.CallRecord{
		CallID:      s.CallID,
		Source:      s.Signaling.String(),
		FromHeader:  s.From,
		ToHeader:    s.To,
		MediaTarget: s.MediaTarget.String(),
		RTPPort:     s.ServerPort,
		StartedAt:   s.CreatedAt,
		EndedAt:     time.Now(),
		Reason:      reason,
	}
	if !s.AnsweredAt.IsZero() {
		answered := s.AnsweredAt
		rec.AnsweredAt = &answered
		rec.StreamSeconds = int(rec.EndedAt.Sub(answered).Seconds())
	}
	h.history.Record(rec)
}

// newLocalTag returns a fresh To-tag for a session.
func newLocalTag() string {
	id := uuid.New()
	return "moh" + strings.ReplaceAll(id.String(), "-", "")[:12]
}

// newSDPSessionID returns a random origin session id that fits in 63 bits.
func newSDPSessionID() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8]) >> 1
}
