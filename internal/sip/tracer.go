package sip

import (
	"bytes"
	"log/slog"
	"strings"
	"sync/atomic"
)

// SIPLogVerbosity controls how much of each SIP message is logged.
type SIPLogVerbosity int32

const (
	// SIPLogOff logs nothing but the start line of each message at debug.
	SIPLogOff SIPLogVerbosity = iota
	// SIPLogHeaders logs the start line and headers (no SDP body).
	SIPLogHeaders
	// SIPLogFull logs the complete raw message including the SDP body.
	SIPLogFull
)

// ParseSIPLogVerbosity converts a setting to a SIPLogVerbosity value.
// Unknown values map to SIPLogOff.
func ParseSIPLogVerbosity(s string) SIPLogVerbosity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "headers":
		return SIPLogHeaders
	case "full":
		return SIPLogFull
	default:
		return SIPLogOff
	}
}

func (v SIPLogVerbosity) String() string {
	switch v {
	case SIPLogHeaders:
		return "headers"
	case SIPLogFull:
		return "full"
	default:
		return "off"
	}
}

// MessageTracer logs raw datagrams crossing the transport.
type MessageTracer struct {
	logger    *slog.Logger
	verbosity atomic.Int32
}

// NewMessageTracer creates a tracer at the given verbosity.
func NewMessageTracer(logger *slog.Logger, verbosity SIPLogVerbosity) *MessageTracer {
	t := &MessageTracer{
		logger: logger.With("subsystem", "tracer"),
	}
	t.verbosity.Store(int32(verbosity))
	return t
}

// SetVerbosity changes the verbosity at runtime.
func (t *MessageTracer) SetVerbosity(v SIPLogVerbosity) {
	t.verbosity.Store(int32(v))
	t.logger.Info("sip message tracing verbosity changed", "verbosity", v.String())
}

// Verbosity returns the current verbosity.
func (t *MessageTracer) Verbosity() SIPLogVerbosity {
	return SIPLogVerbosity(t.verbosity.Load())
}

// SIPTraceRead records a datagram received from raddr.
func (t *MessageTracer) SIPTraceRead(transport, laddr, raddr string, sipmsg []byte) {
	t.trace("recv", transport, laddr, raddr, sipmsg)
}

// SIPTraceWrite records a datagram sent to raddr.
func (t *MessageTracer) SIPTraceWrite(transport, laddr, raddr string, sipmsg []byte) {
	t.trace("send", transport, laddr, raddr, sipmsg)
}

func (t *MessageTracer) trace(direction, transport, laddr, raddr string, sipmsg []byte) {
	v := t.Verbosity()
	if v == SIPLogOff {
		t.logger.Debug("sip "+direction,
			"remote_addr", raddr,
			"start_line", startLine(sipmsg),
		)
		return
	}

	t.logger.Debug("sip "+direction,
		"direction", direction,
		"transport", transport,
		"local_addr", laddr,
		"remote_addr", raddr,
		"message", formatMessage(sipmsg, v),
	)
}

// formatMessage applies the verbosity filter to a raw message.
func formatMessage(sipmsg []byte, v SIPLogVerbosity) string {
	if v == SIPLogFull {
		return string(sipmsg)
	}
	head, _ := splitHeadBody(sipmsg)
	return string(head)
}

func startLine(sipmsg []byte) string {
	line, _, _ := bytes.Cut(sipmsg, []byte("\n"))
	return strings.TrimSpace(string(line))
}
