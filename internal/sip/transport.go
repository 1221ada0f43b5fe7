package sip

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/flowpbx/holdmusic/internal/reactor"
)

// readBufferSize leaves room to detect datagrams above MaxMessageSize.
const readBufferSize = MaxMessageSize + 1

// Transport is the UDP socket the server signals on. Reads happen on the
// Serve goroutine; each datagram is handed to the reactor.
type Transport struct {
	conn   *net.UDPConn
	loop   *reactor.Loop
	tracer *MessageTracer
	logger *slog.Logger
}

// Listen binds a UDP socket on addr ("ip:port").
func Listen(addr string, loop *reactor.Loop, tracer *MessageTracer, logger *slog.Logger) (*Transport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolving sip address %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("binding sip udp %s: %w", addr, err)
	}

	t := &Transport{
		conn:   conn,
		loop:   loop,
		tracer: tracer,
		logger: logger.With("subsystem", "transport"),
	}
	t.logger.Info("sip udp listener bound", "addr", t.LocalAddr().String())
	return t, nil
}

// LocalAddr returns the bound address.
func (t *Transport) LocalAddr() netip.AddrPort {
	return t.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Serve reads datagrams and posts handle(data, source) onto the reactor
// until the socket is closed.
func (t *Transport) Serve(handle func(data []byte, from netip.AddrPort)) error {
	buf := make([]byte, readBufferSize)
	local := t.LocalAddr().String()

	for {
		n, from, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			t.logger.Error("sip udp read failed", "error", err)
			continue
		}
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())

		if n > MaxMessageSize {
			t.logger.Warn("dropping oversized sip datagram", "source", from.String(), "size", n)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		if t.tracer != nil {
			t.tracer.SIPTraceRead("UDP", local, from.String(), data)
		}

		if !t.loop.Post(func() { handle(data, from) }) {
			return nil
		}
	}
}

// Send writes one datagram to the given address.
func (t *Transport) Send(data []byte, to netip.AddrPort) error {
	if t.tracer != nil {
		t.tracer.SIPTraceWrite("UDP", t.LocalAddr().String(), to.String(), data)
	}
	if _, err := t.conn.WriteToUDPAddrPort(data, to); err != nil {
		return fmt.Errorf("writing to %s: %w", to, err)
	}
	return nil
}

// Close closes the socket, ending Serve.
func (t *Transport) Close() error {
	return t.conn.Close()
}
