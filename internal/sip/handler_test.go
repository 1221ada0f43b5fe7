package sip

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowpbx/holdmusic/internal/database"
	"github.com/flowpbx/holdmusic/internal/media"
	"github.com/flowpbx/holdmusic/internal/media/mediatest"
	"github.com/flowpbx/holdmusic/internal/metrics"
	"github.com/flowpbx/holdmusic/internal/reactor"
)

const (
	testServerIP  = "192.0.2.10"
	testAudioFile = "/var/lib/holdmusic/hold.mp3"
)

var caller = netip.MustParseAddrPort("10.0.0.5:5061")

const callerSDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 10.0.0.5\r\n" +
	"s=-\r\n" +
	"c=IN IP4 10.0.0.5\r\n" +
	"t=0 0\r\n" +
	"m=audio 4000 RTP/AVP 0 8\r\n"

type sentDatagram struct {
	data []byte
	to   netip.AddrPort
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentDatagram
	err  error
}

func (f *fakeSender) Send(data []byte, to netip.AddrPort) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentDatagram{data: data, to: to})
	return f.err
}

func (f *fakeSender) all() []sentDatagram {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentDatagram, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeHistory struct {
	mu      sync.Mutex
	records []database.CallRecord
}

func (f *fakeHistory) Record(rec database.CallRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
}

func (f *fakeHistory) all() []database.CallRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]database.CallRecord, len(f.records))
	copy(out, f.records)
	return out
}

type harness struct {
	t        *testing.T
	loop     *reactor.Loop
	handler  *Handler
	ports    *media.PortPool
	launcher *mediatest.Launcher
	sender   *fakeSender
	history  *fakeHistory
}

type harnessOptions struct {
	portMax    int
	ackTimeout time.Duration
	limiter    *RateLimiter
	sources    *SourceACL
	serverIP   string
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	if opts.portMax == 0 {
		opts.portMax = 10009
	}
	if opts.ackTimeout == 0 {
		opts.ackTimeout = time.Hour
	}
	if opts.serverIP == "" {
		opts.serverIP = testServerIP
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ports, err := media.NewPortPool(10000, opts.portMax, logger)
	if err != nil {
		t.Fatalf("NewPortPool: %v", err)
	}

	loop := reactor.New(logger)
	go loop.Run()
	t.Cleanup(loop.Stop)

	h := &harness{
		t:        t,
		loop:     loop,
		ports:    ports,
		launcher: &mediatest.Launcher{},
		sender:   &fakeSender{},
		history:  &fakeHistory{},
	}
	h.handler = NewHandler(HandlerConfig{
		ServerIP:   opts.serverIP,
		SIPPort:    5060,
		AudioFile:  testAudioFile,
		AckTimeout: opts.ackTimeout,
		Sources:    opts.sources,
	}, loop, ports, h.launcher, h.sender, opts.limiter, logger)
	h.handler.SetHistory(h.history)
	return h
}

// do runs fn on the reactor and waits for it.
func (h *harness) do(fn func()) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.loop.Do(ctx, fn); err != nil {
		h.t.Fatalf("reactor Do: %v", err)
	}
}

// flush lets closures already posted to the reactor, and the ones they post
// in turn, run.
func (h *harness) flush() {
	h.t.Helper()
	for i := 0; i < 4; i++ {
		h.do(func() {})
	}
}

func (h *harness) deliver(raw string, from netip.AddrPort) {
	h.t.Helper()
	h.do(func() { h.handler.HandleDatagram([]byte(raw), from) })
	h.flush()
}

func (h *harness) responses() []*Message {
	var out []*Message
	for _, d := range h.sender.all() {
		out = append(out, ParseMessage(d.data))
	}
	return out
}

func (h *harness) lastResponse() *Message {
	h.t.Helper()
	res := h.responses()
	if len(res) == 0 {
		h.t.Fatal("no response sent")
	}
	return res[len(res)-1]
}

func (h *harness) session(callID string) *CallSession {
	var s *CallSession
	h.do(func() { s = h.handler.Registry().Get(callID) })
	return s
}

func (h *harness) sessionState(callID string) string {
	var state string
	h.do(func() {
		if s := h.handler.Registry().Get(callID); s != nil {
			state = s.State()
		}
	})
	return state
}

func (h *harness) activeCalls() int {
	var n int
	h.do(func() { n = h.handler.Registry().Len() })
	return n
}

func (h *harness) usedPorts() []int {
	var ports []int
	h.do(func() { ports = h.ports.Used() })
	return ports
}

func (h *harness) endedCount(reason string) uint64 {
	var n uint64
	h.do(func() { n = h.handler.Stats().CallsEnded[reason] })
	return n
}

func (h *harness) droppedCount(reason string) uint64 {
	var n uint64
	h.do(func() { n = h.handler.Stats().Dropped[reason] })
	return n
}

// checkPorts verifies that the allocated ports are exactly the ports held
// by live sessions.
func (h *harness) checkPorts() {
	h.t.Helper()
	h.do(func() {
		held := make(map[int]bool)
		for _, id := range h.handler.Registry().IDs() {
			port := h.handler.Registry().Get(id).ServerPort
			if held[port] {
				h.t.Errorf("port %d held by two sessions", port)
			}
			held[port] = true
		}
		used := h.ports.Used()
		if len(used) != len(held) {
			h.t.Errorf("allocated ports %v, sessions hold %v", used, held)
			return
		}
		for _, p := range used {
			if !held[p] {
				h.t.Errorf("port %d allocated but held by no session", p)
			}
		}
	})
}

func (h *harness) waitFor(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for %s", what)
}

func invite(callID string, cseq int, branch, sdpBody string) string {
	return fmt.Sprintf("INVITE sip:moh@%s SIP/2.0\r\n"+
		"Via: SIP/2.0/UDP 10.0.0.5:5061;branch=%s\r\n"+
		"From: <sip:caller@10.0.0.5>;tag=c1\r\n"+
		"To: <sip:moh@%s>\r\n"+
		"Call-ID: %s\r\n"+
		"CSeq: %d INVITE\r\n"+
		"Contact: <sip:caller@10.0.0.5:5061>\r\n"+
		"Content-Type: application/sdp\r\n"+
		"Content-Length: %d\r\n"+
		"\r\n%s",
		testServerIP, branch, testServerIP, callID, cseq, len(sdpBody), sdpBody)
}

func request(method, callID string, cseq int) string {
	return fmt.Sprintf("%s sip:moh@%s SIP/2.0\r\n"+
		"Via: SIP/2.0/UDP 10.0.0.5:5061;branch=z9hG4bK-%s-%d\r\n"+
		"From: <sip:caller@10.0.0.5>;tag=c1\r\n"+
		"To: <sip:moh@%s>\r\n"+
		"Call-ID: %s\r\n"+
		"CSeq: %d %s\r\n"+
		"Content-Length: 0\r\n"+
		"\r\n",
		method, testServerIP, strings.ToLower(method), cseq, testServerIP, callID, cseq, method)
}

// answer sends an INVITE for callID and returns the 200 OK.
func (h *harness) answer(callID string) *Message {
	h.t.Helper()
	h.deliver(invite(callID, 1, "z9hG4bK-"+callID, callerSDP), caller)
	res := h.lastResponse()
	if res.StartLine != "SIP/2.0 200 OK" || res.CallID() != callID {
		h.t.Fatalf("INVITE %s answered with %q", callID, res.StartLine)
	}
	return res
}

// stream answers callID and acknowledges it.
func (h *harness) stream(callID string) *mediatest.Process {
	h.t.Helper()
	h.answer(callID)
	h.deliver(request("ACK", callID, 1), caller)
	if state := h.sessionState(callID); state != StateStreaming {
		h.t.Fatalf("state after ACK = %q, want %s", state, StateStreaming)
	}
	return h.launcher.Last()
}

func TestInviteAnswered(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	res := h.answer("call-1@10.0.0.5")

	if got := h.sender.all()[0].to; got != caller {
		t.Errorf("response sent to %v, want %v", got, caller)
	}
	if !strings.Contains(res.To(), ";tag=moh") {
		t.Errorf("To = %q, want a local tag", res.To())
	}
	if res.CSeq() != "1 INVITE" {
		t.Errorf("CSeq = %q", res.CSeq())
	}

	body := string(res.Body)
	for _, want := range []string{
		"m=audio 10000 RTP/AVP 0\r\n",
		"c=IN IP4 " + testServerIP + "\r\n",
		"a=rtpmap:0 PCMU/8000\r\n",
		"a=sendonly\r\n",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("offer missing %q:\n%s", want, body)
		}
	}

	if state := h.sessionState("call-1@10.0.0.5"); state != StateAwaitingAck {
		t.Errorf("state = %q, want %s", state, StateAwaitingAck)
	}
	if ports := h.usedPorts(); len(ports) != 1 || ports[0] != 10000 {
		t.Errorf("used ports = %v, want [10000]", ports)
	}
	if len(h.launcher.Processes()) != 0 {
		t.Error("media started before ACK")
	}
}

func TestAckStartsStream(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	proc := h.stream("call-1@10.0.0.5")
	if proc == nil {
		t.Fatal("no media process launched")
	}

	want := media.Stream{
		Source:    testAudioFile,
		Target:    netip.MustParseAddrPort("10.0.0.5:4000"),
		LocalIP:   testServerIP,
		LocalPort: 10000,
	}
	if proc.Stream != want {
		t.Errorf("stream = %+v, want %+v", proc.Stream, want)
	}

	s := h.session("call-1@10.0.0.5")
	h.do(func() {
		if s.ackTimer.Pending() {
			t.Error("ack timer still pending while streaming")
		}
		if s.media == nil || s.media.Pid() != proc.Pid() {
			t.Error("session does not own the launched process")
		}
		if s.AnsweredAt.IsZero() {
			t.Error("AnsweredAt not set")
		}
	})

	// ACK is never answered.
	if n := len(h.sender.all()); n != 1 {
		t.Errorf("sent %d datagrams, want 1", n)
	}
}

func TestByeEndsCall(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	proc := h.stream("call-1@10.0.0.5")

	h.deliver(request("BYE", "call-1@10.0.0.5", 2), caller)

	res := h.lastResponse()
	if res.StartLine != "SIP/2.0 200 OK" || res.CSeq() != "2 BYE" {
		t.Errorf("BYE answered with %q cseq %q", res.StartLine, res.CSeq())
	}
	if h.activeCalls() != 0 {
		t.Error("session not removed")
	}
	if ports := h.usedPorts(); len(ports) != 0 {
		t.Errorf("ports still allocated: %v", ports)
	}
	if proc.Terminations() != 1 {
		t.Errorf("terminations = %d, want 1", proc.Terminations())
	}
	if h.endedCount(ReasonBye) != 1 {
		t.Errorf("ended[bye] = %d, want 1", h.endedCount(ReasonBye))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.handler.Media().Wait(ctx); err != nil {
		t.Errorf("media still running after BYE: %v", err)
	}

	recs := h.history.all()
	if len(recs) != 1 {
		t.Fatalf("history records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Reason != ReasonBye || rec.CallID != "call-1@10.0.0.5" || rec.RTPPort != 10000 {
		t.Errorf("record = %+v", rec)
	}
	if rec.AnsweredAt == nil {
		t.Error("streamed call recorded without AnsweredAt")
	}
	if rec.MediaTarget != "10.0.0.5:4000" || rec.Source != caller.String() {
		t.Errorf("record addresses = %q, %q", rec.MediaTarget, rec.Source)
	}
}

func TestByeForUnknownCallIgnored(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	h.deliver(request("BYE", "nobody@10.0.0.5", 2), caller)

	if n := len(h.sender.all()); n != 0 {
		t.Errorf("sent %d responses for unknown BYE", n)
	}
}

func TestCancelBeforeAck(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.answer("call-1@10.0.0.5")

	h.deliver(request("CANCEL", "call-1@10.0.0.5", 1), caller)

	res := h.lastResponse()
	if res.StartLine != "SIP/2.0 200 OK" || res.CSeq() != "1 CANCEL" {
		t.Errorf("CANCEL answered with %q cseq %q", res.StartLine, res.CSeq())
	}
	if h.activeCalls() != 0 {
		t.Error("session not removed")
	}
	if len(h.usedPorts()) != 0 {
		t.Error("port not released")
	}
	if len(h.launcher.Processes()) != 0 {
		t.Error("media started for cancelled call")
	}
	if recs := h.history.all(); len(recs) != 1 || recs[0].AnsweredAt != nil {
		t.Errorf("history = %+v, want one unanswered record", recs)
	}
}

func TestPortPoolExhausted(t *testing.T) {
	h := newHarness(t, harnessOptions{portMax: 10000})
	h.answer("call-1@10.0.0.5")

	h.deliver(invite("call-2@10.0.0.5", 1, "z9hG4bK-2", callerSDP), caller)

	res := h.lastResponse()
	if res.StartLine != "SIP/2.0 486 Busy Here" {
		t.Errorf("second INVITE answered with %q", res.StartLine)
	}
	if res.CallID() != "call-2@10.0.0.5" {
		t.Errorf("486 Call-ID = %q", res.CallID())
	}
	if h.activeCalls() != 1 {
		t.Errorf("active calls = %d, want 1", h.activeCalls())
	}
	h.checkPorts()
}

func TestInviteWithoutAudio(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no body", ""},
		{"video only", "v=0\r\nc=IN IP4 10.0.0.5\r\nm=video 5000 RTP/AVP 96\r\n"},
		{"port zero", "v=0\r\nm=audio 0 RTP/AVP 0\r\n"},
		{"bad port", "v=0\r\nm=audio abc RTP/AVP 0\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOptions{})

			h.deliver(invite("call-1@10.0.0.5", 1, "z9hG4bK-1", tt.body), caller)

			if res := h.lastResponse(); res.StartLine != "SIP/2.0 400 Bad Request" {
				t.Errorf("answered with %q, want 400", res.StartLine)
			}
			if h.activeCalls() != 0 || len(h.usedPorts()) != 0 {
				t.Error("rejected INVITE left state behind")
			}
		})
	}
}

func TestOfferFailureAnswered(t *testing.T) {
	h := newHarness(t, harnessOptions{serverIP: "moh.example.com"})

	h.deliver(invite("call-1@10.0.0.5", 1, "z9hG4bK-1", callerSDP), caller)

	res := h.lastResponse()
	if res.StartLine != "SIP/2.0 500 Server Internal Error" {
		t.Fatalf("INVITE answered with %q, want 500", res.StartLine)
	}
	if h.activeCalls() != 0 || len(h.usedPorts()) != 0 {
		t.Error("failed INVITE left a session or port behind")
	}
}

func TestMediaTargetAddress(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"connection line", strings.Replace(callerSDP, "c=IN IP4 10.0.0.5", "c=IN IP4 10.9.9.9", 1), "10.9.9.9:4000"},
		{"no connection line", "v=0\r\nm=audio 4002 RTP/AVP 0\r\n", "10.0.0.5:4002"},
		{"ip6 connection line", "v=0\r\nc=IN IP6 ::1\r\nm=audio 4004 RTP/AVP 0\r\n", "10.0.0.5:4004"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOptions{})
			h.deliver(invite("call-1@10.0.0.5", 1, "z9hG4bK-1", tt.body), caller)
			h.deliver(request("ACK", "call-1@10.0.0.5", 1), caller)

			proc := h.launcher.Last()
			if proc == nil {
				t.Fatal("no media process launched")
			}
			if got := proc.Stream.Target.String(); got != tt.want {
				t.Errorf("target = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRetransmittedInvite(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	raw := invite("call-1@10.0.0.5", 1, "z9hG4bK-1", callerSDP)

	h.deliver(raw, caller)
	h.deliver(raw, caller)

	sent := h.sender.all()
	if len(sent) != 2 {
		t.Fatalf("sent %d responses, want 2", len(sent))
	}
	if !bytes.Equal(sent[0].data, sent[1].data) {
		t.Error("retransmitted INVITE got a different response")
	}
	if h.activeCalls() != 1 {
		t.Errorf("active calls = %d, want 1", h.activeCalls())
	}
	if ports := h.usedPorts(); len(ports) != 1 {
		t.Errorf("used ports = %v, want one", ports)
	}

	var answered uint64
	h.do(func() { answered = h.handler.Stats().CallsAnswered })
	if answered != 1 {
		t.Errorf("answered = %d, want 1", answered)
	}
}

func TestRetransmissionWhileStreaming(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.stream("call-1@10.0.0.5")

	h.deliver(invite("call-1@10.0.0.5", 1, "z9hG4bK-call-1@10.0.0.5", callerSDP), caller)

	sent := h.sender.all()
	if len(sent) != 2 || !bytes.Equal(sent[0].data, sent[1].data) {
		t.Fatal("streaming retransmission not answered with the stored 200 OK")
	}
	if state := h.sessionState("call-1@10.0.0.5"); state != StateStreaming {
		t.Errorf("state = %q, want %s", state, StateStreaming)
	}
	s := h.session("call-1@10.0.0.5")
	h.do(func() {
		if s.ackTimer.Pending() {
			t.Error("retransmission re-armed the ack timer while streaming")
		}
	})
	if n := len(h.launcher.Processes()); n != 1 {
		t.Errorf("launched %d processes, want 1", n)
	}
}

func TestNewInviteReplacesSession(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	proc := h.stream("call-1@10.0.0.5")
	first := h.session("call-1@10.0.0.5")

	h.deliver(invite("call-1@10.0.0.5", 2, "z9hG4bK-reinvite", callerSDP), caller)

	res := h.lastResponse()
	if res.StartLine != "SIP/2.0 200 OK" || res.CSeq() != "2 INVITE" {
		t.Fatalf("re-INVITE answered with %q cseq %q", res.StartLine, res.CSeq())
	}

	second := h.session("call-1@10.0.0.5")
	if second == nil || second == first {
		t.Fatal("session was not replaced")
	}
	if state := h.sessionState("call-1@10.0.0.5"); state != StateAwaitingAck {
		t.Errorf("replacement state = %q", state)
	}
	if proc.Terminations() != 1 {
		t.Errorf("old stream terminations = %d, want 1", proc.Terminations())
	}
	if h.endedCount(ReasonReplaced) != 1 {
		t.Errorf("ended[replaced] = %d, want 1", h.endedCount(ReasonReplaced))
	}
	if h.activeCalls() != 1 {
		t.Errorf("active calls = %d, want 1", h.activeCalls())
	}
	h.checkPorts()
}

func TestAckTimeout(t *testing.T) {
	h := newHarness(t, harnessOptions{ackTimeout: 50 * time.Millisecond})
	h.answer("call-1@10.0.0.5")

	h.waitFor("ack timeout", func() bool { return h.activeCalls() == 0 })

	if len(h.usedPorts()) != 0 {
		t.Error("port not released after ack timeout")
	}
	if h.endedCount(ReasonAckTimeout) != 1 {
		t.Errorf("ended[ack_timeout] = %d, want 1", h.endedCount(ReasonAckTimeout))
	}

	// A late ACK is ignored.
	h.deliver(request("ACK", "call-1@10.0.0.5", 1), caller)
	if len(h.launcher.Processes()) != 0 {
		t.Error("late ACK started media")
	}
}

func TestRetransmissionResetsAckTimer(t *testing.T) {
	h := newHarness(t, harnessOptions{ackTimeout: 300 * time.Millisecond})
	raw := invite("call-1@10.0.0.5", 1, "z9hG4bK-1", callerSDP)

	h.deliver(raw, caller)
	time.Sleep(200 * time.Millisecond)
	h.deliver(raw, caller)
	time.Sleep(200 * time.Millisecond)

	if h.activeCalls() != 1 {
		t.Fatal("session expired although the INVITE was retransmitted")
	}
	h.waitFor("ack timeout", func() bool { return h.activeCalls() == 0 })
}

func TestAckAfterStreamingDoesNotRestart(t *testing.T) {
	h := newHarness(t, harnessOptions{ackTimeout: 50 * time.Millisecond})
	h.stream("call-1@10.0.0.5")

	h.deliver(request("ACK", "call-1@10.0.0.5", 1), caller)
	time.Sleep(100 * time.Millisecond)
	h.flush()

	if n := len(h.launcher.Processes()); n != 1 {
		t.Errorf("launched %d processes, want 1", n)
	}
	if state := h.sessionState("call-1@10.0.0.5"); state != StateStreaming {
		t.Errorf("streaming call ended by ack timer: state %q", state)
	}
}

func TestMediaStartFailure(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.answer("call-1@10.0.0.5")
	h.launcher.FailNext(true)

	h.deliver(request("ACK", "call-1@10.0.0.5", 1), caller)

	if h.activeCalls() != 0 {
		t.Error("session kept after media start failure")
	}
	if len(h.usedPorts()) != 0 {
		t.Error("port kept after media start failure")
	}
	if h.endedCount(ReasonMediaStartFailed) != 1 {
		t.Errorf("ended[media_start_failed] = %d, want 1", h.endedCount(ReasonMediaStartFailed))
	}
}

func TestMediaRuntimeErrorEndsCall(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	proc := h.stream("call-1@10.0.0.5")

	proc.Emit(media.Event{Kind: media.EventRuntimeError, Message: "Connection refused"})
	h.flush()

	if h.activeCalls() != 0 {
		t.Fatal("session kept after media error")
	}
	if h.endedCount(ReasonMediaError) != 1 {
		t.Errorf("ended[media_error] = %d, want 1", h.endedCount(ReasonMediaError))
	}
	if proc.Terminations() != 1 {
		t.Errorf("terminations = %d, want 1", proc.Terminations())
	}

	// The exit that follows belongs to an ended call and changes nothing.
	var ended uint64
	h.do(func() {
		for _, n := range h.handler.Stats().CallsEnded {
			ended += n
		}
	})
	if ended != 1 {
		t.Errorf("calls ended = %d, want 1", ended)
	}
}

func TestMediaExitEndsCall(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	proc := h.stream("call-1@10.0.0.5")

	proc.Exit(0, "")
	h.flush()

	if h.activeCalls() != 0 {
		t.Fatal("session kept after media exit")
	}
	if h.endedCount(ReasonMediaExit) != 1 {
		t.Errorf("ended[media_exit] = %d, want 1", h.endedCount(ReasonMediaExit))
	}
	if proc.Terminations() != 0 {
		t.Errorf("exited process was terminated %d times", proc.Terminations())
	}
	h.checkPorts()
}

func TestStaleMediaEventIgnored(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	old := h.stream("call-1@10.0.0.5")
	h.deliver(request("BYE", "call-1@10.0.0.5", 2), caller)

	// Same Call-ID, new call.
	h.deliver(invite("call-1@10.0.0.5", 3, "z9hG4bK-again", callerSDP), caller)
	h.deliver(request("ACK", "call-1@10.0.0.5", 3), caller)
	current := h.launcher.Last()
	if current == old {
		t.Fatal("second call reused the first process")
	}

	old.Emit(media.Event{Kind: media.EventRuntimeError, Message: "late"})
	h.flush()

	if state := h.sessionState("call-1@10.0.0.5"); state != StateStreaming {
		t.Errorf("stale event ended the new call: state %q", state)
	}
	if current.Terminations() != 0 {
		t.Error("stale event stopped the new process")
	}
}

func TestUnsupportedMethod(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	h.deliver(request("OPTIONS", "opt@10.0.0.5", 1), caller)

	res := h.lastResponse()
	if res.StartLine != "SIP/2.0 501 Not Implemented" {
		t.Errorf("OPTIONS answered with %q", res.StartLine)
	}
	if res.Header("Allow") != allowedMethods {
		t.Errorf("Allow = %q", res.Header("Allow"))
	}
	if h.activeCalls() != 0 {
		t.Error("OPTIONS created a session")
	}
}

func TestMalformedRequest(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	replyable := strings.Replace(request("BYE", "bad@10.0.0.5", 1),
		"BYE sip:moh@"+testServerIP+" SIP/2.0", "BYE sip:moh@"+testServerIP, 1)
	h.deliver(replyable, caller)
	if res := h.lastResponse(); res.StartLine != "SIP/2.0 400 Bad Request" {
		t.Errorf("malformed request answered with %q", res.StartLine)
	}

	h.deliver("GARBAGE\r\nCall-ID: bad2@10.0.0.5\r\n\r\n", caller)
	if n := len(h.sender.all()); n != 1 {
		t.Errorf("unreplyable garbage answered: %d responses", n)
	}
}

func TestDroppedDatagrams(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		reason string
	}{
		{"no call-id", "INVITE sip:moh SIP/2.0\r\nVia: v\r\nFrom: f\r\nTo: t\r\nCSeq: 1 INVITE\r\n\r\n", "no_call_id"},
		{"response", "SIP/2.0 200 OK\r\nCall-ID: r@10.0.0.5\r\nCSeq: 1 BYE\r\n\r\n", "response"},
		{"oversized", "INVITE sip:moh SIP/2.0\r\nCall-ID: big\r\n\r\n" + strings.Repeat("a", MaxMessageSize), "oversized"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOptions{})
			h.deliver(tt.raw, caller)

			if n := len(h.sender.all()); n != 0 {
				t.Errorf("sent %d responses, want none", n)
			}
			if h.droppedCount(tt.reason) != 1 {
				t.Errorf("dropped[%s] = %d, want 1", tt.reason, h.droppedCount(tt.reason))
			}
		})
	}
}

func TestInviteRateLimited(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{Rate: rate.Limit(0.001), Burst: 1}, slog.Default())
	t.Cleanup(limiter.Stop)
	h := newHarness(t, harnessOptions{limiter: limiter})

	raw := invite("call-1@10.0.0.5", 1, "z9hG4bK-1", callerSDP)
	h.deliver(raw, caller)
	h.deliver(invite("call-2@10.0.0.5", 1, "z9hG4bK-2", callerSDP), caller)

	if n := len(h.sender.all()); n != 1 {
		t.Fatalf("sent %d responses, want 1", n)
	}
	if h.droppedCount("rate_limited") != 1 {
		t.Errorf("dropped[rate_limited] = %d, want 1", h.droppedCount("rate_limited"))
	}

	// Retransmissions are answered regardless of the limit.
	h.deliver(raw, caller)
	if n := len(h.sender.all()); n != 2 {
		t.Errorf("retransmission not answered under rate limit")
	}

	// In-dialog requests are not limited.
	h.deliver(request("BYE", "call-1@10.0.0.5", 2), caller)
	if h.activeCalls() != 0 {
		t.Error("BYE was rate limited")
	}
}

func TestSourceDenied(t *testing.T) {
	sources, err := NewSourceACL([]string{"10.0.0.0/24"})
	if err != nil {
		t.Fatalf("NewSourceACL: %v", err)
	}
	h := newHarness(t, harnessOptions{sources: sources})

	stranger := netip.MustParseAddrPort("198.51.100.9:5060")
	h.deliver(invite("call-1@198.51.100.9", 1, "z9hG4bK-1", callerSDP), stranger)
	if n := len(h.sender.all()); n != 0 {
		t.Fatalf("sent %d responses to denied source, want 0", n)
	}
	if h.droppedCount("source_denied") != 1 {
		t.Errorf("dropped[source_denied] = %d, want 1", h.droppedCount("source_denied"))
	}
	if h.activeCalls() != 0 {
		t.Errorf("active calls = %d, want 0", h.activeCalls())
	}

	h.deliver(invite("call-2@10.0.0.5", 1, "z9hG4bK-2", callerSDP), caller)
	if h.activeCalls() != 1 {
		t.Errorf("allowed source not answered, active calls = %d", h.activeCalls())
	}
	h.checkPorts()
}

func TestCleanupIdempotent(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	proc := h.stream("call-1@10.0.0.5")

	h.do(func() {
		h.handler.Cleanup("call-1@10.0.0.5", ReasonBye)
		h.handler.Cleanup("call-1@10.0.0.5", ReasonBye)
		h.handler.Cleanup("never-existed", ReasonBye)
	})
	h.flush()

	if h.endedCount(ReasonBye) != 1 {
		t.Errorf("ended[bye] = %d, want 1", h.endedCount(ReasonBye))
	}
	if proc.Terminations() != 1 {
		t.Errorf("terminations = %d, want 1", proc.Terminations())
	}
	if len(h.history.all()) != 1 {
		t.Errorf("history records = %d, want 1", len(h.history.all()))
	}
}

func TestShutdownEndsAllCalls(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	proc := h.stream("call-1@10.0.0.5")
	h.answer("call-2@10.0.0.5")

	h.do(h.handler.Shutdown)
	h.flush()

	if h.activeCalls() != 0 || len(h.usedPorts()) != 0 {
		t.Error("shutdown left calls behind")
	}
	if h.endedCount(ReasonShutdown) != 2 {
		t.Errorf("ended[shutdown] = %d, want 2", h.endedCount(ReasonShutdown))
	}
	if !proc.HasExited() {
		t.Error("media process still running after shutdown")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.handler.Media().Wait(ctx); err != nil {
		t.Errorf("Wait after shutdown: %v", err)
	}
}

func TestNoCallsAfterShutdown(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.answer("call-1@10.0.0.5")
	h.do(h.handler.Shutdown)
	h.flush()
	sent := len(h.sender.all())

	h.deliver(invite("call-2@10.0.0.5", 1, "z9hG4bK-2", callerSDP), caller)
	h.deliver(request("ACK", "call-2@10.0.0.5", 1), caller)
	h.deliver(request("BYE", "call-1@10.0.0.5", 2), caller)

	if n := len(h.sender.all()); n != sent {
		t.Errorf("sent %d responses after shutdown, want none", n-sent)
	}
	if h.droppedCount("shutdown") != 3 {
		t.Errorf("dropped[shutdown] = %d, want 3", h.droppedCount("shutdown"))
	}
	if h.activeCalls() != 0 || len(h.usedPorts()) != 0 {
		t.Error("call accepted after shutdown")
	}
	if n := len(h.launcher.Processes()); n != 0 {
		t.Errorf("launched %d media processes after shutdown, want 0", n)
	}
}

func TestAckWithFullReactorQueue(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.answer("call-1@10.0.0.5")

	filled := make(chan struct{})
	returned := make(chan struct{})
	h.loop.Post(func() {
		defer close(returned)
		<-filled
		h.handler.HandleDatagram([]byte(request("ACK", "call-1@10.0.0.5", 1)), caller)
	})
	go func() {
		for i := 0; i < 1024; i++ {
			h.loop.Post(func() {})
		}
		close(filled)
	}()

	select {
	case <-returned:
	case <-time.After(3 * time.Second):
		t.Fatal("ACK handling blocked on a full reactor queue")
	}
	h.flush()

	if state := h.sessionState("call-1@10.0.0.5"); state != StateStreaming {
		t.Errorf("state = %q, want %s", state, StateStreaming)
	}
	h.deliver(request("BYE", "call-1@10.0.0.5", 2), caller)
	if !h.launcher.Last().HasExited() {
		t.Error("media process not stopped by BYE")
	}
	h.checkPorts()
}

func TestPortInvariantAcrossScenario(t *testing.T) {
	h := newHarness(t, harnessOptions{portMax: 10002})

	steps := []struct {
		name string
		raw  string
	}{
		{"invite a", invite("a", 1, "z9hG4bK-a", callerSDP)},
		{"invite b", invite("b", 1, "z9hG4bK-b", callerSDP)},
		{"ack a", request("ACK", "a", 1)},
		{"invite c", invite("c", 1, "z9hG4bK-c", callerSDP)},
		{"invite d busy", invite("d", 1, "z9hG4bK-d", callerSDP)},
		{"cancel b", request("CANCEL", "b", 1)},
		{"invite d", invite("d", 1, "z9hG4bK-d2", callerSDP)},
		{"re-invite a", invite("a", 2, "z9hG4bK-a2", callerSDP)},
		{"bye c", request("BYE", "c", 2)},
		{"bye unknown", request("BYE", "zz", 2)},
		{"ack d", request("ACK", "d", 1)},
		{"bye d", request("BYE", "d", 2)},
	}

	for _, step := range steps {
		h.deliver(step.raw, caller)
		h.checkPorts()
		if t.Failed() {
			t.Fatalf("port invariant broken after %s", step.name)
		}
	}

	if n := h.activeCalls(); n != 1 {
		t.Errorf("active calls = %d, want 1", n)
	}
}

func TestStats(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.stream("call-1@10.0.0.5")
	h.answer("call-2@10.0.0.5")
	h.deliver(request("OPTIONS", "opt", 1), caller)

	var calls []CallInfo
	h.do(func() { calls = h.handler.Snapshot() })
	if len(calls) != 2 || calls[0].CallID != "call-1@10.0.0.5" {
		t.Errorf("snapshot = %+v", calls)
	}

	var st metrics.CallStats
	h.do(func() { st = h.handler.Stats() })
	if st.ActiveCalls != 2 || st.StreamingCalls != 1 {
		t.Errorf("active=%d streaming=%d, want 2 and 1", st.ActiveCalls, st.StreamingCalls)
	}
	if st.PortsAllocated != 2 || st.PortsCapacity != 10 {
		t.Errorf("ports allocated=%d capacity=%d", st.PortsAllocated, st.PortsCapacity)
	}
	if st.Responses[200] != 2 || st.Responses[501] != 1 {
		t.Errorf("responses = %v", st.Responses)
	}
}

func TestSendFailureKeepsSession(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.sender.err = errors.New("network unreachable")

	h.deliver(invite("call-1@10.0.0.5", 1, "z9hG4bK-1", callerSDP), caller)

	// The caller will retransmit; the session must be there to answer it.
	if h.activeCalls() != 1 {
		t.Error("session dropped after send failure")
	}
}

func TestLocalTagUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tag := newLocalTag()
		if !strings.HasPrefix(tag, "moh") || len(tag) != 15 {
			t.Fatalf("tag %q has unexpected form", tag)
		}
		if seen[tag] {
			t.Fatalf("duplicate tag %q", tag)
		}
		seen[tag] = true
	}
	if id := newSDPSessionID(); id>>63 != 0 {
		t.Errorf("session id %d does not fit in 63 bits", id)
	}
}
