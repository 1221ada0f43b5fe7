package sip

import (
	"context"
	"net/netip"
	"time"

	"github.com/looplab/fsm"

	"github.com/flowpbx/holdmusic/internal/media"
	"github.com/flowpbx/holdmusic/internal/reactor"
)

// Call session states. A terminated session is simply absent from the
// registry.
const (
	StateAwaitingAck = "awaiting_ack"
	StateStreaming   = "streaming"

	eventAck = "ack"
)

// CallSession is one answered call. All fields are owned by the reactor.
type CallSession struct {
	CallID string
	From   string
	To     string
	CSeq   string
	Via    string

	Signaling   netip.AddrPort // where responses go
	MediaTarget netip.AddrPort // where the caller expects RTP
	ServerPort  int
	LocalTag    string

	CreatedAt  time.Time
	AnsweredAt time.Time

	// response is the 200 OK sent for the INVITE, replayed verbatim on
	// retransmission.
	response []byte

	media    *media.Handle
	ackTimer *reactor.Timer
	state    *fsm.FSM
}

func newCallSession(callID string, msg *Message, from netip.AddrPort) *CallSession {
	return &CallSession{
		CallID:    callID,
		From:      msg.From(),
		To:        msg.To(),
		CSeq:      msg.CSeq(),
		Via:       msg.Via(),
		Signaling: from,
		CreatedAt: time.Now(),
		state: fsm.NewFSM(
			StateAwaitingAck,
			fsm.Events{
				{Name: eventAck, Src: []string{StateAwaitingAck}, Dst: StateStreaming},
			},
			fsm.Callbacks{},
		),
	}
}

// State returns the current session state.
func (s *CallSession) State() string {
	return s.state.Current()
}

// AwaitingAck reports whether the 200 OK has not been acknowledged yet.
func (s *CallSession) AwaitingAck() bool {
	return s.state.Is(StateAwaitingAck)
}

// Streaming reports whether hold music is being sent.
func (s *CallSession) Streaming() bool {
	return s.state.Is(StateStreaming)
}

// acknowledge moves the session to streaming.
func (s *CallSession) acknowledge() error {
	if err := s.state.Event(context.Background(), eventAck); err != nil {
		return err
	}
	s.AnsweredAt = time.Now()
	return nil
}

// Retransmission reports whether msg repeats the INVITE that created the
// session, by CSeq and Via.
func (s *CallSession) Retransmission(msg *Message) bool {
	return s.CSeq == msg.CSeq() && s.Via == msg.Via()
}

// CallInfo is a read-only view of a live session.
type CallInfo struct {
	CallID      string    `json:"call_id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	State       string    `json:"state"`
	Source      string    `json:"source"`
	MediaTarget string    `json:"media_target"`
	RTPPort     int       `json:"rtp_port"`
	CreatedAt   time.Time `json:"created_at"`
	AnsweredAt  time.Time `json:"answered_at,omitzero"`
}

func (s *CallSession) info() CallInfo {
	return CallInfo{
		CallID:      s.CallID,
		From:        s.From,
		To:          s.To,
		State:       s.State(),
		Source:      s.Signaling.String(),
		MediaTarget: s.MediaTarget.String(),
		RTPPort:     s.ServerPort,
		CreatedAt:   s.CreatedAt,
		AnsweredAt:  s.AnsweredAt,
	}
}
