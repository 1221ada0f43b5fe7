package sip

import (
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
)

const allowedMethods = "INVITE, ACK, BYE, CANCEL"

// ResponseBuilder renders the responses this server sends. It is stateless
// apart from the advertised contact.
type ResponseBuilder struct {
	contact string
}

// NewResponseBuilder creates a builder advertising sip:moh@serverIP:port as
// the contact.
func NewResponseBuilder(serverIP string, sipPort int) *ResponseBuilder {
	return &ResponseBuilder{
		contact: fmt.Sprintf("<sip:moh@%s:%d>", serverIP, sipPort),
	}
}

// dialogHeaders are the header values echoed from a request.
type dialogHeaders struct {
	via    string
	from   string
	to     string
	callID string
	cseq   string
}

func requestHeaders(msg *Message) dialogHeaders {
	return dialogHeaders{
		via:    msg.Via(),
		from:   msg.From(),
		to:     msg.To(),
		callID: msg.CallID(),
		cseq:   msg.CSeq(),
	}
}

// InviteOK is the 200 OK answering an INVITE, carrying the SDP offer.
func (b *ResponseBuilder) InviteOK(s *CallSession, offer []byte) []byte {
	res := newResponse(200, "OK", dialogHeaders{
		via:    s.Via,
		from:   s.From,
		to:     withTag(s.To, s.LocalTag),
		callID: s.CallID,
		cseq:   s.CSeq,
	})
	res.AppendHeader(sip.NewHeader("Contact", b.contact))
	res.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	res.AppendHeader(sip.NewHeader("Supported", "replaces"))
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	res.SetBody(offer)
	return []byte(res.String())
}

// ByeOK acknowledges a BYE for a live session.
func (b *ResponseBuilder) ByeOK(msg *Message, localTag string) []byte {
	hdr := requestHeaders(msg)
	hdr.to = withTag(hdr.to, localTag)

	res := newResponse(200, "OK", hdr)
	res.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	res.SetBody(nil)
	return []byte(res.String())
}

// CancelOK acknowledges a CANCEL for a live session.
func (b *ResponseBuilder) CancelOK(msg *Message) []byte {
	res := newResponse(200, "OK", requestHeaders(msg))
	res.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	res.SetBody(nil)
	return []byte(res.String())
}

// BadRequest is sent for an INVITE without a usable audio port, or for a
// request whose start line cannot be parsed.
func (b *ResponseBuilder) BadRequest(msg *Message) []byte {
	return b.reject(msg, 400, "Bad Request", false)
}

// BusyHere is sent when no RTP port is available.
func (b *ResponseBuilder) BusyHere(msg *Message) []byte {
	return b.reject(msg, 486, "Busy Here", false)
}

// ServerError is sent when an INVITE cannot be answered for a local reason.
func (b *ResponseBuilder) ServerError(msg *Message) []byte {
	return b.reject(msg, 500, "Server Internal Error", false)
}

// NotImplemented is sent for well-formed requests with an unsupported method.
func (b *ResponseBuilder) NotImplemented(msg *Message) []byte {
	return b.reject(msg, 501, "Not Implemented", true)
}

func (b *ResponseBuilder) reject(msg *Message, code int, reason string, allow bool) []byte {
	res := newResponse(code, reason, requestHeaders(msg))
	if allow {
		res.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	}
	res.SetBody(nil)
	return []byte(res.String())
}

func newResponse(code int, reason string, hdr dialogHeaders) *sip.Response {
	res := sip.NewResponse(code, reason)
	res.AppendHeader(sip.NewHeader("Via", hdr.via))
	res.AppendHeader(sip.NewHeader("From", hdr.from))
	res.AppendHeader(sip.NewHeader("To", hdr.to))
	res.AppendHeader(sip.NewHeader("Call-ID", hdr.callID))
	res.AppendHeader(sip.NewHeader("CSeq", hdr.cseq))
	return res
}

// withTag appends a tag parameter to a To header value unless it already
// carries one.
func withTag(to, tag string) string {
	if tag == "" || strings.Contains(strings.ToLower(to), ";tag=") {
		return to
	}
	return to + ";tag=" + tag
}
