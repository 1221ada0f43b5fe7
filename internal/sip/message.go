package sip

import (
	"bytes"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// Canonical (lower-case) names of the headers the call handler reads.
const (
	hdrCallID = "call-id"
	hdrVia    = "via"
	hdrFrom   = "from"
	hdrTo     = "to"
	hdrCSeq   = "cseq"
)

// compactForms maps RFC 3261 single-letter header names to their full names.
var compactForms = map[string]string{
	"i": hdrCallID,
	"v": hdrVia,
	"f": hdrFrom,
	"t": hdrTo,
	"m": "contact",
	"l": "content-length",
	"c": "content-type",
}

// Message is a leniently parsed SIP datagram. Parsing never fails; fields
// that could not be read are left empty.
type Message struct {
	StartLine string
	// Method is the request method when the start line is a well-formed
	// request line, and empty otherwise.
	Method string
	// Response is set when the start line is a status line.
	Response bool

	headers map[string]string
	Body    []byte
}

// ParseMessage splits a datagram into its start line, headers and body.
// Header names are lower-cased so lookups are case-insensitive; when a header
// repeats, the last value wins.
func ParseMessage(data []byte) *Message {
	m := &Message{headers: make(map[string]string)}

	head, body := splitHeadBody(data)
	m.Body = body

	lines := strings.Split(strings.ReplaceAll(string(head), "\r\n", "\n"), "\n")
	if len(lines) == 0 {
		return m
	}

	m.StartLine = strings.TrimSpace(lines[0])
	m.Method, m.Response = parseStartLine(m.StartLine)

	last := ""
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		// Folded continuation of the previous header.
		if (line[0] == ' ' || line[0] == '\t') && last != "" {
			m.headers[last] += " " + strings.TrimSpace(line)
			continue
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			continue
		}
		if full, ok := compactForms[key]; ok {
			key = full
		}
		m.headers[key] = strings.TrimSpace(value)
		last = key
	}

	return m
}

// Header returns the value of the named header, or "" if absent.
func (m *Message) Header(name string) string {
	return m.headers[strings.ToLower(name)]
}

// HeaderCount returns the number of distinct headers parsed.
func (m *Message) HeaderCount() int {
	return len(m.headers)
}

func (m *Message) CallID() string { return m.headers[hdrCallID] }
func (m *Message) Via() string    { return m.headers[hdrVia] }
func (m *Message) From() string   { return m.headers[hdrFrom] }
func (m *Message) To() string     { return m.headers[hdrTo] }
func (m *Message) CSeq() string   { return m.headers[hdrCSeq] }

// Malformed reports whether the start line is neither a request line nor a
// status line.
func (m *Message) Malformed() bool {
	return m.Method == "" && !m.Response
}

// Supported reports whether the request method is one this server handles.
func (m *Message) Supported() bool {
	switch sip.RequestMethod(m.Method) {
	case sip.INVITE, sip.ACK, sip.BYE, sip.CANCEL:
		return true
	}
	return false
}

// Replyable reports whether the message carries every header needed to
// build a response to it.
func (m *Message) Replyable() bool {
	return m.Via() != "" && m.From() != "" && m.To() != "" && m.CSeq() != ""
}

// splitHeadBody separates the header block from the body at the first empty
// line. Bare LF line endings are accepted.
func splitHeadBody(data []byte) ([]byte, []byte) {
	if i := bytes.Index(data, []byte("\r\n\r\n")); i >= 0 {
		return data[:i], data[i+4:]
	}
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return data[:i], data[i+2:]
	}
	return data, nil
}

// parseStartLine recognizes "METHOD SP Request-URI SP SIP/2.0" and
// "SIP/2.0 SP code SP reason".
func parseStartLine(line string) (method string, response bool) {
	fields := strings.Fields(line)
	if len(fields) >= 2 && strings.EqualFold(fields[0], "SIP/2.0") {
		return "", isStatusCode(fields[1])
	}
	if len(fields) != 3 || !strings.EqualFold(fields[2], "SIP/2.0") {
		return "", false
	}
	if !isMethodToken(fields[0]) {
		return "", false
	}
	return fields[0], false
}

func isMethodToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'A' || c > 'Z') && c != '-' {
			return false
		}
	}
	return true
}

func isStatusCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s[0] >= '1' && s[0] <= '6'
}
