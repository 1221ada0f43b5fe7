package media

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// SDP field type prefixes per RFC 4566.
const (
	sdpConnection = "c="
	sdpMedia      = "m="
)

// Offer parameters advertised for the hold stream.
const (
	OfferSessionName = "Music On Hold"
	PayloadTypePCMU  = 0
	offerPtime       = "20"
)

// ExtractAudioPort returns the transport port of the first m=audio line in
// an SDP body. Only an RTP transport with a port in 1-65535 counts; any other
// first m=audio line yields false.
func ExtractAudioPort(body []byte) (int, bool) {
	for _, line := range sdpLines(body) {
		if !strings.HasPrefix(line, sdpMedia+"audio ") {
			continue
		}

		fields := strings.Fields(line[len(sdpMedia):])
		if len(fields) < 3 || !strings.HasPrefix(fields[2], "RTP") {
			return 0, false
		}
		if !isDigits(fields[1]) {
			return 0, false
		}
		port, err := strconv.Atoi(fields[1])
		if err != nil || port < 1 || port > 65535 {
			return 0, false
		}
		return port, true
	}
	return 0, false
}

// ExtractConnectionIP returns the address of the first "c=IN IP4" line in an
// SDP body, at session or media level.
func ExtractConnectionIP(body []byte) (string, bool) {
	for _, line := range sdpLines(body) {
		if !strings.HasPrefix(line, sdpConnection) {
			continue
		}

		fields := strings.Fields(line[len(sdpConnection):])
		if len(fields) < 3 || fields[0] != "IN" || fields[1] != "IP4" {
			continue
		}

		// Multicast addresses may carry /ttl/range suffixes.
		host, _, _ := strings.Cut(fields[2], "/")
		addr, err := netip.ParseAddr(host)
		if err != nil || !addr.Is4() {
			return "", false
		}
		return addr.String(), true
	}
	return "", false
}

// BuildOffer renders the hold-music SDP: a single send-only PCMU stream on
// port, addressed to serverIP.
func BuildOffer(serverIP string, port int, sessionID uint64) ([]byte, error) {
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("invalid offer port %d", port)
	}
	if addr, err := netip.ParseAddr(serverIP); err != nil || !addr.Is4() {
		return nil, fmt.Errorf("invalid offer address %q", serverIP)
	}

	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: serverIP,
		},
		SessionName: OfferSessionName,
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: serverIP},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{strconv.Itoa(PayloadTypePCMU)},
				},
				Attributes: []sdp.Attribute{
					sdp.NewAttribute("rtpmap", strconv.Itoa(PayloadTypePCMU)+" PCMU/8000"),
					sdp.NewPropertyAttribute("sendonly"),
					sdp.NewAttribute("ptime", offerPtime),
				},
			},
		},
	}

	body, err := sd.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshaling offer sdp: %w", err)
	}
	return body, nil
}

// sdpLines splits a body into trimmed lines, accepting CRLF or bare LF.
func sdpLines(body []byte) []string {
	text := strings.ReplaceAll(string(body), "\r\n", "\n")
	lines := strings.Split(text, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return lines
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
