package rtsp

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/qlstream/rtspd/internal/protoerr"
)

// negotiateTransport implements spec.md §4.3.2: locate the track by its
// control URL, initialize it exactly once, and configure the transport
// (TCP/UDP/multicast) the client's Transport header requests, subject to
// a pinned server-side transport override. Grounded on the teacher's
// rtsp-session.go SETUP branch, generalized from EasyDarwin's
// fixed-track-index assumption to matching against content-base + control.
func (s *Session) negotiateTransport(req *Request) (*Response, *protoerr.ProtocolError) {
	control := req.URL
	track := s.findOrCreateTrack(control)
	if track.Initialized {
		return nil, protoerr.Violation(400, "track already set up: "+control)
	}

	header := req.Get("Transport")
	want := classifyTransport(header)

	if pinned, ok := parsePinnedTransport(s.cfg.RTSP.PinnedTransport); ok && pinned != want {
		return nil, protoerr.TransportMismatch("server requires " + pinned.String())
	}

	s.transport = want
	track.Initialized = true

	resp := NewResponse(200, statusText(200), req.CSeq(), s.id)

	switch want {
	case TransportTCP:
		a, b := parseInterleavedPair(header)
		if s.role == RolePusher && a >= 0 {
			track.InterleavedChannel = a
		} else {
			track.InterleavedChannel = 2 * int(track.Info.Kind)
		}
		track.SSRC = rand.Uint32()
		resp.Set("Transport", fmt.Sprintf("RTP/AVP/TCP;unicast;interleaved=%d-%d;ssrc=%08X",
			track.InterleavedChannel, track.InterleavedChannel+1, track.SSRC))
		resp.Set("x-Transport-Options", "late-tolerance=1.400000")
		resp.Set("x-Dynamic-Rate", "1")
		_ = b

	case TransportUDP:
		pair, err := allocateUDPPortPair()
		if err != nil {
			return nil, protoerr.Violation(406, "no udp ports available")
		}
		track.udpPair = pair
		track.RTPServerPort, track.RTCPServerPort = pair.rtpPort, pair.rtcpPort
		cr, cc := parseClientPorts(header)
		track.RTPAddr, track.RTCPAddr = cr, cc
		track.SSRC = rand.Uint32()
		s.startUDPReceive(s.trackIndex(track), pair)
		resp.Set("Transport", fmt.Sprintf("RTP/AVP;unicast;client_port=%s-%s;server_port=%d-%d;ssrc=%08X",
			portOf(cr), portOf(cc), pair.rtpPort, pair.rtcpPort, track.SSRC))

	case TransportMulticast:
		addr, port, ttl := s.multicastAllocate()
		if port == 0 {
			return nil, protoerr.Violation(406, "multicast relay unavailable")
		}
		track.SSRC = rand.Uint32()
		resp.Set("Transport", fmt.Sprintf("RTP/AVP;multicast;destination=%s;source=%s;port=%d-%d;ttl=%d;ssrc=%08X",
			addr, addr, port, port+1, ttl, track.SSRC))
	}

	return resp, nil
}

func (s *Session) findOrCreateTrack(control string) *Track {
	for _, t := range s.tracks {
		if t.Info.Control == control || strings.HasSuffix(control, t.Info.Control) {
			return t
		}
	}
	t := &Track{Info: SDPTrackInfo{Control: control}}
	s.tracks = append(s.tracks, t)
	return t
}

func classifyTransport(header string) TransportType {
	switch {
	case strings.Contains(header, "TCP"):
		return TransportTCP
	case strings.Contains(header, "multicast"):
		return TransportMulticast
	default:
		return TransportUDP
	}
}

// parsePinnedTransport reads the optional server-enforced transport from
// config; ok is false when unset (no pin).
func parsePinnedTransport(s string) (TransportType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tcp":
		return TransportTCP, true
	case "udp":
		return TransportUDP, true
	case "multicast":
		return TransportMulticast, true
	default:
		return 0, false
	}
}

func parseInterleavedPair(header string) (int, int) {
	idx := strings.Index(header, "interleaved=")
	if idx < 0 {
		return -1, -1
	}
	rest := header[idx+len("interleaved="):]
	end := strings.IndexAny(rest, ";, ")
	if end >= 0 {
		rest = rest[:end]
	}
	parts := strings.SplitN(rest, "-", 2)
	if len(parts) != 2 {
		return -1, -1
	}
	a, err1 := strconv.Atoi(parts[0])
	b, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return -1, -1
	}
	return a, b
}

func parseClientPorts(header string) (rtp, rtcp string) {
	idx := strings.Index(header, "client_port=")
	if idx < 0 {
		return "", ""
	}
	rest := header[idx+len("client_port="):]
	end := strings.IndexAny(rest, ";, ")
	if end >= 0 {
		rest = rest[:end]
	}
	parts := strings.SplitN(rest, "-", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	if len(parts) == 1 {
		return parts[0], ""
	}
	return "", ""
}

func portOf(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
