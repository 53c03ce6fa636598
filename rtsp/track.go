package rtsp

import (
	"net"
	"sync/atomic"
)

// TransportType is the negotiated RTP transport for one session, per
// spec.md §3/§4.3.2. Grounded on the teacher's rtsp-session.go TransType
// enum (RTP_TCP/RTP_UDP/RTP_MULTICAST), kept verbatim in meaning.
type TransportType int

const (
	TransportTCP TransportType = iota
	TransportUDP
	TransportMulticast
)

func (t TransportType) String() string {
	switch t {
	case TransportTCP:
		return "TCP"
	case TransportUDP:
		return "UDP"
	case TransportMulticast:
		return "Multicast"
	default:
		return "Unknown"
	}
}

// TrackKind distinguishes video from audio for the purposes of interleave
// channel assignment (spec.md §4.3.2: players get 2*trackType) and the
// registry Base's per-track byte counters.
type TrackKind int

const (
	TrackKindVideo TrackKind = iota
	TrackKindAudio
)

// SDPTrackInfo is what a caller (the ANNOUNCE/DESCRIBE body parser, out of
// scope per spec §1) supplies about one negotiated media track. This
// repo never parses SDP itself — see DESIGN.md's dropped-dependency entry
// for pixelbender/go-sdp.
type SDPTrackInfo struct {
	Kind       TrackKind
	Control    string // control attribute, resolved against content-base
	SampleRate uint32
	PayloadFmt int
}

// Track is the session-local negotiated state for one media track, per
// spec.md §3's "each with interleaved channel, ssrc, seq, timestamp, init
// flag". Grounded on rtsp-session.go's per-track fields scattered across
// the Session struct, gathered here into one type.
type Track struct {
	Info SDPTrackInfo

	Initialized bool

	InterleavedChannel int // RTP channel; RTCP is InterleavedChannel+1 in TCP mode
	SSRC               uint32
	LastSeq            uint16
	LastTimestamp      uint32

	RTPAddr  string // UDP: client_port for RTP
	RTCPAddr string // UDP: client_port for RTCP

	RTPServerPort  int
	RTCPServerPort int

	udpPair *udpPortPair

	PeerRebound bool // NAT hole-punch: has the peer's first datagram rebound the socket yet

	// rtpPeerAddr/rtcpPeerAddr hold the peer address learned from the
	// first datagram each socket actually received, once NAT hole-punch
	// confirms it. Until then, sends fall back to the client_port the
	// SETUP request declared, resolved against the session's own remote
	// host (the peer's UDP source may differ from that port behind NAT,
	// which is exactly why the confirmed address takes priority once known).
	rtpPeerAddr  atomic.Pointer[net.UDPAddr]
	rtcpPeerAddr atomic.Pointer[net.UDPAddr]
}
