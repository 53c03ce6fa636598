package rtsp

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/net/ipv4"
)

// udpPortPair is one bound RTP/RTCP socket pair, RTP on an even port and
// RTCP on the next odd port per spec.md §6. Grounded on the teacher's
// udp-server.go, which wraps net.ListenUDP in an ipv4.PacketConn for the
// same reason this repo does: setting per-packet TTL/multicast options
// later without re-dialing.
type udpPortPair struct {
	rtpConn  *ipv4.PacketConn
	rtcpConn *ipv4.PacketConn
	rtpPort  int
	rtcpPort int
}

// allocateUDPPortPair tries consecutive even/odd port pairs starting from
// an ephemeral even port until one binds cleanly, matching the teacher's
// retry loop in udp-server.go's NewUDPServer.
func allocateUDPPortPair() (*udpPortPair, error) {
	for attempt := 0; attempt < 64; attempt++ {
		rtpUDP, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
		if err != nil {
			return nil, err
		}
		rtpPort := rtpUDP.LocalAddr().(*net.UDPAddr).Port
		if rtpPort%2 != 0 {
			rtpUDP.Close()
			continue
		}
		rtcpUDP, err := net.ListenUDP("udp4", &net.UDPAddr{Port: rtpPort + 1})
		if err != nil {
			rtpUDP.Close()
			continue
		}
		return &udpPortPair{
			rtpConn:  ipv4.NewPacketConn(rtpUDP),
			rtcpConn: ipv4.NewPacketConn(rtcpUDP),
			rtpPort:  rtpPort,
			rtcpPort: rtpPort + 1,
		}, nil
	}
	return nil, fmt.Errorf("rtsp: no consecutive udp port pair available")
}

// Close releases both sockets in the pair.
func (p *udpPortPair) Close() {
	if p == nil {
		return
	}
	_ = p.rtpConn.Close()
	_ = p.rtcpConn.Close()
}

// startUDPReceive begins the goroutines that read from trackIdx's bound
// sockets. Grounded on the teacher's udp-server.go read loop, generalized
// to feed the session's own onTrackRTP/onTrackRTCP dispatch instead of a
// process-wide demux, and to learn the peer's actual source address from
// the first datagram each socket sees — the NAT hole-punch spec.md §4.3.2
// calls out, since the client_port a SETUP declares is frequently not the
// address packets actually arrive from once NAT has rewritten it.
func (s *Session) startUDPReceive(trackIdx int, pair *udpPortPair) {
	go s.udpReadLoop(trackIdx, pair.rtpConn, true)
	go s.udpReadLoop(trackIdx, pair.rtcpConn, false)
}

func (s *Session) udpReadLoop(trackIdx int, conn *ipv4.PacketConn, isRTP bool) {
	buf := make([]byte, 2048)
	for {
		n, _, peer, err := conn.ReadFrom(buf)
		if err != nil {
			return // socket closed by teardownResources
		}
		udpPeer, ok := peer.(*net.UDPAddr)
		if !ok {
			continue
		}
		payload := append([]byte(nil), buf[:n]...)
		s.poll.Async(func() {
			if trackIdx < 0 || trackIdx >= len(s.tracks) {
				return
			}
			t := s.tracks[trackIdx]
			if isRTP {
				t.rtpPeerAddr.Store(udpPeer)
			} else {
				t.rtcpPeerAddr.Store(udpPeer)
			}
			t.PeerRebound = true
			if isRTP {
				s.onTrackRTP(trackIdx, payload)
			} else {
				s.onTrackRTCP(trackIdx, payload)
			}
		})
	}
}

// trackIndex finds t's position in s.tracks, or -1 if it isn't one of
// this session's tracks.
func (s *Session) trackIndex(t *Track) int {
	for i, tt := range s.tracks {
		if tt == t {
			return i
		}
	}
	return -1
}

// udpFallbackAddr resolves the client_port a SETUP request declared
// against host (the session's own remote address), for use until the NAT
// hole-punch path has confirmed the peer's actual source address.
func udpFallbackAddr(host, portStr string) *net.UDPAddr {
	if portStr == "" {
		return nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	return &net.UDPAddr{IP: ip, Port: port}
}

// udpRTPDest and udpRTCPDest pick the confirmed peer address once NAT
// hole-punch has learned one, falling back to the client-declared port
// resolved against the session's remote host otherwise.
func (s *Session) udpRTPDest(t *Track) *net.UDPAddr {
	if addr := t.rtpPeerAddr.Load(); addr != nil {
		return addr
	}
	return udpFallbackAddr(remoteHost(s.conn.RemoteAddr()), t.RTPAddr)
}

func (s *Session) udpRTCPDest(t *Track) *net.UDPAddr {
	if addr := t.rtcpPeerAddr.Load(); addr != nil {
		return addr
	}
	return udpFallbackAddr(remoteHost(s.conn.RemoteAddr()), t.RTCPAddr)
}
