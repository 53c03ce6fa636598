package rtsp

import "github.com/qlstream/rtspd/internal/multicast"

// multicastSrv is the process-wide multicast relay, wired up by
// server.go at startup when config.Multicast.Enable is set. A nil value
// means multicast SETUP falls back to erroring out with 406, matching
// the teacher's behavior when its MulticastServer failed to bind.
var multicastSrv *multicast.Server

// multicastGossip broadcasts announce/retire Commands to the peer nodes
// configured in config.Multicast.Peers, per spec.md §4.6, so a cluster
// node's own sessions can hand out the same multicast address for a
// stream a peer already allocated instead of negotiating it twice. A nil
// value (no peers configured) makes allocate/release pure no-ops on the
// gossip side.
var multicastGossip *multicast.Client

// multicastKey identifies s's stream in the multicast relay's address
// pool and in gossip Commands, gathering the four-level registry key
// into the single string the teacher's multicast-server.go keys groups by.
func (s *Session) multicastKey() string {
	return s.schema + "|" + s.tuple.Vhost + "|" + s.tuple.App + "|" + s.tuple.Stream
}

func (s *Session) multicastAllocate() (addr string, port int, ttl int) {
	if multicastSrv == nil {
		return "0.0.0.0", 0, 0
	}
	key := s.multicastKey()
	g, err := multicastSrv.Allocate(key)
	if err != nil {
		return "0.0.0.0", 0, 0
	}
	if multicastGossip != nil {
		_ = multicastGossip.Broadcast(multicast.Command{
			Action:    "announce",
			StreamKey: key,
			Addr:      g.Addr.String(),
			RTPPort:   g.RTPPort,
			TTL:       g.TTL,
		})
	}
	return g.Addr.String(), g.RTPPort, g.TTL
}

// multicastRelease drops this session's hold on its stream's multicast
// group and, once it was the last subscriber, gossips a retire Command so
// peer nodes stop advertising the now-unused address.
func (s *Session) multicastRelease() {
	if multicastSrv == nil {
		return
	}
	key := s.multicastKey()
	multicastSrv.Release(key)
	if multicastGossip != nil && multicastSrv.RefCount(key) <= 0 {
		_ = multicastGossip.Broadcast(multicast.Command{
			Action:    "retire",
			StreamKey: key,
		})
	}
}

// multicastSendRTCP and multicastSendRTP both look up the session's
// already-held allocation rather than calling Allocate: Allocate bumps
// the subscriber refcount on every call, and these fire on every RTCP
// interval/RTP packet, not once per subscriber — doing that would make
// multicastRelease's "last subscriber" gossip check never trip.
func (s *Session) multicastSendRTCP(trackIdx int, buf []byte) {
	if multicastSrv == nil {
		return
	}
	g, ok := multicastSrv.Lookup(s.multicastKey())
	if !ok {
		return
	}
	_ = multicastSrv.SendRTCP(g, buf)
}

func (s *Session) multicastSendRTP(trackIdx int, buf []byte) {
	if multicastSrv == nil {
		return
	}
	g, ok := multicastSrv.Lookup(s.multicastKey())
	if !ok {
		return
	}
	_ = multicastSrv.SendRTP(g, buf)
}
