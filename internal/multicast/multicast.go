// Package multicast implements the shared-port multicast RTP relay and
// inter-node announce/teardown gossip spec.md §4.6 describes. Grounded on
// the teacher's multicast-server.go (MulticastServer: address pool +
// shared RTCP socket) and multicast-com.go (MulticastCommand/
// MulticastCommunicateInfo: the UDP gossip datagram the teacher's cluster
// nodes exchange to announce/retire a multicast group), rewired onto this
// package's own Group refcount bookkeeping instead of the teacher's
// bespoke pusherCache expiry callback. It posts no registry events.
package multicast

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ReneKroon/ttlcache/v2"
	"golang.org/x/net/ipv4"
)

// Server owns the pool of multicast addresses and the shared RTCP socket
// each allocated group's subscribers rendezvous on. Grounded on
// multicast-server.go's MulticastServer, narrowed to the address-pool and
// shared-socket responsibilities (the teacher's HTTP status endpoints are
// dropped as part of the web-UI Non-goal).
type Server struct {
	mu        sync.Mutex
	addrMin   net.IP
	addrMax   net.IP
	bindIface string
	ttl       int

	groups *ttlcache.Cache // streamKey -> *Group, expires idle allocations

	rtcpConn *ipv4.PacketConn
}

// Group is one allocated multicast destination for a single stream.
type Group struct {
	StreamKey string
	Addr      net.IP
	RTPPort   int
	RTCPPort  int
	TTL       int

	refs int32
}

// NewServer builds a Server bound to the given RTCP port, pooling
// addresses in [addrMin, addrMax]. Grounded on NewMulticastServer's
// constructor shape in the teacher.
func NewServer(addrMin, addrMax, bindIface string, ttl int, rtcpPort int, idleExpiry time.Duration) (*Server, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: rtcpPort})
	if err != nil {
		return nil, err
	}
	cache := ttlcache.NewCache()
	_ = cache.SetTTL(idleExpiry)

	pc := ipv4.NewPacketConn(conn)
	_ = pc.SetMulticastTTL(ttl)

	return &Server{
		addrMin:   net.ParseIP(addrMin),
		addrMax:   net.ParseIP(addrMax),
		bindIface: bindIface,
		ttl:       ttl,
		groups:    cache,
		rtcpConn:  pc,
	}, nil
}

// Lookup returns streamKey's existing Group without touching its
// subscriber refcount, for callers that only need to send on an
// allocation someone else already holds (the per-track RTCP/RTP relay
// path) rather than acquiring a new hold on it.
func (s *Server) Lookup(streamKey string) (*Group, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, err := s.groups.Get(streamKey); err == nil {
		return v.(*Group), true
	}
	return nil, false
}

// Allocate reserves (or returns the existing) multicast Group for
// streamKey, incrementing its subscriber refcount. Grounded on the
// teacher's per-stream multicast address assignment in multicast-server.go.
func (s *Server) Allocate(streamKey string) (*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, err := s.groups.Get(streamKey); err == nil {
		g := v.(*Group)
		g.refs++
		return g, nil
	}

	addr := s.nextAddress(streamKey)
	g := &Group{
		StreamKey: streamKey,
		Addr:      addr,
		RTPPort:   randEvenPort(),
		TTL:       s.ttl,
		refs:      1,
	}
	g.RTCPPort = g.RTPPort + 1
	_ = s.groups.Set(streamKey, g)
	return g, nil
}

// Release decrements streamKey's subscriber refcount; the allocation
// itself expires from the idle-TTL cache once no session renews it,
// matching the teacher's lazy-expiry pusherCache idiom rather than an
// explicit synchronous teardown.
func (s *Server) Release(streamKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, err := s.groups.Get(streamKey); err == nil {
		g := v.(*Group)
		g.refs--
	}
}

// RefCount reports how many subscribers currently hold streamKey's
// allocation, so a caller releasing one can tell whether it was the last.
func (s *Server) RefCount(streamKey string) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, err := s.groups.Get(streamKey); err == nil {
		return v.(*Group).refs
	}
	return 0
}

// SendRTCP writes an RTCP compound packet to the shared per-group socket.
func (s *Server) SendRTCP(g *Group, buf []byte) error {
	dst := &net.UDPAddr{IP: g.Addr, Port: g.RTCPPort}
	_, err := s.rtcpConn.WriteTo(buf, nil, dst)
	return err
}

// SendRTP writes an RTP packet to g's multicast destination. Reuses the
// same shared socket as SendRTCP, just targeting the group's RTP port
// instead of its RTCP one — one bound UDP socket can send to any
// destination port, so a second listener isn't needed purely to send.
func (s *Server) SendRTP(g *Group, buf []byte) error {
	dst := &net.UDPAddr{IP: g.Addr, Port: g.RTPPort}
	_, err := s.rtcpConn.WriteTo(buf, nil, dst)
	return err
}

func (s *Server) nextAddress(streamKey string) net.IP {
	// Deterministic hash-into-range so repeated allocations for the same
	// streamKey land on the same address even across a cache eviction.
	minV := ipToUint32(s.addrMin)
	maxV := ipToUint32(s.addrMax)
	span := maxV - minV
	if span == 0 {
		return s.addrMin
	}
	h := hashString(streamKey)
	return uint32ToIP(minV + h%span)
}

func ipToUint32(ip net.IP) uint32 {
	ip4 := ip.To4()
	return uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
}

func uint32ToIP(v uint32) net.IP {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func hashString(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

func randEvenPort() int {
	return 20000 + int(time.Now().UnixNano()%20000)&^1
}

// Command is the inter-node gossip datagram the teacher's
// multicast-com.go calls MulticastCommand: one node announces or retires
// a multicast group so its peers' sessions can SETUP against the same
// address without re-negotiating through this node.
type Command struct {
	Action    string `json:"action"` // "announce" | "retire"
	StreamKey string `json:"stream_key"`
	Addr      string `json:"addr"`
	RTPPort   int    `json:"rtp_port"`
	TTL       int    `json:"ttl"`
}

// Encode renders the gossip datagram payload.
func (c Command) Encode() ([]byte, error) { return json.Marshal(c) }

// DecodeCommand parses a received gossip datagram.
func DecodeCommand(buf []byte) (Command, error) {
	var c Command
	err := json.Unmarshal(buf, &c)
	return c, err
}

// Client gossips Commands to a fixed set of peer nodes over UDP,
// grounded on multicast-com.go's MulticastClient.
type Client struct {
	conn  *net.UDPConn
	peers []*net.UDPAddr
}

// NewClient dials a UDP socket for sending gossip to peers.
func NewClient(peers []string) (*Client, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, err
	}
	c := &Client{conn: conn}
	for _, p := range peers {
		addr, err := net.ResolveUDPAddr("udp4", p)
		if err != nil {
			continue
		}
		c.peers = append(c.peers, addr)
	}
	return c, nil
}

// Broadcast gossips cmd to every configured peer.
func (c *Client) Broadcast(cmd Command) error {
	buf, err := cmd.Encode()
	if err != nil {
		return err
	}
	var firstErr error
	for _, p := range c.peers {
		if _, err := c.conn.WriteToUDP(buf, p); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("gossip to %s: %w", p, err)
		}
	}
	return firstErr
}

// Close releases the client's socket.
func (c *Client) Close() error { return c.conn.Close() }
