package rtsp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qlstream/rtspd/internal/mediatuple"
	"github.com/qlstream/rtspd/internal/multicast"
)

func newTestMulticastSession(t *testing.T) *Session {
	s, _ := newTestSession(t, "")
	s.schema = "rtsp"
	s.tuple = mediatuple.Tuple{App: "live", Stream: "cam1"}
	return s
}

func withMulticastServer(t *testing.T) {
	srv, err := multicast.NewServer("239.0.0.0", "239.0.0.1", "", 64, 0, time.Minute)
	require.NoError(t, err)
	prev := multicastSrv
	multicastSrv = srv
	t.Cleanup(func() { multicastSrv = prev })
}

func withMulticastGossip(t *testing.T) *net.UDPConn {
	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { peer.Close() })

	gc, err := multicast.NewClient([]string{peer.LocalAddr().String()})
	require.NoError(t, err)
	prev := multicastGossip
	multicastGossip = gc
	t.Cleanup(func() {
		gc.Close()
		multicastGossip = prev
	})
	return peer
}

func TestMulticastAllocateGossipsAnnounce(t *testing.T) {
	withMulticastServer(t)
	peer := withMulticastGossip(t)

	s := newTestMulticastSession(t)
	addr, port, ttl := s.multicastAllocate()
	require.NotEqual(t, "0.0.0.0", addr)
	require.NotZero(t, port)
	require.NotZero(t, ttl)

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1024)
	n, _, err := peer.ReadFromUDP(buf)
	require.NoError(t, err)

	cmd, err := multicast.DecodeCommand(buf[:n])
	require.NoError(t, err)
	require.Equal(t, "announce", cmd.Action)
	require.Equal(t, s.multicastKey(), cmd.StreamKey)
	require.Equal(t, addr, cmd.Addr)
	require.Equal(t, port, cmd.RTPPort)
}

func TestMulticastReleaseGossipsRetireOnLastSubscriber(t *testing.T) {
	withMulticastServer(t)
	peer := withMulticastGossip(t)

	s := newTestMulticastSession(t)
	_, _, _ = s.multicastAllocate()

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1024)
	_, _, err := peer.ReadFromUDP(buf) // drain the announce
	require.NoError(t, err)

	s.multicastRelease()

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := peer.ReadFromUDP(buf)
	require.NoError(t, err)

	cmd, err := multicast.DecodeCommand(buf[:n])
	require.NoError(t, err)
	require.Equal(t, "retire", cmd.Action)
	require.Equal(t, s.multicastKey(), cmd.StreamKey)
}

func TestMulticastAllocateWithoutServerReturnsZeroAddr(t *testing.T) {
	prev := multicastSrv
	multicastSrv = nil
	t.Cleanup(func() { multicastSrv = prev })

	s := newTestMulticastSession(t)
	addr, port, ttl := s.multicastAllocate()
	require.Equal(t, "0.0.0.0", addr)
	require.Zero(t, port)
	require.Zero(t, ttl)
}
