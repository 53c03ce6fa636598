package rtsp

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/qlstream/rtspd/internal/config"
	"github.com/qlstream/rtspd/internal/mediatuple"
	"github.com/qlstream/rtspd/internal/protoerr"
	"github.com/qlstream/rtspd/internal/registry"
)

func newTestSessionWithRegistry(t *testing.T, cfg config.Config, reg *registry.Registry) *Session {
	client, _ := net.Pipe()
	t.Cleanup(func() { client.Close() })
	log := logrus.NewEntry(logrus.New())
	return NewSession(client, reg, &cfg, log)
}

// newTestSessionWithPeer is like newTestSessionWithRegistry but keeps the
// other end of the net.Pipe reachable, for tests that must read a reply
// written asynchronously (e.g. onDescribeResolved) off the wire instead of
// from handleRequest's direct return value.
func newTestSessionWithPeer(t *testing.T, cfg config.Config, reg *registry.Registry) (*Session, net.Conn) {
	client, peer := net.Pipe()
	t.Cleanup(func() { client.Close(); peer.Close() })
	log := logrus.NewEntry(logrus.New())
	return NewSession(client, reg, &cfg, log), peer
}

// wireResponse is a parsed stand-in for the handful of fields tests need
// to assert on, read directly off the wire for replies written
// asynchronously (e.g. by onDescribeResolved) rather than returned
// synchronously from handleRequest.
type wireResponse struct {
	status  int
	headers map[string]string
	body    []byte
}

func (r *wireResponse) header(key string) string { return r.headers[headerKey(key)] }

// readResponse reads one RTSP response off conn, failing the test if none
// arrives before the deadline.
func readResponse(t *testing.T, conn net.Conn) *wireResponse {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	br := bufio.NewReader(conn)

	line, err := readLine(br)
	require.NoError(t, err)
	parts := strings.SplitN(line, " ", 3)
	require.Len(t, parts, 3)
	status, err := strconv.Atoi(parts[1])
	require.NoError(t, err)

	resp := &wireResponse{status: status, headers: map[string]string{}}
	for {
		hl, err := readLine(br)
		require.NoError(t, err)
		if hl == "" {
			break
		}
		idx := strings.Index(hl, ":")
		if idx < 0 {
			continue
		}
		resp.headers[headerKey(hl[:idx])] = strings.TrimSpace(hl[idx+1:])
	}
	if cl := resp.header("Content-Length"); cl != "" {
		n, err := strconv.Atoi(cl)
		require.NoError(t, err)
		resp.body = make([]byte, n)
		_, err = io.ReadFull(br, resp.body)
		require.NoError(t, err)
	}
	return resp
}

func optionsRequest(cseq string) *Request {
	return &Request{Method: "OPTIONS", URL: "rtsp://h/app/s", Header: map[string]string{"CSEQ": cseq}}
}

// Scenario 1 (spec.md §8): OPTIONS always lists the full method set.
func TestHandleRequestOptionsListsAllMethods(t *testing.T) {
	cfg := config.Default()
	s := newTestSessionWithRegistry(t, cfg, registry.New())

	resp, perr := s.handleRequest(optionsRequest("1"))
	require.Nil(t, perr)
	require.Equal(t, 200, resp.StatusCode)

	body := string(resp.ByteData())
	require.Contains(t, body, "CSeq: 1")
	for _, method := range []string{"OPTIONS", "DESCRIBE", "SETUP", "TEARDOWN", "PLAY", "PAUSE", "ANNOUNCE", "RECORD", "SET_PARAMETER", "GET_PARAMETER"} {
		require.Contains(t, body, method)
	}
}

// Scenario 2 (spec.md §8): a realm-gated DESCRIBE with no Authorization
// header gets challenged with a fresh nonce, and the correct digest
// response on the follow-up request is accepted.
func TestHandleRequestDescribeDigestChallengeThenAccept(t *testing.T) {
	cfg := config.Default()
	cfg.RTSP.AuthRealm = "cam-realm"
	reg := registry.New()
	reg.OnGetRtspRealm("test", func(mediatuple.Tuple) string { return "cam-realm" })
	storedHA1 := ha1("alice", "cam-realm", "secret")
	reg.OnRtspAuth("test", func(_ mediatuple.Tuple, user, realm string) (string, bool) {
		if user == "alice" {
			return storedHA1, true
		}
		return "", false
	})

	src := newPushSource("rtsp", mediatuple.Tuple{Vhost: mediatuple.DefaultVhost, App: "app", Stream: "s"})
	require.NoError(t, reg.Register(src))

	s, peer := newTestSessionWithPeer(t, cfg, reg)

	req := &Request{Method: "DESCRIBE", URL: "rtsp://h/app/s", Header: map[string]string{"CSEQ": "2"}}
	resp, perr := s.handleRequest(req)
	require.NotNil(t, perr)
	require.Equal(t, 401, perr.Status)
	require.Contains(t, string(resp.ByteData()), "WWW-Authenticate: Digest realm=\"cam-realm\"")

	nonce := s.authNonce
	require.NotEmpty(t, nonce)

	response := ExpectedDigestResponse(storedHA1, nonce, "DESCRIBE", "rtsp://h/app/s")
	authHeader := `Digest username="alice", realm="cam-realm", nonce="` + nonce +
		`", uri="rtsp://h/app/s", response="` + response + `"`

	// The matching stream is already registered, so FindAsync resolves it
	// immediately — but still through the session's poller, asynchronously
	// from handleRequest's own return, per spec.md §4.1 bullet 4.
	req2 := &Request{Method: "DESCRIBE", URL: "rtsp://h/app/s", Header: map[string]string{"CSEQ": "3", "AUTHORIZATION": authHeader}}
	resp2, perr2 := s.handleRequest(req2)
	require.Nil(t, perr2)
	require.Nil(t, resp2, "DESCRIBE suspends its reply instead of returning one synchronously")

	wire := readResponse(t, peer)
	require.Equal(t, 200, wire.status)
	require.Contains(t, string(wire.body), "s=rtspd")
}

// Scenario 4 (spec.md §8): a DESCRIBE for a stream that hasn't been
// ANNOUNCEd yet suspends on FindAsync and is answered once the matching
// ANNOUNCE registers it, instead of failing immediately with 404.
func TestHandleRequestDescribeRacesAnnounceViaFindAsync(t *testing.T) {
	cfg := config.Default()
	cfg.RTSP.MaxWaitMs = 2000
	reg := registry.New()

	s, peer := newTestSessionWithPeer(t, cfg, reg)

	req := &Request{Method: "DESCRIBE", URL: "rtsp://h/app/late", Header: map[string]string{"CSEQ": "9"}}
	resp, perr := s.handleRequest(req)
	require.Nil(t, perr)
	require.Nil(t, resp)

	src := newPushSource("rtsp", mediatuple.Tuple{Vhost: mediatuple.DefaultVhost, App: "app", Stream: "late"})
	require.NoError(t, reg.Register(src))

	wire := readResponse(t, peer)
	require.Equal(t, 200, wire.status)
	require.Equal(t, "9", wire.header("CSeq"))
}

// When no ANNOUNCE ever arrives, FindAsync's timeout fires a 404 and the
// session tears itself down rather than hanging forever.
func TestHandleRequestDescribeTimesOutWithNotFound(t *testing.T) {
	cfg := config.Default()
	cfg.RTSP.MaxWaitMs = 30
	reg := registry.New()

	s, peer := newTestSessionWithPeer(t, cfg, reg)

	req := &Request{Method: "DESCRIBE", URL: "rtsp://h/app/never", Header: map[string]string{"CSEQ": "1"}}
	resp, perr := s.handleRequest(req)
	require.Nil(t, perr)
	require.Nil(t, resp)

	wire := readResponse(t, peer)
	require.Equal(t, 404, wire.status)
}

// Scenario 3 (spec.md §8): a server-pinned transport rejects a SETUP that
// asks for a different one with 461.
func TestHandleRequestSetupRejectsPinnedTransportMismatch(t *testing.T) {
	cfg := config.Default()
	cfg.RTSP.PinnedTransport = "tcp"
	s := newTestSessionWithRegistry(t, cfg, registry.New())

	req := &Request{
		Method: "SETUP",
		URL:    "rtsp://h/app/s/track1",
		Header: map[string]string{
			"CSEQ":      "1",
			"TRANSPORT": "RTP/AVP;unicast;client_port=5000-5001",
		},
	}
	resp, perr := s.handleRequest(req)
	require.NotNil(t, perr)
	require.Equal(t, 461, perr.Status)
	require.Equal(t, 461, resp.StatusCode)
}

func TestHandleRequestSetupAcceptsPinnedTransportMatch(t *testing.T) {
	cfg := config.Default()
	cfg.RTSP.PinnedTransport = "tcp"
	s := newTestSessionWithRegistry(t, cfg, registry.New())

	req := &Request{
		Method: "SETUP",
		URL:    "rtsp://h/app/s/track1",
		Header: map[string]string{
			"CSEQ":      "1",
			"TRANSPORT": "RTP/AVP/TCP;unicast;interleaved=0-1",
		},
	}
	resp, perr := s.handleRequest(req)
	require.Nil(t, perr)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, TransportTCP, s.transport)
}

// handleRecord must refuse RECORD before every announced track has been
// through SETUP.
func TestHandleRequestRecordRejectsWhenTracksNotAllSetup(t *testing.T) {
	cfg := config.Default()
	s := newTestSessionWithRegistry(t, cfg, registry.New())

	announceReq := &Request{Method: "ANNOUNCE", URL: "rtsp://h/app/s", Header: map[string]string{"CSEQ": "1"}}
	_, perr := s.handleRequest(announceReq)
	require.Nil(t, perr)

	s.tracks = append(s.tracks, &Track{Info: SDPTrackInfo{Control: "track1"}, Initialized: false})

	recordReq := &Request{Method: "RECORD", URL: "rtsp://h/app/s", Header: map[string]string{"CSEQ": "2"}}
	_, perr2 := s.handleRequest(recordReq)
	require.NotNil(t, perr2)
	require.Equal(t, 400, perr2.Status)
}

// A second ANNOUNCE for the same live tuple must be refused with 406, not
// silently replace the first pusher.
func TestHandleRequestAnnounceRejectsDuplicatePublish(t *testing.T) {
	cfg := config.Default()
	reg := registry.New()

	s1 := newTestSessionWithRegistry(t, cfg, reg)
	_, perr := s1.handleRequest(&Request{Method: "ANNOUNCE", URL: "rtsp://h/app/s", Header: map[string]string{"CSEQ": "1"}})
	require.Nil(t, perr)

	s2 := newTestSessionWithRegistry(t, cfg, reg)
	_, perr2 := s2.handleRequest(&Request{Method: "ANNOUNCE", URL: "rtsp://h/app/s", Header: map[string]string{"CSEQ": "1"}})
	require.NotNil(t, perr2)
	require.Equal(t, protoerr.KindAlreadyPublishing, perr2.Kind)
	require.Equal(t, 406, perr2.Status)
}

func TestHandleRequestTeardownAcknowledgesThenSignalsShutdown(t *testing.T) {
	cfg := config.Default()
	s := newTestSessionWithRegistry(t, cfg, registry.New())

	resp, perr := s.handleRequest(&Request{Method: "TEARDOWN", URL: "rtsp://h/app/s", Header: map[string]string{"CSEQ": "9"}})
	require.Equal(t, 200, resp.StatusCode)
	require.NotNil(t, perr)
	require.Equal(t, protoerr.KindPeerShutdown, perr.Kind)
}

func TestHandleRequestUnknownMethodRejectedAndFatal(t *testing.T) {
	cfg := config.Default()
	s := newTestSessionWithRegistry(t, cfg, registry.New())

	resp, perr := s.handleRequest(&Request{Method: "FROB", URL: "rtsp://h/app/s", Header: map[string]string{"CSEQ": "1"}})
	require.Equal(t, 403, resp.StatusCode)
	require.NotNil(t, perr)
	require.True(t, perr.Fatal)
}
