package rtsp

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	rtcpx "github.com/qlstream/rtspd/internal/rtcp"
	"github.com/qlstream/rtspd/internal/config"
	"github.com/qlstream/rtspd/internal/flush"
	"github.com/qlstream/rtspd/internal/mediatuple"
	"github.com/qlstream/rtspd/internal/poller"
	"github.com/qlstream/rtspd/internal/protoerr"
	"github.com/qlstream/rtspd/internal/registry"
)

// Role distinguishes a publishing session from a subscribing one, per
// spec.md §3's two state machines. Grounded on the teacher's SessionType
// (PUSHER/PLAYER).
type Role int

const (
	RolePusher Role = iota
	RolePlayer
)

// Phase is the session's position in its per-role state machine, per
// spec.md §4.3's "Init -> Announced -> SetupN -> Recording -> Closed"
// (pusher) and "Init -> Described -> SetupN -> Playing <-> Paused ->
// Teardown" (player).
type Phase int

const (
	PhaseInit Phase = iota
	PhaseAnnouncedOrDescribed
	PhaseSetup
	PhaseActive // Recording or Playing
	PhasePaused
	PhaseClosed
)

// Session is the per-connection RTSP protocol state machine: spec.md
// §4.3. Grounded on the teacher's rtsp-session.go Session struct, split
// so the registry/auth/rtcp concerns each live in their own package/file
// instead of being inlined.
type Session struct {
	mu sync.Mutex

	id   string
	role Role
	phase Phase

	conn    *RichConn
	reader  *bufio.Reader
	poll    *poller.Poller
	writeMu sync.Mutex

	reg *registry.Registry
	cfg *config.Config
	log *logrus.Entry

	tuple    mediatuple.Tuple
	schema   string
	contentBase string

	transport TransportType
	tracks    []*Track

	scheme    AuthScheme
	authNonce string
	authedOnce bool

	source   registry.MediaSource
	release  func() // ownership release, pusher path
	reader2  registry.ReaderHandle

	targetTrack int // -1 = no filter, else index into tracks

	lastActivity time.Time
	createdAt    time.Time
	haveSessionID bool

	flushPolicy *flush.Policy

	rtcpCtx   []*rtcpx.Context
	lastRTCP  time.Time
	sentBytes int64

	tunnelCookie string
	isTunnelGET  bool
	injectedMu   sync.Mutex
	injected     []byte

	closed bool
}

// NewSession constructs a session bound to conn, dispatching its protocol
// logic onto its own poller per spec.md §5's one-poller-per-session model.
func NewSession(conn net.Conn, reg *registry.Registry, cfg *config.Config, log *logrus.Entry) *Session {
	rc := &RichConn{Conn: conn, ReadTimeout: time.Duration(cfg.RTSP.Timeout) * time.Second}
	s := &Session{
		conn:        rc,
		reader:      bufio.NewReader(rc),
		poll:        poller.New(64),
		reg:         reg,
		cfg:         cfg,
		log:         log,
		targetTrack: -1,
		createdAt:   time.Now(),
		lastActivity: time.Now(),
		flushPolicy: flush.NewPolicy(cfg.RTSP.MergeWriteMs, cfg.RTSP.MaxCacheSize),
	}
	if cfg.RTSP.AuthRealm != "" {
		s.scheme = AuthDigest
		if cfg.RTSP.AuthBasic {
			s.scheme = AuthBasic
		}
	}
	return s
}

// Serve runs the session's read loop until the connection closes or a
// fatal protocol error occurs. Grounded on rtsp-session.go's per-session
// goroutine reading whole RTSP packets via the TCP-framing scanner;
// interleaved RTP detection is delegated to onInterleavedFrame via the same
// byte-prefix check the teacher's Split function performs.
func (s *Session) Serve() {
	defer s.poll.Stop()
	defer s.teardownResources()

	for {
		b, err := s.reader.Peek(1)
		if err != nil {
			s.shutdown(protoerr.PeerShutdown(err.Error()))
			return
		}
		if b[0] == '$' {
			if err := s.onInterleavedFrame(); err != nil {
				s.shutdown(err.(*protoerr.ProtocolError))
				return
			}
			continue
		}

		req, err := ParseRequest(s.reader)
		if err != nil {
			s.shutdown(protoerr.PeerShutdown(err.Error()))
			return
		}
		if n, _ := strconv.Atoi(req.Get("Content-Length")); n > 0 && !strings.EqualFold(req.Method, "POST") {
			req.Body = make([]byte, n)
			if _, err := readFull(s.reader, req.Body); err != nil {
				s.shutdown(protoerr.PeerShutdown(err.Error()))
				return
			}
		}
		s.lastActivity = time.Now()

		resp, perr := s.handleRequest(req)
		if resp != nil {
			s.writeResponse(resp)
		}
		if s.isTunnelGET {
			s.isTunnelGET = false
			s.reader = bufio.NewReader(&tunnelReader{s: s})
			continue
		}
		if perr != nil {
			s.shutdown(perr)
			return
		}
	}
}

// onInterleavedFrame consumes one '$' channel length16 RTP/RTCP frame per
// spec.md §6's wire framing and routes it to the same onTrackRTP/
// onTrackRTCP handlers a peer UDP datagram reaches through udpReadLoop.
func (s *Session) onInterleavedFrame() error {
	hdr := make([]byte, 4)
	if _, err := readFull(s.reader, hdr); err != nil {
		return protoerr.PeerShutdown(err.Error())
	}
	channel := int(hdr[1])
	length := int(hdr[2])<<8 | int(hdr[3])
	payload := make([]byte, length)
	if _, err := readFull(s.reader, payload); err != nil {
		return protoerr.PeerShutdown(err.Error())
	}
	s.lastActivity = time.Now()
	s.onRcvChannelData(channel, payload)
	return nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// handleRequest is the dispatch table spec.md §4.3 describes: method name
// to handler, unknown methods rejected with 403 and session teardown.
// Grounded on rtsp-session.go's handleRequest switch.
func (s *Session) handleRequest(req *Request) (*Response, *protoerr.ProtocolError) {
	var resp *Response
	var err *protoerr.ProtocolError

	switch strings.ToUpper(req.Method) {
	case "OPTIONS":
		resp, err = s.handleOptions(req)
	case "DESCRIBE":
		resp, err = s.handleDescribe(req)
	case "ANNOUNCE":
		resp, err = s.handleAnnounce(req)
	case "SETUP":
		resp, err = s.handleSetup(req)
	case "PLAY":
		resp, err = s.handlePlay(req)
	case "PAUSE":
		resp, err = s.handlePause(req)
	case "RECORD":
		resp, err = s.handleRecord(req)
	case "TEARDOWN":
		resp, err = s.handleTeardown(req)
	case "GET_PARAMETER":
		resp, err = s.handleGetParameter(req)
	case "SET_PARAMETER":
		resp, err = s.handleSetParameter(req)
	case "GET":
		s.serveTunnelGET(req)
		s.isTunnelGET = true
		return nil, nil
	case "POST":
		perr := s.serveTunnelPOST(req, s.reader)
		return nil, protoerr.PeerShutdown(fmt.Sprintf("tunnel post closed: %v", perr))
	default:
		return NewResponse(403, statusText(403), req.CSeq(), s.id), protoerr.Violation(403, "unsupported method "+req.Method)
	}

	if err != nil && err.HasReply() {
		resp = s.errorResponse(err, req.CSeq())
	}
	return resp, err
}

// errorResponse renders a ProtocolError as the status line and headers
// handleRequest would normally build for a synchronously returned error.
// Used directly by suspended handlers (e.g. onDescribeResolved) that write
// their own reply outside Serve's loop.
func (s *Session) errorResponse(err *protoerr.ProtocolError, cseq string) *Response {
	resp := NewResponse(err.Status, statusText(err.Status), cseq, s.id)
	if err.Kind == protoerr.KindAuthFailure {
		resp.Set("WWW-Authenticate", err.Detail)
	}
	return resp
}

func (s *Session) handleOptions(req *Request) (*Response, *protoerr.ProtocolError) {
	resp := NewResponse(200, statusText(200), req.CSeq(), s.id)
	resp.Set("Public", "OPTIONS, DESCRIBE, SETUP, TEARDOWN, PLAY, PAUSE, ANNOUNCE, RECORD, SET_PARAMETER, GET_PARAMETER")
	return resp, nil
}

// handleDescribe implements spec.md §4.1 bullet 4: the stream lookup
// suspends on registry.FindAsync instead of failing synchronously, so a
// DESCRIBE that races an imminent ANNOUNCE/RECORD (spec §8 scenario 4)
// gets a chance to resolve before giving up. The handler itself returns
// (nil, nil) — Serve's loop writes nothing and moves on to the next
// request — and the actual reply is written later by onDescribeResolved,
// once FindAsync's callback fires.
func (s *Session) handleDescribe(req *Request) (*Response, *protoerr.ProtocolError) {
	info, err := mediatuple.Parse(req.URL, s.cfg.RTSP.EnableVhost)
	if err != nil {
		return nil, protoerr.Violation(400, "bad url")
	}
	s.tuple, s.schema = info.Tuple, "rtsp"
	s.role = RolePlayer
	s.contentBase = req.URL

	if aerr := s.authenticate(req, s.tuple, "DESCRIBE"); aerr != nil {
		return nil, aerr.(*protoerr.ProtocolError)
	}

	cseq := req.CSeq()
	appStream := info.App + "/" + info.Stream
	timeout := time.Duration(s.cfg.RTSP.MaxWaitMs) * time.Millisecond
	s.reg.FindAsync(s.schema, s.tuple, s.poll, timeout, func(src registry.MediaSource) {
		s.onDescribeResolved(src, cseq, appStream)
	})
	return nil, nil
}

// onDescribeResolved answers a DESCRIBE suspended by handleDescribe, once
// FindAsync either found a matching source or timed out. A miss is fatal
// per the synchronous 404 path it replaces, so it tears the session down
// itself instead of relying on Serve's loop (which already moved past the
// request that triggered this callback).
func (s *Session) onDescribeResolved(src registry.MediaSource, cseq string, appStream string) {
	if src == nil {
		notFound := protoerr.NotFound("stream not found: " + appStream)
		s.writeResponse(s.errorResponse(notFound, cseq))
		s.shutdown(notFound)
		return
	}
	if perr := s.reg.EmitMediaPlayed(src, remoteHost(s.conn.RemoteAddr())); perr != nil {
		s.writeResponse(s.errorResponse(protoerr.Auth(perr.Error()), cseq))
		return
	}

	s.source = src
	s.phase = PhaseAnnouncedOrDescribed

	sdp := s.sdpFor(src)
	resp := NewResponse(200, statusText(200), cseq, s.id)
	resp.Set("Content-Base", s.contentBase)
	resp.SetBody("application/sdp", []byte(sdp))
	s.writeResponse(resp)
}

// sdpFor is a minimal SDP session description placeholder: real codec
// parameter rendering belongs to the out-of-scope SDP/codec layer (spec
// §1); this repo only needs enough of a body for the wire-format scenario
// in spec.md §8 to hold together end to end.
func (s *Session) sdpFor(src registry.MediaSource) string {
	var sb strings.Builder
	sb.WriteString("v=0\r\n")
	fmt.Fprintf(&sb, "o=- 0 0 IN IP4 0.0.0.0\r\n")
	sb.WriteString("s=rtspd\r\n")
	fmt.Fprintf(&sb, "t=0 0\r\n")
	return sb.String()
}

func (s *Session) handleAnnounce(req *Request) (*Response, *protoerr.ProtocolError) {
	info, err := mediatuple.Parse(req.URL, s.cfg.RTSP.EnableVhost)
	if err != nil {
		return nil, protoerr.Violation(400, "bad url")
	}
	s.tuple, s.schema = info.Tuple, "rtsp"
	s.role = RolePusher
	s.contentBase = req.URL

	if aerr := s.authenticate(req, s.tuple, "ANNOUNCE"); aerr != nil {
		return nil, aerr.(*protoerr.ProtocolError)
	}

	src := newPushSource(s.schema, s.tuple)
	if err := s.reg.Register(src); err != nil {
		return nil, err.(*protoerr.ProtocolError)
	}
	release, ok := src.Base().AcquireOwnership()
	if !ok {
		s.reg.Unregister(src)
		return nil, protoerr.AlreadyPublishing(info.App + "/" + info.Stream)
	}
	s.source = src
	s.release = release
	s.phase = PhaseAnnouncedOrDescribed

	return NewResponse(200, statusText(200), req.CSeq(), s.id), nil
}

func (s *Session) handleSetup(req *Request) (*Response, *protoerr.ProtocolError) {
	if !s.haveSessionID {
		s.id = newSessionID()
		s.haveSessionID = true
	}
	return s.negotiateTransport(req)
}

func (s *Session) handlePlay(req *Request) (*Response, *protoerr.ProtocolError) {
	if s.role != RolePlayer || s.id == "" || s.id != req.Get("Session") && req.Get("Session") != "" {
		return nil, protoerr.Violation(454, "no such session")
	}
	if s.source == nil {
		return nil, protoerr.NotFound("no play source")
	}

	rng := req.Get("Range")
	startMS := uint64(0)
	if rng != "" {
		if v := parseNPTStart(rng); v != "now" && v != "" {
			if f, ok := parseSeconds(v); ok {
				startMS = uint64(f * 1000)
			}
		}
	}

	listener := s.source.Base().Listener()
	seeked := false
	if rng != "" && listener != nil {
		seeked = listener.SeekTo(s.source, startMS)
	}
	_ = seeked

	if len(s.tracks) == 1 {
		s.targetTrack = 0
	}

	resp := NewResponse(200, statusText(200), req.CSeq(), s.id)
	resp.Set("RTP-Info", s.buildRTPInfo())
	resp.Set("Range", fmt.Sprintf("npt=%d.0-", startMS/1000))

	if s.phase != PhaseActive && s.transport != TransportMulticast {
		s.attachReader()
	}
	s.phase = PhaseActive
	return resp, nil
}

func (s *Session) buildRTPInfo() string {
	parts := make([]string, 0, len(s.tracks))
	for _, t := range s.tracks {
		rtptime := uint64(t.LastTimestamp) * uint64(t.Info.SampleRate) / 1000
		parts = append(parts, fmt.Sprintf("url=%s;seq=%d;rtptime=%d", t.Info.Control, t.LastSeq, rtptime))
	}
	return strings.Join(parts, ",")
}

func (s *Session) handlePause(req *Request) (*Response, *protoerr.ProtocolError) {
	if s.source != nil {
		if l := s.source.Base().Listener(); l != nil {
			l.Pause(s.source, true)
		}
	}
	s.phase = PhasePaused
	return NewResponse(200, statusText(200), req.CSeq(), s.id), nil
}

func (s *Session) handleRecord(req *Request) (*Response, *protoerr.ProtocolError) {
	if s.role != RolePusher || s.source == nil {
		return nil, protoerr.Violation(455, "method not valid in this state")
	}
	for _, t := range s.tracks {
		if !t.Initialized {
			return nil, protoerr.Violation(400, "not all tracks set up")
		}
	}
	if perr := s.reg.EmitMediaPublish(s.source); perr != nil {
		return nil, protoerr.Auth(perr.Error())
	}
	s.phase = PhaseActive
	resp := NewResponse(200, statusText(200), req.CSeq(), s.id)
	resp.Set("RTP-Info", s.buildRTPInfo())
	return resp, nil
}

func (s *Session) handleTeardown(req *Request) (*Response, *protoerr.ProtocolError) {
	resp := NewResponse(200, statusText(200), req.CSeq(), s.id)
	return resp, protoerr.PeerShutdown("teardown")
}

func (s *Session) handleGetParameter(req *Request) (*Response, *protoerr.ProtocolError) {
	return NewResponse(200, statusText(200), req.CSeq(), s.id), nil
}

// handleSetParameter is ACK-only per spec.md §9 open question (c): the
// session never merges state from a SET_PARAMETER body.
func (s *Session) handleSetParameter(req *Request) (*Response, *protoerr.ProtocolError) {
	return NewResponse(200, statusText(200), req.CSeq(), s.id), nil
}

// onManager is the periodic liveness tick, per spec.md §4.3.8.
func (s *Session) onManager() {
	now := time.Now()
	if !s.haveSessionID && now.Sub(s.createdAt) > time.Duration(s.cfg.RTSP.Timeout)*time.Second {
		s.shutdown(protoerr.Timeout("illegal connection: no session established"))
		return
	}
	keepAlive := time.Duration(s.cfg.RTSP.Timeout) * time.Second
	limit := keepAlive
	if s.role == RolePlayer && s.transport == TransportUDP {
		limit = keepAlive * 4
	}
	if s.role == RolePusher && now.Sub(s.lastActivity) > keepAlive {
		s.shutdown(protoerr.Timeout("pusher inactive"))
		return
	}
	if s.role == RolePlayer && s.transport != TransportTCP && now.Sub(s.lastActivity) > limit {
		s.shutdown(protoerr.Timeout("player inactive"))
		return
	}
	s.maybeSendRTCP()
}

// writeResponse serializes writes onto the connection: Serve's own loop
// and an async-resolved handler's callback (e.g. onDescribeResolved) can
// both reach here from different goroutines, since the callback fires
// through the session's poller rather than the read loop.
func (s *Session) writeResponse(r *Response) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, _ = s.conn.Write(r.ByteData())
}

func (s *Session) shutdown(err *protoerr.ProtocolError) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if err != nil {
		s.log.WithError(err).Debug("session shutting down")
	}
	s.teardownResources()
	_ = s.conn.Close()
}

// teardownResources implements spec.md §4.3.8's onError cleanup: cancel
// any reader attachment, release pusher ownership into the continue-push
// grace window instead of immediately unregistering, and emit a flow
// report if traffic crossed the threshold.
func (s *Session) teardownResources() {
	if s.reader2 != nil {
		s.reader2.Detach()
		s.reader2 = nil
	}
	for _, t := range s.tracks {
		t.udpPair.Close()
	}
	if s.transport == TransportMulticast {
		s.multicastRelease()
	}
	if s.source != nil {
		if s.role == RolePusher {
			s.scheduleContinuePush()
		}
		if s.sentBytes > 0 {
			s.reg.EmitFlowReport(s.source, s.sentBytes, int64(time.Since(s.createdAt).Seconds()), s.role == RolePlayer)
		}
	}
}

// scheduleContinuePush keeps the push source registered and its ownership
// token held for cfg.RTSP.Timeout seconds after the pusher's session ends,
// on any teardown, then releases the token and unregisters the source.
// The held source is not handed to a new session: an ANNOUNCE for the same
// stream inside that window is refused with 406 by Register.
func (s *Session) scheduleContinuePush() {
	release := s.release
	src := s.source
	reg := s.reg
	grace := time.Duration(s.cfg.RTSP.Timeout) * time.Second
	time.AfterFunc(grace, func() {
		if release != nil {
			release()
		}
		reg.Unregister(src)
	})
}

func remoteHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func parseNPTStart(rangeHeader string) string {
	const prefix = "npt="
	idx := strings.Index(rangeHeader, prefix)
	if idx < 0 {
		return ""
	}
	rest := rangeHeader[idx+len(prefix):]
	end := strings.Index(rest, "-")
	if end < 0 {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:end])
}

func parseSeconds(s string) (float64, bool) {
	if s == "now" || s == "" {
		return 0, false
	}
	var f float64
	if _, err := fmt.Sscanf(s, "%f", &f); err != nil {
		return 0, false
	}
	return f, true
}
