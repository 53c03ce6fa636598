package rtsp

import (
	"encoding/base64"
	"io"
	"sync"
	"time"
	"weak"
)

// tunnelMap is the process-wide sessioncookie -> weak(GET session) index
// spec.md §3 calls the "HTTP-tunnel map", guarded by its own mutex
// independent of the registry's. Grounded on spec.md §4.3.7; the teacher
// has no HTTP-tunnel support at all (EasyDarwin's rtsp-server.go only
// accepts raw RTSP TCP), so this is built directly from the spec and
// cross-checked against RFC-style GET/POST tunneling conventions rather
// than adapted from teacher code.
type tunnelMap struct {
	mu      sync.Mutex
	cookies map[string]weak.Pointer[Session]
}

var tunnels = &tunnelMap{cookies: make(map[string]weak.Pointer[Session])}

func (m *tunnelMap) put(cookie string, s *Session) {
	m.mu.Lock()
	m.cookies[cookie] = weak.Make(s)
	m.mu.Unlock()
}

func (m *tunnelMap) takeGETSession(cookie string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.cookies[cookie]
	if !ok {
		return nil
	}
	delete(m.cookies, cookie)
	return w.Value()
}

func (m *tunnelMap) remove(cookie string) {
	m.mu.Lock()
	delete(m.cookies, cookie)
	m.mu.Unlock()
}

const tunnelContentType = "application/x-rtsp-tunnelled"

// serveTunnelGET implements spec.md §4.3.7's GET handler: register this
// session's cookie, reply 200 with the tunnel headers, then let Serve's
// read loop block forever (the GET connection only ever receives bytes
// injected by the paired POST).
func (s *Session) serveTunnelGET(req *Request) {
	cookie := req.Get("x-sessioncookie")
	tunnels.put(cookie, s)
	s.tunnelCookie = cookie

	resp := &Response{Version: "HTTP/1.0", StatusCode: 200, Status: "OK"}
	resp.Set("Content-Type", tunnelContentType)
	resp.Set("Cache-Control", "no-store")
	resp.Set("Pragma", "no-store")
	s.writeResponse(resp)
}

// serveTunnelPOST implements spec.md §4.3.7's POST handler: look up the
// GET session by cookie, then continuously base64-decode the POST body
// and post the decoded bytes onto the GET session's poller as if they
// had arrived on its own connection.
func (s *Session) serveTunnelPOST(req *Request, body io.Reader) error {
	cookie := req.Get("x-sessioncookie")
	getSession := tunnels.takeGETSession(cookie)
	if getSession == nil {
		return io.EOF
	}

	resp := &Response{Version: "HTTP/1.0", StatusCode: 200, Status: "OK"}
	resp.Set("Content-Type", tunnelContentType)
	resp.Set("Cache-Control", "no-store")
	resp.Set("Pragma", "no-store")
	s.writeResponse(resp)

	dec := base64.NewDecoder(base64.StdEncoding, body)
	buf := make([]byte, 4096)
	for {
		n, err := dec.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			getSession.poll.Async(func() {
				getSession.injectBytes(chunk)
			})
		}
		if err != nil {
			return err
		}
	}
}

// injectBytes feeds tunnel-delivered bytes into this session's reader as
// if they had arrived on its own socket, draining through the normal
// ParseRequest/onInterleavedFrame path.
func (s *Session) injectBytes(b []byte) {
	s.injectedMu.Lock()
	s.injected = append(s.injected, b...)
	s.injectedMu.Unlock()
}

// tunnelReader wraps the GET session's bufio.Reader so Serve's read loop
// drains injected bytes instead of the (otherwise idle) underlying socket
// once tunneling has been established.
type tunnelReader struct {
	s *Session
}

// Read blocks in short polls until injected bytes are available or the
// session has closed. A GET-tunnel session has no real socket activity to
// wait on, so this replaces the select-on-fd the normal path uses.
func (t *tunnelReader) Read(p []byte) (int, error) {
	for {
		t.s.injectedMu.Lock()
		if len(t.s.injected) > 0 {
			n := copy(p, t.s.injected)
			t.s.injected = t.s.injected[n:]
			t.s.injectedMu.Unlock()
			return n, nil
		}
		t.s.injectedMu.Unlock()
		if t.s.closed {
			return 0, io.EOF
		}
		time.Sleep(10 * time.Millisecond)
	}
}
