package rtsp

import "github.com/teris-io/shortid"

// newToken concatenates shortid.Generate() calls until at least n
// characters are available, then trims to exactly n. shortid produces
// ~9-character base64-alphabet strings; spec.md fixes exact lengths (12
// for a session-id, 32 for a digest nonce) that a single call can't
// guarantee, so this loops the same generator the teacher already
// depends on rather than reaching for a second ID library.
func newToken(n int) string {
	out := make([]byte, 0, n+16)
	for len(out) < n {
		id, err := shortid.Generate()
		if err != nil {
			continue
		}
		out = append(out, id...)
	}
	return string(out[:n])
}

// newSessionID returns the 12-character session identifier spec.md §3
// negotiates per RTSP session.
func newSessionID() string { return newToken(12) }

// newNonce returns the 32-character digest-auth nonce spec.md §4.3.1
// captures as the session's _auth_nonce.
func newNonce() string { return newToken(32) }
