package rtsp

import (
	"net"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/qlstream/rtspd/internal/config"
	"github.com/qlstream/rtspd/internal/mediatuple"
	"github.com/qlstream/rtspd/internal/protoerr"
	"github.com/qlstream/rtspd/internal/registry"
)

func newTestSession(t *testing.T, authRealm string) (*Session, *registry.Registry) {
	client, _ := net.Pipe()
	t.Cleanup(func() { client.Close() })

	cfg := config.Default()
	cfg.RTSP.AuthRealm = authRealm
	reg := registry.New()
	log := logrus.NewEntry(logrus.New())

	return NewSession(client, reg, &cfg, log), reg
}

func TestExpectedDigestResponseMatchesRFC2617Formula(t *testing.T) {
	h1 := ha1("alice", "cam-realm", "secret")
	got := ExpectedDigestResponse(h1, "abc123", "DESCRIBE", "rtsp://host/live/cam1")

	h2 := md5Hex("DESCRIBE:rtsp://host/live/cam1")
	want := md5Hex(h1 + ":abc123:" + h2)
	require.Equal(t, want, got)
}

func TestAuthenticateNoRealmConfiguredAllowsRequest(t *testing.T) {
	s, _ := newTestSession(t, "")
	req := &Request{Header: map[string]string{}}

	err := s.authenticate(req, mediatuple.Tuple{App: "live", Stream: "cam1"}, "DESCRIBE")
	require.NoError(t, err)
}

func TestAuthenticateMissingAuthorizationHeaderChallenges(t *testing.T) {
	s, reg := newTestSession(t, "")
	tuple := mediatuple.Tuple{App: "live", Stream: "cam1"}
	reg.OnGetRtspRealm("test", func(mediatuple.Tuple) string { return "cam-realm" })

	req := &Request{Header: map[string]string{}}
	err := s.authenticate(req, tuple, "DESCRIBE")

	var perr *protoerr.ProtocolError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, 401, perr.Status)
	require.NotEmpty(t, s.authNonce, "challenge must mint a fresh nonce")
}

func TestAuthenticateDigestRoundTripAccepted(t *testing.T) {
	s, reg := newTestSession(t, "cam-realm")
	tuple := mediatuple.Tuple{App: "live", Stream: "cam1"}
	reg.OnGetRtspRealm("test", func(mediatuple.Tuple) string { return "cam-realm" })

	storedHA1 := ha1("alice", "cam-realm", "secret")
	reg.OnRtspAuth("test", func(_ mediatuple.Tuple, user, realm string) (string, bool) {
		if user == "alice" && realm == "cam-realm" {
			return storedHA1, true
		}
		return "", false
	})

	// First request with no Authorization header triggers a challenge and
	// pins the nonce the client must echo back.
	firstErr := s.authenticate(&Request{Header: map[string]string{}}, tuple, "DESCRIBE")
	require.Error(t, firstErr)
	nonce := s.authNonce
	require.NotEmpty(t, nonce)

	response := ExpectedDigestResponse(storedHA1, nonce, "DESCRIBE", "rtsp://host/live/cam1")
	authHeader := `Digest username="alice", realm="cam-realm", nonce="` + nonce +
		`", uri="rtsp://host/live/cam1", response="` + response + `"`

	req := &Request{Header: map[string]string{"AUTHORIZATION": authHeader}}
	err := s.authenticate(req, tuple, "DESCRIBE")
	require.NoError(t, err)
}

func TestAuthenticateDigestWrongResponseRechallenges(t *testing.T) {
	s, reg := newTestSession(t, "cam-realm")
	tuple := mediatuple.Tuple{App: "live", Stream: "cam1"}
	reg.OnGetRtspRealm("test", func(mediatuple.Tuple) string { return "cam-realm" })
	reg.OnRtspAuth("test", func(_ mediatuple.Tuple, user, realm string) (string, bool) {
		return ha1("alice", "cam-realm", "secret"), true
	})

	_ = s.authenticate(&Request{Header: map[string]string{}}, tuple, "DESCRIBE")
	nonce := s.authNonce

	authHeader := `Digest username="alice", realm="cam-realm", nonce="` + nonce +
		`", uri="rtsp://host/live/cam1", response="deadbeef"`
	req := &Request{Header: map[string]string{"AUTHORIZATION": authHeader}}

	err := s.authenticate(req, tuple, "DESCRIBE")
	var perr *protoerr.ProtocolError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, 401, perr.Status)
}

func TestAuthenticateBasicRoundTripAccepted(t *testing.T) {
	s, reg := newTestSession(t, "cam-realm")
	tuple := mediatuple.Tuple{App: "live", Stream: "cam1"}
	reg.OnGetRtspRealm("test", func(mediatuple.Tuple) string { return "cam-realm" })
	reg.OnRtspAuth("test", func(_ mediatuple.Tuple, user, realm string) (string, bool) {
		if user == "alice" {
			return ha1("alice", "cam-realm", "secret"), true
		}
		return "", false
	})

	req := &Request{Header: map[string]string{"AUTHORIZATION": "Basic YWxpY2U6c2VjcmV0"}} // alice:secret
	err := s.authenticate(req, tuple, "DESCRIBE")
	require.NoError(t, err)
}

func TestAuthenticateNoSubscriberAllowsRequest(t *testing.T) {
	s, reg := newTestSession(t, "cam-realm")
	tuple := mediatuple.Tuple{App: "live", Stream: "cam1"}
	reg.OnGetRtspRealm("test", func(mediatuple.Tuple) string { return "cam-realm" })
	// No OnRtspAuth subscriber registered at all.

	req := &Request{Header: map[string]string{"AUTHORIZATION": "Basic YWxpY2U6c2VjcmV0"}}
	err := s.authenticate(req, tuple, "DESCRIBE")
	require.NoError(t, err, "an unconfigured credential lookup must not lock everyone out")
}

func TestAuthenticateBasicConfiguredChallengesWithBasic(t *testing.T) {
	client, _ := net.Pipe()
	t.Cleanup(func() { client.Close() })

	cfg := config.Default()
	cfg.RTSP.AuthRealm = "cam-realm"
	cfg.RTSP.AuthBasic = true
	reg := registry.New()
	reg.OnGetRtspRealm("test", func(mediatuple.Tuple) string { return "cam-realm" })

	s := NewSession(client, reg, &cfg, logrus.NewEntry(logrus.New()))
	require.Equal(t, AuthBasic, s.scheme, "AuthBasic config must select the Basic scheme")

	tuple := mediatuple.Tuple{App: "live", Stream: "cam1"}
	err := s.authenticate(&Request{Header: map[string]string{}}, tuple, "DESCRIBE")

	var perr *protoerr.ProtocolError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, 401, perr.Status)
	require.Contains(t, perr.Detail, "Basic realm=")
}

func TestParseDigestRejectsIncompleteHeader(t *testing.T) {
	_, ok := ParseDigest(`Digest username="alice", realm="cam-realm"`)
	require.False(t, ok)
}

func TestParseBasicRoundTrip(t *testing.T) {
	user, pass, ok := ParseBasic("Basic YWxpY2U6c2VjcmV0")
	require.True(t, ok)
	require.Equal(t, "alice", user)
	require.Equal(t, "secret", pass)
}

func TestParseBasicRejectsWrongScheme(t *testing.T) {
	_, _, ok := ParseBasic(`Digest username="alice"`)
	require.False(t, ok)
}
