package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qlstream/rtspd/internal/config"
	"github.com/qlstream/rtspd/internal/mediatuple"
	"github.com/qlstream/rtspd/internal/registry"
)

type fakeSource struct {
	registry.Base
}

func newFakeSource(schema string, tuple mediatuple.Tuple) *fakeSource {
	s := &fakeSource{}
	s.Base.Init(s, schema, tuple)
	return s
}

func (s *fakeSource) ReaderCount() int { return 0 }

func TestPostDecisionAllowsOnCodeZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		require.Equal(t, "on_publish", ev.Action)
		require.NoError(t, json.NewEncoder(w).Encode(decisionResponse{Code: 0}))
	}))
	defer srv.Close()

	n := NewNotifier(config.Webhook{TimeoutMs: 1000})
	err := n.postDecision(srv.URL, event{Action: "on_publish"})
	require.NoError(t, err)
}

func TestPostDecisionDeniesOnNonZeroCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(decisionResponse{Code: 1, Msg: "blacklisted"}))
	}))
	defer srv.Close()

	n := NewNotifier(config.Webhook{TimeoutMs: 1000})
	err := n.postDecision(srv.URL, event{Action: "on_play"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "blacklisted")
}

func TestPostDecisionDeniesOnNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	n := NewNotifier(config.Webhook{TimeoutMs: 1000})
	err := n.postDecision(srv.URL, event{Action: "on_publish"})
	require.Error(t, err)
}

func TestPostDecisionTreatsUnstructuredBodyAsAllow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK")) // not JSON, matches the teacher's lenient legacy responders
	}))
	defer srv.Close()

	n := NewNotifier(config.Webhook{TimeoutMs: 1000})
	err := n.postDecision(srv.URL, event{Action: "on_publish"})
	require.NoError(t, err)
}

func TestWireEmptyURLSkipsNotification(t *testing.T) {
	n := NewNotifier(config.Webhook{TimeoutMs: 1000}) // OnPublish/OnPlay left empty
	reg := registry.New()
	n.Wire(reg, "test")

	src := newFakeSource("rtsp", mediatuple.Tuple{App: "live", Stream: "cam1"})
	err := reg.EmitMediaPublish(src)
	require.NoError(t, err, "no URL configured means the hook is a silent no-op, never a denial")
}

func TestWirePublishDenialVetoesRegistryAdmission(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(decisionResponse{Code: 1, Msg: "denied"}))
	}))
	defer srv.Close()

	n := NewNotifier(config.Webhook{TimeoutMs: 1000, OnPublish: srv.URL})
	reg := registry.New()
	n.Wire(reg, "test")

	src := newFakeSource("rtsp", mediatuple.Tuple{App: "live", Stream: "cam1"})
	err := reg.EmitMediaPublish(src)
	require.Error(t, err)
}

func TestWireGetRtspRealmFetchesFromOnAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev authEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		require.Equal(t, "on_get_realm", ev.Action)
		require.NoError(t, json.NewEncoder(w).Encode(realmResponse{Code: 0, Realm: "cam-realm"}))
	}))
	defer srv.Close()

	n := NewNotifier(config.Webhook{TimeoutMs: 1000, OnAuth: srv.URL})
	reg := registry.New()
	n.Wire(reg, "test")

	realm := reg.EmitGetRtspRealm(mediatuple.Tuple{App: "live", Stream: "cam1"})
	require.Equal(t, "cam-realm", realm)
}

func TestWireGetRtspRealmEmptyURLReturnsEmpty(t *testing.T) {
	n := NewNotifier(config.Webhook{TimeoutMs: 1000}) // OnAuth left empty
	reg := registry.New()
	n.Wire(reg, "test")

	realm := reg.EmitGetRtspRealm(mediatuple.Tuple{App: "live", Stream: "cam1"})
	require.Empty(t, realm)
}

func TestWireRtspAuthFetchesHA1FromOnAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev authEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		require.Equal(t, "on_rtsp_auth", ev.Action)
		require.Equal(t, "alice", ev.User)
		require.Equal(t, "cam-realm", ev.Realm)
		require.NoError(t, json.NewEncoder(w).Encode(authLookupResponse{Code: 0, HA1: "deadbeef"}))
	}))
	defer srv.Close()

	n := NewNotifier(config.Webhook{TimeoutMs: 1000, OnAuth: srv.URL})
	reg := registry.New()
	n.Wire(reg, "test")

	ha1, ok := reg.EmitRtspAuth(mediatuple.Tuple{App: "live", Stream: "cam1"}, "alice", "cam-realm")
	require.True(t, ok)
	require.Equal(t, "deadbeef", ha1)
}

func TestWireRtspAuthUnknownUserReturnsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(authLookupResponse{Code: 1}))
	}))
	defer srv.Close()

	n := NewNotifier(config.Webhook{TimeoutMs: 1000, OnAuth: srv.URL})
	reg := registry.New()
	n.Wire(reg, "test")

	_, ok := reg.EmitRtspAuth(mediatuple.Tuple{App: "live", Stream: "cam1"}, "mallory", "cam-realm")
	require.False(t, ok)
}

func TestWirePlayCarriesRemoteAddr(t *testing.T) {
	received := make(chan event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev event
		_ = json.NewDecoder(r.Body).Decode(&ev)
		received <- ev
		_ = json.NewEncoder(w).Encode(decisionResponse{Code: 0})
	}))
	defer srv.Close()

	n := NewNotifier(config.Webhook{TimeoutMs: 1000, OnPlay: srv.URL})
	reg := registry.New()
	n.Wire(reg, "test")

	src := newFakeSource("rtsp", mediatuple.Tuple{App: "live", Stream: "cam1"})
	err := reg.EmitMediaPlayed(src, "203.0.113.7:51000")
	require.NoError(t, err)

	select {
	case ev := <-received:
		require.Equal(t, "on_play", ev.Action)
		require.Equal(t, "203.0.113.7:51000", ev.RemoteAddr)
	case <-time.After(time.Second):
		t.Fatal("webhook never received the on_play notification")
	}
}
