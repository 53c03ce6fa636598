// Package webhook POSTs registry lifecycle events to configured URLs and
// interprets the response as an allow/deny decision. Grounded on the
// teacher's rtsp-webhook.go WebHookInfo/ExecuteWebHookNotify, generalized
// from its four fixed action types (on_play/on_stop/on_publish/
// on_teardown) to the five hooks Wire subscribes: publish, play,
// none-reader, realm lookup and credential lookup.
package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/qlstream/rtspd/internal/config"
	"github.com/qlstream/rtspd/internal/mediatuple"
	"github.com/qlstream/rtspd/internal/registry"
)

// Notifier POSTs JSON event payloads to the configured webhook URLs. The
// teacher itself uses only net/http/encoding/json for this (see
// DESIGN.md): no pack example reaches for an HTTP client library for
// simple outbound JSON, so stdlib is kept here deliberately.
type Notifier struct {
	cfg    config.Webhook
	client *http.Client
}

// NewNotifier builds a Notifier bound to cfg's URLs and timeout.
func NewNotifier(cfg config.Webhook) *Notifier {
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond},
	}
}

// Wire subscribes this Notifier's handlers onto reg, gating publish/play
// admission and observing the none-reader and auth-lookup events.
func (n *Notifier) Wire(reg *registry.Registry, tag string) {
	reg.OnMediaPublish(tag, func(source registry.MediaSource) error {
		if n.cfg.OnPublish == "" {
			return nil
		}
		return n.postDecision(n.cfg.OnPublish, event{
			Schema: source.Base().Schema(),
			Tuple:  source.Base().Tuple(),
			Action: "on_publish",
		})
	})
	reg.OnMediaPlayed(tag, func(source registry.MediaSource, remoteAddr string) error {
		if n.cfg.OnPlay == "" {
			return nil
		}
		return n.postDecision(n.cfg.OnPlay, event{
			Schema:     source.Base().Schema(),
			Tuple:      source.Base().Tuple(),
			Action:     "on_play",
			RemoteAddr: remoteAddr,
		})
	})
	reg.OnStreamNoneReader(tag, func(source registry.MediaSource) {
		if n.cfg.OnNoneReader == "" {
			return
		}
		_ = n.post(n.cfg.OnNoneReader, event{
			Schema: source.Base().Schema(),
			Tuple:  source.Base().Tuple(),
			Action: "on_none_reader",
		})
	})
	reg.OnGetRtspRealm(tag, func(tuple mediatuple.Tuple) string {
		if n.cfg.OnAuth == "" {
			return ""
		}
		return n.fetchRealm(tuple)
	})
	reg.OnRtspAuth(tag, func(tuple mediatuple.Tuple, user, realm string) (string, bool) {
		if n.cfg.OnAuth == "" {
			return "", false
		}
		return n.fetchHA1(tuple, user, realm)
	})
}

type event struct {
	Schema     string           `json:"schema"`
	Tuple      mediatuple.Tuple `json:"tuple"`
	Action     string           `json:"action"`
	RemoteAddr string           `json:"remote_addr,omitempty"`
}

// authEvent is the request body posted to Webhook.OnAuth: a realm lookup
// carries just the tuple; a credential lookup also carries the username
// and the realm the session already challenged with.
type authEvent struct {
	Schema string           `json:"schema"`
	Tuple  mediatuple.Tuple `json:"tuple"`
	Action string           `json:"action"`
	User   string           `json:"user,omitempty"`
	Realm  string           `json:"realm,omitempty"`
}

type realmResponse struct {
	Code  int    `json:"code"`
	Realm string `json:"realm"`
}

type authLookupResponse struct {
	Code int    `json:"code"`
	HA1  string `json:"ha1"`
}

// fetchRealm asks Webhook.OnAuth which realm (if any) gates tuple. An
// empty realm, a status other than 200, or a non-zero decision code all mean the
// stream is unauthenticated, matching EmitGetRtspRealm's own convention.
func (n *Notifier) fetchRealm(tuple mediatuple.Tuple) string {
	var dec realmResponse
	if err := n.postAuth(authEvent{Tuple: tuple, Action: "on_get_realm"}, &dec); err != nil || dec.Code != 0 {
		return ""
	}
	return dec.Realm
}

// fetchHA1 asks Webhook.OnAuth for user's stored HA1 under realm.
func (n *Notifier) fetchHA1(tuple mediatuple.Tuple, user, realm string) (string, bool) {
	var dec authLookupResponse
	ev := authEvent{Tuple: tuple, Action: "on_rtsp_auth", User: user, Realm: realm}
	if err := n.postAuth(ev, &dec); err != nil || dec.Code != 0 || dec.HA1 == "" {
		return "", false
	}
	return dec.HA1, true
}

func (n *Notifier) postAuth(ev authEvent, dec interface{}) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	resp, err := n.client.Post(n.cfg.OnAuth, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook %s: status %d", ev.Action, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dec)
}

type decisionResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// postDecision POSTs ev to url and returns non-nil if the remote denied
// the action (non-zero code per the teacher's convention, or an HTTP
// status other than 200), matching the publish/play invoker contract spec.md §6
// names: empty error string means allow.
func (n *Notifier) postDecision(url string, ev event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook %s: status %d", ev.Action, resp.StatusCode)
	}
	var dec decisionResponse
	if err := json.NewDecoder(resp.Body).Decode(&dec); err != nil {
		return nil // no structured body: treat as allow, matching the teacher's lenient parse
	}
	if dec.Code != 0 {
		return fmt.Errorf("webhook %s denied: %s", ev.Action, dec.Msg)
	}
	return nil
}

func (n *Notifier) post(url string, ev event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	return resp.Body.Close()
}
