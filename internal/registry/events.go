package registry

import (
	"sync"

	"github.com/qlstream/rtspd/internal/mediatuple"
)

// hook is a tag-keyed set of subscribers for one broadcast event. Tags let
// FindAsync register a one-shot, self-cancelling subscription without the
// registry needing to know anything about its caller.
type hook[F any] struct {
	mu   sync.RWMutex
	subs map[string]F
}

func newHook[F any]() *hook[F] { return &hook[F]{subs: make(map[string]F)} }

func (h *hook[F]) subscribe(tag string, fn F) {
	h.mu.Lock()
	h.subs[tag] = fn
	h.mu.Unlock()
}

func (h *hook[F]) unsubscribe(tag string) {
	h.mu.Lock()
	delete(h.subs, tag)
	h.mu.Unlock()
}

func (h *hook[F]) snapshot() []F {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]F, 0, len(h.subs))
	for _, fn := range h.subs {
		out = append(out, fn)
	}
	return out
}

// Broadcaster fans out the registry-wide events spec.md §6 names. A
// *Registry embeds one. Grounded on original_source/src/Common/
// MediaSource.cpp's NoticeCenter::emit calls scattered through regist_l,
// unregist_l, and findAsync_l (Broadcast::kBroadcastMediaChanged,
// kBroadcastNotFoundStream, kBroadcastStreamNoneReader, etc.), generalized
// from EasyDarwin's single webhook.ExecuteWebHookNotify call sites into a
// proper pub/sub surface multiple subscribers (webhook, pushcmd, metrics)
// can all hang off of independently.
type Broadcaster struct {
	mediaChanged        *hook[func(source MediaSource, registered bool)]
	notFoundStream       *hook[func(tuple mediatuple.Tuple, schema string) MediaSource]
	playerCountChanged   *hook[func(source MediaSource, count int)]
	streamNoneReader     *hook[func(source MediaSource)]
	flowReport           *hook[func(source MediaSource, totalBytes int64, durationSeconds int64, isPlayer bool)]
	mediaPublish         *hook[func(source MediaSource) error]
	mediaPlayed          *hook[func(source MediaSource, remoteAddr string) error]
	getRtspRealm         *hook[func(tuple mediatuple.Tuple) string]
	rtspAuth             *hook[func(tuple mediatuple.Tuple, user, realm string) (ha1 string, ok bool)]
}

func newBroadcaster() *Broadcaster {
	return &Broadcaster{
		mediaChanged:       newHook[func(MediaSource, bool)](),
		notFoundStream:     newHook[func(mediatuple.Tuple, string) MediaSource](),
		playerCountChanged: newHook[func(MediaSource, int)](),
		streamNoneReader:   newHook[func(MediaSource)](),
		flowReport:         newHook[func(MediaSource, int64, int64, bool)](),
		mediaPublish:       newHook[func(MediaSource) error](),
		mediaPlayed:        newHook[func(MediaSource, string) error](),
		getRtspRealm:       newHook[func(mediatuple.Tuple) string](),
		rtspAuth:           newHook[func(mediatuple.Tuple, string, string) (string, bool)](),
	}
}

// OnMediaChanged subscribes to Register/Unregister transitions under tag.
func (b *Broadcaster) OnMediaChanged(tag string, fn func(source MediaSource, registered bool)) {
	b.mediaChanged.subscribe(tag, fn)
}

// OffMediaChanged cancels a prior OnMediaChanged subscription. FindAsync
// uses this to unregister its one-shot waiter once it has fired.
func (b *Broadcaster) OffMediaChanged(tag string) { b.mediaChanged.unsubscribe(tag) }

func (b *Broadcaster) emitMediaChanged(source MediaSource, registered bool) {
	for _, fn := range b.mediaChanged.snapshot() {
		fn(source, registered)
	}
}

// OnNotFoundStream subscribes to FindAsync misses, giving a subscriber
// (e.g. an on-demand puller) a chance to synchronously publish the
// requested stream before FindAsync gives up and times out.
func (b *Broadcaster) OnNotFoundStream(tag string, fn func(tuple mediatuple.Tuple, schema string) MediaSource) {
	b.notFoundStream.subscribe(tag, fn)
}

func (b *Broadcaster) OffNotFoundStream(tag string) { b.notFoundStream.unsubscribe(tag) }

func (b *Broadcaster) emitNotFoundStream(tuple mediatuple.Tuple, schema string) MediaSource {
	for _, fn := range b.notFoundStream.snapshot() {
		if src := fn(tuple, schema); src != nil {
			return src
		}
	}
	return nil
}

// OnPlayerCountChanged subscribes to reader-count transitions.
func (b *Broadcaster) OnPlayerCountChanged(tag string, fn func(source MediaSource, count int)) {
	b.playerCountChanged.subscribe(tag, fn)
}
func (b *Broadcaster) OffPlayerCountChanged(tag string) { b.playerCountChanged.unsubscribe(tag) }

func (b *Broadcaster) emitPlayerCountChanged(source MediaSource, count int) {
	for _, fn := range b.playerCountChanged.snapshot() {
		fn(source, count)
	}
}

// OnStreamNoneReader subscribes to the zero-reader transition, the signal
// EasyDarwin's auto-close policy and spec §3's idle-source reaper both key
// off of.
func (b *Broadcaster) OnStreamNoneReader(tag string, fn func(source MediaSource)) {
	b.streamNoneReader.subscribe(tag, fn)
}
func (b *Broadcaster) OffStreamNoneReader(tag string) { b.streamNoneReader.unsubscribe(tag) }

func (b *Broadcaster) emitStreamNoneReader(source MediaSource) {
	for _, fn := range b.streamNoneReader.snapshot() {
		fn(source)
	}
}

// OnFlowReport subscribes to the teardown-time byte-count report a session
// emits. The webhook package does not subscribe to it.
func (b *Broadcaster) OnFlowReport(tag string, fn func(source MediaSource, totalBytes, durationSeconds int64, isPlayer bool)) {
	b.flowReport.subscribe(tag, fn)
}
func (b *Broadcaster) OffFlowReport(tag string) { b.flowReport.unsubscribe(tag) }

func (b *Broadcaster) EmitFlowReport(source MediaSource, totalBytes, durationSeconds int64, isPlayer bool) {
	for _, fn := range b.flowReport.snapshot() {
		fn(source, totalBytes, durationSeconds, isPlayer)
	}
}

// OnMediaPublish subscribes to ANNOUNCE/RECORD admission decisions: any
// subscriber returning a non-nil error vetoes the publish (used by the
// webhook's on_publish authorization hook).
func (b *Broadcaster) OnMediaPublish(tag string, fn func(source MediaSource) error) {
	b.mediaPublish.subscribe(tag, fn)
}
func (b *Broadcaster) OffMediaPublish(tag string) { b.mediaPublish.unsubscribe(tag) }

func (b *Broadcaster) EmitMediaPublish(source MediaSource) error {
	for _, fn := range b.mediaPublish.snapshot() {
		if err := fn(source); err != nil {
			return err
		}
	}
	return nil
}

// OnMediaPlayed subscribes to PLAY/DESCRIBE admission decisions, the
// on_play authorization hook.
func (b *Broadcaster) OnMediaPlayed(tag string, fn func(source MediaSource, remoteAddr string) error) {
	b.mediaPlayed.subscribe(tag, fn)
}
func (b *Broadcaster) OffMediaPlayed(tag string) { b.mediaPlayed.unsubscribe(tag) }

func (b *Broadcaster) EmitMediaPlayed(source MediaSource, remoteAddr string) error {
	for _, fn := range b.mediaPlayed.snapshot() {
		if err := fn(source, remoteAddr); err != nil {
			return err
		}
	}
	return nil
}

// OnGetRtspRealm subscribes to the realm-lookup hook: the first subscriber
// to return a non-empty realm turns on authentication for tuple (Digest,
// or Basic when the session's config selects it); no subscriber or an
// empty return means the stream is unauthenticated.
func (b *Broadcaster) OnGetRtspRealm(tag string, fn func(tuple mediatuple.Tuple) string) {
	b.getRtspRealm.subscribe(tag, fn)
}
func (b *Broadcaster) OffGetRtspRealm(tag string) { b.getRtspRealm.unsubscribe(tag) }

func (b *Broadcaster) EmitGetRtspRealm(tuple mediatuple.Tuple) string {
	for _, fn := range b.getRtspRealm.snapshot() {
		if realm := fn(tuple); realm != "" {
			return realm
		}
	}
	return ""
}

// OnRtspAuth subscribes to the credential-lookup hook backing Digest auth:
// a subscriber returns the user's HA1 and ok=true if it recognizes user.
func (b *Broadcaster) OnRtspAuth(tag string, fn func(tuple mediatuple.Tuple, user, realm string) (string, bool)) {
	b.rtspAuth.subscribe(tag, fn)
}
func (b *Broadcaster) OffRtspAuth(tag string) { b.rtspAuth.unsubscribe(tag) }

func (b *Broadcaster) EmitRtspAuth(tuple mediatuple.Tuple, user, realm string) (string, bool) {
	for _, fn := range b.rtspAuth.snapshot() {
		if ha1, ok := fn(tuple, user, realm); ok {
			return ha1, true
		}
	}
	return "", false
}
