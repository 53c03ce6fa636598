// Package registry implements the process-wide MediaSource directory:
// spec.md §4.1. Grounded on original_source/src/Common/MediaSource.cpp's
// s_media_source_map (four nested unordered_maps keyed by
// schema/vhost/app/stream, leaves weak_ptr<MediaSource>) and on
// EasyDarwin's single-level, single-schema equivalent
// (rtsp-server.go's `pushers map[string]*Pusher` + pushersLock).
package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/qlstream/rtspd/internal/mediatuple"
)

// TrackType distinguishes the two byte-rate counters a MediaSource keeps.
type TrackType int

const (
	TrackVideo TrackType = iota
	TrackAudio
)

// MediaSource is the capability set spec.md §3 describes: a virtual entity
// identified by (schema, MediaTuple), polymorphic over its concrete
// implementation (RTMP/RTSP/HLS/MP4 source, ...). Concrete types embed
// *Base and implement ReaderCount themselves, the one operation the spec
// calls out as inherently type-specific.
type MediaSource interface {
	// Base returns the shared bookkeeping struct the registry takes a weak
	// reference to. Concrete types get this for free by embedding Base.
	Base() *Base
	// ReaderCount is the source's own idea of how many readers it has
	// (e.g. live subscribers to its ring buffer). MediaSourceEvent's
	// TotalReaderCount defaults to this when no listener is attached.
	ReaderCount() int
}

// Base is embedded by every concrete MediaSource implementation. It is the
// registry's unit of weak reference: the registry never holds a *Base
// (or the MediaSource wrapping it) strongly, only weak.Pointer[Base]. The
// owning pusher/session/MP4 reader holds the strong reference that keeps
// the concrete value — and therefore this Base — alive.
type Base struct {
	self MediaSource

	schema string
	tuple  mediatuple.Tuple

	createdAt time.Time
	ticker    aliveTicker

	videoSpeed speedCounter
	audioSpeed speedCounter

	owned atomic.Bool

	listenerMu sync.Mutex
	listener   MediaSourceEvent
}

// Init wires self (the concrete value embedding this Base) and the
// source's identity. Concrete constructors must call this exactly once
// before the source is registered.
func (b *Base) Init(self MediaSource, schema string, tuple mediatuple.Tuple) {
	b.self = self
	b.schema = schema
	b.tuple = tuple
	b.createdAt = time.Now()
	b.ticker.reset()
}

// Base implements the MediaSource.Base() accessor so embedders get it for
// free.
func (b *Base) Base() *Base { return b }

// Self returns the concrete MediaSource wrapping this Base, or nil if Init
// was never called (should not happen for a registered source).
func (b *Base) Self() MediaSource { return b.self }

// Schema reports the source's schema (rtsp, rtmp, hls, ...).
func (b *Base) Schema() string { return b.schema }

// Tuple reports the source's (vhost, app, stream, params) identity.
func (b *Base) Tuple() mediatuple.Tuple { return b.tuple }

// CreatedAt is the wall-clock registration time, for display purposes only.
func (b *Base) CreatedAt() time.Time { return b.createdAt }

// AliveSeconds uses a monotonic ticker so a wall-clock adjustment never
// makes a source appear to age backwards or jump forward.
func (b *Base) AliveSeconds() int64 { return b.ticker.elapsed() / int64(time.Second) }

// AddBytes accounts len bytes of RTP payload against the given track's
// byte-rate counter.
func (b *Base) AddBytes(track TrackType, n int) {
	switch track {
	case TrackVideo:
		b.videoSpeed.add(n)
	case TrackAudio:
		b.audioSpeed.add(n)
	}
}

// BytesSpeed returns the smoothed bytes/sec for the given track.
func (b *Base) BytesSpeed(track TrackType) float64 {
	switch track {
	case TrackVideo:
		return b.videoSpeed.speed()
	case TrackAudio:
		return b.audioSpeed.speed()
	default:
		return b.videoSpeed.speed() + b.audioSpeed.speed()
	}
}

// Listener returns the currently attached MediaSourceEvent, or nil.
func (b *Base) Listener() MediaSourceEvent {
	b.listenerMu.Lock()
	defer b.listenerMu.Unlock()
	return b.listener
}

// SetListener attaches the owning muxer/pusher's event surface.
func (b *Base) SetListener(l MediaSourceEvent) {
	b.listenerMu.Lock()
	b.listener = l
	b.listenerMu.Unlock()
}

// AcquireOwnership implements the spec's single-holder ownership token: the
// first caller gets a release func that must be called exactly once (e.g.
// via defer) to give the token back up. Subsequent callers get ok=false
// until release runs.
func (b *Base) AcquireOwnership() (release func(), ok bool) {
	if !b.owned.CompareAndSwap(false, true) {
		return nil, false
	}
	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			b.owned.Store(false)
		}
	}, true
}

// aliveTicker measures elapsed time off the monotonic clock (time.Since),
// immune to wall-clock changes, per spec.md §3 "monotonic alive-time
// ticker". Grounded on the original's Ticker::createdTime() comment in
// MediaSource.cpp ("prevent system time modification causing rollback").
type aliveTicker struct {
	start time.Time
}

func (t *aliveTicker) reset()         { t.start = time.Now() }
func (t *aliveTicker) elapsed() int64 { return int64(time.Since(t.start)) }

// speedCounter is a simple decaying-window byte-rate counter: bytes added
// in the current one-second bucket become "speed" once the bucket rolls
// over, matching the coarse-grained per-second throughput the spec's
// byte-rate counters need (display/flow-report use only, not a scheduler
// input).
type speedCounter struct {
	mu          sync.Mutex
	bucketStart time.Time
	bucketBytes int64
	lastSpeed   float64
	total       int64
}

func (c *speedCounter) add(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if c.bucketStart.IsZero() {
		c.bucketStart = now
	}
	c.bucketBytes += int64(n)
	c.total += int64(n)
	if now.Sub(c.bucketStart) >= time.Second {
		c.lastSpeed = float64(c.bucketBytes) / now.Sub(c.bucketStart).Seconds()
		c.bucketBytes = 0
		c.bucketStart = now
	}
}

func (c *speedCounter) speed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSpeed
}

func (c *speedCounter) totalBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}
