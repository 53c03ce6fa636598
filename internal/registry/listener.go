package registry

import (
	"net"

	"github.com/qlstream/rtspd/internal/protoerr"
)

// MediaSourceEvent is the capability set spec.md §3 assigns to whatever
// owns a MediaSource (its muxer/pusher/session). Grounded on
// original_source/src/Common/MediaSource.h's MediaSourceEvent interface:
// every method there is a virtual with a default body, which Go expresses
// as NopListener satisfying the interface with no-op/zero-value defaults
// that embedders override selectively.
type MediaSourceEvent interface {
	// OnReaderChanged fires whenever the source's reader count changes.
	// NopListener's implementation does nothing: it does not close the
	// source or its owning connection when totalReaderCount drops to zero.
	OnReaderChanged(source MediaSource, totalReaderCount int)

	// OnRegist fires on registry Register/Unregister transitions.
	OnRegist(source MediaSource, registered bool)

	// TotalReaderCount lets a listener override the source's own
	// ReaderCount (e.g. a muxer counting reader across multiple output
	// protocols derived from one source).
	TotalReaderCount(source MediaSource) int

	// SeekTo requests the source replay from the given millisecond
	// offset. Returns false if the source cannot seek (live sources).
	SeekTo(source MediaSource, millisecond uint64) bool

	// Pause requests the source suspend/resume delivery (VOD only).
	Pause(source MediaSource, pause bool) bool

	// Speed requests the source scale playback rate (VOD only).
	Speed(source MediaSource, speed float64) bool

	// Close requests the listener tear down the underlying
	// connection/file owning this source.
	Close(source MediaSource) bool

	// LossRate returns the observed packet loss percentage for the given
	// track type, or -1 if unknown.
	LossRate(source MediaSource, trackType TrackType) int

	// OwnerPoller identifies which poller goroutine owns this source, so
	// cross-poller operations know whether they need to hop.
	OwnerPoller(source MediaSource) string

	// OriginURL is the source's upstream origin (e.g. the RTSP URL a
	// Pusher is pulling/relaying from), empty for locally-published
	// sources.
	OriginURL(source MediaSource) string

	// OriginAddr is the origin's peer network address, nil if unknown or
	// not applicable.
	OriginAddr(source MediaSource) net.Addr

	// StartSendRTP instructs the source to begin relaying a copy of its
	// stream to dstURL over the given transport (active push, spec §4.6).
	StartSendRTP(source MediaSource, dstURL string, transport string) error

	// StopSendRTP cancels a StartSendRTP relay previously started with
	// the same ssrc, or all relays if ssrc is empty.
	StopSendRTP(source MediaSource, ssrc string) error

	// IsRecording reports whether the source is currently being archived
	// to disk (MP4/HLS).
	IsRecording(source MediaSource) bool

	// AttachReader subscribes a ring-buffer reader to source's live RTP
	// batches, per spec.md §4.3.4's "attach to the source's ring buffer
	// on first PLAY". onBatch is invoked with each delivered batch;
	// ok=false means the source has no ring buffer to attach to (e.g. a
	// source still awaiting its first keyframe).
	AttachReader(source MediaSource, onBatch func(batch []RTPPacket)) (handle ReaderHandle, ok bool)
}

// RTPPacket is the minimal shape a ring-buffer delivery batch carries:
// enough for RtspSession to filter by track and forward, without this
// package needing to know the codec/muxer-level representation (out of
// scope per spec.md §1).
type RTPPacket struct {
	TrackIndex int
	Timestamp  uint32
	Payload    []byte // raw RTP packet, including its 12-byte header
}

// ReaderHandle is a detachable ring-buffer subscription.
type ReaderHandle interface {
	Detach()
}

// NopListener implements MediaSourceEvent with no-op or zero-value
// defaults, so a concrete owner can embed it and override only the
// methods it cares about.
type NopListener struct{}

func (NopListener) OnReaderChanged(source MediaSource, totalReaderCount int) {}
func (NopListener) OnRegist(source MediaSource, registered bool)             {}
func (NopListener) TotalReaderCount(source MediaSource) int                  { return source.ReaderCount() }
func (NopListener) SeekTo(source MediaSource, millisecond uint64) bool       { return false }
func (NopListener) Pause(source MediaSource, pause bool) bool                { return false }
func (NopListener) Speed(source MediaSource, speed float64) bool             { return false }
func (NopListener) Close(source MediaSource) bool                           { return false }
func (NopListener) LossRate(source MediaSource, trackType TrackType) int     { return -1 }
func (NopListener) OwnerPoller(source MediaSource) string                   { return "" }
func (NopListener) OriginURL(source MediaSource) string                     { return "" }
func (NopListener) OriginAddr(source MediaSource) net.Addr                  { return nil }
func (NopListener) StartSendRTP(source MediaSource, dstURL, transport string) error { return errNotImplemented }
func (NopListener) StopSendRTP(source MediaSource, ssrc string) error       { return errNotImplemented }
func (NopListener) IsRecording(source MediaSource) bool                     { return false }
func (NopListener) AttachReader(source MediaSource, onBatch func([]RTPPacket)) (ReaderHandle, bool) {
	return nil, false
}

var errNotImplemented = &notImplementedError{}

type notImplementedError struct{}

func (*notImplementedError) Error() string { return "not implemented by this media source" }

// Interceptor decorates a MediaSourceEvent with cross-cutting behavior
// (e.g. FlowReport accounting, webhook notification) while delegating
// everything else to the wrapped Next listener. Grounded on the original's
// MediaSourceEventInterceptor, including its guard against a listener
// delegating to itself (which would recurse forever).
type Interceptor struct {
	Next MediaSourceEvent
}

// NewInterceptor returns an Interceptor wrapping next, defaulting to
// NopListener when next is nil.
func NewInterceptor(next MediaSourceEvent) *Interceptor {
	if next == nil {
		next = NopListener{}
	}
	return &Interceptor{Next: next}
}

// SetNext replaces the interceptor's delegate, returning
// protoerr.InvalidArgument if next is the interceptor itself — the
// original's delegate_l asserts the same guard, since an interceptor
// delegating to itself would recurse forever.
func (i *Interceptor) SetNext(next MediaSourceEvent) error {
	if next == nil {
		next = NopListener{}
	}
	if existing, ok := next.(*Interceptor); ok && existing == i {
		return protoerr.InvalidArgument("interceptor cannot delegate to itself")
	}
	i.Next = next
	return nil
}

func (i *Interceptor) OnReaderChanged(source MediaSource, totalReaderCount int) {
	i.Next.OnReaderChanged(source, totalReaderCount)
}
func (i *Interceptor) OnRegist(source MediaSource, registered bool) {
	i.Next.OnRegist(source, registered)
}
func (i *Interceptor) TotalReaderCount(source MediaSource) int {
	return i.Next.TotalReaderCount(source)
}
func (i *Interceptor) SeekTo(source MediaSource, millisecond uint64) bool {
	return i.Next.SeekTo(source, millisecond)
}
func (i *Interceptor) Pause(source MediaSource, pause bool) bool {
	return i.Next.Pause(source, pause)
}
func (i *Interceptor) Speed(source MediaSource, speed float64) bool {
	return i.Next.Speed(source, speed)
}
func (i *Interceptor) Close(source MediaSource) bool {
	return i.Next.Close(source)
}
func (i *Interceptor) LossRate(source MediaSource, trackType TrackType) int {
	return i.Next.LossRate(source, trackType)
}
func (i *Interceptor) OwnerPoller(source MediaSource) string {
	return i.Next.OwnerPoller(source)
}
func (i *Interceptor) OriginURL(source MediaSource) string {
	return i.Next.OriginURL(source)
}
func (i *Interceptor) OriginAddr(source MediaSource) net.Addr {
	return i.Next.OriginAddr(source)
}
func (i *Interceptor) StartSendRTP(source MediaSource, dstURL, transport string) error {
	return i.Next.StartSendRTP(source, dstURL, transport)
}
func (i *Interceptor) StopSendRTP(source MediaSource, ssrc string) error {
	return i.Next.StopSendRTP(source, ssrc)
}
func (i *Interceptor) IsRecording(source MediaSource) bool {
	return i.Next.IsRecording(source)
}
func (i *Interceptor) AttachReader(source MediaSource, onBatch func([]RTPPacket)) (ReaderHandle, bool) {
	return i.Next.AttachReader(source, onBatch)
}
