package rtsp

import (
	"github.com/qlstream/rtspd/internal/mediatuple"
	"github.com/qlstream/rtspd/internal/registry"
)

// pushSource is the concrete registry.MediaSource an ANNOUNCE creates.
// Grounded on the teacher's Pusher type (pusher.go), narrowed to just the
// registry-facing surface: GOP caching, codec framing, and ring-buffer
// delivery belong to the muxer this session's MediaSourceEvent listener
// wraps, out of scope per spec §1.
type pushSource struct {
	base    registry.Base
	readers int
}

func newPushSource(schema string, tuple mediatuple.Tuple) *pushSource {
	src := &pushSource{}
	src.base.Init(src, schema, tuple)
	return src
}

func (p *pushSource) Base() *registry.Base { return &p.base }

func (p *pushSource) ReaderCount() int { return p.readers }
