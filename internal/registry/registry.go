package registry

import (
	"sync"
	"time"
	"weak"

	"github.com/teris-io/shortid"

	"github.com/qlstream/rtspd/internal/mediatuple"
	"github.com/qlstream/rtspd/internal/poller"
	"github.com/qlstream/rtspd/internal/protoerr"
)

// Registry is the process-wide MediaSource directory: spec.md §4.1's
// four-level schema→vhost→app→stream map, one mutex, weak leaves.
// Grounded on original_source/src/Common/MediaSource.cpp's
// s_media_source_map + s_media_source_mtx (a single recursive_mutex
// guarding all four nesting levels) and on EasyDarwin's flatter
// rtsp-server.go pushers map + pushersLock, generalized to the full
// nesting the original implements.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]vhostMap

	*Broadcaster
}

type vhostMap map[string]appMap
type appMap map[string]streamMap
type streamMap map[string]weak.Pointer[Base]

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		schemas:     make(map[string]vhostMap),
		Broadcaster: newBroadcaster(),
	}
}

// Register installs source into the directory under (schema, its Tuple).
// It returns protoerr.AlreadyPublishing if a live source already occupies
// that slot, matching the original's regist_l replace-or-reject behavior
// restricted to reject (spec.md §4.1 bullet 2: "publishing a stream whose
// tuple is already live is refused, not replaced"). Re-registering the same
// source that already occupies its slot is a no-op, per spec.md §4.1's
// idempotency requirement.
func (r *Registry) Register(source MediaSource) error {
	base := source.Base()
	schema := base.Schema()
	tuple := base.Tuple()

	r.mu.Lock()
	vhosts, ok := r.schemas[schema]
	if !ok {
		vhosts = make(vhostMap)
		r.schemas[schema] = vhosts
	}
	apps, ok := vhosts[tuple.Vhost]
	if !ok {
		apps = make(appMap)
		vhosts[tuple.Vhost] = apps
	}
	streams, ok := apps[tuple.App]
	if !ok {
		streams = make(streamMap)
		apps[tuple.App] = streams
	}
	if existing, ok := streams[tuple.Stream]; ok {
		if live := existing.Value(); live != nil {
			r.mu.Unlock()
			if live == base {
				return nil
			}
			return protoerr.AlreadyPublishing(schema + "/" + tuple.App + "/" + tuple.Stream)
		}
	}
	streams[tuple.Stream] = weak.Make(base)
	r.mu.Unlock()

	r.emitMediaChanged(source, true)
	return nil
}

// Unregister removes source from the directory if it is still the
// occupant of its slot (a source that was never Registered, or that lost
// its slot to a lazily-collected entry already replaced by another
// Register, is a harmless no-op).
func (r *Registry) Unregister(source MediaSource) {
	base := source.Base()
	schema := base.Schema()
	tuple := base.Tuple()

	r.mu.Lock()
	removed := false
	if vhosts, ok := r.schemas[schema]; ok {
		if apps, ok := vhosts[tuple.Vhost]; ok {
			if streams, ok := apps[tuple.App]; ok {
				if existing, ok := streams[tuple.Stream]; ok && existing.Value() == base {
					delete(streams, tuple.Stream)
					removed = true
					if len(streams) == 0 {
						delete(apps, tuple.App)
					}
					if len(apps) == 0 {
						delete(vhosts, tuple.Vhost)
					}
					if len(vhosts) == 0 {
						delete(r.schemas, schema)
					}
				}
			}
		}
	}
	r.mu.Unlock()

	if removed {
		r.emitMediaChanged(source, false)
	}
}

// Find resolves (schema, tuple) to its live MediaSource, or nil. A slot
// whose weak reference has been collected is lazily pruned.
func (r *Registry) Find(schema string, tuple mediatuple.Tuple) MediaSource {
	r.mu.RLock()
	leaf, ok := r.lookup(schema, tuple)
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	base := leaf.Value()
	if base == nil {
		r.pruneDead(schema, tuple)
		return nil
	}
	return base.Self()
}

func (r *Registry) lookup(schema string, tuple mediatuple.Tuple) (weak.Pointer[Base], bool) {
	vhosts, ok := r.schemas[schema]
	if !ok {
		return weak.Pointer[Base]{}, false
	}
	apps, ok := vhosts[tuple.Vhost]
	if !ok {
		return weak.Pointer[Base]{}, false
	}
	streams, ok := apps[tuple.App]
	if !ok {
		return weak.Pointer[Base]{}, false
	}
	leaf, ok := streams[tuple.Stream]
	return leaf, ok
}

func (r *Registry) pruneDead(schema string, tuple mediatuple.Tuple) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vhosts, ok := r.schemas[schema]
	if !ok {
		return
	}
	apps, ok := vhosts[tuple.Vhost]
	if !ok {
		return
	}
	streams, ok := apps[tuple.App]
	if !ok {
		return
	}
	if existing, ok := streams[tuple.Stream]; ok && existing.Value() == nil {
		delete(streams, tuple.Stream)
	}
}

// ForEach visits every live MediaSource across all schemas/vhosts/apps,
// pruning any dead weak reference it encounters along the way. The live
// sources are collected under the read lock and fn is called after the
// lock is released. Visiting stops early if fn returns false. Grounded on
// the original's for_each_media_l template recursion over the same four
// levels.
func (r *Registry) ForEach(fn func(MediaSource) bool) {
	var dead []deadSlot
	var live []MediaSource

	r.mu.RLock()
	for schema, vhosts := range r.schemas {
		for vhost, apps := range vhosts {
			for app, streams := range apps {
				for stream, leaf := range streams {
					base := leaf.Value()
					if base == nil {
						dead = append(dead, deadSlot{schema, mediatuple.Tuple{Vhost: vhost, App: app, Stream: stream}})
						continue
					}
					live = append(live, base.Self())
				}
			}
		}
	}
	r.mu.RUnlock()
	r.pruneAll(dead)

	for _, src := range live {
		if !fn(src) {
			return
		}
	}
}

type deadSlot struct {
	schema string
	tuple  mediatuple.Tuple
}

func (r *Registry) pruneAll(slots []deadSlot) {
	for _, s := range slots {
		r.pruneDead(s.schema, s.tuple)
	}
}

// FindAsync resolves (schema, tuple) the way spec.md §4.1 bullet 4
// describes: try synchronously first; if that misses, give subscribers a
// chance to publish it on demand (OnNotFoundStream), then wait up to
// timeout for a matching Register before giving up. cb fires exactly once,
// posted onto p, with either the found source or nil on timeout. Grounded
// on the original's findAsync_l: an atomic_flag latch plus a
// kBroadcastNotFoundStream emission plus a timed NoticeCenter listener.
func (r *Registry) FindAsync(schema string, tuple mediatuple.Tuple, p *poller.Poller, timeout time.Duration, cb func(MediaSource)) {
	if src := r.Find(schema, tuple); src != nil {
		p.Async(func() { cb(src) })
		return
	}

	tag, err := shortid.Generate()
	if err != nil {
		tag = schema + "|" + tuple.Vhost + "|" + tuple.App + "|" + tuple.Stream
	}

	var once sync.Once
	var timerMu sync.Mutex
	var timer *poller.Timer

	fire := func(src MediaSource) {
		once.Do(func() {
			r.OffMediaChanged(tag)
			timerMu.Lock()
			if timer != nil {
				timer.Cancel()
			}
			timerMu.Unlock()
			p.Async(func() { cb(src) })
		})
	}

	r.OnMediaChanged(tag, func(source MediaSource, registered bool) {
		if registered && source.Base().Schema() == schema && mediatuple.Equal(source.Base().Tuple(), tuple) {
			fire(source)
		}
	})

	if src := r.emitNotFoundStream(tuple, schema); src != nil {
		fire(src)
		return
	}

	timerMu.Lock()
	timer = p.AfterFunc(timeout, func() { fire(nil) })
	timerMu.Unlock()
}
