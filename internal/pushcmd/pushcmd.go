// Package pushcmd supervises an external relay command (e.g. an ffmpeg
// pull) per registered source, restarting it with bounded retry.
// Grounded on the teacher's push-cmd.go CmdRepeatBag, rewired off
// registry.Broadcaster.OnMediaChanged instead of the server's raw
// addPusherCh/removePusherCh channel pair (spec.md §4.7, supplemented).
package pushcmd

import (
	"os/exec"
	"sync"
	"time"

	"github.com/emirpasic/gods/sets/hashset"
	"github.com/sirupsen/logrus"

	"github.com/qlstream/rtspd/internal/mediatuple"
	"github.com/qlstream/rtspd/internal/registry"
)

// CommandFor builds the external command line for a stream key, supplied
// by the caller (ffmpeg invocation shape is deployment-specific).
type CommandFor func(schema string, tuple mediatuple.Tuple) []string

// Supervisor restarts CommandFor's process whenever the registry reports
// a matching source's lifecycle, bounding restarts per spec.md §4.7.
type Supervisor struct {
	mu       sync.Mutex
	cmdFor   CommandFor
	maxTries int
	backoff  time.Duration
	log      *logrus.Entry

	running *hashset.Set // stream keys with an active bag
	bags    map[string]*repeatBag
}

// NewSupervisor builds a Supervisor and subscribes it to reg's
// MediaChanged broadcast. tag must be unique per Supervisor instance.
func NewSupervisor(reg *registry.Registry, tag string, cmdFor CommandFor, maxTries int, backoff time.Duration, log *logrus.Entry) *Supervisor {
	sup := &Supervisor{
		cmdFor:   cmdFor,
		maxTries: maxTries,
		backoff:  backoff,
		log:      log,
		running:  hashset.New(),
		bags:     make(map[string]*repeatBag),
	}
	reg.OnMediaChanged(tag, func(source registry.MediaSource, registered bool) {
		key := streamKey(source.Base().Schema(), source.Base().Tuple())
		if registered {
			sup.start(key, source.Base().Schema(), source.Base().Tuple())
		} else {
			sup.stop(key)
		}
	})
	return sup
}

func streamKey(schema string, tuple mediatuple.Tuple) string {
	return schema + "|" + tuple.Vhost + "|" + tuple.App + "|" + tuple.Stream
}

func (s *Supervisor) start(key, schema string, tuple mediatuple.Tuple) {
	s.mu.Lock()
	if s.running.Contains(key) {
		s.mu.Unlock()
		return
	}
	s.running.Add(key)
	bag := &repeatBag{maxTries: s.maxTries, backoff: s.backoff, log: s.log}
	s.bags[key] = bag
	s.mu.Unlock()

	args := s.cmdFor(schema, tuple)
	if len(args) == 0 {
		return
	}
	go bag.run(args)
}

func (s *Supervisor) stop(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bag, ok := s.bags[key]; ok {
		bag.cancel()
		delete(s.bags, key)
	}
	s.running.Remove(key)
}

// repeatBag runs one external command, restarting it up to maxTries times
// with a fixed backoff between attempts. Grounded on the teacher's
// CmdRepeatBag, unchanged in mechanism.
type repeatBag struct {
	mu        sync.Mutex
	maxTries  int
	backoff   time.Duration
	log       *logrus.Entry
	cancelled bool
}

func (b *repeatBag) cancel() {
	b.mu.Lock()
	b.cancelled = true
	b.mu.Unlock()
}

func (b *repeatBag) isCancelled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelled
}

func (b *repeatBag) run(args []string) {
	for attempt := 0; attempt < b.maxTries; attempt++ {
		if b.isCancelled() {
			return
		}
		cmd := exec.Command(args[0], args[1:]...)
		if err := cmd.Start(); err != nil {
			if b.log != nil {
				b.log.WithError(err).Warn("pushcmd: start failed")
			}
			time.Sleep(b.backoff)
			continue
		}
		err := cmd.Wait()
		if b.isCancelled() {
			return
		}
		if err == nil {
			return
		}
		if b.log != nil {
			b.log.WithError(err).Warnf("pushcmd: exited, retry %d/%d", attempt+1, b.maxTries)
		}
		time.Sleep(b.backoff)
	}
}
