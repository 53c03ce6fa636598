package rtsp

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/qlstream/rtspd/internal/config"
	"github.com/qlstream/rtspd/internal/logging"
	"github.com/qlstream/rtspd/internal/multicast"
	"github.com/qlstream/rtspd/internal/pushcmd"
	"github.com/qlstream/rtspd/internal/registry"
	"github.com/qlstream/rtspd/internal/webhook"
)

// Server owns the process-wide registry and accepts both plain RTSP-over-
// TCP connections and HTTP-tunnel GET/POST connections, per spec.md
// §4.3.7 and §4.3.8. Grounded on the teacher's rtsp-server.go Server,
// generalized from its single listener.Accept loop (which only ever saw
// raw RTSP) to two listeners sharing one Session/Serve dispatch, since a
// tunneled GET and its paired POST arrive as two ordinary TCP connections
// to the same handler.
type Server struct {
	cfg  *config.Config
	root *logrus.Logger
	log  *logrus.Entry
	reg  *registry.Registry

	rtspLn   net.Listener
	tunnelLn net.Listener

	sessMu   sync.Mutex
	sessions map[*Session]struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a Server bound to cfg, wiring the multicast relay, the
// on-demand push-command supervisor, and the webhook notifier against a
// freshly constructed registry. cmdFor may be nil to disable the
// supervisor entirely (spec.md §4.7 names it optional).
func New(cfg *config.Config, root *logrus.Logger, cmdFor pushcmd.CommandFor) *Server {
	reg := registry.New()

	srv := &Server{
		cfg:      cfg,
		root:     root,
		log:      logging.For(root, "server"),
		reg:      reg,
		sessions: make(map[*Session]struct{}),
		stopCh:   make(chan struct{}),
	}

	if cfg.Multicast.Enable {
		m, err := multicast.NewServer(cfg.Multicast.AddrMin, cfg.Multicast.AddrMax, cfg.Multicast.BindIface, cfg.Multicast.TTL, 0, 5*time.Minute)
		if err != nil {
			srv.log.WithError(err).Warn("multicast relay disabled: bind failed")
		} else {
			multicastSrv = m
		}
	}

	if len(cfg.Multicast.Peers) > 0 {
		gc, err := multicast.NewClient(cfg.Multicast.Peers)
		if err != nil {
			srv.log.WithError(err).Warn("multicast gossip disabled: dial failed")
		} else {
			multicastGossip = gc
		}
	}

	if cmdFor != nil {
		pushcmd.NewSupervisor(reg, "pushcmd", cmdFor, cfg.Cmd.MaxRestartCount,
			time.Duration(cfg.Cmd.RestartIntervalSecond)*time.Second, logging.For(root, "pushcmd"))
	}

	webhook.NewNotifier(cfg.Webhook).Wire(reg, "webhook")

	return srv
}

// Registry exposes the server's shared MediaSource registry, e.g. for an
// admin surface listing live streams.
func (srv *Server) Registry() *registry.Registry { return srv.reg }

// ListenAndServe binds the RTSP and HTTP-tunnel listeners and blocks
// accepting connections until Stop is called.
func (srv *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", srv.cfg.RTSP.Addr)
	if err != nil {
		return fmt.Errorf("rtsp listen: %w", err)
	}
	srv.rtspLn = ln
	go srv.acceptLoop(ln)

	if srv.cfg.RTSP.HTTPTunnelAddr != "" {
		tln, err := net.Listen("tcp", srv.cfg.RTSP.HTTPTunnelAddr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("http-tunnel listen: %w", err)
		}
		srv.tunnelLn = tln
		go srv.acceptLoop(tln)
	}

	go srv.manageLoop()

	srv.log.WithFields(logrus.Fields{
		"rtsp_addr":   srv.cfg.RTSP.Addr,
		"tunnel_addr": srv.cfg.RTSP.HTTPTunnelAddr,
	}).Info("rtspd listening")

	<-srv.stopCh
	return nil
}

// Stop closes both listeners, ending every acceptLoop and the manage
// loop, and unblocks ListenAndServe.
func (srv *Server) Stop() {
	srv.stopOnce.Do(func() {
		close(srv.stopCh)
		if srv.rtspLn != nil {
			srv.rtspLn.Close()
		}
		if srv.tunnelLn != nil {
			srv.tunnelLn.Close()
		}
	})
}

func (srv *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-srv.stopCh:
				return
			default:
			}
			srv.log.WithError(err).Warn("accept failed")
			return
		}
		go srv.serveConn(conn)
	}
}

// serveConn runs one connection's Session to completion. Both the RTSP
// listener and the HTTP-tunnel listener feed connections here: SETUP vs.
// GET/POST is decided per-request by Session.handleRequest, not per-
// listener, since a tunneled POST arrives on the tunnel listener but its
// paired GET session drives the actual RTSP dispatch.
func (srv *Server) serveConn(conn net.Conn) {
	sessLog := logging.ForSession(srv.root, "session", "-", conn.RemoteAddr().String())
	s := NewSession(conn, srv.reg, srv.cfg, sessLog)

	srv.sessMu.Lock()
	srv.sessions[s] = struct{}{}
	srv.sessMu.Unlock()

	defer func() {
		srv.sessMu.Lock()
		delete(srv.sessions, s)
		srv.sessMu.Unlock()
	}()

	s.Serve()
}

// manageLoop drives onManager across every live session, per spec.md
// §4.3.8's liveness tick. Grounded on the teacher's rtsp-server.go
// periodic time.AfterFunc sweep over its session map; routed through
// each session's own poller so onManager never runs concurrently with
// that session's own request handling.
func (srv *Server) manageLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-srv.stopCh:
			return
		case <-ticker.C:
			srv.sessMu.Lock()
			live := make([]*Session, 0, len(srv.sessions))
			for s := range srv.sessions {
				live = append(live, s)
			}
			srv.sessMu.Unlock()

			for _, s := range live {
				s.poll.Async(s.onManager)
			}
		}
	}
}
