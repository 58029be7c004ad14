// Package server implements the listen-mode half of sowback: a control
// listener that accepts one TCP connection per client and runs a Session
// state machine over it.
package server

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/sowback/sowback/internal/logging"
	"github.com/sowback/sowback/internal/registry"
	"github.com/sowback/sowback/internal/shutdown"
	"github.com/sowback/sowback/internal/stats"
	"github.com/sowback/sowback/internal/wire"
)

// Options configures a Server. Fields mirror config.ServerConfig; kept as
// a separate, smaller type so internal/server does not import
// internal/config (config loading is an outer-layer concern).
type Options struct {
	ListenAddr string
	BindHost   string
	Token      string
	MaxClients int
	Name       string
}

// Server owns the control listener and every live Session.
type Server struct {
	shutdown.Helper

	opts atomic.Pointer[Options]

	listener net.Listener
	proxies  *registry.ProxyRegistry
	stats    stats.ConnStats

	mu          sync.Mutex
	sessions    map[string]*Session
	clientCount int32
}

// NewServer creates a Server. Call Run to start accepting.
func NewServer(logger logging.Logger, opts Options) *Server {
	s := &Server{
		proxies:  registry.NewProxyRegistry(),
		sessions: make(map[string]*Session),
	}
	s.opts.Store(&opts)
	s.InitHelper(logger.Fork("server %s", opts.Name), s)
	return s
}

// UpdateOptions swaps in a new Options, used for hot-reloading token and
// max_clients without restarting the listener.
func (s *Server) UpdateOptions(opts Options) {
	prev := s.opts.Load()
	opts.ListenAddr = prev.ListenAddr
	opts.BindHost = prev.BindHost
	s.opts.Store(&opts)
}

func (s *Server) options() Options {
	return *s.opts.Load()
}

// Run binds the control listener and accepts sessions until shutdown.
func (s *Server) Run() error {
	return s.DoOnceActivate(func() error {
		l, err := net.Listen("tcp", s.options().ListenAddr)
		if err != nil {
			return s.ELogErrorf("listen %s: %s", s.options().ListenAddr, err)
		}
		s.listener = l
		s.ShutdownWG().Add(1)
		go s.acceptLoop()
		s.ILogf("listening on %s", l.Addr())
		return nil
	}, true)
}

func (s *Server) acceptLoop() {
	defer s.ShutdownWG().Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ShutdownStartedChan():
				return
			default:
				s.ELogf("accept: %s", err)
				s.StartShutdown(err)
				return
			}
		}
		if max := s.options().MaxClients; max > 0 && int(atomic.LoadInt32(&s.clientCount)) >= max {
			s.WLogf("rejecting %s: max_clients (%d) reached", conn.RemoteAddr(), max)
			writeRejection(conn, "server is at capacity")
			conn.Close()
			continue
		}
		atomic.AddInt32(&s.clientCount, 1)
		s.stats.New()
		s.stats.Open()
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		atomic.AddInt32(&s.clientCount, -1)
		s.stats.Close()
	}()
	sess := newSession(s, conn)
	s.addSession(sess)
	s.AddChild(sess)
	defer s.removeSession(sess)
	sess.run()
}

func (s *Server) addSession(sess *Session) {
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
}

func (s *Server) removeSession(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	n := len(s.sessions)
	s.mu.Unlock()
	s.ILogf("session %s ended; %d active %s", sess.id, n, s.stats.String())
}

// HandleOnceShutdown implements shutdown.OnceShutdownHandler: closes the
// control listener. Every live Session was registered with AddChild as it
// was accepted, so the Helper cascades completionErr into each of them and
// waits for their teardown to finish before the server's own shutdown is
// considered done.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	if s.listener != nil {
		s.listener.Close()
	}
	return completionErr
}

// writeRejection gives a client turned away at max_clients a real reason
// instead of a bare connection reset.
func writeRejection(conn net.Conn, msg string) {
	payload, err := wire.Encode(&wire.Error{Message: msg})
	if err != nil {
		return
	}
	_ = wire.WriteFrame(conn, payload)
}
