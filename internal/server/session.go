package server

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sowback/sowback/internal/cryptox"
	"github.com/sowback/sowback/internal/idkit"
	"github.com/sowback/sowback/internal/logging"
	"github.com/sowback/sowback/internal/pump"
	"github.com/sowback/sowback/internal/registry"
	"github.com/sowback/sowback/internal/tunnelerr"
	"github.com/sowback/sowback/internal/wire"
)

// heartbeatTimeout is the server-side idle timeout applied uniformly to
// every session, since the server does not know the client's configured
// heartbeat_interval.
const heartbeatTimeout = 60 * time.Second

// pendingConnCapacity bounds in-flight NewConnection awaits per proxy.
const pendingConnCapacity = 128

// pendingDialTimeout is how long the server waits for a ConnectionResponse
// before giving up on a pending public connection.
const pendingDialTimeout = 10 * time.Second

// serverProxy is the server-side runtime state for one registered service:
// the bound public listener and its acceptor loop. registry.Proxy only
// carries the bookkeeping fields shared with the port-uniqueness index;
// this struct carries the live listener and session back-reference.
type serverProxy struct {
	id         string
	remotePort uint16
	localIP    string
	localPort  uint16
	listener   net.Listener
	session    *Session

	pendingCount int32
}

type pendingConn struct {
	conn  net.Conn
	proxy *serverProxy
	timer *time.Timer
}

// Session is the server-side state machine for one authenticated client:
// AwaitAuth, then Ready, dispatching ProxyConfig, ConnectionResponse, Data,
// CloseConnection, and Heartbeat until a fatal error or the control socket
// closes.
type Session struct {
	id     string
	server *Server
	logger logging.Logger
	conn   net.Conn
	fw     *wire.FrameWriter

	clientID   string
	sessionKey []byte

	proxiesMu sync.Mutex
	proxies   map[string]*serverProxy

	pendingMu   sync.Mutex
	pendingConn map[string]*pendingConn

	connections *registry.ConnectionRegistry
	pumpsMu     sync.Mutex
	pumps       map[string]*pump.Connection

	lastHeartbeat atomic.Int64 // unix seconds

	closeOnce sync.Once
	doneCh    chan struct{}
}

func newSession(server *Server, conn net.Conn) *Session {
	s := &Session{
		id:          idkit.New(),
		server:      server,
		logger:      server.Logger.Fork("session %s", conn.RemoteAddr()),
		conn:        conn,
		fw:          wire.NewFrameWriter(conn),
		proxies:     make(map[string]*serverProxy),
		pendingConn: make(map[string]*pendingConn),
		connections: registry.NewConnectionRegistry(),
		pumps:       make(map[string]*pump.Connection),
		doneCh:      make(chan struct{}),
	}
	s.lastHeartbeat.Store(time.Now().Unix())
	return s
}

// run drives the session to completion, blocking until it terminates.
func (s *Session) run() {
	if err := s.authenticate(); err != nil {
		s.logger.WLogf("auth failed: %s", err)
		s.teardown(err)
		return
	}
	s.logger = s.logger.Fork("client %s", s.clientID)
	s.logger.ILogf("authenticated")

	go s.heartbeatWatchdog()

	for {
		payload, err := wire.ReadFrame(s.conn)
		if err != nil {
			s.teardown(tunnelerr.New(tunnelerr.KindIO, err))
			return
		}
		msg, err := wire.Decode(payload)
		if err != nil {
			s.teardown(tunnelerr.New(tunnelerr.KindProtocol, err))
			return
		}
		if err := s.dispatch(msg); err != nil {
			if te, ok := err.(*tunnelerr.Error); ok && !te.Kind.KillsSession() {
				s.logger.WLogf("connection-scoped error: %s", err)
				continue
			}
			s.teardown(err)
			return
		}
	}
}

func (s *Session) authenticate() error {
	payload, err := wire.ReadFrame(s.conn)
	if err != nil {
		return tunnelerr.New(tunnelerr.KindIO, err)
	}
	msg, err := wire.Decode(payload)
	if err != nil {
		return tunnelerr.New(tunnelerr.KindProtocol, err)
	}
	auth, ok := msg.(*wire.Auth)
	if !ok {
		return tunnelerr.New(tunnelerr.KindProtocol, fmt.Errorf("expected Auth, got %s", msg.Kind()))
	}

	opts := s.server.options()
	if !cryptox.TokensEqual([]byte(opts.Token), []byte(auth.Token)) {
		s.sendMessage(&wire.AuthResponse{Success: false, Error: "invalid token"})
		return tunnelerr.New(tunnelerr.KindAuth, fmt.Errorf("token mismatch"))
	}

	key, err := cryptox.DeriveKey([]byte(opts.Token), auth.ClientID)
	if err != nil {
		s.sendMessage(&wire.AuthResponse{Success: false, Error: "key derivation failed"})
		return tunnelerr.New(tunnelerr.KindCrypto, err)
	}
	s.clientID = auth.ClientID
	s.sessionKey = key
	return s.sendMessage(&wire.AuthResponse{Success: true, SessionKey: key})
}

func (s *Session) heartbeatWatchdog() {
	ticker := time.NewTicker(heartbeatTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-s.doneCh:
			return
		case <-ticker.C:
			last := time.Unix(s.lastHeartbeat.Load(), 0)
			if time.Since(last) > heartbeatTimeout {
				s.logger.WLogf("heartbeat timeout, tearing down session")
				s.teardown(tunnelerr.New(tunnelerr.KindTimeout, fmt.Errorf("heartbeat deadline missed")))
				return
			}
		}
	}
}

func (s *Session) dispatch(msg wire.Message) error {
	switch m := msg.(type) {
	case *wire.ProxyConfig:
		return s.handleProxyConfig(m)
	case *wire.ConnectionResponse:
		s.handleConnectionResponse(m)
	case *wire.Data:
		return s.handleData(m)
	case *wire.CloseConnection:
		s.handleCloseConnection(m)
	case *wire.Heartbeat:
		s.handleHeartbeat(m)
	default:
		return tunnelerr.New(tunnelerr.KindProtocol, fmt.Errorf("unexpected message %s in Ready state", msg.Kind()))
	}
	return nil
}

func (s *Session) handleProxyConfig(m *wire.ProxyConfig) error {
	proxyID := idkit.New()
	if err := s.server.proxies.TryReservePort(m.RemotePort, proxyID); err != nil {
		s.sendMessage(&wire.ProxyConfigResponse{Success: false, Error: "remote_port already in use"})
		return tunnelerr.New(tunnelerr.KindBind, err)
	}
	addr := fmt.Sprintf("%s:%d", s.server.options().BindHost, m.RemotePort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.server.proxies.Remove(proxyID)
		s.sendMessage(&wire.ProxyConfigResponse{Success: false, Error: err.Error()})
		return tunnelerr.New(tunnelerr.KindBind, err)
	}

	sp := &serverProxy{
		id:         proxyID,
		remotePort: m.RemotePort,
		localIP:    m.LocalIP,
		localPort:  m.LocalPort,
		listener:   listener,
		session:    s,
	}
	s.server.proxies.Insert(&registry.Proxy{
		ProxyID:    proxyID,
		RemotePort: m.RemotePort,
		LocalIP:    m.LocalIP,
		LocalPort:  m.LocalPort,
		Close:      listener.Close,
	})
	s.proxiesMu.Lock()
	s.proxies[proxyID] = sp
	s.proxiesMu.Unlock()

	s.logger.ILogf("proxy %s registered: %s -> %s:%d", proxyID, addr, m.LocalIP, m.LocalPort)
	go s.acceptPublic(sp)
	s.sendMessage(&wire.ProxyConfigResponse{Success: true, ProxyID: proxyID})
	return nil
}

func (s *Session) acceptPublic(sp *serverProxy) {
	for {
		conn, err := sp.listener.Accept()
		if err != nil {
			return
		}
		if atomic.AddInt32(&sp.pendingCount, 1) > pendingConnCapacity {
			atomic.AddInt32(&sp.pendingCount, -1)
			conn.Close()
			continue
		}
		connID := idkit.New()
		pc := &pendingConn{conn: conn, proxy: sp}
		pc.timer = time.AfterFunc(pendingDialTimeout, func() { s.expirePending(connID) })

		s.pendingMu.Lock()
		s.pendingConn[connID] = pc
		s.pendingMu.Unlock()

		if err := s.sendMessage(&wire.NewConnection{ProxyID: sp.id, ConnectionID: connID}); err != nil {
			s.expirePending(connID)
		}
	}
}

func (s *Session) expirePending(connID string) {
	s.pendingMu.Lock()
	pc, ok := s.pendingConn[connID]
	if ok {
		delete(s.pendingConn, connID)
	}
	s.pendingMu.Unlock()
	if ok {
		atomic.AddInt32(&pc.proxy.pendingCount, -1)
		pc.conn.Close()
	}
}

func (s *Session) handleConnectionResponse(m *wire.ConnectionResponse) {
	s.pendingMu.Lock()
	pc, ok := s.pendingConn[m.ConnectionID]
	if ok {
		delete(s.pendingConn, m.ConnectionID)
	}
	s.pendingMu.Unlock()
	if !ok {
		s.logger.WLogf("ConnectionResponse for unknown/expired connection %s", m.ConnectionID)
		return
	}
	pc.timer.Stop()
	atomic.AddInt32(&pc.proxy.pendingCount, -1)

	if !m.Success {
		pc.conn.Close()
		return
	}

	connID := m.ConnectionID
	var p *pump.Connection
	p = pump.New(s.logger, connID, pc.conn, func(data []byte) error {
		return s.sendData(connID, data)
	}, func(err error) {
		localToRemote, remoteToLocal := p.BytesTransferred()
		s.server.stats.AddBytes(localToRemote, remoteToLocal)
		s.onConnectionClosed(connID)
	})
	s.connections.Insert(&registry.Connection{ConnectionID: connID, ProxyID: pc.proxy.id, Close: p.Close})
	s.pumpsMu.Lock()
	s.pumps[connID] = p
	s.pumpsMu.Unlock()
	p.Start()
}

func (s *Session) sendData(connID string, plaintext []byte) error {
	sealed, err := cryptox.Seal(s.sessionKey, plaintext)
	if err != nil {
		return tunnelerr.New(tunnelerr.KindCrypto, err)
	}
	return s.sendMessage(&wire.Data{ConnectionID: connID, Data: sealed})
}

func (s *Session) onConnectionClosed(connID string) {
	s.connections.Remove(connID)
	s.pumpsMu.Lock()
	delete(s.pumps, connID)
	s.pumpsMu.Unlock()
	s.sendMessage(&wire.CloseConnection{ConnectionID: connID})
}

func (s *Session) handleData(m *wire.Data) error {
	s.pumpsMu.Lock()
	p, ok := s.pumps[m.ConnectionID]
	s.pumpsMu.Unlock()
	if !ok {
		s.logger.WLogf("Data for unknown connection %s, dropped", m.ConnectionID)
		return nil
	}
	plaintext, err := cryptox.Open(s.sessionKey, m.Data)
	if err != nil {
		return tunnelerr.New(tunnelerr.KindCrypto, err)
	}
	p.SendFromRemote(plaintext)
	return nil
}

func (s *Session) handleCloseConnection(m *wire.CloseConnection) {
	if c, ok := s.connections.Remove(m.ConnectionID); ok {
		c.Close()
	}
	s.pumpsMu.Lock()
	delete(s.pumps, m.ConnectionID)
	s.pumpsMu.Unlock()
}

func (s *Session) handleHeartbeat(m *wire.Heartbeat) {
	s.lastHeartbeat.Store(time.Now().Unix())
	s.sendMessage(&wire.HeartbeatResponse{Timestamp: m.Timestamp})
}

func (s *Session) sendMessage(m wire.Message) error {
	payload, err := wire.Encode(m)
	if err != nil {
		return tunnelerr.New(tunnelerr.KindProtocol, err)
	}
	if err := s.fw.WriteFrame(payload); err != nil {
		return tunnelerr.New(tunnelerr.KindIO, err)
	}
	return nil
}

// StartShutdown, ShutdownDoneChan, and WaitShutdown satisfy shutdown.Child,
// letting the Server's Helper cascade into every live Session through
// AddChild instead of tracking them by hand.
func (s *Session) StartShutdown(completionErr error) {
	s.teardown(completionErr)
}

func (s *Session) ShutdownDoneChan() <-chan struct{} {
	return s.doneCh
}

func (s *Session) WaitShutdown() error {
	<-s.doneCh
	return nil
}

func (s *Session) teardown(err error) {
	s.closeOnce.Do(func() {
		close(s.doneCh)
		s.conn.Close()

		s.proxiesMu.Lock()
		proxies := make([]*serverProxy, 0, len(s.proxies))
		for _, sp := range s.proxies {
			proxies = append(proxies, sp)
		}
		s.proxies = make(map[string]*serverProxy)
		s.proxiesMu.Unlock()
		for _, sp := range proxies {
			sp.listener.Close()
			s.server.proxies.Remove(sp.id)
		}

		s.pendingMu.Lock()
		pending := make([]*pendingConn, 0, len(s.pendingConn))
		for _, pc := range s.pendingConn {
			pending = append(pending, pc)
		}
		s.pendingConn = make(map[string]*pendingConn)
		s.pendingMu.Unlock()
		for _, pc := range pending {
			pc.timer.Stop()
			pc.conn.Close()
		}

		s.connections.CloseAll()

		if err != nil {
			s.logger.ILogf("session ended: %s", err)
		} else {
			s.logger.ILogf("session ended")
		}
	})
}
