package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sowback/sowback/internal/cryptox"
	"github.com/sowback/sowback/internal/logging"
	"github.com/sowback/sowback/internal/pump"
	"github.com/sowback/sowback/internal/registry"
	"github.com/sowback/sowback/internal/service"
	"github.com/sowback/sowback/internal/tunnelerr"
	"github.com/sowback/sowback/internal/wire"
)

// localDialTimeout bounds how long the client waits to connect to a
// configured local service on NewConnection.
const localDialTimeout = 10 * time.Second

// defaultHeartbeatTimeout is used when the client has no configured
// heartbeat interval to scale from.
const defaultHeartbeatTimeout = 60 * time.Second

// clientSession is the Authenticating/Registering/Serving state machine
// for one dialed control connection. Its shape mirrors server.Session
// deliberately: both sides run the same Data/CloseConnection dispatch over
// the same wire schema. The client sends Heartbeat and handles
// HeartbeatResponse; the server does the reverse.
type clientSession struct {
	client *Client
	logger logging.Logger
	conn   net.Conn
	fw     *wire.FrameWriter

	sessionKey []byte

	registerMu  sync.Mutex
	pendingRegs []service.Descriptor          // FIFO: awaiting ProxyConfigResponse, in send order
	proxyToSvc  map[string]service.Descriptor // proxy_id -> registered service

	connections *registry.ConnectionRegistry
	pumpsMu     sync.Mutex
	pumps       map[string]*pump.Connection

	lastFrameAt atomic.Int64 // unix seconds, updated on every frame received

	doneCh chan struct{}
}

func newClientSession(c *Client, conn net.Conn) *clientSession {
	s := &clientSession{
		client:      c,
		logger:      c.logger.Fork("session %s", conn.RemoteAddr()),
		conn:        conn,
		fw:          wire.NewFrameWriter(conn),
		proxyToSvc:  make(map[string]service.Descriptor),
		connections: registry.NewConnectionRegistry(),
		pumps:       make(map[string]*pump.Connection),
		doneCh:      make(chan struct{}),
	}
	s.lastFrameAt.Store(time.Now().Unix())
	return s
}

// heartbeatTimeout is how long the client tolerates a silent control
// connection before considering the server dead: three times its own
// configured heartbeat interval, or defaultHeartbeatTimeout when no
// interval is configured.
func (s *clientSession) heartbeatTimeout() time.Duration {
	interval := s.client.opts.HeartbeatInterval
	if interval <= 0 {
		return defaultHeartbeatTimeout
	}
	return 3 * interval
}

// run authenticates, registers every configured service, then dispatches
// until a fatal error or ctx cancellation.
func (s *clientSession) run(ctx context.Context) error {
	defer s.teardown()

	if err := s.authenticate(); err != nil {
		return err
	}
	s.logger.ILogf("authenticated")
	s.register()

	heartbeatDone := make(chan struct{})
	go s.heartbeatLoop(heartbeatDone)
	defer close(heartbeatDone)

	watchdogDone := make(chan struct{})
	go s.heartbeatWatchdog(watchdogDone)
	defer close(watchdogDone)

	go func() {
		select {
		case <-ctx.Done():
			s.conn.Close()
		case <-s.doneCh:
		}
	}()

	for {
		payload, err := wire.ReadFrame(s.conn)
		if err != nil {
			return tunnelerr.New(tunnelerr.KindIO, err)
		}
		s.lastFrameAt.Store(time.Now().Unix())
		msg, err := wire.Decode(payload)
		if err != nil {
			return tunnelerr.New(tunnelerr.KindProtocol, err)
		}
		if err := s.dispatch(msg); err != nil {
			if te, ok := err.(*tunnelerr.Error); ok && !te.Kind.KillsSession() {
				s.logger.WLogf("connection-scoped error: %s", err)
				continue
			}
			return err
		}
	}
}

// heartbeatWatchdog tears down the control connection if no frame of any
// kind has arrived within heartbeatTimeout, so Client.Run's reconnect loop
// kicks in against a dead or silent server even without a TCP-level error.
func (s *clientSession) heartbeatWatchdog(done <-chan struct{}) {
	timeout := s.heartbeatTimeout()
	ticker := time.NewTicker(timeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-s.doneCh:
			return
		case <-ticker.C:
			last := time.Unix(s.lastFrameAt.Load(), 0)
			if time.Since(last) > timeout {
				s.logger.WLogf("heartbeat timeout, closing session")
				s.conn.Close()
				return
			}
		}
	}
}

func (s *clientSession) authenticate() error {
	auth := &wire.Auth{Token: s.client.opts.Token, ClientID: s.client.clientID}
	if err := s.sendMessage(auth); err != nil {
		return err
	}
	payload, err := wire.ReadFrame(s.conn)
	if err != nil {
		return tunnelerr.New(tunnelerr.KindIO, err)
	}
	msg, err := wire.Decode(payload)
	if err != nil {
		return tunnelerr.New(tunnelerr.KindProtocol, err)
	}
	switch m := msg.(type) {
	case *wire.Error:
		return tunnelerr.New(tunnelerr.KindAuth, fmt.Errorf("server: %s", m.Message))
	case *wire.AuthResponse:
		if !m.Success {
			return tunnelerr.New(tunnelerr.KindAuth, fmt.Errorf("%s", m.Error))
		}
		localKey, err := cryptox.DeriveKey([]byte(s.client.opts.Token), s.client.clientID)
		if err != nil {
			return tunnelerr.New(tunnelerr.KindCrypto, err)
		}
		if m.SessionKey != nil && !cryptox.KeysEqual(localKey, m.SessionKey) {
			return tunnelerr.New(tunnelerr.KindCrypto, fmt.Errorf("session key mismatch with server"))
		}
		s.sessionKey = localKey
		return nil
	default:
		return tunnelerr.New(tunnelerr.KindProtocol, fmt.Errorf("expected AuthResponse, got %s", msg.Kind()))
	}
}

// register emits ProxyConfig for every configured service. Per-service
// failures are logged but do not abort the session.
func (s *clientSession) register() {
	s.registerMu.Lock()
	s.pendingRegs = append([]service.Descriptor(nil), s.client.opts.Services...)
	s.registerMu.Unlock()

	for _, svc := range s.client.opts.Services {
		s.sendMessage(&wire.ProxyConfig{
			LocalIP:    svc.LocalIP,
			LocalPort:  svc.LocalPort,
			RemotePort: svc.RemotePort,
		})
	}
}

func (s *clientSession) heartbeatLoop(done <-chan struct{}) {
	interval := s.client.opts.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.sendMessage(&wire.Heartbeat{Timestamp: uint64(time.Now().Unix())})
		}
	}
}

func (s *clientSession) dispatch(msg wire.Message) error {
	switch m := msg.(type) {
	case *wire.ProxyConfigResponse:
		s.handleProxyConfigResponse(m)
	case *wire.NewConnection:
		return s.handleNewConnection(m)
	case *wire.Data:
		return s.handleData(m)
	case *wire.CloseConnection:
		s.handleCloseConnection(m)
	case *wire.HeartbeatResponse:
		s.logger.TLogf("heartbeat ack %d", m.Timestamp)
	case *wire.Error:
		s.logger.WLogf("server error: %s", m.Message)
	default:
		return tunnelerr.New(tunnelerr.KindProtocol, fmt.Errorf("unexpected message %s", msg.Kind()))
	}
	return nil
}

func (s *clientSession) handleProxyConfigResponse(m *wire.ProxyConfigResponse) {
	s.registerMu.Lock()
	defer s.registerMu.Unlock()
	if len(s.pendingRegs) == 0 {
		s.logger.WLogf("unexpected ProxyConfigResponse, no registration pending")
		return
	}
	svc := s.pendingRegs[0]
	s.pendingRegs = s.pendingRegs[1:]

	if !m.Success {
		s.logger.WLogf("service %s registration failed: %s", svc, m.Error)
		return
	}
	s.proxyToSvc[m.ProxyID] = svc
	s.logger.ILogf("service %s registered as proxy %s", svc, m.ProxyID)
}

func (s *clientSession) handleNewConnection(m *wire.NewConnection) error {
	s.registerMu.Lock()
	svc, ok := s.proxyToSvc[m.ProxyID]
	s.registerMu.Unlock()
	if !ok {
		s.sendMessage(&wire.ConnectionResponse{ConnectionID: m.ConnectionID, Success: false, Error: "unknown proxy"})
		return tunnelerr.New(tunnelerr.KindDial, fmt.Errorf("unknown proxy %s", m.ProxyID))
	}

	addr := fmt.Sprintf("%s:%d", svc.LocalIP, svc.LocalPort)
	conn, err := net.DialTimeout("tcp", addr, localDialTimeout)
	if err != nil {
		s.sendMessage(&wire.ConnectionResponse{ConnectionID: m.ConnectionID, Success: false, Error: err.Error()})
		return tunnelerr.New(tunnelerr.KindDial, err)
	}

	if err := s.sendMessage(&wire.ConnectionResponse{ConnectionID: m.ConnectionID, Success: true}); err != nil {
		conn.Close()
		return err
	}

	connID := m.ConnectionID
	var p *pump.Connection
	p = pump.New(s.logger, connID, conn, func(data []byte) error {
		return s.sendData(connID, data)
	}, func(err error) {
		localToRemote, remoteToLocal := p.BytesTransferred()
		s.client.stats.AddBytes(localToRemote, remoteToLocal)
		s.onConnectionClosed(connID)
	})
	s.connections.Insert(&registry.Connection{ConnectionID: connID, ProxyID: m.ProxyID, Close: p.Close})
	s.pumpsMu.Lock()
	s.pumps[connID] = p
	s.pumpsMu.Unlock()
	p.Start()
	return nil
}

func (s *clientSession) sendData(connID string, plaintext []byte) error {
	sealed, err := cryptox.Seal(s.sessionKey, plaintext)
	if err != nil {
		return tunnelerr.New(tunnelerr.KindCrypto, err)
	}
	return s.sendMessage(&wire.Data{ConnectionID: connID, Data: sealed})
}

func (s *clientSession) onConnectionClosed(connID string) {
	s.connections.Remove(connID)
	s.pumpsMu.Lock()
	delete(s.pumps, connID)
	s.pumpsMu.Unlock()
	s.sendMessage(&wire.CloseConnection{ConnectionID: connID})
}

func (s *clientSession) handleData(m *wire.Data) error {
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

func (s *clientSession) handleCloseConnection(m *wire.CloseConnection) {
	if c, ok := s.connections.Remove(m.ConnectionID); ok {
		c.Close()
	}
	s.pumpsMu.Lock()
	delete(s.pumps, m.ConnectionID)
	s.pumpsMu.Unlock()
}

func (s *clientSession) sendMessage(m wire.Message) error {
	payload, err := wire.Encode(m)
	if err != nil {
		return tunnelerr.New(tunnelerr.KindProtocol, err)
	}
	if err := s.fw.WriteFrame(payload); err != nil {
		return tunnelerr.New(tunnelerr.KindIO, err)
	}
	return nil
}

func (s *clientSession) teardown() {
	select {
	case <-s.doneCh:
		return
	default:
	}
	close(s.doneCh)
	s.conn.Close()
	s.connections.CloseAll()
}
