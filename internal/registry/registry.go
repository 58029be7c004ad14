// Package registry implements the server-wide Proxy map and the
// per-session Connection map: concurrent-safe insert/lookup/remove/iterate,
// with iteration always operating on a snapshot so mutation during a range
// never races. Each map is guarded by a single mutex.
package registry

import "sync"

// Proxy is the server-side record for one registered service. The concrete
// listener/connection types live in internal/server; this package only
// needs ProxyID and RemotePort to enforce the "at most one Proxy per
// remote_port" invariant.
type Proxy struct {
	ProxyID    string
	RemotePort uint16
	LocalIP    string
	LocalPort  uint16

	// Close, when set, releases whatever resource (typically a
	// net.Listener) this Proxy owns. Called at most once.
	Close func() error
}

// Connection is the per-connection-id record tracked by a Session. Close
// releases the underlying socket.
type Connection struct {
	ConnectionID string
	ProxyID      string

	Close func() error
}

// ProxyRegistry is a concurrency-safe map of ProxyId -> Proxy, plus a
// reverse index enforcing at most one Proxy per remote_port across the
// whole server. The reverse index is global across sessions: port
// allocation is first-come-first-served across all connected clients.
type ProxyRegistry struct {
	mu        sync.Mutex
	byID      map[string]*Proxy
	portOwner map[uint16]string // remote_port -> proxy_id, global
}

// NewProxyRegistry creates an empty ProxyRegistry.
func NewProxyRegistry() *ProxyRegistry {
	return &ProxyRegistry{
		byID:      make(map[string]*Proxy),
		portOwner: make(map[uint16]string),
	}
}

// ErrPortInUse is returned by TryReservePort when another live Proxy (in
// this session or another) already owns the requested remote_port.
type ErrPortInUse struct{ Port uint16 }

func (e ErrPortInUse) Error() string {
	return "registry: remote_port already in use"
}

// TryReservePort atomically claims remote_port for proxyID, or fails if it
// is already owned. Must be called before Insert.
func (r *ProxyRegistry) TryReservePort(remotePort uint16, proxyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.portOwner[remotePort]; taken {
		return ErrPortInUse{Port: remotePort}
	}
	r.portOwner[remotePort] = proxyID
	return nil
}

// Insert adds p to the registry. p.RemotePort must already be reserved via
// TryReservePort.
func (r *ProxyRegistry) Insert(p *Proxy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[p.ProxyID] = p
}

// Get looks up a Proxy by id.
func (r *ProxyRegistry) Get(proxyID string) (*Proxy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[proxyID]
	return p, ok
}

// Remove deletes a Proxy and releases its remote_port for reuse. A port
// reserved by TryReservePort for a proxyID that was never inserted is
// released as well. It does not call p.Close(); callers own that decision.
func (r *ProxyRegistry) Remove(proxyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byID[proxyID]; ok {
		delete(r.portOwner, p.RemotePort)
		delete(r.byID, proxyID)
		return
	}
	for port, owner := range r.portOwner {
		if owner == proxyID {
			delete(r.portOwner, port)
		}
	}
}

// Snapshot returns a point-in-time copy of all registered Proxies. Safe to
// range over without holding any lock: iteration never observes a
// concurrent mutation.
func (r *ProxyRegistry) Snapshot() []*Proxy {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Proxy, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, p)
	}
	return out
}

// ConnectionRegistry is a concurrency-safe map of ConnectionId -> Connection,
// scoped to one Session.
type ConnectionRegistry struct {
	mu   sync.Mutex
	byID map[string]*Connection
}

// NewConnectionRegistry creates an empty ConnectionRegistry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{byID: make(map[string]*Connection)}
}

// Insert adds a Connection to the registry.
func (r *ConnectionRegistry) Insert(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[c.ConnectionID] = c
}

// Get looks up a Connection by id.
func (r *ConnectionRegistry) Get(connectionID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[connectionID]
	return c, ok
}

// Remove deletes a Connection from the registry without closing it.
// Callers invoke Close themselves so removal and teardown can be sequenced
// explicitly: removing a connection must also signal any blocked
// reader/writer goroutines on it to exit.
func (r *ConnectionRegistry) Remove(connectionID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[connectionID]
	if ok {
		delete(r.byID, connectionID)
	}
	return c, ok
}

// Snapshot returns a point-in-time copy of all registered Connections.
func (r *ConnectionRegistry) Snapshot() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}

// Len reports the current number of tracked connections.
func (r *ConnectionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// CloseAll closes and removes every tracked Connection; used by Session
// teardown, which closes all owned public listeners and connections.
func (r *ConnectionRegistry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		conns = append(conns, c)
	}
	r.byID = make(map[string]*Connection)
	r.mu.Unlock()

	for _, c := range conns {
		if c.Close != nil {
			c.Close()
		}
	}
}
