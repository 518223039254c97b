/* Copyright (c) 2018-2021 Waldemar Augustyn */

package transport

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"chatstack/internal/logging"
	"chatstack/internal/network"
	"chatstack/internal/topology"
	"chatstack/internal/wire"
)

// idleEvictionTTL bounds how long a connection may sit with no traffic
// before it is logged as abandoned. Eviction from this side-table is pure
// housekeeping: it never removes an entry from the authoritative
// connection map.
const idleEvictionTTL = 10 * time.Minute

// ConnectionKey identifies exactly one logical connection.
type ConnectionKey struct {
	RemoteVIP  topology.VIP
	RemotePort topology.Port
	LocalPort  topology.Port
}

func (k ConnectionKey) String() string {
	return fmt.Sprintf("%s:%d/local:%d", k.RemoteVIP, k.RemotePort, k.LocalPort)
}

// hostNetwork is the subset of HostNetwork the transport's daemon needs.
type hostNetwork interface {
	Network
	Receive() (network.Inbound, error)
}

// ReliableTransport multiplexes many logical connections over one
// HostNetwork endpoint. It refuses to build on a router node — routers
// have no transport.
type ReliableTransport struct {
	net    hostNetwork
	local  topology.VirtualAddress
	params Params

	mu          sync.Mutex
	connections map[ConnectionKey]*ReliableConnection
	nextPort    topology.Port

	acceptQueue chan *ReliableConnection
	lastActive  *lru.LRU[ConnectionKey, time.Time]

	closeOnce sync.Once
	done      chan struct{}
}

// New builds a transport over net for local, starting the daemon receive
// loop immediately. Outbound connections get local ports allocated in
// sequence starting just above local.Port.
func New(net hostNetwork, local topology.VirtualAddress, params Params) *ReliableTransport {
	t := &ReliableTransport{
		net:         net,
		local:       local,
		params:      params.withDefaults(),
		connections: make(map[ConnectionKey]*ReliableConnection),
		nextPort:    local.Port + 1,
		acceptQueue: make(chan *ReliableConnection, 16),
		lastActive: lru.NewLRU[ConnectionKey, time.Time](4096, func(key ConnectionKey, last time.Time) {
			logging.Log.Info("xport: %v  connection %v idle since %v, presumed abandoned", local, key, last.Format(time.RFC3339))
		}, idleEvictionTTL),
		done: make(chan struct{}),
	}
	go t.daemonLoop()
	return t
}

// Connect allocates a fresh local port, registers an active connection
// before any send (avoiding a race with the peer's first ACK), and
// returns it.
func (t *ReliableTransport) Connect(remote topology.VirtualAddress) *ReliableConnection {
	t.mu.Lock()
	localPort := t.nextPort
	t.nextPort++
	key := ConnectionKey{RemoteVIP: remote.VIP, RemotePort: remote.Port, LocalPort: localPort}
	localAddr := topology.VirtualAddress{VIP: t.local.VIP, Port: localPort}

	conn := newConnection(t.net, localAddr, remote, t.params, func() { t.remove(key) })
	t.connections[key] = conn
	t.lastActive.Add(key, time.Now())
	t.mu.Unlock()

	logging.Log.Debug("xport: %v  connection opened toward %v (key=%v)", t.local, remote, key)
	return conn
}

// Accept blocks until an inbound connection has been created by the
// demultiplexer and returns it, FIFO.
func (t *ReliableTransport) Accept() (*ReliableConnection, error) {
	select {
	case conn := <-t.acceptQueue:
		return conn, nil
	case <-t.done:
		return nil, fmt.Errorf("xport: %w", ErrEndOfStream)
	}
}

func (t *ReliableTransport) remove(key ConnectionKey) {
	t.mu.Lock()
	delete(t.connections, key)
	t.mu.Unlock()
	logging.Log.Debug("xport: %v  connection removed (key=%v)", t.local, key)
}

func (t *ReliableTransport) daemonLoop() {
	for {
		select {
		case <-t.done:
			return
		default:
		}

		inbound, err := t.net.Receive()
		if err != nil {
			logging.Log.Err("xport: %v  daemon receive failed: %v", t.local, err)
			return
		}
		segment, err := wire.SegmentFromMap(inbound.Segment)
		if err != nil {
			logging.Log.Debug("xport: %v  dropped malformed segment: %v", t.local, err)
			continue
		}
		t.route(inbound.SrcVIP, segment)
	}
}

func (t *ReliableTransport) route(srcVIP topology.VIP, segment wire.Segment) {
	remotePortN, ok1 := asInt(segment.Payload["src_port"])
	localPortN, ok2 := asInt(segment.Payload["dst_port"])
	if !ok1 || !ok2 {
		logging.Log.Debug("xport: %v  segment missing src_port/dst_port, dropping", t.local)
		return
	}

	key := ConnectionKey{
		RemoteVIP:  srcVIP,
		RemotePort: topology.Port(remotePortN),
		LocalPort:  topology.Port(localPortN),
	}

	t.mu.Lock()
	conn, found := t.connections[key]
	t.mu.Unlock()

	if found {
		t.lastActive.Add(key, time.Now())
		conn.Dispatch(segment)
		return
	}

	// Segments are never dropped by the demultiplexer for "unknown key"
	// reasons: an unmatched key always opens a new passive connection,
	// even for a stray ACK or FIN — the new connection simply absorbs it
	// and, for a FIN, immediately observes end-of-stream.
	remote := topology.VirtualAddress{VIP: key.RemoteVIP, Port: key.RemotePort}
	localAddr := topology.VirtualAddress{VIP: t.local.VIP, Port: key.LocalPort}
	conn = newConnection(t.net, localAddr, remote, t.params, func() { t.remove(key) })

	t.mu.Lock()
	t.connections[key] = conn
	t.mu.Unlock()
	t.lastActive.Add(key, time.Now())

	conn.Dispatch(segment)

	select {
	case t.acceptQueue <- conn:
	default:
		logging.Log.Err("xport: %v  accept queue full, dropping new connection from %v", t.local, remote)
	}
	logging.Log.Debug("xport: %v  new connection accepted from %v (key=%v)", t.local, remote, key)
}

// Shutdown signals the daemon to stop (it exits once its pending network
// Receive returns) and closes every registered connection. It does not
// close the HostNetwork/link/physical chain beneath it; the caller owns and
// closes that separately.
func (t *ReliableTransport) Shutdown() {
	t.closeOnce.Do(func() {
		close(t.done)

		t.mu.Lock()
		conns := make([]*ReliableConnection, 0, len(t.connections))
		for _, c := range t.connections {
			conns = append(conns, c)
		}
		t.mu.Unlock()

		for _, c := range conns {
			_ = c.Close()
		}
	})
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
