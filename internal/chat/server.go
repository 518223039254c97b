/* Copyright (c) 2018-2021 Waldemar Augustyn */

package chat

import (
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"chatstack/internal/logging"
	"chatstack/internal/transport"
)

const eventBucket = "events"

// peer is one attached client: its name, connection, and the priority
// sender wrapping it.
type peer struct {
	name   string
	conn   *transport.ReliableConnection
	sender *PrioritySender
}

// Server is the chat application's server role: accept loop, roster,
// relay, and graceful shutdown.
type Server struct {
	transport *transport.ReliableTransport
	db        *bolt.DB

	mu     sync.Mutex
	roster map[string]*peer
	wg     sync.WaitGroup

	shutdownOnce sync.Once
}

// NewServer opens (or creates) a roster/event journal under dataDir and
// returns a Server ready to Run, grounded on db.go's "DB holds data for
// restoration on start up" pattern scoped to this domain's join/leave
// history.
func NewServer(t *transport.ReliableTransport, dataDir string) (*Server, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "chatserver.db"), 0666, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(eventBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &Server{
		transport: t,
		db:        db,
		roster:    make(map[string]*peer),
	}, nil
}

func (s *Server) journal(event string) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(eventBucket))
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		for i := 7; i >= 0; i-- {
			key[i] = byte(seq)
			seq >>= 8
		}
		return bkt.Put(key, []byte(event))
	})
	if err != nil {
		logging.Log.Err("chat: server: failed to journal event %q: %v", event, err)
	}
}

// Run accepts connections forever, spawning one reader goroutine per peer,
// until the transport is shut down.
func (s *Server) Run() {
	for {
		conn, err := s.transport.Accept()
		if err != nil {
			logging.Log.Info("chat: server: accept loop stopping: %v", err)
			return
		}
		go s.handleFirstMessage(conn)
	}
}

// handleFirstMessage reads the peer's first message, which doubles as its
// introduction (its Sender field names it), attaches it to the roster, and
// then falls into the steady-state reader loop.
func (s *Server) handleFirstMessage(conn *transport.ReliableConnection) {
	raw, err := conn.Receive()
	if err != nil {
		logging.Log.Err("chat: server: peer vanished before introducing itself: %v", err)
		return
	}
	msg, err := Decode(raw)
	if err != nil || msg.Sender == "" {
		logging.Log.Err("chat: server: malformed introduction, dropping connection: %v", err)
		return
	}

	sender := NewPrioritySender(conn)
	p := &peer{name: msg.Sender, conn: conn, sender: sender}

	s.attach(p)
	s.readLoop(p)
}

func (s *Server) attach(p *peer) {
	s.mu.Lock()
	s.roster[p.name] = p
	names := s.rosterNames()
	s.mu.Unlock()

	s.wg.Add(1)
	s.journal("join:" + p.name)
	logging.Log.Info("chat: server: %v joined", p.name)

	welcome := NewSystem(p.name, "welcome", names)
	s.sendTo(p, welcome)

	s.broadcastExcept(p.name, NewSystem("", "join", []string{p.name}))
}

func (s *Server) rosterNames() []string {
	names := make([]string, 0, len(s.roster))
	for name := range s.roster {
		names = append(names, name)
	}
	return names
}

func (s *Server) readLoop(p *peer) {
	defer s.detach(p)
	for {
		raw, err := p.conn.Receive()
		if err != nil {
			logging.Log.Info("chat: server: %v disconnected: %v", p.name, err)
			return
		}
		msg, err := Decode(raw)
		if err != nil {
			logging.Log.Err("chat: server: malformed message from %v, dropping: %v", p.name, err)
			continue
		}
		s.route(p, msg)
	}
}

// route relays a text/file message to its recipient, or tells the sender
// the recipient is absent. System messages from a peer are not expected
// and are dropped with a warning.
func (s *Server) route(from *peer, msg Message) {
	if msg.Type == TypeSystem {
		logging.Log.Err("chat: server: unexpected system message from %v, dropping", from.name)
		return
	}

	s.mu.Lock()
	to, ok := s.roster[msg.Recipient]
	s.mu.Unlock()

	if !ok {
		s.sendTo(from, NewSystem(from.name, "no such recipient: "+msg.Recipient, nil))
		return
	}
	s.sendTo(to, msg)
}

func (s *Server) sendTo(p *peer, msg Message) {
	raw, err := Encode(msg)
	if err != nil {
		logging.Log.Err("chat: server: failed to encode message for %v: %v", p.name, err)
		return
	}
	if err := p.sender.Send(raw, Priority(msg.Type)); err != nil {
		logging.Log.Err("chat: server: failed to send to %v: %v", p.name, err)
	}
}

func (s *Server) broadcastExcept(except string, msg Message) {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.roster))
	for name, p := range s.roster {
		if name != except {
			peers = append(peers, p)
		}
	}
	s.mu.Unlock()

	for _, p := range peers {
		s.sendTo(p, msg)
	}
}

func (s *Server) detach(p *peer) {
	s.mu.Lock()
	delete(s.roster, p.name)
	s.mu.Unlock()

	s.journal("leave:" + p.name)
	logging.Log.Info("chat: server: %v left", p.name)
	s.broadcastExcept(p.name, NewSystem("", "leave", []string{p.name}))
	p.sender.Close()
	s.wg.Done()
}

// Shutdown broadcasts a __SHUTDOWN__ system message to every attached
// peer, waits for each connection to close (their FIN acknowledged), drains
// in-flight sends, and only then releases the transport. The wait for peers
// is capped at 10 seconds; after that the transport is shut down anyway.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		peers := make([]*peer, 0, len(s.roster))
		for _, p := range s.roster {
			peers = append(peers, p)
		}
		s.mu.Unlock()

		logging.Log.Info("chat: server: shutting down, notifying %d peer(s)", len(peers))
		s.journal("shutdown")

		for _, p := range peers {
			s.sendTo(p, NewSystem(p.name, ShutdownContent, nil))
		}

		waitDone := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(waitDone)
		}()

		select {
		case <-waitDone:
		case <-time.After(10 * time.Second):
			logging.Log.Err("chat: server: timed out waiting for peers to disconnect")
		}

		s.transport.Shutdown()
		s.db.Close()
	})
}
