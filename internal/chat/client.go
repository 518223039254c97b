/* Copyright (c) 2018-2021 Waldemar Augustyn */

package chat

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"chatstack/internal/logging"
	"chatstack/internal/topology"
	"chatstack/internal/transport"
	"chatstack/internal/ui"
)

const reconnectBackoff = 2 * time.Second

// pendingOutbound is queued while the client has no live connection.
type pendingOutbound struct {
	msg Message
}

const maxPendingOutbound = 64

// Client is the chat application's client role: its UI launches
// immediately regardless of connection state; a background goroutine
// dials the server and keeps retrying on failure; while disconnected,
// outgoing actions are buffered up to maxPendingOutbound and flushed in
// order once a connection is established — the oldest entry is dropped
// with a logged warning if the buffer is full, rather than blocking the
// UI goroutine or growing without bound.
type Client struct {
	t       *transport.ReliableTransport
	server  topology.VirtualAddress
	name    string
	front   ui.Interface
	dataDir string

	mu       sync.Mutex
	conn     *transport.ReliableConnection
	sender   *PrioritySender
	pending  []pendingOutbound
	doneOnce sync.Once
	done     chan struct{}
}

func NewClient(t *transport.ReliableTransport, server topology.VirtualAddress, name string, front ui.Interface, dataDir string) *Client {
	return &Client{
		t:       t,
		server:  server,
		name:    name,
		front:   front,
		dataDir: dataDir,
		done:    make(chan struct{}),
	}
}

// Run starts the connect loop and the UI action loop; it returns once the
// client is stopped (via Stop or a server-initiated shutdown).
func (c *Client) Run() {
	go c.connectLoop()
	c.actionLoop()
}

func (c *Client) connectLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		conn := c.t.Connect(c.server)
		sender := NewPrioritySender(conn)

		hello, err := Encode(NewHello(c.name))
		if err != nil {
			logging.Log.Err("chat: client: failed to encode introduction: %v", err)
			return
		}
		if err := conn.Send(hello); err != nil {
			logging.Log.Err("chat: client: failed to introduce self to %v: %v", c.server, err)
			sender.Close()
			_ = conn.Close()
			time.Sleep(reconnectBackoff)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.sender = sender
		pending := c.pending
		c.pending = nil
		c.mu.Unlock()

		c.front.SetStatus("connected")
		for _, p := range pending {
			c.deliverOutbound(p.msg)
		}

		c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		c.sender = nil
		c.mu.Unlock()
		sender.Close()

		select {
		case <-c.done:
			return
		default:
			c.front.SetStatus("disconnected, retrying")
			time.Sleep(reconnectBackoff)
		}
	}
}

func (c *Client) readLoop(conn *transport.ReliableConnection) {
	for {
		raw, err := conn.Receive()
		if err != nil {
			logging.Log.Info("chat: client: connection to %v ended: %v", c.server, err)
			return
		}
		msg, err := Decode(raw)
		if err != nil {
			logging.Log.Err("chat: client: malformed message from server, dropping: %v", err)
			continue
		}
		c.handleInbound(msg)
	}
}

func (c *Client) handleInbound(msg Message) {
	switch msg.Type {
	case TypeSystem:
		if msg.Content == ShutdownContent {
			c.front.SetStatus("server is shutting down")
			c.Stop()
			return
		}
		if msg.Roster != nil {
			c.front.SetRoster(msg.Roster)
		}
		c.front.Deliver("system", msg.Content)
	case TypeText:
		c.front.Deliver(msg.Sender, msg.Content)
	case TypeFile:
		if err := c.saveFile(msg); err != nil {
			logging.Log.Err("chat: client: failed to save file %q from %v: %v", msg.Name, msg.Sender, err)
			return
		}
		c.front.DeliverFile(msg.Sender, msg.Name, msg.Size)
	}
}

func (c *Client) saveFile(msg Message) error {
	dir := filepath.Join(c.dataDir, "downloads", c.name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := decodeFilePayload(msg.Data)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, msg.Name), data, 0644)
}

// actionLoop drains the UI's outgoing actions for the client's lifetime.
func (c *Client) actionLoop() {
	for {
		select {
		case <-c.done:
			return
		case action, ok := <-c.front.Actions():
			if !ok {
				c.Stop()
				return
			}
			if action.Kind == ui.ActionQuit {
				c.Stop()
				return
			}
			c.handleAction(action)
		}
	}
}

func (c *Client) handleAction(action ui.Action) {
	var msg Message
	switch action.Kind {
	case ui.ActionText:
		msg = NewText(c.name, action.Recipient, action.Content)
	case ui.ActionFile:
		data, err := os.ReadFile(action.Path)
		if err != nil {
			c.front.Deliver("system", "cannot read "+action.Path+": "+err.Error())
			return
		}
		msg = NewFile(c.name, action.Recipient, filepath.Base(action.Path), "application/octet-stream", int64(len(data)), encodeFilePayload(data))
	default:
		return
	}
	c.deliverOutbound(msg)
}

// deliverOutbound sends msg now if connected, otherwise buffers it.
func (c *Client) deliverOutbound(msg Message) {
	c.mu.Lock()
	sender := c.sender
	if sender == nil {
		if len(c.pending) >= maxPendingOutbound {
			logging.Log.Err("chat: client: outbound buffer full, dropping oldest message")
			c.pending = c.pending[1:]
		}
		c.pending = append(c.pending, pendingOutbound{msg: msg})
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	raw, err := Encode(msg)
	if err != nil {
		logging.Log.Err("chat: client: failed to encode outgoing message: %v", err)
		return
	}
	if err := sender.Send(raw, Priority(msg.Type)); err != nil {
		logging.Log.Err("chat: client: send failed: %v", err)
	}
}

// Stop closes the current connection, if any, and ends Run.
func (c *Client) Stop() {
	c.doneOnce.Do(func() {
		close(c.done)
	})
	c.mu.Lock()
	conn := c.conn
	sender := c.sender
	c.mu.Unlock()
	if sender != nil {
		sender.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.front.Close()
}
