/* Copyright (c) 2018-2021 Waldemar Augustyn */

// Package transport implements L4: ReliableConnection (Stop-and-Wait,
// fragmentation/reassembly, FIN teardown) multiplexed over a single
// network endpoint by ReliableTransport's demultiplexer.
package transport

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatstack/internal/logging"
	"chatstack/internal/topology"
	"chatstack/internal/wire"
)

// DefaultMSS is the largest application payload, in bytes, per segment.
const DefaultMSS = 1024

// ErrEndOfStream is returned by Receive once the peer's FIN has been
// observed; it is not an error condition, merely a signal.
var ErrEndOfStream = errors.New("transport: end of stream")

// ErrRetriesExhausted is returned when the circuit breaker on
// retransmission trips; it is fatal to the connection.
var ErrRetriesExhausted = errors.New("transport: retry ceiling exceeded")

// Network is the subset of the L3 API a connection needs: originate a
// segment toward a VIP. Both HostNetwork and a test fake satisfy it.
type Network interface {
	Send(segmentMap map[string]any, dstVIP topology.VIP) error
}

// Params bundles the tunables a connection needs so tests can shrink
// timeouts without touching package-level state.
type Params struct {
	MSS          int
	AckTimeout   time.Duration
	RetryCeiling int
}

func (p Params) withDefaults() Params {
	if p.MSS <= 0 {
		p.MSS = DefaultMSS
	}
	if p.AckTimeout <= 0 {
		p.AckTimeout = 500 * time.Millisecond
	}
	if p.RetryCeiling <= 0 {
		p.RetryCeiling = 20
	}
	return p
}

// ReliableConnection is one Stop-and-Wait logical connection between a
// local and remote VirtualAddress.
type ReliableConnection struct {
	network Network
	local   topology.VirtualAddress
	remote  topology.VirtualAddress
	params  Params
	onClose func()

	sendMu sync.Mutex // at most one in-flight send() call at a time

	stateMu   sync.Mutex
	sendSeq   int
	recvSeq   int
	closed    bool
	finRecv   bool

	ackQueue  chan wire.Segment
	dataQueue chan *wire.Segment // nil sentinel signals FIN / closure
}

// newConnection constructs a connection. onClose, if non-nil, is invoked
// exactly once when the connection is fully torn down, so the owning
// transport can remove it from its table.
func newConnection(network Network, local, remote topology.VirtualAddress, params Params, onClose func()) *ReliableConnection {
	return &ReliableConnection{
		network:   network,
		local:     local,
		remote:    remote,
		params:    params.withDefaults(),
		onClose:   onClose,
		ackQueue:  make(chan wire.Segment, 8),
		dataQueue: make(chan *wire.Segment, 64),
	}
}

func (c *ReliableConnection) Remote() topology.VirtualAddress { return c.remote }
func (c *ReliableConnection) Local() topology.VirtualAddress  { return c.local }

// Send fragments data into MSS-sized chunks and transmits each in turn,
// blocking until it is acknowledged before moving to the next.
func (c *ReliableConnection) Send(data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	mss := c.params.MSS
	if len(data) == 0 {
		return c.sendChunk(nil, false)
	}
	for offset := 0; offset < len(data); offset += mss {
		end := offset + mss
		if end > len(data) {
			end = len(data)
		}
		more := end < len(data)
		if err := c.sendChunk(data[offset:end], more); err != nil {
			return err
		}
	}
	return nil
}

func (c *ReliableConnection) sendChunk(chunk []byte, more bool) error {
	c.stateMu.Lock()
	seq := c.sendSeq
	c.stateMu.Unlock()

	segment := wire.Segment{
		SeqNum: seq,
		IsAck:  false,
		Payload: map[string]any{
			"data":     base64.StdEncoding.EncodeToString(chunk),
			"more":     more,
			"src_port": int(c.local.Port),
			"dst_port": int(c.remote.Port),
		},
	}

	for attempt := 1; ; attempt++ {
		if err := c.network.Send(segment.ToMap(), c.remote.VIP); err != nil {
			return err
		}
		logging.Log.Debug("xport: %v -> %v  segment sent (seq=%d attempt=%d)", c.local, c.remote, seq, attempt)

		select {
		case ack := <-c.ackQueue:
			if ack.SeqNum == seq {
				c.stateMu.Lock()
				c.sendSeq ^= 1
				c.stateMu.Unlock()
				return nil
			}
			logging.Log.Debug("xport: %v  stale ACK discarded (got=%d want=%d)", c.local, ack.SeqNum, seq)
			// fall through to retry promptly rather than waiting out the timeout
		case <-time.After(c.params.AckTimeout):
			logging.Log.Debug("xport: %v -> %v  ACK timeout, retransmitting (seq=%d)", c.local, c.remote, seq)
		}

		if attempt >= c.params.RetryCeiling {
			return fmt.Errorf("%w: seq=%d after %d attempts", ErrRetriesExhausted, seq, attempt)
		}
	}
}

// Receive accumulates chunks until one arrives with more=false, and
// returns the concatenated message. It returns ErrEndOfStream once the
// peer's FIN has been observed.
func (c *ReliableConnection) Receive() ([]byte, error) {
	var buffer []byte
	for {
		segment, err := c.receiveChunk()
		if err != nil {
			return nil, err
		}

		chunk, _ := segment.Payload["data"].(string)
		decoded, err := base64.StdEncoding.DecodeString(chunk)
		if err != nil {
			logging.Log.Err("xport: %v  malformed chunk payload, dropping connection: %v", c.local, err)
			return nil, err
		}
		buffer = append(buffer, decoded...)

		more, _ := segment.Payload["more"].(bool)
		if !more {
			return buffer, nil
		}
	}
}

func (c *ReliableConnection) receiveChunk() (wire.Segment, error) {
	for {
		item, ok := <-c.dataQueue
		if !ok || item == nil {
			return wire.Segment{}, ErrEndOfStream
		}
		segment := *item

		c.stateMu.Lock()
		expected := c.recvSeq
		if segment.SeqNum != expected {
			c.stateMu.Unlock()
			logging.Log.Debug("xport: %v  duplicate discarded (got=%d want=%d)", c.local, segment.SeqNum, expected)
			c.sendAck(segment.SeqNum)
			continue
		}
		c.recvSeq ^= 1
		c.stateMu.Unlock()

		c.sendAck(segment.SeqNum)
		return segment, nil
	}
}

func (c *ReliableConnection) sendAck(seq int) {
	ack := wire.Segment{
		SeqNum: seq,
		IsAck:  true,
		Payload: map[string]any{
			"src_port": int(c.local.Port),
			"dst_port": int(c.remote.Port),
		},
	}
	if err := c.network.Send(ack.ToMap(), c.remote.VIP); err != nil {
		logging.Log.Err("xport: %v  failed to send ACK(%d): %v", c.local, seq, err)
	}
}

// Close marks the connection closed, then sends a FIN and waits for its
// ACK with the same timeout/retry policy as data. It does this whether or
// not the peer's FIN has already been received; a second Close is a no-op.
func (c *ReliableConnection) Close() error {
	c.stateMu.Lock()
	if c.closed {
		c.stateMu.Unlock()
		return nil
	}
	c.closed = true
	c.stateMu.Unlock()

	c.sendMu.Lock()
	err := c.sendFin()
	c.sendMu.Unlock()

	c.teardown()
	return err
}

func (c *ReliableConnection) sendFin() error {
	c.stateMu.Lock()
	seq := c.sendSeq
	c.stateMu.Unlock()

	fin := wire.Segment{
		SeqNum: seq,
		IsAck:  false,
		Payload: map[string]any{
			"fin":      true,
			"more":     false,
			"src_port": int(c.local.Port),
			"dst_port": int(c.remote.Port),
		},
	}

	for attempt := 1; attempt <= c.params.RetryCeiling; attempt++ {
		if err := c.network.Send(fin.ToMap(), c.remote.VIP); err != nil {
			return err
		}
		logging.Log.Debug("xport: %v -> %v  FIN sent (seq=%d attempt=%d)", c.local, c.remote, seq, attempt)

		select {
		case ack := <-c.ackQueue:
			if ack.SeqNum == seq {
				return nil
			}
		case <-time.After(c.params.AckTimeout):
		}
	}
	return fmt.Errorf("%w: FIN seq=%d", ErrRetriesExhausted, seq)
}

func (c *ReliableConnection) teardown() {
	if c.onClose != nil {
		c.onClose()
	}
}

// Dispatch is called by the transport's demultiplexer goroutine for every
// segment keyed to this connection. It must never block.
func (c *ReliableConnection) Dispatch(segment wire.Segment) {
	if fin, _ := segment.Payload["fin"].(bool); fin {
		c.sendAck(segment.SeqNum)

		c.stateMu.Lock()
		c.finRecv = true
		c.stateMu.Unlock()

		select {
		case c.dataQueue <- nil:
		default:
		}
		logging.Log.Debug("xport: %v  FIN received from %v", c.local, c.remote)
		return
	}

	if segment.IsAck {
		select {
		case c.ackQueue <- segment:
		default:
			logging.Log.Debug("xport: %v  ACK queue full, dropping stale ACK(%d)", c.local, segment.SeqNum)
		}
		return
	}

	seg := segment
	select {
	case c.dataQueue <- &seg:
	default:
		logging.Log.Err("xport: %v  data queue full, dropping segment(%d)", c.local, segment.SeqNum)
	}
}

// FinReceived reports whether the peer's FIN has already been observed.
func (c *ReliableConnection) FinReceived() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.finRecv
}
