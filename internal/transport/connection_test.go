/* Copyright (c) 2018-2021 Waldemar Augustyn */

package transport

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"chatstack/internal/topology"
	"chatstack/internal/wire"
)

// loopbackNetwork wires a connection's outgoing segments straight into a
// peer ReliableConnection's Dispatch, modeling a network layer with zero
// loss for fast, deterministic tests.
type loopbackNetwork struct {
	peer *ReliableConnection
}

func (n *loopbackNetwork) Send(segmentMap map[string]any, dstVIP topology.VIP) error {
	segment, err := wire.SegmentFromMap(segmentMap)
	if err != nil {
		return err
	}
	n.peer.Dispatch(segment)
	return nil
}

func newConnectedPair() (*ReliableConnection, *ReliableConnection) {
	local := topology.VirtualAddress{VIP: "HOST_A", Port: 1}
	remote := topology.VirtualAddress{VIP: "HOST_B", Port: 2}
	params := Params{AckTimeout: 50 * time.Millisecond, RetryCeiling: 5}

	a := newConnection(nil, local, remote, params, nil)
	b := newConnection(nil, remote, local, params, nil)
	a.network = &loopbackNetwork{peer: b}
	b.network = &loopbackNetwork{peer: a}
	return a, b
}

func TestSendReceiveSingleChunk(t *testing.T) {
	a, b := newConnectedPair()

	go func() {
		if err := a.Send([]byte("hi")); err != nil {
			t.Errorf("Send: %v", err)
		}
	}()

	got, err := b.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(got) != "hi" {
		t.Errorf("got %q, want %q", got, "hi")
	}
}

func TestSendReceiveMultiChunk(t *testing.T) {
	a, b := newConnectedPair()
	a.params.MSS = 4

	payload := []byte("this message needs several chunks")
	go func() {
		if err := a.Send(payload); err != nil {
			t.Errorf("Send: %v", err)
		}
	}()

	got, err := b.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("got %q, want %q", got, payload)
	}
}

func TestDuplicateSegmentIsReAckedNotDelivered(t *testing.T) {
	a, b := newConnectedPair()

	seg := wire.Segment{SeqNum: 0, Payload: map[string]any{
		"data": base64.StdEncoding.EncodeToString([]byte("x")),
		"more": false, "src_port": 2, "dst_port": 1,
	}}
	b.Dispatch(seg)
	b.Dispatch(seg) // duplicate, as if the first ACK was lost

	got, err := b.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(got) != "x" {
		t.Errorf("got %q, want %q", got, "x")
	}

	// The next delivered message must be the next sequence number, not the
	// duplicate: b skips it after re-ACKing it.
	next := wire.Segment{SeqNum: 1, Payload: map[string]any{
		"data": base64.StdEncoding.EncodeToString([]byte("y")),
		"more": false, "src_port": 2, "dst_port": 1,
	}}
	b.Dispatch(next)

	got, err = b.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(got) != "y" {
		t.Errorf("duplicate was redelivered: got %q, want %q", got, "y")
	}
	// ACK(0) for the original, ACK(0) again for the duplicate, ACK(1).
	if acks := len(a.ackQueue); acks != 3 {
		t.Errorf("got %d ACKs at the sender, want 3", acks)
	}
}

func TestCloseSendsFinAndPeerObservesEndOfStream(t *testing.T) {
	a, b := newConnectedPair()

	done := make(chan struct{})
	go func() {
		if _, err := b.Receive(); !errors.Is(err, ErrEndOfStream) {
			t.Errorf("want ErrEndOfStream, got %v", err)
		}
		close(done)
	}()

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	<-done
	if !b.FinReceived() {
		t.Errorf("expected FinReceived to be true after FIN")
	}
}

// deadNetwork never delivers anything, so every send times out until the
// retry ceiling trips.
type deadNetwork struct{}

func (deadNetwork) Send(map[string]any, topology.VIP) error { return nil }

func TestSendRetryExhaustionReturnsError(t *testing.T) {
	local := topology.VirtualAddress{VIP: "HOST_A", Port: 1}
	remote := topology.VirtualAddress{VIP: "HOST_B", Port: 2}
	params := Params{AckTimeout: 5 * time.Millisecond, RetryCeiling: 3}
	conn := newConnection(deadNetwork{}, local, remote, params, nil)

	err := conn.Send([]byte("x"))
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("want ErrRetriesExhausted, got %v", err)
	}
}
