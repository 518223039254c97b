/* Copyright (c) 2018-2021 Waldemar Augustyn */

package transport

import (
	"testing"
	"time"

	"chatstack/internal/network"
	"chatstack/internal/topology"
	"chatstack/internal/wire"
)

// fakeHostNetwork hands a scripted sequence of inbound segments to a
// transport's daemon loop, then blocks forever (simulating an idle link)
// so the daemon goroutine parks instead of spinning.
type fakeHostNetwork struct {
	inbound chan network.Inbound
	sent    chan wire.Segment
}

func newFakeHostNetwork() *fakeHostNetwork {
	f := &fakeHostNetwork{
		inbound: make(chan network.Inbound, 16),
		sent:    make(chan wire.Segment, 16),
	}
	// Nothing in these tests reads f.sent; drain it so retransmissions
	// beyond the buffer capacity don't block Send forever.
	go func() {
		for range f.sent {
		}
	}()
	return f
}

func (f *fakeHostNetwork) Send(segmentMap map[string]any, dstVIP topology.VIP) error {
	seg, err := wire.SegmentFromMap(segmentMap)
	if err != nil {
		return err
	}
	f.sent <- seg
	return nil
}

func (f *fakeHostNetwork) Receive() (network.Inbound, error) {
	return <-f.inbound, nil
}

func TestUnmatchedKeyOpensPassiveConnection(t *testing.T) {
	net := newFakeHostNetwork()
	local := topology.VirtualAddress{VIP: "HOST_S", Port: 10002}
	tr := New(net, local, Params{AckTimeout: 50 * time.Millisecond, RetryCeiling: 3})
	defer tr.Shutdown()

	seg := wire.Segment{SeqNum: 0, Payload: map[string]any{
		"data": "aGk=", "more": false, "src_port": 20000, "dst_port": 10002,
	}}
	net.inbound <- network.Inbound{SrcVIP: "HOST_A", Segment: seg.ToMap()}

	select {
	case conn := <-tr.acceptQueue:
		if conn.Remote() != (topology.VirtualAddress{VIP: "HOST_A", Port: 20000}) {
			t.Errorf("unexpected remote: %v", conn.Remote())
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for passive connection to be accepted")
	}
}

func TestUnmatchedAckAlsoOpensPassiveConnection(t *testing.T) {
	net := newFakeHostNetwork()
	local := topology.VirtualAddress{VIP: "HOST_S", Port: 10002}
	tr := New(net, local, Params{AckTimeout: 50 * time.Millisecond, RetryCeiling: 3})
	defer tr.Shutdown()

	ack := wire.Segment{SeqNum: 0, IsAck: true, Payload: map[string]any{
		"src_port": 20001, "dst_port": 10002,
	}}
	net.inbound <- network.Inbound{SrcVIP: "HOST_A", Segment: ack.ToMap()}

	select {
	case <-tr.acceptQueue:
	case <-time.After(time.Second):
		t.Fatal("a stray ACK with no matching key must still open a new connection")
	}
}

func TestConnectRegistersBeforeReturning(t *testing.T) {
	net := newFakeHostNetwork()
	local := topology.VirtualAddress{VIP: "HOST_A", Port: 10000}
	tr := New(net, local, Params{})
	defer tr.Shutdown()

	remote := topology.VirtualAddress{VIP: "HOST_S", Port: 10002}
	conn := tr.Connect(remote)

	tr.mu.Lock()
	_, ok := tr.connections[ConnectionKey{RemoteVIP: remote.VIP, RemotePort: remote.Port, LocalPort: conn.Local().Port}]
	tr.mu.Unlock()
	if !ok {
		t.Errorf("connection not registered immediately after Connect")
	}
}
