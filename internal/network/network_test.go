/* Copyright (c) 2018-2021 Waldemar Augustyn */

package network

import (
	"testing"
	"time"

	"chatstack/internal/link"
	"chatstack/internal/physical"
	"chatstack/internal/topology"
	"chatstack/internal/wire"
)

// These tests drive real loopback UDP sockets bound to the fixed topology's
// own addresses and MACs, since physical.UdpSimulated.Send resolves its
// destination by looking up the static table rather than accepting an
// arbitrary address.

func openNode(t *testing.T, name topology.NodeName) (*physical.UdpSimulated, *link.SimpleLink, topology.Node) {
	t.Helper()
	node, ok := topology.ByName(name)
	if !ok {
		t.Fatalf("unknown node %v", name)
	}
	phy, err := physical.Listen(node.Addr, wire.NewChannel(0, 0, 0, nil))
	if err != nil {
		t.Fatalf("physical.Listen(%v): %v", name, err)
	}
	t.Cleanup(func() { phy.Close() })

	arp := make(map[topology.VIP]topology.MACAddress)
	for _, n := range topology.Table {
		if n.Name != name {
			arp[n.VIP] = n.MAC
		}
	}
	return phy, link.New(phy, node.MAC, arp), node
}

func TestHostNetworkDropsPacketNotAddressedToLocalVIP(t *testing.T) {
	_, aliceLink, alice := openNode(t, topology.Alice)
	_, bobLink, bob := openNode(t, topology.Bob)

	hostNet := NewHostNetwork(aliceLink, alice.VIP, DefaultTTL)

	// Addressed to HOST_S (not Alice), but framed straight at Alice's MAC —
	// HostNetwork must filter on the packet's VIP, not just the link frame.
	misaddressed := wire.Packet{SrcVIP: string(bob.VIP), DstVIP: "HOST_S", TTL: 16, Data: map[string]any{"seq_num": 0}}
	if err := bobLink.Send(misaddressed.ToMap(), alice.VIP); err != nil {
		t.Fatalf("Send misaddressed: %v", err)
	}

	correct := wire.Packet{SrcVIP: string(bob.VIP), DstVIP: string(alice.VIP), TTL: 16, Data: map[string]any{"seq_num": 1}}
	if err := bobLink.Send(correct.ToMap(), alice.VIP); err != nil {
		t.Fatalf("Send correct: %v", err)
	}

	resultCh := make(chan Inbound, 1)
	errCh := make(chan error, 1)
	go func() {
		in, err := hostNet.Receive()
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- in
	}()

	select {
	case in := <-resultCh:
		// The segment map has been through the JSON wire encoding, so its
		// numbers come back as float64.
		if in.Segment["seq_num"] != float64(1) {
			t.Errorf("expected the correctly-addressed packet to surface, got %v", in.Segment)
		}
	case err := <-errCh:
		t.Fatalf("Receive: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out: misaddressed packet was not filtered, or correct one never arrived")
	}
}

func TestRouterNetworkDropsOnTTLExpiry(t *testing.T) {
	_, aliceLink, alice := openNode(t, topology.Alice)
	_, _, bob := openNode(t, topology.Bob)
	_, routerLink, router := openNode(t, topology.Router)

	routerNet := NewRouterNetwork(routerLink, router.VIP, topology.RouterARP())
	go func() { _ = routerNet.Run() }()

	pkt := wire.Packet{SrcVIP: string(alice.VIP), DstVIP: string(bob.VIP), TTL: 1, Data: map[string]any{"seq_num": 0}}
	if err := aliceLink.Send(pkt.ToMap(), router.VIP); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if routerNet.Stats().DroppedTTL == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected DroppedTTL=1, got %+v", routerNet.Stats())
}

func TestRouterNetworkDropsUnknownRoute(t *testing.T) {
	_, aliceLink, alice := openNode(t, topology.Alice)
	_, routerLink, router := openNode(t, topology.Router)

	arp := topology.RouterARP()
	delete(arp, topology.VIP("HOST_B")) // make HOST_B unreachable from this router's table
	routerNet := NewRouterNetwork(routerLink, router.VIP, arp)
	go func() { _ = routerNet.Run() }()

	pkt := wire.Packet{SrcVIP: string(alice.VIP), DstVIP: "HOST_B", TTL: 16, Data: map[string]any{"seq_num": 0}}
	if err := aliceLink.Send(pkt.ToMap(), router.VIP); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if routerNet.Stats().DroppedUnknown == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected DroppedUnknown=1, got %+v", routerNet.Stats())
}

func TestRouterNetworkForwardsAndDecrementsTTL(t *testing.T) {
	_, aliceLink, alice := openNode(t, topology.Alice)
	bobPhy, _, bob := openNode(t, topology.Bob)
	_, routerLink, router := openNode(t, topology.Router)

	routerNet := NewRouterNetwork(routerLink, router.VIP, topology.RouterARP())
	go func() { _ = routerNet.Run() }()

	pkt := wire.Packet{SrcVIP: string(alice.VIP), DstVIP: string(bob.VIP), TTL: 16, Data: map[string]any{"seq_num": 0}}
	if err := aliceLink.Send(pkt.ToMap(), router.VIP); err != nil {
		t.Fatalf("Send: %v", err)
	}

	raw, err := bobPhy.Receive()
	if err != nil {
		t.Fatalf("bobPhy.Receive: %v", err)
	}
	packetMap, _, _, ok := wire.UnmarshalFrame(raw)
	if !ok {
		t.Fatalf("forwarded frame failed integrity check")
	}
	forwarded, err := wire.PacketFromMap(packetMap)
	if err != nil {
		t.Fatalf("PacketFromMap: %v", err)
	}
	if forwarded.TTL != 15 {
		t.Errorf("expected TTL decremented to 15, got %d", forwarded.TTL)
	}
	if routerNet.Stats().Forwarded != 1 {
		t.Errorf("expected Forwarded=1, got %+v", routerNet.Stats())
	}
}
