/* Copyright (c) 2018-2021 Waldemar Augustyn */

package network

import (
	"sync"
	"sync/atomic"

	"chatstack/internal/link"
	"chatstack/internal/logging"
	"chatstack/internal/topology"
	"chatstack/internal/wire"
)

// RouterStats is a snapshot of the router's packet-verdict counters,
// mirroring the forwarded/dropped_ttl/dropped_unknown accounting style of
// a router's per-verdict packet counters.
type RouterStats struct {
	Forwarded      uint64
	DroppedTTL     uint64
	DroppedUnknown uint64
}

func (s RouterStats) Total() uint64 {
	return s.Forwarded + s.DroppedTTL + s.DroppedUnknown
}

// RouterNetwork is L3 for the router node: a background intake goroutine
// feeds an unbounded FIFO queue; Receive pops one packet and drops it (TTL
// expired or no route) or decrements its TTL and forwards it. A router
// never delivers a packet upward, only forwards or drops it.
type RouterNetwork struct {
	link     *link.SimpleLink
	localVIP topology.VIP
	arp      map[topology.VIP]topology.MACAddress

	mu    sync.Mutex
	queue []wire.Packet
	cond  *sync.Cond

	forwarded      atomic.Uint64
	droppedTTL     atomic.Uint64
	droppedUnknown atomic.Uint64
}

func NewRouterNetwork(l *link.SimpleLink, localVIP topology.VIP, arp map[topology.VIP]topology.MACAddress) *RouterNetwork {
	r := &RouterNetwork{link: l, localVIP: localVIP, arp: arp}
	r.cond = sync.NewCond(&r.mu)
	go r.intake()
	return r
}

func (r *RouterNetwork) intake() {
	for {
		packetMap, err := r.link.Receive()
		if err != nil {
			logging.Log.Err("router: intake receive failed: %v", err)
			return
		}
		pkt, err := wire.PacketFromMap(packetMap)
		if err != nil {
			logging.Log.Debug("router: dropped malformed packet: %v", err)
			continue
		}

		r.mu.Lock()
		r.queue = append(r.queue, pkt)
		r.cond.Signal()
		r.mu.Unlock()
	}
}

// Receive pops one packet from the intake queue and forwards it if its TTL
// and the route allow. It never surfaces a packet upward; it returns nil
// unless the link fails to send a forwarded packet.
func (r *RouterNetwork) Receive() error {
	r.mu.Lock()
	for len(r.queue) == 0 {
		r.cond.Wait()
	}
	pkt := r.queue[0]
	r.queue = r.queue[1:]
	r.mu.Unlock()

	if pkt.TTL <= 1 {
		r.droppedTTL.Add(1)
		logging.Log.Debug("router: dropped %s -> %s, TTL expired", pkt.SrcVIP, pkt.DstVIP)
		return nil
	}

	if _, ok := r.arp[topology.VIP(pkt.DstVIP)]; !ok {
		r.droppedUnknown.Add(1)
		logging.Log.Err("router: no route to VIP %s, dropping", pkt.DstVIP)
		return nil
	}

	pkt.TTL--
	// Route resolution is checked above so an unknown destination is
	// dropped and counted, not escalated to link.Send's fatal diagnostic
	// for a missing ARP entry.
	if err := r.link.Send(pkt.ToMap(), topology.VIP(pkt.DstVIP)); err != nil {
		return err
	}
	r.forwarded.Add(1)
	logging.Log.Debug("router: forwarded %s -> %s (ttl=%d)", pkt.SrcVIP, pkt.DstVIP, pkt.TTL)
	return nil
}

// Stats returns a snapshot of the router's packet-verdict counters.
func (r *RouterNetwork) Stats() RouterStats {
	return RouterStats{
		Forwarded:      r.forwarded.Load(),
		DroppedTTL:     r.droppedTTL.Load(),
		DroppedUnknown: r.droppedUnknown.Load(),
	}
}

// Run drives Receive in a loop until an error occurs; cmd/router's main
// calls this directly, keeping packet intake and the forwarding step
// cleanly separated.
func (r *RouterNetwork) Run() error {
	for {
		if err := r.Receive(); err != nil {
			return err
		}
	}
}
