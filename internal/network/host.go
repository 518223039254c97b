/* Copyright (c) 2018-2021 Waldemar Augustyn */

// Package network implements the network layer: HostNetwork originates
// packets with a fresh TTL and filters inbound traffic by local VIP;
// RouterNetwork decrements TTL and forwards, never delivering upward. The
// two share no code by design.
package network

import (
	"chatstack/internal/link"
	"chatstack/internal/logging"
	"chatstack/internal/topology"
	"chatstack/internal/wire"
)

// DefaultTTL is the initial hop-count ceiling a host stamps on every
// packet it originates.
const DefaultTTL = 16

type HostNetwork struct {
	link     *link.SimpleLink
	localVIP topology.VIP
	nextHop  topology.VIP
	ttl      int
}

func NewHostNetwork(l *link.SimpleLink, localVIP topology.VIP, ttl int) *HostNetwork {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &HostNetwork{link: l, localVIP: localVIP, nextHop: topology.HostRoute(), ttl: ttl}
}

// Send originates a packet carrying segmentMap toward dstVIP, routed via
// the host's single next hop (the router).
func (h *HostNetwork) Send(segmentMap map[string]any, dstVIP topology.VIP) error {
	pkt := wire.Packet{
		SrcVIP: string(h.localVIP),
		DstVIP: string(dstVIP),
		TTL:    h.ttl,
		Data:   segmentMap,
	}
	return h.link.Send(pkt.ToMap(), h.nextHop)
}

// Inbound is a segment delivered upward together with the packet-level
// metadata the transport's demultiplexer needs to build a connection key
// — the segment payload alone only carries ports, not the VIP the packet
// arrived from.
type Inbound struct {
	SrcVIP  topology.VIP
	Segment map[string]any
}

// Receive loops on the link until a packet addressed to this host's VIP
// arrives, then returns its inner segment map together with its source
// VIP. Hosts never forward.
func (h *HostNetwork) Receive() (Inbound, error) {
	for {
		packetMap, err := h.link.Receive()
		if err != nil {
			return Inbound{}, err
		}

		pkt, err := wire.PacketFromMap(packetMap)
		if err != nil {
			logging.Log.Debug("network: dropped malformed packet: %v", err)
			continue
		}
		if topology.VIP(pkt.DstVIP) != h.localVIP {
			logging.Log.Debug("network: dropped packet addressed to %v, not us", pkt.DstVIP)
			continue
		}
		return Inbound{SrcVIP: topology.VIP(pkt.SrcVIP), Segment: pkt.Data}, nil
	}
}
