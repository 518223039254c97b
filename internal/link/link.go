/* Copyright (c) 2018-2021 Waldemar Augustyn */

// Package link implements SimpleLink: framing, static-ARP MAC resolution,
// and integrity filtering on receive (L2).
package link

import (
	"fmt"

	"chatstack/internal/logging"
	"chatstack/internal/physical"
	"chatstack/internal/topology"
	"chatstack/internal/wire"
)

type SimpleLink struct {
	phy      *physical.UdpSimulated
	localMAC topology.MACAddress
	arp      map[topology.VIP]topology.MACAddress
}

func New(phy *physical.UdpSimulated, localMAC topology.MACAddress, arp map[topology.VIP]topology.MACAddress) *SimpleLink {
	return &SimpleLink{phy: phy, localMAC: localMAC, arp: arp}
}

// Send frames packetMap for dstVIP, resolving the next-hop MAC via the
// static ARP table, and hands it to the physical layer.
func (l *SimpleLink) Send(packetMap map[string]any, dstVIP topology.VIP) error {
	nextHop, ok := l.arp[dstVIP]
	if !ok {
		logging.Log.Fatal("link: no ARP entry for VIP: %v", dstVIP)
		return fmt.Errorf("link: no ARP entry for VIP: %v", dstVIP)
	}

	frame, err := wire.NewFrame(string(l.localMAC), string(nextHop), packetMap)
	if err != nil {
		return err
	}
	raw, err := frame.MarshalBinary()
	if err != nil {
		return err
	}
	return l.phy.Send(nextHop, raw)
}

// Receive reads datagrams until one passes the integrity check and is
// addressed to this link's MAC, then returns its inner packet map.
func (l *SimpleLink) Receive() (map[string]any, error) {
	for {
		raw, err := l.phy.Receive()
		if err != nil {
			return nil, err
		}

		packetMap, _, dstMAC, ok := wire.UnmarshalFrame(raw)
		if !ok {
			logging.Log.Debug("link: dropped frame failing integrity check")
			continue
		}
		if topology.MACAddress(dstMAC) != l.localMAC {
			logging.Log.Debug("link: dropped frame addressed to %v, not us", dstMAC)
			continue
		}
		return packetMap, nil
	}
}
