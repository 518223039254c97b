/* Copyright (c) 2018-2021 Waldemar Augustyn */

// Package wire defines the protocol data units exchanged between nodes —
// Segment, Packet, Frame — and the noisy-channel send primitive that
// carries Frames between real sockets. This is a fixed collaborator
// contract: no higher layer reaches past it to touch bytes on the wire
// directly, and this package itself is not extended with per-layer
// concerns (those live in internal/link, internal/network,
// internal/transport).
package wire

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
)

// Segment is the transport-layer PDU: one Stop-and-Wait unit carrying an
// application-defined payload map.
type Segment struct {
	SeqNum  int            `json:"seq_num"`
	IsAck   bool           `json:"is_ack"`
	Payload map[string]any `json:"payload"`
}

func (s Segment) ToMap() map[string]any {
	return map[string]any{
		"seq_num": s.SeqNum,
		"is_ack":  s.IsAck,
		"payload": s.Payload,
	}
}

func SegmentFromMap(m map[string]any) (Segment, error) {
	var s Segment
	seq, ok := asInt(m["seq_num"])
	if !ok {
		return s, fmt.Errorf("wire: segment missing seq_num")
	}
	s.SeqNum = seq
	s.IsAck, _ = m["is_ack"].(bool)
	if payload, ok := m["payload"].(map[string]any); ok {
		s.Payload = payload
	} else {
		s.Payload = map[string]any{}
	}
	return s, nil
}

// Packet is the network-layer PDU: VIPs, a hop-count TTL, and an embedded
// segment.
type Packet struct {
	SrcVIP string
	DstVIP string
	TTL    int
	Data   map[string]any // Segment.ToMap()
}

func (p Packet) ToMap() map[string]any {
	return map[string]any{
		"src_vip": p.SrcVIP,
		"dst_vip": p.DstVIP,
		"ttl":     p.TTL,
		"data":    p.Data,
	}
}

func PacketFromMap(m map[string]any) (Packet, error) {
	var p Packet
	var ok bool
	p.SrcVIP, ok = m["src_vip"].(string)
	if !ok {
		return p, fmt.Errorf("wire: packet missing src_vip")
	}
	p.DstVIP, ok = m["dst_vip"].(string)
	if !ok {
		return p, fmt.Errorf("wire: packet missing dst_vip")
	}
	ttl, ok := asInt(m["ttl"])
	if !ok {
		return p, fmt.Errorf("wire: packet missing ttl")
	}
	p.TTL = ttl
	if data, ok := m["data"].(map[string]any); ok {
		p.Data = data
	} else {
		return p, fmt.Errorf("wire: packet missing data")
	}
	return p, nil
}

// Frame is the link-layer PDU. FCS is a CRC-32 over the JSON encoding of
// src_mac, dst_mac and the packet payload — the Go analogue of the
// teacher's integrity field on every PDU it frames.
type Frame struct {
	SrcMAC string
	DstMAC string
	Data   map[string]any // Packet.ToMap()
	FCS    uint32
}

type frameWire struct {
	SrcMAC string         `json:"src_mac"`
	DstMAC string         `json:"dst_mac"`
	Data   map[string]any `json:"data"`
	FCS    uint32         `json:"fcs"`
}

func checksum(srcMAC, dstMAC string, data map[string]any) (uint32, error) {
	body, err := json.Marshal(struct {
		SrcMAC string         `json:"src_mac"`
		DstMAC string         `json:"dst_mac"`
		Data   map[string]any `json:"data"`
	}{srcMAC, dstMAC, data})
	if err != nil {
		return 0, err
	}
	return crc32.ChecksumIEEE(body), nil
}

// NewFrame builds a Frame with a correct FCS for its contents.
func NewFrame(srcMAC, dstMAC string, data map[string]any) (Frame, error) {
	fcs, err := checksum(srcMAC, dstMAC, data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{SrcMAC: srcMAC, DstMAC: dstMAC, Data: data, FCS: fcs}, nil
}

// MarshalBinary serializes the frame to wire bytes.
func (f Frame) MarshalBinary() ([]byte, error) {
	return json.Marshal(frameWire{SrcMAC: f.SrcMAC, DstMAC: f.DstMAC, Data: f.Data, FCS: f.FCS})
}

// UnmarshalFrame deserializes wire bytes into a packet map and the frame's
// source and destination MACs, and reports whether the integrity check
// passed. A corrupt or malformed frame yields (nil, "", "", false); callers
// must drop it silently.
func UnmarshalFrame(raw []byte) (packetMap map[string]any, srcMAC, dstMAC string, ok bool) {
	var fw frameWire
	if err := json.Unmarshal(raw, &fw); err != nil {
		return nil, "", "", false
	}
	want, err := checksum(fw.SrcMAC, fw.DstMAC, fw.Data)
	if err != nil || want != fw.FCS {
		return nil, "", "", false
	}
	return fw.Data, fw.SrcMAC, fw.DstMAC, true
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
