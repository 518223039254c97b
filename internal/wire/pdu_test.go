/* Copyright (c) 2018-2021 Waldemar Augustyn */

package wire

import "testing"

func TestFrameRoundTrip(t *testing.T) {
	data := map[string]any{"src_vip": "HOST_A", "dst_vip": "HOST_B", "ttl": float64(16), "data": map[string]any{}}

	frame, err := NewFrame("AA:AA:AA:AA:AA:AA", "DD:DD:DD:DD:DD:DD", data)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}

	raw, err := frame.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	packetMap, srcMAC, dstMAC, ok := UnmarshalFrame(raw)
	if !ok {
		t.Fatalf("UnmarshalFrame: integrity check unexpectedly failed")
	}
	if srcMAC != "AA:AA:AA:AA:AA:AA" || dstMAC != "DD:DD:DD:DD:DD:DD" {
		t.Errorf("MAC mismatch: got src=%v dst=%v", srcMAC, dstMAC)
	}
	if packetMap["src_vip"] != "HOST_A" {
		t.Errorf("packet payload lost in round trip: %v", packetMap)
	}
}

func TestUnmarshalFrameRejectsCorruption(t *testing.T) {
	frame, err := NewFrame("AA:AA:AA:AA:AA:AA", "DD:DD:DD:DD:DD:DD", map[string]any{"x": "y"})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	raw, err := frame.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	corrupted := make([]byte, len(raw))
	copy(corrupted, raw)
	for i, b := range corrupted {
		if b == '"' {
			corrupted[i] = '\''
			break
		}
	}

	if _, _, _, ok := UnmarshalFrame(corrupted); ok {
		t.Errorf("expected corrupted frame to fail integrity check")
	}
}

func TestUnmarshalFrameRejectsGarbage(t *testing.T) {
	if _, _, _, ok := UnmarshalFrame([]byte("not json at all")); ok {
		t.Errorf("expected garbage input to fail integrity check")
	}
}

func TestSegmentMapRoundTrip(t *testing.T) {
	s := Segment{SeqNum: 1, IsAck: true, Payload: map[string]any{"k": "v"}}
	back, err := SegmentFromMap(s.ToMap())
	if err != nil {
		t.Fatalf("SegmentFromMap: %v", err)
	}
	if back.SeqNum != 1 || !back.IsAck || back.Payload["k"] != "v" {
		t.Errorf("round trip mismatch: %+v", back)
	}
}

func TestSegmentFromMapRejectsMissingSeqNum(t *testing.T) {
	if _, err := SegmentFromMap(map[string]any{}); err == nil {
		t.Errorf("expected error for missing seq_num")
	}
}

func TestPacketMapRoundTrip(t *testing.T) {
	p := Packet{SrcVIP: "HOST_A", DstVIP: "HOST_B", TTL: 16, Data: map[string]any{"seq_num": 0}}
	back, err := PacketFromMap(p.ToMap())
	if err != nil {
		t.Fatalf("PacketFromMap: %v", err)
	}
	if back.SrcVIP != "HOST_A" || back.DstVIP != "HOST_B" || back.TTL != 16 {
		t.Errorf("round trip mismatch: %+v", back)
	}
}
