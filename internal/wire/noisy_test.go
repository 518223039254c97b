/* Copyright (c) 2018-2021 Waldemar Augustyn */

package wire

import (
	"math/rand"
	"net"
	"testing"
	"time"
)

func loopbackConn(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestChannelAlwaysLossDropsSilently(t *testing.T) {
	conn := loopbackConn(t)
	dst := conn.LocalAddr().(*net.UDPAddr)

	ch := NewChannel(1.0, 0, 0, rand.NewSource(1))
	if err := ch.SendOverNoisyChannel(conn, dst, []byte("hello")); err != nil {
		t.Errorf("expected nil error on simulated loss, got %v", err)
	}
}

func TestChannelNoFaultsDelivers(t *testing.T) {
	conn := loopbackConn(t)
	dst := conn.LocalAddr().(*net.UDPAddr)

	ch := NewChannel(0, 0, 0, rand.NewSource(1))
	if err := ch.SendOverNoisyChannel(conn, dst, []byte("hello")); err != nil {
		t.Fatalf("SendOverNoisyChannel: %v", err)
	}

	buf := make([]byte, 16)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Errorf("got %q, want %q", buf[:n], "hello")
	}
}

func TestChannelAlwaysCorruptFlipsABit(t *testing.T) {
	conn := loopbackConn(t)
	dst := conn.LocalAddr().(*net.UDPAddr)

	ch := NewChannel(0, 1.0, 0, rand.NewSource(1))
	original := []byte("hello")
	if err := ch.SendOverNoisyChannel(conn, dst, original); err != nil {
		t.Fatalf("SendOverNoisyChannel: %v", err)
	}

	buf := make([]byte, 16)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}
	if string(buf[:n]) == "hello" {
		t.Errorf("expected corruption to change at least one byte")
	}
}
