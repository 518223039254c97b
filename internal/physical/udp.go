/* Copyright (c) 2018-2021 Waldemar Augustyn */

// Package physical owns the one bound datagram socket each node has and
// hands raw frame bytes to and from the noisy-channel substrate.
package physical

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"chatstack/internal/logging"
	"chatstack/internal/topology"
	"chatstack/internal/wire"
)

// UdpSimulated is L1: a bound UDP socket plus the noisy channel frames
// travel through.
type UdpSimulated struct {
	conn    *net.UDPConn
	channel *wire.Channel
}

// Listen binds addr with SO_REUSEADDR set, the way tun.go tunes its file
// descriptor before use, so a node can restart promptly after a crash
// without waiting on the OS to release the port.
func Listen(addr topology.Address, channel *wire.Channel) (*UdpSimulated, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", addr.String())
	if err != nil {
		return nil, fmt.Errorf("physical: cannot bind %s: %w", addr, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("physical: unexpected connection type for %s", addr)
	}

	return &UdpSimulated{conn: conn, channel: channel}, nil
}

// Send resolves dstMAC to a real endpoint and hands frameBytes to the
// noisy substrate. An unknown MAC is a programming error and aborts with a
// diagnostic.
func (u *UdpSimulated) Send(dstMAC topology.MACAddress, frameBytes []byte) error {
	node, ok := topology.ByMAC(dstMAC)
	if !ok {
		logging.Log.Fatal("physical: unknown MAC address: %v", dstMAC)
		return fmt.Errorf("physical: unknown MAC address: %v", dstMAC)
	}

	dst := &net.UDPAddr{IP: node.Addr.IP.Addr().AsSlice(), Port: int(node.Addr.Port)}
	return u.channel.SendOverNoisyChannel(u.conn, dst, frameBytes)
}

// Receive blocks for a single datagram and returns its raw bytes.
func (u *UdpSimulated) Receive() ([]byte, error) {
	buf := make([]byte, 65535)
	n, _, err := u.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Close releases the socket.
func (u *UdpSimulated) Close() error {
	return u.conn.Close()
}
