/* Copyright (c) 2018-2021 Waldemar Augustyn */

// Package topology carries the process-wide constants of the four-node
// deployment: the real (IP, Port) each node binds to, its virtual identity
// (VIP, MAC), and the static ARP/routing tables derived from them. Nothing
// in this package is mutated after package initialization.
package topology

import (
	"fmt"
	"net/netip"
	"regexp"
)

// Port is a real or virtual transport-endpoint port in [0, 65535].
type Port uint16

func (p Port) String() string { return fmt.Sprintf("%d", uint16(p)) }

// IPAddress is a dotted-quad address restricted, in this deployment, to
// 127.0.0.0/8.
type IPAddress struct {
	addr netip.Addr
}

func ParseIPAddress(s string) (IPAddress, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return IPAddress{}, fmt.Errorf("topology: invalid IP address %q: %w", s, err)
	}
	if !addr.Is4() {
		return IPAddress{}, fmt.Errorf("topology: %q is not an IPv4 address", s)
	}
	if !addr.IsLoopback() {
		return IPAddress{}, fmt.Errorf("topology: %q is not on 127.0.0.0/8", s)
	}
	return IPAddress{addr: addr}, nil
}

func MustParseIPAddress(s string) IPAddress {
	ip, err := ParseIPAddress(s)
	if err != nil {
		panic(err)
	}
	return ip
}

func (ip IPAddress) String() string   { return ip.addr.String() }
func (ip IPAddress) Addr() netip.Addr { return ip.addr }

// VIP is an opaque short identifier for a logical host, e.g. "HOST_A". It
// is deliberately not parseable as an IP: VIPs never appear on the wire as
// anything but strings resolved through the topology table.
type VIP string

var macPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

// MACAddress is six colon-separated hex octets.
type MACAddress string

func ParseMACAddress(s string) (MACAddress, error) {
	if !macPattern.MatchString(s) {
		return "", fmt.Errorf("topology: invalid MAC address %q", s)
	}
	return MACAddress(s), nil
}

func MustParseMACAddress(s string) MACAddress {
	mac, err := ParseMACAddress(s)
	if err != nil {
		panic(err)
	}
	return mac
}

// Address is a real transport endpoint for the noisy-channel substrate.
type Address struct {
	IP   IPAddress
	Port Port
}

func (a Address) String() string { return fmt.Sprintf("%s:%d", a.IP, a.Port) }

// VirtualAddress is the end-to-end logical endpoint applications address.
type VirtualAddress struct {
	VIP  VIP
	Port Port
}

func (a VirtualAddress) String() string { return fmt.Sprintf("%s:%d", a.VIP, a.Port) }
