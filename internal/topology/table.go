/* Copyright (c) 2018-2021 Waldemar Augustyn */

package topology

// NodeName identifies one of the four fixed roles in the deployment.
type NodeName string

const (
	Alice  NodeName = "alice"
	Bob    NodeName = "bob"
	Server NodeName = "server"
	Router NodeName = "router"
)

// Node is one entry of the process-wide topology table: a node's virtual
// identity and the real endpoint it binds to.
type Node struct {
	Name NodeName
	VIP  VIP
	MAC  MACAddress
	Addr Address
}

// Table is the fixed four-entry topology, identical across every node in
// the deployment.
var Table = []Node{
	{
		Name: Alice,
		VIP:  VIP("HOST_A"),
		MAC:  MustParseMACAddress("AA:AA:AA:AA:AA:AA"),
		Addr: Address{IP: MustParseIPAddress("127.0.0.1"), Port: 10000},
	},
	{
		Name: Bob,
		VIP:  VIP("HOST_B"),
		MAC:  MustParseMACAddress("BB:BB:BB:BB:BB:BB"),
		Addr: Address{IP: MustParseIPAddress("127.0.0.1"), Port: 10001},
	},
	{
		Name: Server,
		VIP:  VIP("HOST_S"),
		MAC:  MustParseMACAddress("CC:CC:CC:CC:CC:CC"),
		Addr: Address{IP: MustParseIPAddress("127.0.0.1"), Port: 10002},
	},
	{
		Name: Router,
		VIP:  VIP("HOST_R"),
		MAC:  MustParseMACAddress("DD:DD:DD:DD:DD:DD"),
		Addr: Address{IP: MustParseIPAddress("127.0.0.1"), Port: 10003},
	},
}

func ByName(name NodeName) (Node, bool) {
	for _, n := range Table {
		if n.Name == name {
			return n, true
		}
	}
	return Node{}, false
}

func ByVIP(vip VIP) (Node, bool) {
	for _, n := range Table {
		if n.VIP == vip {
			return n, true
		}
	}
	return Node{}, false
}

// ByMAC resolves a MAC to its (IP, Port) real endpoint. An unknown MAC is
// a programming error: the caller must abort with a diagnostic.
func ByMAC(mac MACAddress) (Node, bool) {
	for _, n := range Table {
		if n.MAC == mac {
			return n, true
		}
	}
	return Node{}, false
}

func routerNode() Node {
	n, ok := ByName(Router)
	if !ok {
		panic("topology: router missing from table")
	}
	return n
}

// HostARP returns the static ARP table for a host: every other VIP resolves
// to the router's MAC, since hosts reach each other only through the
// router.
func HostARP(local VIP) map[VIP]MACAddress {
	router := routerNode()
	arp := make(map[VIP]MACAddress, len(Table))
	for _, n := range Table {
		if n.VIP == local {
			continue
		}
		arp[n.VIP] = router.MAC
	}
	return arp
}

// RouterARP returns the router's ARP table: each host VIP resolves to that
// host's own MAC.
func RouterARP() map[VIP]MACAddress {
	arp := make(map[VIP]MACAddress, len(Table))
	for _, n := range Table {
		if n.Name == Router {
			continue
		}
		arp[n.VIP] = n.MAC
	}
	return arp
}

// HostRoute returns the next-hop VIP a host should address packets to for
// any destination other than itself: always the router.
func HostRoute() VIP {
	return routerNode().VIP
}
