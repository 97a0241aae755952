package discv4

import "net"

// Node is an entry of a NEIGHBORS packet.
type Node struct {
	IP  net.IP // len 4 for IPv4 or 16 for IPv6
	UDP uint16 // for discovery protocol
	TCP uint16 // for RLPx protocol
	ID  NodeID
}

type Endpoint struct {
	IP  net.IP // len 4 for IPv4 or 16 for IPv6
	UDP uint16 // for discovery protocol
	TCP uint16 // for RLPx protocol
}

func NewEndpoint(addr *net.UDPAddr, tcpPort uint16) Endpoint {
	ip := addr.IP
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	return Endpoint{IP: ip, UDP: uint16(addr.Port), TCP: tcpPort}
}
