package discovery

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
)

// multicastSocket bundles the receive socket (joined to the group) and a
// separate send socket. Using two sockets lets us control outgoing TTL via
// golang.org/x/net/ipv4 without disturbing the group membership held by the
// receive socket.
type multicastSocket struct {
	recvConn  *net.UDPConn
	sendConn  *net.UDPConn
	pktConn   *ipv4.PacketConn
	groupAddr *net.UDPAddr
}

func newMulticastSocket(group string, port int) (*multicastSocket, error) {
	ip := net.ParseIP(group)
	if ip == nil {
		return nil, fmt.Errorf("discovery: invalid multicast group %q", group)
	}
	groupAddr := &net.UDPAddr{IP: ip, Port: port}

	recvConn, err := net.ListenMulticastUDP("udp4", nil, groupAddr)
	if err != nil {
		return nil, fmt.Errorf("discovery: failed to join multicast group: %w", err)
	}
	_ = recvConn.SetReadBuffer(1 << 20)

	sendConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		_ = recvConn.Close()
		return nil, fmt.Errorf("discovery: failed to open send socket: %w", err)
	}

	pktConn := ipv4.NewPacketConn(sendConn)
	// Best-effort: a handful of network namespaces reject TTL changes on
	// unbound sockets. Discovery degrades to the OS default TTL, which is
	// fine for same-host and same-LAN scopes.
	_ = pktConn.SetMulticastTTL(8)

	return &multicastSocket{
		recvConn:  recvConn,
		sendConn:  sendConn,
		pktConn:   pktConn,
		groupAddr: groupAddr,
	}, nil
}

func (m *multicastSocket) send(buf []byte) error {
	_, err := m.sendConn.WriteToUDP(buf, m.groupAddr)
	return err
}

func (m *multicastSocket) recv(buf []byte) (int, *net.UDPAddr, error) {
	return m.recvConn.ReadFromUDP(buf)
}

func (m *multicastSocket) close() error {
	err1 := m.recvConn.Close()
	err2 := m.sendConn.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// localIPs returns every unicast IP bound to a local interface, used for
// Host-scope filtering (spec §4.3 step 6).
func localIPs() ([]net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip != nil {
			ips = append(ips, ip)
		}
	}
	return ips, nil
}

func containsIP(ips []net.IP, ip net.IP) bool {
	for _, candidate := range ips {
		if candidate.Equal(ip) {
			return true
		}
	}
	return false
}
