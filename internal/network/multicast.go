package network

import (
	"fmt"
	"net"
)

// joinMulticast joins group (an IPv4 multicast address, optionally with a
// port) on the named interface, or on the system default when ifname is
// empty.
func joinMulticast(sock UDPSocket, group, ifname string) error {
	ip := net.ParseIP(group)
	if ip == nil {
		host, _, err := net.SplitHostPort(group)
		if err != nil {
			return fmt.Errorf("invalid multicast group %q", group)
		}
		ip = net.ParseIP(host)
	}
	if ip == nil || ip.To4() == nil || !ip.IsMulticast() {
		return fmt.Errorf("%q is not an IPv4 multicast address", group)
	}

	var ifi *net.Interface
	if ifname != "" {
		var err error
		ifi, err = net.InterfaceByName(ifname)
		if err != nil {
			return fmt.Errorf("multicast interface %q: %w", ifname, err)
		}
	}
	if err := sock.JoinGroup(ifi, &net.UDPAddr{IP: ip}); err != nil {
		return fmt.Errorf("join multicast group %s: %w", ip, err)
	}
	return nil
}
