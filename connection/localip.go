package connection

import (
	"net"
	"os"
)

// LocalIP returns the LAN address other machines should dial to reach this
// host. No packet is sent: dialing UDP only selects the outbound interface.
func LocalIP() string {
	if conn, err := net.Dial("udp", "8.8.8.8:80"); err == nil {
		defer conn.Close()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && !addr.IP.IsUnspecified() {
			return addr.IP.String()
		}
	}

	if hostname, err := os.Hostname(); err == nil {
		if ips, err := net.LookupIP(hostname); err == nil {
			for _, ip := range ips {
				if ip4 := ip.To4(); ip4 != nil && !ip4.IsLoopback() {
					return ip4.String()
				}
			}
		}
	}
	return "127.0.0.1"
}
