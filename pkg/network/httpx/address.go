package httpx

import (
	"net"
	"strconv"
)

type Address string

// SplitHostPort splits an address into the host and port parts
// tolerating missing or malformed port values.
func (a Address) SplitHostPort() (string, int) {
	host, p, err := net.SplitHostPort(string(a))
	if err != nil {
		return string(a), 0
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return host, 0
	}
	return host, port
}

// buildAddress joins the host of the given address with the port of the
// listener, prefixing the host with the zone when set.
//
// As example, address host.com:8080 and listener 123.123.123.123:8888 will be
// transformed to host.com:8888.
func buildAddress(address string, zone string, l Listener) string {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	if host == "" {
		host = "localhost"
	}
	host = withZonePrefix(host, zone)

	port := l.GetPort()
	if port > 0 && port != 80 && port != 443 {
		return host + ":" + strconv.Itoa(port)
	}
	return host
}

func withZonePrefix(host string, zone string) string {
	if zone == "" || host == "" {
		return host
	}
	return zone + "." + host
}

func extractHost(address string) string {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return address
	}
	return host
}
