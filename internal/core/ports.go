package core

import (
	"fmt"
	"net"
	"strconv"
)

// Default port assignments
const (
	DefaultNATSPort = 4222

	// Fallback range when the configured port is taken
	DynamicPortStart = 12100
	DynamicPortEnd   = 12999
)

// portFree reports whether a TCP listener can be opened on host:port
func portFree(host string, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// resolvePort returns preferred when it is free on host, otherwise the first
// free port of the fallback range
func resolvePort(host string, preferred int) (int, error) {
	if preferred > 0 && portFree(host, preferred) {
		return preferred, nil
	}
	for port := DynamicPortStart; port <= DynamicPortEnd; port++ {
		if port != preferred && portFree(host, port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no free port near %d on %s", preferred, host)
}
