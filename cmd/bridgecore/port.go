package main

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
)

// listenWithFallback attempts to listen on baseAddr, trying subsequent ports
// if the requested one is already in use. Returns the listener, the address
// actually bound, and any error.
func listenWithFallback(baseAddr string, maxAttempts int) (net.Listener, string, error) {
	host, portStr, err := net.SplitHostPort(baseAddr)
	if err != nil {
		ln, err := net.Listen("tcp", baseAddr)
		if err != nil {
			return nil, "", err
		}
		return ln, baseAddr, nil
	}

	basePort, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, "", fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		addr := net.JoinHostPort(host, strconv.Itoa(basePort+i))

		ln, err := net.Listen("tcp", addr)
		if err == nil {
			if i > 0 {
				slog.Info("port fallback", "requested", baseAddr, "actual", addr)
			}
			return ln, addr, nil
		}
		if isAddrInUse(err) {
			lastErr = err
			continue
		}
		return nil, "", err
	}

	return nil, "", fmt.Errorf("all %d ports starting from %s are in use: %w", maxAttempts, baseAddr, lastErr)
}

func isAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "address already in use") ||
		strings.Contains(s, "Only one usage of each socket address") ||
		strings.Contains(s, "EADDRINUSE")
}
