package netutil

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

const dialTimeout = time.Second

// Listen binds the preferred address, or the first free candidate when the
// preferred one is taken and autoFallback is set. The listener is returned
// already bound.
func Listen(preferred string, candidates []string, autoFallback bool) (net.Listener, error) {
	if preferred != "" {
		ln, err := net.Listen("tcp", preferred)
		if err == nil {
			return ln, nil
		}
		if !autoFallback {
			return nil, fmt.Errorf("preferred bind address in use: %s: %w", preferred, err)
		}
		slog.Warn("preferred bind address unavailable, trying candidates", "addr", preferred, "error", err)
	}

	for _, addr := range candidates {
		if addr == preferred {
			continue
		}
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
		slog.Debug("bind candidate unavailable", "addr", addr, "error", err)
	}

	return nil, errors.New("no available bind addresses")
}

// IsListening reports whether something accepts TCP connections on addr.
func IsListening(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
