package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

// Dynamic port range used by BindRandom.
const (
	RandomPortMin = 32768
	RandomPortMax = 61000

	randomAttempts = 64
)

var ErrNoPort = errors.New("no free port")

// Bind listens on the first free port from port up to maxPort. Only
// "address in use" moves on to the next port.
func Bind(host string, port, maxPort int) (net.Listener, error) {
	for p := port; p <= maxPort; p++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err == nil {
			return ln, nil
		}
		if !errors.Is(err, unix.EADDRINUSE) {
			return nil, fmt.Errorf("binding %s:%d: %w", host, p, err)
		}
	}
	return nil, fmt.Errorf("binding %s in %d-%d: %w", host, port, maxPort, ErrNoPort)
}

// BindRandom listens on a random port of the dynamic range, retrying with a
// new port when binding fails.
func BindRandom(host string) (net.Listener, error) {
	var last error
	for range randomAttempts {
		p := RandomPortMin + rand.IntN(RandomPortMax-RandomPortMin+1)
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err == nil {
			return ln, nil
		}
		last = err
	}
	return nil, fmt.Errorf("binding %s: %w: %w", host, ErrNoPort, last)
}

// RouteAddr returns the local address the host uses to reach target. A UDP
// "connect" sends no packets; it only selects the route.
func RouteAddr(ctx context.Context, target string, timeout time.Duration) (string, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "udp", target)
	if err != nil {
		return "", fmt.Errorf("probing route to %s: %w", target, err)
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("probing route to %s: unexpected address %v", target, conn.LocalAddr())
	}
	return addr.IP.String(), nil
}

func listenPort(ln net.Listener) int {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}
