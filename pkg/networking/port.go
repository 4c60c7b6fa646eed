// Package networking provides small networking helpers shared by the
// server and the login client.
package networking

import (
	"fmt"
	"math/rand"
	"net"
)

const (
	// MinPort is the minimum port number used when picking a random port
	MinPort = 10000
	// MaxPort is the maximum port number used when picking a random port
	MaxPort = 65535
	// MaxAttempts is the maximum number of random picks before scanning
	MaxAttempts = 10
)

// IsAvailable checks if a TCP port can be bound locally.
func IsAvailable(port int) bool {
	addr, err := net.ResolveTCPAddr("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return false
	}
	l.Close()

	return true
}

// FindAvailable finds an available port, or returns 0 when none was found.
func FindAvailable() int {
	for i := 0; i < MaxAttempts; i++ {
		port := rand.Intn(MaxPort-MinPort) + MinPort
		if IsAvailable(port) {
			return port
		}
	}
	return 0
}

// FindOrUsePort returns the given port when it is non-zero and bindable,
// or picks an available one when port is 0.
func FindOrUsePort(port int) (int, error) {
	if port != 0 {
		if !IsAvailable(port) {
			return 0, fmt.Errorf("port %d is not available", port)
		}
		return port, nil
	}

	picked := FindAvailable()
	if picked == 0 {
		return 0, fmt.Errorf("could not find an available port")
	}
	return picked, nil
}
