package driver

import (
	"fmt"
	"net"
)

// NameResolver turns endpoint and control names into addresses. The
// conductor advances it by one quantum per tick so asynchronous resolvers
// can make progress without blocking the duty cycle.
type NameResolver interface {
	// ResolveEndpoint resolves a host:port endpoint name
	ResolveEndpoint(name string) (*net.UDPAddr, error)

	// ResolveControl resolves a host:port control name
	ResolveControl(name string) (*net.UDPAddr, error)

	// DoWork advances background resolution, returning work done
	DoWork(nowMs int64) int
}

// DefaultNameResolver resolves names synchronously through the system
// resolver
type DefaultNameResolver struct{}

func (DefaultNameResolver) ResolveEndpoint(name string) (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp", name)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve endpoint %q: %w", name, err)
	}
	return addr, nil
}

func (DefaultNameResolver) ResolveControl(name string) (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp", name)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve control %q: %w", name, err)
	}
	return addr, nil
}

func (DefaultNameResolver) DoWork(nowMs int64) int {
	return 0
}
