// Package netaddr picks the local IPv4 address the transfer engine binds to.
//
// Resolution order:
//   - the first IPv4 address of the named interface, in the order the
//     platform reports them
//   - the address the local host name resolves to, if it is IPv4
//
// The client is IPv4 only. Compact peer lists and the peer-exchange
// extensions of the engine only carry IPv4 addresses, so IPv6 addresses are
// never returned even when they are the only ones available.
package netaddr

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/sirupsen/logrus"
)

var (
	// ErrNoUsableAddress is the root of every resolution failure.
	ErrNoUsableAddress = errors.New("no usable address")

	// ErrInterfaceNotFound reports that the requested interface does not exist.
	ErrInterfaceNotFound = fmt.Errorf("%w: interface not found", ErrNoUsableAddress)

	// ErrNoIPv4Address reports that neither the interface nor the local host
	// has an IPv4 address to bind on.
	ErrNoIPv4Address = fmt.Errorf("%w: no IPv4 address available", ErrNoUsableAddress)
)

// System is the read-only view of the host network configuration used by
// the Resolver.
type System interface {
	// InterfaceAddrs returns the addresses bound to the named interface. It
	// returns ErrInterfaceNotFound when no such interface exists.
	InterfaceAddrs(name string) ([]net.Addr, error)
	// LocalHostAddr returns the canonical address of the local host.
	LocalHostAddr() (net.IP, error)
}

// Resolver resolves bind addresses against a System.
type Resolver struct {
	sys System
}

// NewResolver returns a Resolver backed by the operating system.
func NewResolver() *Resolver {
	return &Resolver{sys: hostSystem{}}
}

// NewResolverWithSystem returns a Resolver backed by sys.
func NewResolverWithSystem(sys System) *Resolver {
	return &Resolver{sys: sys}
}

// Resolve returns a usable IPv4 address for iface. An empty iface means no
// interface was requested.
func (r *Resolver) Resolve(iface string) (net.IP, error) {
	if iface != "" {
		addrs, err := r.sys.InterfaceAddrs(iface)
		if err != nil {
			if errors.Is(err, ErrInterfaceNotFound) {
				return nil, fmt.Errorf("%w: %q", ErrInterfaceNotFound, iface)
			}
			return nil, fmt.Errorf("%w: list addresses of %q: %w", ErrNoUsableAddress, iface, err)
		}
		for _, addr := range addrs {
			if ip := ipv4Of(addr); ip != nil {
				logrus.Debugf("Using address %s of interface %s", ip, iface)
				return ip, nil
			}
		}
		logrus.Warnf("Interface %s has no IPv4 address, falling back to local host", iface)
	}

	local, err := r.sys.LocalHostAddr()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoIPv4Address, err)
	}
	if ip4 := local.To4(); ip4 != nil {
		return ip4, nil
	}
	return nil, fmt.Errorf("%w: local host resolves to %s", ErrNoIPv4Address, local)
}

// ipv4Of extracts the IPv4 address carried by addr, or nil.
func ipv4Of(addr net.Addr) net.IP {
	var ip net.IP
	switch a := addr.(type) {
	case *net.IPNet:
		ip = a.IP
	case *net.IPAddr:
		ip = a.IP
	default:
		return nil
	}
	return ip.To4()
}

type hostSystem struct{}

func (hostSystem) InterfaceAddrs(name string) ([]net.Addr, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInterfaceNotFound, err)
	}
	return iface.Addrs()
}

func (hostSystem) LocalHostAddr() (net.IP, error) {
	name, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("read host name: %w", err)
	}
	ips, err := net.LookupIP(name)
	if err != nil {
		return nil, fmt.Errorf("resolve host name %q: %w", name, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("host name %q has no addresses", name)
	}
	return ips[0], nil
}
