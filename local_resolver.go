package ddns

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/netip"
	"time"
)

// InterfaceSource reads the WAN address from the named local interface, as on a router whose
// PPP link carries the public address. The first IPv4 address wins; loopback is allowed since
// the interface was named explicitly.
func InterfaceSource(name string) *interfaceSource {
	return &interfaceSource{
		name:   name,
		logger: discard,
		addrs: func(name string) ([]net.Addr, error) {
			iface, err := net.InterfaceByName(name)
			if err != nil {
				return nil, fmt.Errorf("error getting interface %s by name: %w", name, err)
			}
			return iface.Addrs()
		},
	}
}

type interfaceSource struct {
	name    string
	logger  *log.Logger
	addrs   func(name string) ([]net.Addr, error)
	lastErr string
}

func (s *interfaceSource) SetLogger(logger *log.Logger) {
	if logger == nil {
		logger = discard
	}
	s.logger = logger
}

// NeedUpdate is a no-op: the interface is read on every call.
func (s *interfaceSource) NeedUpdate() {}

func (s *interfaceSource) CurrentIP(time.Time) (netip.Addr, bool) {
	ip, err := s.lookup()
	if err != nil {
		// the link may stay down for a while; say so once
		if err.Error() != s.lastErr {
			s.logger.Printf("wan: %s", err)
			s.lastErr = err.Error()
		}
		return netip.Addr{}, false
	}
	s.lastErr = ""
	return ip, true
}

func (s *interfaceSource) lookup() (netip.Addr, error) {
	addrs, err := s.addrs(s.name)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("error looking up addresses for interface %s: %w", s.name, err)
	}
	for _, addr := range addrs {
		p, err := netip.ParsePrefix(addr.String())
		if err != nil {
			continue
		}
		if a := p.Addr().Unmap(); a.Is4() {
			return a, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("interface %s has no IPv4 address", s.name)
}

// Interface is a local network interface and its addresses.
type Interface struct {
	Name  string
	Up    bool
	Addrs []netip.Prefix
}

// Interfaces lists the local network interfaces.
func Interfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("error listing interfaces: %w", err)
	}
	var out []Interface
	var errs []error
	for _, iface := range ifaces {
		i := Interface{Name: iface.Name, Up: iface.Flags&net.FlagUp != 0}
		addrs, err := iface.Addrs()
		if err != nil {
			errs = append(errs, fmt.Errorf("error looking up addresses for interface %s: %w", iface.Name, err))
		}
		// addr: ip+net:192.168.86.253/24
		// addr: ip+net:fe80::2cc9:801b:3551:9a43/64
		for _, addr := range addrs {
			p, err := netip.ParsePrefix(addr.String())
			if err != nil {
				errs = append(errs, fmt.Errorf("error parsing local ip %s for interface %s: %s", addr.String(), iface.Name, err))
				continue
			}
			i.Addrs = append(i.Addrs, p)
		}
		out = append(out, i)
	}
	return out, errors.Join(errs...)
}
