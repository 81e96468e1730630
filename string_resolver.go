package ddns

import (
	"fmt"
	"net/netip"
	"time"
)

// StaticSource returns a source that always reports addr.
func StaticSource(addr string) (WANSource, error) {
	a, err := netip.ParseAddr(addr)
	if err != nil {
		return nil, fmt.Errorf("unable to parse IP: %w", err)
	}
	if a = a.Unmap(); !a.Is4() {
		return nil, fmt.Errorf("%s is not an IPv4 address", a)
	}
	return staticSource(a), nil
}

type staticSource netip.Addr

func (s staticSource) CurrentIP(time.Time) (netip.Addr, bool) { return netip.Addr(s), true }
func (s staticSource) NeedUpdate() {}
