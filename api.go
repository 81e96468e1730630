package ddns

import (
	"context"
	"net/netip"
	"time"
)

// Backend is anything registered under a service name.
// A usable backend also implements Service or Updater.
type Backend interface {
	Name() string
}

// Service is a provider spoken to over a single plain HTTP exchange driven by the Engine.
type Service interface {
	Backend
	// Server returns the host and port the update request is sent to.
	Server() (host string, port int)
	BuildRequest(acct AccountConfig, ip netip.Addr) ([]byte, error)
	ParseResponse(resp []byte) Report
}

// Updater is a provider reached through a client library.
// Update is called on its own goroutine and must honor ctx.
// A non-nil error is treated as a transport failure.
type Updater interface {
	Backend
	Update(ctx context.Context, acct AccountConfig, ip netip.Addr) (Report, error)
}

// WANSource reports the current public IPv4 address.
type WANSource interface {
	// CurrentIP returns the last known address and whether it is usable this cycle.
	CurrentIP(now time.Time) (netip.Addr, bool)
	// NeedUpdate forces a re-check on the next call to CurrentIP.
	NeedUpdate()
}

type accountValidator interface {
	Validate(AccountConfig) error
}
