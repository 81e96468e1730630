package ddns

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

// DNSSource asks a DNS resolver which address it sees the host querying from,
// as OpenDNS does for myip.opendns.com.
type DNSSource struct {
	checker
	engine   *Engine
	resolver string // host:port
	query    string
}

func NewDNSSource(engine *Engine, resolver, query string, interval time.Duration) *DNSSource {
	s := &DNSSource{engine: engine, resolver: resolver, query: query}
	s.checker = checker{
		name:     resolver,
		interval: interval,
		logger:   discard,
		start:    s.submit,
	}
	return s
}

func (s *DNSSource) submit(now time.Time) error {
	_, err := s.engine.Go(Task{
		Name:  "dns " + s.query,
		Owner: s,
		Run: func(ctx context.Context) (any, error) {
			return s.lookup(ctx)
		},
		OnComplete: s.complete,
	}, now)
	return err
}

func (s *DNSSource) lookup(ctx context.Context) (netip.Addr, error) {
	c := new(dns.Client)
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(s.query), dns.TypeA)
	r, _, err := c.ExchangeContext(ctx, m, s.resolver)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("query %s: %w", s.query, err)
	}
	if r.Rcode != dns.RcodeSuccess {
		return netip.Addr{}, fmt.Errorf("query %s: %s", s.query, dns.RcodeToString[r.Rcode])
	}
	for _, ans := range r.Answer {
		if a, ok := ans.(*dns.A); ok {
			if ip, ok := netip.AddrFromSlice(a.A.To4()); ok {
				return ip, nil
			}
		}
	}
	return netip.Addr{}, fmt.Errorf("query %s: no A record in answer", s.query)
}

func (s *DNSSource) complete(r *Request, now time.Time) {
	if r.Err() != nil {
		s.requestFailed(r, now)
		return
	}
	ip, ok := r.Result().(netip.Addr)
	if !ok || !ip.IsValid() {
		s.fail(now, fmt.Errorf("query %s: no address", s.query), false)
		return
	}
	s.succeed(now, ip)
}
