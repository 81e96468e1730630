package ddns

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"
)

const (
	respGood  = "HTTP/1.0 200 OK\r\n\r\ngood 203.0.113.1"
	respAuth  = "HTTP/1.0 200 OK\r\n\r\nbadauth"
	resp911   = "HTTP/1.0 200 OK\r\n\r\n911"
	respNoise = "HTTP/1.0 200 OK\r\n\r\nthe server is having a bad day"
)

var wanIP = netip.MustParseAddr("203.0.113.1")

type fakeUpdater struct{ name string }

func (u fakeUpdater) Name() string { return u.name }
func (u fakeUpdater) Update(ctx context.Context, acct AccountConfig, ip netip.Addr) (Report, error) {
	return NewReport(OutcomeSuccess, "good", ""), nil
}

func testRegistry() *Registry {
	return NewRegistry(
		NewDynDNSService("test", "127.0.0.1", 8245),
		fakeUpdater{"api"},
	)
}

func testAccount(name string) AccountConfig {
	return AccountConfig{
		Name:     name,
		Service:  "test",
		Username: "test0001",
		Password: "tub78jk",
		Hostname: name + ".example.com",
	}
}

func newTestController(t *testing.T, accounts ...AccountConfig) (*Controller, *fakeSubmitter) {
	t.Helper()
	f := &fakeSubmitter{}
	c := NewController(f, testRegistry())
	if err := c.MapConfig(accounts); err != nil {
		t.Fatalf("MapConfig failed: %s", err)
	}
	return c, f
}

func mustAccount(t *testing.T, c *Controller, name string) AccountStatus {
	t.Helper()
	a, ok := c.Account(name)
	if !ok {
		t.Fatalf("Expected account %s to exist", name)
	}
	return a
}

func TestTickSubmitsOncePerAccount(t *testing.T) {
	c, f := newTestController(t, testAccount("home"))
	now := time.Now()

	if expected, got := StatusHatched, mustAccount(t, c, "home").Status; expected != got {
		t.Fatalf("Expected %s; got %s", expected, got)
	}
	c.Tick(wanIP, true, now)
	c.Tick(wanIP, true, now.Add(time.Second))
	if expected, got := 1, len(f.jobs); expected != got {
		t.Fatalf("Expected %d submitted request; got %d", expected, got)
	}
	if expected, got := StatusWorking, mustAccount(t, c, "home").Status; expected != got {
		t.Fatalf("Expected %s; got %s", expected, got)
	}
	job := f.jobs[0]
	if job.Host != "127.0.0.1" || job.Port != 8245 {
		t.Fatalf("Expected request to 127.0.0.1:8245; got %s:%d", job.Host, job.Port)
	}
	if job.BindAddr.IsValid() {
		t.Fatalf("Expected no bind address; got %s", job.BindAddr)
	}
}

func TestTickWithoutWAN(t *testing.T) {
	c, f := newTestController(t, testAccount("home"))
	c.Tick(netip.Addr{}, false, time.Now())
	if len(f.jobs) != 0 {
		t.Fatalf("Expected no request without a WAN address; got %d", len(f.jobs))
	}
}

func TestBindToWAN(t *testing.T) {
	c, f := newTestController(t, testAccount("home"))
	c.BindToWAN(true)
	c.Tick(wanIP, true, time.Now())
	if expected, got := wanIP, f.jobs[0].BindAddr; expected != got {
		t.Fatalf("Expected bind address %s; got %s", expected, got)
	}
}

func TestUpdateSucceeds(t *testing.T) {
	c, f := newTestController(t, testAccount("home"))
	now := time.Now()
	c.Tick(wanIP, true, now)
	f.respond(t, now, respGood)

	a := mustAccount(t, c, "home")
	if a.Status != StatusOk || !a.Updated {
		t.Fatalf("Expected an updated ok account; got %+v", a)
	}
	if !a.LastUpdate.Equal(now) {
		t.Fatalf("Expected last update %s; got %s", now, a.LastUpdate)
	}
	if expected, got := "good", a.LastReport.Code; expected != got {
		t.Fatalf("Expected %q; got %q", expected, got)
	}

	c.Tick(wanIP, true, now.Add(time.Hour))
	if expected, got := 1, len(f.jobs); expected != got {
		t.Fatalf("Expected no request for an updated account; got %d in total", got)
	}
}

func TestTransportErrorLocks(t *testing.T) {
	c, f := newTestController(t, testAccount("home"))
	now := time.Now()
	c.Tick(wanIP, true, now)
	f.failNext(t, now, ErrConnectFailed)

	a := mustAccount(t, c, "home")
	if a.Status != StatusError || !a.Locked {
		t.Fatalf("Expected a locked account; got %+v", a)
	}
	c.Tick(wanIP, true, now.Add(KeepAliveInterval))
	if expected, got := 1, len(f.jobs); expected != got {
		t.Fatalf("Expected a locked account to stay quiet; got %d requests", got)
	}
}

func TestAuthFailureLocks(t *testing.T) {
	c, f := newTestController(t, testAccount("home"))
	now := time.Now()
	c.Tick(wanIP, true, now)
	f.respond(t, now, respAuth)

	a := mustAccount(t, c, "home")
	if !a.Locked || a.Frozen {
		t.Fatalf("Expected a locked, unfrozen account; got %+v", a)
	}
	if expected, got := OutcomeAuth, a.LastReport.Outcome; expected != got {
		t.Fatalf("Expected %s; got %s", expected, got)
	}
}

func TestFreezeBoundary(t *testing.T) {
	for _, resp := range []string{resp911, respNoise} {
		c, f := newTestController(t, testAccount("home"))
		start := time.Now()
		c.Tick(wanIP, true, start)
		f.respond(t, start, resp)

		a := mustAccount(t, c, "home")
		if !a.Frozen || a.Locked {
			t.Fatalf("Expected a frozen, unlocked account after %q; got %+v", resp, a)
		}
		if expected, got := start.Add(DefaultFreeze), a.FrozenUntil; !expected.Equal(got) {
			t.Fatalf("Expected frozen until %s; got %s", expected, got)
		}

		c.Tick(wanIP, true, start.Add(DefaultFreeze-time.Nanosecond))
		if expected, got := 1, len(f.jobs); expected != got {
			t.Fatalf("Expected no request while frozen; got %d in total", got)
		}
		c.Tick(wanIP, true, start.Add(DefaultFreeze))
		if expected, got := 2, len(f.jobs); expected != got {
			t.Fatalf("Expected a request once the freeze ends; got %d in total", got)
		}
		if mustAccount(t, c, "home").Frozen {
			t.Fatalf("Expected the freeze to be lifted")
		}
	}
}

func TestKeepAlive(t *testing.T) {
	c, f := newTestController(t, testAccount("home"))
	start := time.Now()
	c.Tick(wanIP, true, start)
	f.respond(t, start, respGood)

	c.Tick(wanIP, true, start.Add(KeepAliveInterval-time.Second))
	if expected, got := 1, len(f.jobs); expected != got {
		t.Fatalf("Expected no request before the keepalive; got %d in total", got)
	}
	c.Tick(wanIP, true, start.Add(KeepAliveInterval))
	if expected, got := 2, len(f.jobs); expected != got {
		t.Fatalf("Expected a keepalive request; got %d in total", got)
	}
}

func TestNeedUpdateAll(t *testing.T) {
	c, f := newTestController(t, testAccount("a"), testAccount("b"), testAccount("c"))
	now := time.Now()
	c.Tick(wanIP, true, now)
	for i := 0; i < 3; i++ {
		f.respond(t, now, respGood)
	}
	for _, a := range c.Accounts() {
		if !a.Updated {
			t.Fatalf("Expected %s to be updated", a.Name)
		}
	}

	c.NeedUpdateAll()
	for _, a := range c.Accounts() {
		if a.Updated {
			t.Fatalf("Expected %s to need an update", a.Name)
		}
	}
	c.Tick(wanIP, true, now)
	if expected, got := 6, len(f.jobs); expected != got {
		t.Fatalf("Expected %d requests; got %d", expected, got)
	}
}

func TestNeedUpdateAllDuringRequest(t *testing.T) {
	c, f := newTestController(t, testAccount("home"))
	now := time.Now()
	c.Tick(wanIP, true, now)
	c.NeedUpdateAll()
	f.respond(t, now, respGood)

	if a := mustAccount(t, c, "home"); a.Status != StatusOk || a.Updated {
		t.Fatalf("Expected an ok account still out of date; got %+v", a)
	}
	c.Tick(netip.MustParseAddr("203.0.113.2"), true, now.Add(time.Second))
	if expected, got := 2, len(f.jobs); expected != got {
		t.Fatalf("Expected %d jobs; got %d", expected, got)
	}
	f.respond(t, now.Add(time.Second), respGood)
	if a := mustAccount(t, c, "home"); !a.Updated {
		t.Fatalf("Expected the second update to stick; got %+v", a)
	}
}

func TestSubmitFailureRetries(t *testing.T) {
	c, f := newTestController(t, testAccount("home"))
	f.failWith = errors.New("too many open files")
	now := time.Now()
	c.Tick(wanIP, true, now)

	a := mustAccount(t, c, "home")
	if a.Status != StatusError || a.Locked || a.Frozen {
		t.Fatalf("Expected an unlocked error account; got %+v", a)
	}

	f.failWith = nil
	c.Tick(wanIP, true, now.Add(time.Second))
	if expected, got := 1, len(f.jobs); expected != got {
		t.Fatalf("Expected the next tick to retry; got %d requests", got)
	}
}

func TestCancelledRestoresStatus(t *testing.T) {
	c, f := newTestController(t, testAccount("home"))
	c.Tick(wanIP, true, time.Now())
	a := c.accounts["home"]

	if expected, got := 1, f.CancelAllFor(a); expected != got {
		t.Fatalf("Expected %d cancelled; got %d", expected, got)
	}
	if expected, got := StatusHatched, a.status; expected != got {
		t.Fatalf("Expected %s; got %s", expected, got)
	}
	if a.locked || a.frozen || a.updated {
		t.Fatalf("Expected cancellation to leave the flags alone; got %+v", a.snapshot())
	}
}

func TestUnfreezeAll(t *testing.T) {
	c, f := newTestController(t, testAccount("home"))
	now := time.Now()
	c.Tick(wanIP, true, now)
	f.respond(t, now, resp911)

	c.UnfreezeAll()
	if mustAccount(t, c, "home").Frozen {
		t.Fatalf("Expected the account to be unfrozen")
	}
	c.Tick(wanIP, true, now)
	if expected, got := 2, len(f.jobs); expected != got {
		t.Fatalf("Expected an immediate retry; got %d requests", got)
	}
}

func TestUpdaterBackend(t *testing.T) {
	acct := testAccount("api")
	acct.Service = "api"
	c, f := newTestController(t, acct)
	now := time.Now()
	c.Tick(wanIP, true, now)

	if expected, got := 1, len(f.tasks); expected != got {
		t.Fatalf("Expected %d task; got %d", expected, got)
	}
	rep, err := f.tasks[0].Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %s", err)
	}
	f.report(t, now, rep.(Report))

	a := mustAccount(t, c, "api")
	if a.Status != StatusOk || !a.Updated {
		t.Fatalf("Expected an updated ok account; got %+v", a)
	}
}

func TestNewReportPolicy(t *testing.T) {
	tt := []struct {
		outcome Outcome
		lock    bool
		freeze  bool
	}{
		{OutcomeSuccess, false, false},
		{OutcomeServer, false, true},
		{OutcomeUnknown, false, true},
		{OutcomeAuth, true, false},
		{OutcomeAccount, true, false},
		{OutcomeHostname, true, false},
		{OutcomeSyntax, true, false},
		{OutcomeAbuse, true, false},
	}
	for _, tc := range tt {
		r := NewReport(tc.outcome, "", "")
		if r.Lock != tc.lock || r.Freeze != tc.freeze {
			t.Errorf("%s: expected lock=%t freeze=%t; got lock=%t freeze=%t", tc.outcome, tc.lock, tc.freeze, r.Lock, r.Freeze)
		}
		if r.Freeze && r.FreezeFor != DefaultFreeze {
			t.Errorf("%s: expected freeze for %s; got %s", tc.outcome, DefaultFreeze, r.FreezeFor)
		}
	}
}
