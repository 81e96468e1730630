package ddns

import (
	"context"
	"fmt"
	"log"
	"net/netip"
	"sort"
	"strconv"
	"time"
)

// KeepAliveInterval is the longest an account may go without a successful update.
// Providers deactivate hostnames that are never refreshed.
const KeepAliveInterval = 28 * 24 * time.Hour

type Status int

const (
	StatusHatched Status = iota
	StatusWorking
	StatusOk
	StatusError
)

var statusNames = [...]string{
	StatusHatched: "hatched",
	StatusWorking: "working",
	StatusOk:      "ok",
	StatusError:   "error",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "status(" + strconv.Itoa(int(s)) + ")"
	}
	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Account is the live state of one configured account.
type Account struct {
	cfg     AccountConfig
	backend Backend

	status         Status
	updated        bool
	stale          bool
	locked         bool
	frozen         bool
	freezeStart    time.Time
	freezeInterval time.Duration
	lastUpdate     time.Time
	lastReport     Report
}

// AccountStatus is a point-in-time copy of an Account.
type AccountStatus struct {
	Name        string    `json:"name"`
	Service     string    `json:"service"`
	Hostname    string    `json:"hostname"`
	Status      Status    `json:"status"`
	Updated     bool      `json:"updated"`
	Locked      bool      `json:"locked"`
	Frozen      bool      `json:"frozen"`
	FrozenUntil time.Time `json:"frozen_until,omitempty"`
	LastUpdate  time.Time `json:"last_update,omitempty"`
	LastReport  *Report   `json:"last_report,omitempty"`
}

func (a *Account) snapshot() AccountStatus {
	s := AccountStatus{
		Name:       a.cfg.Name,
		Service:    a.cfg.Service,
		Hostname:   a.cfg.Hostname,
		Status:     a.status,
		Updated:    a.updated,
		Locked:     a.locked,
		Frozen:     a.frozen,
		LastUpdate: a.lastUpdate,
	}
	if a.frozen {
		s.FrozenUntil = a.freezeStart.Add(a.freezeInterval)
	}
	if a.lastReport != (Report{}) {
		r := a.lastReport
		s.LastReport = &r
	}
	return s
}

// Submitter is the part of the Engine the controller drives.
type Submitter interface {
	Submit(job Job, now time.Time) (*Request, error)
	Go(t Task, now time.Time) (*Request, error)
	CancelAllFor(owner any) int
	Pending(owner any) int
}

// Controller decides when each account must be updated and applies provider verdicts.
// It is not safe for concurrent use; it runs on the goroutine driving its Submitter.
type Controller struct {
	engine    Submitter
	registry  *Registry
	accounts  map[string]*Account
	logger    *log.Logger
	bindToWAN bool
}

// NewController returns a controller with no accounts.
// A nil registry means DefaultRegistry.
func NewController(engine Submitter, registry *Registry) *Controller {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Controller{
		engine:   engine,
		registry: registry,
		accounts: make(map[string]*Account),
		logger:   discard,
	}
}

func (c *Controller) SetLogger(logger *log.Logger) {
	if logger == nil {
		logger = discard
	}
	c.logger = logger
}

// BindToWAN makes update requests leave from the WAN address.
// It only makes sense when that address is local, as in direct mode.
func (c *Controller) BindToWAN(bind bool) {
	c.bindToWAN = bind
}

// MapConfig resolves every account's service and installs the accounts.
// Nothing changes if any account is invalid.
func (c *Controller) MapConfig(accounts []AccountConfig) error {
	_, err := c.Reconcile(accounts)
	return err
}

// Tick schedules updates. For each account in name order it lifts an expired freeze,
// expires a stale update, and submits a request when one is due and allowed.
func (c *Controller) Tick(wan netip.Addr, haveWAN bool, now time.Time) {
	for _, name := range c.names() {
		a := c.accounts[name]
		if a.frozen && now.Sub(a.freezeStart) >= a.freezeInterval {
			a.frozen = false
			c.logger.Printf("account %s: unfrozen", name)
		}
		if a.updated && now.Sub(a.lastUpdate) >= KeepAliveInterval {
			a.updated = false
			c.logger.Printf("account %s: last update is %s old, refreshing", name, now.Sub(a.lastUpdate))
		}
		if !haveWAN || a.updated || a.status == StatusWorking || a.locked || a.frozen {
			continue
		}
		c.submit(a, wan, now)
	}
	c.observe()
}

func (c *Controller) submit(a *Account, wan netip.Addr, now time.Time) {
	var err error
	a.stale = false
	done := c.completion(a, a.backend, a.status)
	switch b := a.backend.(type) {
	case Service:
		var payload []byte
		if payload, err = b.BuildRequest(a.cfg, wan); err != nil {
			err = fmt.Errorf("building request: %w", err)
			break
		}
		host, port := b.Server()
		job := Job{Host: host, Port: port, Payload: payload, Owner: a, OnComplete: done}
		if c.bindToWAN {
			job.BindAddr = wan
		}
		_, err = c.engine.Submit(job, now)
	case Updater:
		cfg := a.cfg
		_, err = c.engine.Go(Task{
			Name:  b.Name() + "/" + cfg.Name,
			Owner: a,
			Run: func(ctx context.Context) (any, error) {
				return b.Update(ctx, cfg, wan)
			},
			OnComplete: done,
		}, now)
	default:
		err = fmt.Errorf("service %q cannot send updates", a.backend.Name())
	}
	if err != nil {
		a.status = StatusError
		c.logger.Printf("account %s: unable to submit update: %s", a.cfg.Name, err)
		return
	}
	a.status = StatusWorking
	c.logger.Printf("account %s: updating %s to %s via %s", a.cfg.Name, a.cfg.Hostname, wan, a.cfg.Service)
}

// completion handles the end of the request submitted for a.
// backend is the one the request was built by, which a reload may since have replaced.
func (c *Controller) completion(a *Account, backend Backend, prev Status) CompletionFunc {
	return func(r *Request, now time.Time) {
		name := a.cfg.Name
		if r.Code() == ErrCancelled {
			a.status = prev
			c.logger.Printf("account %s: update cancelled", name)
			return
		}
		if err := r.Err(); err != nil {
			a.status, a.locked = StatusError, true
			c.logger.Printf("account %s: locked after transport error: %s", name, err)
			return
		}
		var report Report
		switch res := r.Result().(type) {
		case Report:
			report = res
		default:
			svc, ok := backend.(Service)
			if !ok {
				a.status, a.locked = StatusError, true
				c.logger.Printf("account %s: locked: %s returned no report", name, backend.Name())
				return
			}
			report = svc.ParseResponse(r.Response())
		}
		c.apply(a, report, now)
	}
}

func (c *Controller) apply(a *Account, report Report, now time.Time) {
	name := a.cfg.Name
	a.lastReport = report
	accountUpdatesTotal.WithLabelValues(a.cfg.Service, report.Outcome.String()).Inc()
	if report.Outcome == OutcomeSuccess {
		a.status, a.updated, a.lastUpdate = StatusOk, !a.stale, now
		c.logger.Printf("account %s: updated: %s", name, report)
		return
	}
	a.status = StatusError
	a.locked = report.Lock
	if report.Freeze {
		a.frozen, a.freezeStart, a.freezeInterval = true, now, report.FreezeFor
	}
	switch {
	case a.locked:
		c.logger.Printf("account %s: locked: %s", name, report)
	case a.frozen:
		c.logger.Printf("account %s: frozen for %s: %s", name, a.freezeInterval, report)
	default:
		c.logger.Printf("account %s: error: %s", name, report)
	}
}

// NeedUpdateAll marks every account as out of date. It is called when the WAN address changes.
// An account with a request in flight stays out of date after that request succeeds.
func (c *Controller) NeedUpdateAll() {
	for _, a := range c.accounts {
		a.updated = false
		if a.status == StatusWorking {
			a.stale = true
		}
	}
}

// UnfreezeAll lifts every freeze regardless of its timer.
func (c *Controller) UnfreezeAll() {
	for name, a := range c.accounts {
		if a.frozen {
			a.frozen = false
			c.logger.Printf("account %s: unfrozen by operator", name)
		}
	}
}

// Accounts returns a snapshot of every account in name order.
func (c *Controller) Accounts() []AccountStatus {
	out := make([]AccountStatus, 0, len(c.accounts))
	for _, name := range c.names() {
		out = append(out, c.accounts[name].snapshot())
	}
	return out
}

func (c *Controller) Account(name string) (AccountStatus, bool) {
	a, ok := c.accounts[name]
	if !ok {
		return AccountStatus{}, false
	}
	return a.snapshot(), true
}

func (c *Controller) names() []string {
	names := make([]string, 0, len(c.accounts))
	for n := range c.accounts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (c *Controller) configs() []AccountConfig {
	cfgs := make([]AccountConfig, 0, len(c.accounts))
	for _, name := range c.names() {
		cfgs = append(cfgs, c.accounts[name].cfg)
	}
	return cfgs
}

func (c *Controller) observe() {
	counts := map[Status]int{}
	for _, a := range c.accounts {
		counts[a.status]++
	}
	for s := StatusHatched; s <= StatusError; s++ {
		accountsByStatus.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}
