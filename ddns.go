package ddns

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/netip"
	"sync"
	"time"
)

var discard = log.New(io.Discard, "", log.LstdFlags)

// DefaultWaitCeiling bounds each wait of the daemon loop, so that scheduling and
// administrative commands are never starved.
const DefaultWaitCeiling = 15 * time.Second

// New validates cfg and returns a daemon ready to Run.
func New(cfg Config, options ...Option) (*Daemon, error) {
	d := &Daemon{
		now:     time.Now,
		ceiling: DefaultWaitCeiling,
	}
	for i, opt := range options {
		if err := opt(d); err != nil {
			return nil, fmt.Errorf("ddns.New: option %d returned an error: %s", i, err)
		}
	}
	if d.registry == nil {
		d.registry = DefaultRegistry()
	}
	cfg.WAN = cfg.WAN.WithDefaults()
	if err := cfg.Validate(d.registry); err != nil {
		return nil, fmt.Errorf("ddns.New: %w", err)
	}

	var err error
	if d.engine, err = NewEngine(d.now); err != nil {
		return nil, fmt.Errorf("ddns.New: %w", err)
	}
	d.controller = NewController(d.engine, d.registry)
	if err := d.controller.MapConfig(cfg.Accounts); err != nil {
		d.engine.Close()
		return nil, fmt.Errorf("ddns.New: %w", err)
	}
	if d.source == nil {
		if d.source, err = d.newSource(cfg.WAN); err != nil {
			d.engine.Close()
			return nil, fmt.Errorf("ddns.New: %w", err)
		}
		d.controller.BindToWAN(cfg.WAN.Mode == ModeDirect)
	}
	d.wanCfg = cfg.WAN

	// this lets us propagate the logger to dependencies that use one if WithLogger was called before all of the dependencies were created
	withLogger(d.logger)(d)
	d.publish()
	return d, nil
}

// Option configures a Daemon in New.
type Option func(*Daemon) error

// WithLogger sets the logger shared by the daemon and everything it drives.
func WithLogger(logger *log.Logger) Option {
	return func(d *Daemon) error {
		d.logger = logger
		return nil
	}
}

// WithRequestLogger sets a logger for every request the engine queues and completes.
// Requests are not logged by default.
func WithRequestLogger(logger *log.Logger) Option {
	return func(d *Daemon) error {
		d.requestLogger = logger
		return nil
	}
}

func withLogger(logger *log.Logger) Option {
	return func(d *Daemon) error {
		if logger == nil {
			logger = discard
		}
		d.logger = logger
		type setLogger interface {
			SetLogger(*log.Logger)
		}
		d.engine.SetLogger(d.requestLogger)
		d.controller.SetLogger(logger)
		if s, ok := d.source.(setLogger); ok {
			s.SetLogger(logger)
		}
		for _, name := range d.registry.Names() {
			b, _ := d.registry.Lookup(name)
			if s, ok := b.(setLogger); ok {
				s.SetLogger(logger)
			}
		}
		return nil
	}
}

// WithRegistry replaces the built-in services.
func WithRegistry(registry *Registry) Option {
	return func(d *Daemon) error {
		if registry == nil {
			return errors.New("nil registry")
		}
		d.registry = registry
		return nil
	}
}

// WithClock sets the time source used for every schedule and timeout.
func WithClock(now func() time.Time) Option {
	return func(d *Daemon) error {
		if now == nil {
			now = time.Now
		}
		d.now = now
		return nil
	}
}

// WithConfigLoader sets the function Reload reads the new configuration from.
func WithConfigLoader(load func() (Config, error)) Option {
	return func(d *Daemon) error {
		d.loader = load
		return nil
	}
}

// WithWaitCeiling bounds each wait of the loop. The default is DefaultWaitCeiling.
func WithWaitCeiling(ceiling time.Duration) Option {
	return func(d *Daemon) error {
		if ceiling <= 0 {
			return fmt.Errorf("wait ceiling must be positive, got %s", ceiling)
		}
		d.ceiling = ceiling
		return nil
	}
}

// UsingWANSource replaces the source configured by the WAN section.
// Reloads keep using it.
func UsingWANSource(source WANSource) Option {
	return func(d *Daemon) error {
		if source == nil {
			return errors.New("nil WAN source")
		}
		d.source = source
		return nil
	}
}

// UsingHTTPClient sets the client used by services that talk to an API through a client library.
func UsingHTTPClient(httpclient *http.Client) Option {
	return func(d *Daemon) error {
		if httpclient == nil {
			httpclient = http.DefaultClient
		}
		d.httpClient = httpclient
		return nil
	}
}

type command struct {
	kind int
	done chan reloadResult
}

const (
	cmdWakeup = iota
	cmdUnfreeze
	cmdReload
)

type reloadResult struct {
	plan Plan
	err  error
}

// Daemon runs the update loop: it watches the WAN address, schedules account updates,
// and drives their requests.
type Daemon struct {
	engine     *Engine
	controller *Controller
	registry   *Registry
	source     WANSource
	wanCfg     WANConfig
	now        func() time.Time

	ceiling    time.Duration
	loader     func() (Config, error)
	httpClient *http.Client

	logger        *log.Logger
	requestLogger *log.Logger

	wanIP   netip.Addr
	haveWAN bool

	mu       sync.Mutex // guards commands and status
	commands []command
	status   DaemonStatus
}

// DaemonStatus is a snapshot of the daemon taken at the end of a loop pass.
type DaemonStatus struct {
	WANMode  WANMode         `json:"wan_mode"`
	WAN      string          `json:"wan,omitempty"`
	HaveWAN  bool            `json:"have_wan"`
	Requests int             `json:"requests"`
	Accounts []AccountStatus `json:"accounts"`
}

// Run drives the daemon until ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	if d.httpClient != nil {
		type setHTTPClient interface {
			SetHTTPClient(*http.Client)
		}
		for _, name := range d.registry.Names() {
			b, _ := d.registry.Lookup(name)
			if s, ok := b.(setHTTPClient); ok {
				s.SetHTTPClient(d.httpClient)
			}
		}
	}
	stop := context.AfterFunc(ctx, d.engine.Wake)
	defer stop()
	defer d.publish()
	defer d.engine.Close()

	d.logger.Printf("ddnsd %s started", Version)
	for ctx.Err() == nil {
		now := d.now()
		d.checkWAN(now)
		d.controller.Tick(d.wanIP, d.haveWAN, now)

		rd, err := d.engine.Poll(d.ceiling)
		if err != nil {
			return fmt.Errorf("ddns.Daemon.Run: %w", err)
		}
		d.runCommands()
		d.engine.Drive(rd)
		d.publish()
	}
	d.logger.Printf("ddnsd stopping")
	return nil
}

func (d *Daemon) checkWAN(now time.Time) {
	ip, ok := d.source.CurrentIP(now)
	if !ok {
		d.haveWAN = false
		return
	}
	if d.wanIP.IsValid() && ip != d.wanIP {
		d.logger.Printf("wan: address changed from %s to %s", d.wanIP, ip)
		wanChangesTotal.Inc()
		d.controller.NeedUpdateAll()
	}
	d.wanIP, d.haveWAN = ip, true
}

// Wakeup makes the WAN source check the address again.
func (d *Daemon) Wakeup() {
	d.enqueue(command{kind: cmdWakeup})
}

// Unfreeze lifts every account freeze.
func (d *Daemon) Unfreeze() {
	d.enqueue(command{kind: cmdUnfreeze})
}

// Reload reads the configuration again and reconciles the running accounts with it.
// It waits for the loop to apply it. On error the running configuration is kept.
func (d *Daemon) Reload(ctx context.Context) (Plan, error) {
	done := make(chan reloadResult, 1)
	d.enqueue(command{kind: cmdReload, done: done})
	select {
	case res := <-done:
		return res.plan, res.err
	case <-ctx.Done():
		return Plan{}, ctx.Err()
	}
}

// Status returns the snapshot taken at the end of the last loop pass.
func (d *Daemon) Status() DaemonStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.status
	s.Accounts = append([]AccountStatus(nil), s.Accounts...)
	return s
}

func (d *Daemon) enqueue(c command) {
	d.mu.Lock()
	d.commands = append(d.commands, c)
	d.mu.Unlock()
	d.engine.Wake()
}

func (d *Daemon) runCommands() {
	d.mu.Lock()
	cmds := d.commands
	d.commands = nil
	d.mu.Unlock()

	for _, c := range cmds {
		switch c.kind {
		case cmdWakeup:
			d.logger.Printf("wan: check requested")
			d.source.NeedUpdate()
		case cmdUnfreeze:
			d.logger.Printf("unfreezing all accounts")
			d.controller.UnfreezeAll()
		case cmdReload:
			plan, err := d.reload()
			if err != nil {
				d.logger.Printf("reload failed, keeping the running configuration: %s", err)
			} else {
				d.logger.Printf("reloaded: %d added, %d changed, %d removed", len(plan.Create), len(plan.Update), len(plan.Delete))
			}
			c.done <- reloadResult{plan: plan, err: err}
		}
	}
}

func (d *Daemon) reload() (Plan, error) {
	if d.loader == nil {
		return Plan{}, errors.New("no configuration loader")
	}
	cfg, err := d.loader()
	if err != nil {
		return Plan{}, fmt.Errorf("loading configuration: %w", err)
	}
	cfg.WAN = cfg.WAN.WithDefaults()
	if err := cfg.Validate(d.registry); err != nil {
		return Plan{}, err
	}
	var source WANSource
	if cfg.WAN != d.wanCfg && !d.customSource() {
		if source, err = d.newSource(cfg.WAN); err != nil {
			return Plan{}, err
		}
	}
	plan, err := d.controller.Reconcile(cfg.Accounts)
	if err != nil {
		return Plan{}, err
	}

	old := d.wanCfg
	d.wanCfg = cfg.WAN
	if source != nil {
		d.engine.CancelAllFor(d.source)
		if s, ok := source.(interface{ SetLogger(*log.Logger) }); ok {
			s.SetLogger(d.logger)
		}
		d.source = source
		d.controller.BindToWAN(cfg.WAN.Mode == ModeDirect)
		d.logger.Printf("wan: now using %s mode", cfg.WAN.Mode)
	}
	switch cfg.WAN.Mode {
	case ModeDirect:
		if old.Mode == ModeDirect && old.Interface != cfg.WAN.Interface {
			d.controller.NeedUpdateAll()
		}
	case ModeIndirect, ModeDNS:
		d.source.NeedUpdate()
	}
	return plan, nil
}

func (d *Daemon) customSource() bool {
	switch d.source.(type) {
	case *interfaceSource, *EchoSource, *DNSSource, staticSource:
		return false
	}
	return true
}

func (d *Daemon) newSource(c WANConfig) (WANSource, error) {
	switch c.Mode {
	case ModeDirect:
		return InterfaceSource(c.Interface), nil
	case ModeIndirect:
		return NewEchoSource(d.engine, c.Host, c.Port, c.Path, c.Interval), nil
	case ModeDNS:
		return NewDNSSource(d.engine, c.Resolver, c.Query, c.Interval), nil
	case ModeStatic:
		return StaticSource(c.Address)
	}
	return nil, fmt.Errorf("unknown WAN mode %q", c.Mode)
}

func (d *Daemon) publish() {
	s := DaemonStatus{
		WANMode:  d.wanCfg.Mode,
		HaveWAN:  d.haveWAN,
		Requests: d.engine.Len(),
		Accounts: d.controller.Accounts(),
	}
	if d.wanIP.IsValid() {
		s.WAN = d.wanIP.String()
	}
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}
