package ddns

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/crewjam/errset"
)

var (
	// ErrInvalidConfig wraps every configuration validation failure.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrUnknownService is returned when an account names a service that is not registered.
	ErrUnknownService = errors.New("unknown service")
)

// Config is the complete daemon configuration.
type Config struct {
	WAN      WANConfig       `mapstructure:"wan" json:"wan"`
	Accounts []AccountConfig `mapstructure:"accounts" json:"accounts"`
}

// AccountConfig binds one hostname at one provider to a set of credentials.
type AccountConfig struct {
	Name     string `mapstructure:"name" json:"name"`
	Service  string `mapstructure:"service" json:"service"`
	Username string `mapstructure:"username" json:"username,omitempty"`
	Password string `mapstructure:"password" json:"-"`
	// PasswordFile names a file holding the password. It is resolved by the binary before the
	// account reaches the controller.
	PasswordFile string `mapstructure:"password_file" json:"password_file,omitempty"`
	Hostname     string `mapstructure:"hostname" json:"hostname"`
}

// WANMode selects how the WAN address is discovered.
type WANMode string

const (
	// ModeDirect reads the address of a local interface, typically a PPP link.
	ModeDirect WANMode = "direct"
	// ModeIndirect asks an HTTP echo service which address it sees.
	ModeIndirect WANMode = "indirect"
	// ModeDNS asks a DNS resolver which address it sees.
	ModeDNS WANMode = "dns"
	// ModeStatic uses a fixed address.
	ModeStatic WANMode = "static"
)

const (
	DefaultInterface     = "ppp0"
	DefaultEchoHost      = "checkip.dyndns.org"
	DefaultEchoPort      = 80
	DefaultEchoPath      = "/"
	DefaultCheckInterval = 5 * time.Minute
	DefaultDNSResolver   = "resolver1.opendns.com:53"
	DefaultDNSQuery      = "myip.opendns.com"
)

type WANConfig struct {
	Mode WANMode `mapstructure:"mode" json:"mode"`

	// direct
	Interface string `mapstructure:"interface" json:"interface,omitempty"`

	// indirect
	Host string `mapstructure:"host" json:"host,omitempty"`
	Port int    `mapstructure:"port" json:"port,omitempty"`
	Path string `mapstructure:"path" json:"path,omitempty"`

	// indirect and dns
	Interval time.Duration `mapstructure:"interval" json:"interval,omitempty"`

	// dns
	Resolver string `mapstructure:"resolver" json:"resolver,omitempty"`
	Query    string `mapstructure:"query" json:"query,omitempty"`

	// static
	Address string `mapstructure:"address" json:"address,omitempty"`
}

// WithDefaults returns a copy of c with every unset field of its mode filled in.
// An empty mode means direct.
func (c WANConfig) WithDefaults() WANConfig {
	if c.Mode == "" {
		c.Mode = ModeDirect
	}
	switch c.Mode {
	case ModeDirect:
		if c.Interface == "" {
			c.Interface = DefaultInterface
		}
	case ModeIndirect:
		if c.Host == "" {
			c.Host = DefaultEchoHost
		}
		if c.Port == 0 {
			c.Port = DefaultEchoPort
		}
		if c.Path == "" {
			c.Path = DefaultEchoPath
		}
	case ModeDNS:
		if c.Resolver == "" {
			c.Resolver = DefaultDNSResolver
		}
		if c.Query == "" {
			c.Query = DefaultDNSQuery
		}
	}
	if c.Interval == 0 && (c.Mode == ModeIndirect || c.Mode == ModeDNS) {
		c.Interval = DefaultCheckInterval
	}
	return c
}

// Validate reports every problem in c as a single error wrapping ErrInvalidConfig.
// Account services are checked against reg.
func (c Config) Validate(reg *Registry) error {
	errs := errset.ErrSet{}
	if err := c.WAN.validate(); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, validateAccounts(c.Accounts, reg)...)
	if len(errs) > 0 {
		return invalidConfig(errs)
	}
	return nil
}

// configErrors is every problem found in one validation pass.
type configErrors errset.ErrSet

func (e configErrors) Error() string   { return errset.ErrSet(e).Error() }
func (e configErrors) Unwrap() []error { return e }

func invalidConfig(errs []error) error {
	return fmt.Errorf("%w: %w", ErrInvalidConfig, configErrors(errs))
}

func (c WANConfig) validate() error {
	c = c.WithDefaults()
	switch c.Mode {
	case ModeDirect:
	case ModeIndirect:
		if c.Port < 1 || c.Port > 65535 {
			return fmt.Errorf("wan: port %d out of range", c.Port)
		}
		if c.Path[0] != '/' {
			return fmt.Errorf("wan: path %q must start with /", c.Path)
		}
	case ModeDNS:
		if _, _, err := net.SplitHostPort(c.Resolver); err != nil {
			return fmt.Errorf("wan: resolver %q: %w", c.Resolver, err)
		}
	case ModeStatic:
		a, err := netip.ParseAddr(c.Address)
		if err != nil {
			return fmt.Errorf("wan: address: %w", err)
		}
		if !a.Is4() {
			return fmt.Errorf("wan: address %s is not IPv4", a)
		}
	default:
		return fmt.Errorf("wan: unknown mode %q", c.Mode)
	}
	if c.Interval < 0 {
		return fmt.Errorf("wan: negative interval %s", c.Interval)
	}
	return nil
}

// validateAccounts checks every account and returns one error per problem.
func validateAccounts(accts []AccountConfig, reg *Registry) []error {
	var errs []error
	seen := make(map[string]bool, len(accts))
	for i, a := range accts {
		if a.Name == "" {
			errs = append(errs, fmt.Errorf("account %d: name is required", i))
		} else if seen[a.Name] {
			errs = append(errs, fmt.Errorf("account %s: duplicate name", a.Name))
		}
		seen[a.Name] = true

		b, ok := reg.Lookup(a.Service)
		if !ok {
			errs = append(errs, fmt.Errorf("account %s: %w %q", a.Name, ErrUnknownService, a.Service))
			continue
		}
		if v, ok := b.(accountValidator); ok {
			if err := v.Validate(a); err != nil {
				errs = append(errs, fmt.Errorf("account %s: %w", a.Name, err))
			}
			continue
		}
		if err := requireFields(a); err != nil {
			errs = append(errs, fmt.Errorf("account %s: %w", a.Name, err))
		}
	}
	return errs
}

func requireFields(a AccountConfig) error {
	switch {
	case a.Username == "":
		return errors.New("username is required")
	case a.Password == "":
		return errors.New("password is required")
	case a.Hostname == "":
		return errors.New("hostname is required")
	}
	return nil
}
