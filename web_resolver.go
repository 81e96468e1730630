package ddns

import (
	"errors"
	"fmt"
	"log"
	"net/netip"
	"regexp"
	"strconv"
	"time"
)

// RetryAfterError is how long a remote source waits after a failed check.
const RetryAfterError = 60 * time.Second

type checkState int

const (
	checkNeeded checkState = iota
	checkWorking
	checkHaveIP
	checkError
)

// checker schedules the lookups of a remote source.
// A known address is re-checked every interval. A failed check is retried after RetryAfterError,
// or on the next call when the failure was a timeout.
type checker struct {
	name     string
	interval time.Duration
	logger   *log.Logger
	start    func(now time.Time) error

	state     checkState
	ip        netip.Addr
	haveIP    bool
	lastCheck time.Time
}

func (c *checker) SetLogger(logger *log.Logger) {
	if logger == nil {
		logger = discard
	}
	c.logger = logger
}

// NeedUpdate forces a check on the next call to CurrentIP unless one is in progress.
func (c *checker) NeedUpdate() {
	if c.state != checkWorking {
		c.state = checkNeeded
	}
}

func (c *checker) CurrentIP(now time.Time) (netip.Addr, bool) {
	switch c.state {
	case checkNeeded:
		c.begin(now)
	case checkHaveIP:
		if now.Sub(c.lastCheck) >= c.interval {
			c.begin(now)
		}
	case checkError:
		if now.Sub(c.lastCheck) >= RetryAfterError {
			c.begin(now)
		}
	}
	if c.state == checkHaveIP || c.state == checkWorking {
		return c.ip, c.haveIP
	}
	return netip.Addr{}, false
}

func (c *checker) begin(now time.Time) {
	if err := c.start(now); err != nil {
		c.fail(now, err, false)
		return
	}
	c.state = checkWorking
}

func (c *checker) succeed(now time.Time, ip netip.Addr) {
	if !c.haveIP || ip != c.ip {
		c.logger.Printf("wan: %s reports %s", c.name, ip)
	}
	c.state, c.ip, c.haveIP, c.lastCheck = checkHaveIP, ip, true, now
}

func (c *checker) fail(now time.Time, err error, retryNow bool) {
	c.haveIP, c.lastCheck = false, now
	if retryNow {
		c.state = checkNeeded
		c.logger.Printf("wan: %s check failed, retrying: %s", c.name, err)
		return
	}
	c.state = checkError
	c.logger.Printf("wan: %s check failed, retrying in %s: %s", c.name, RetryAfterError, err)
}

// requestFailed records the end of a lookup that did not produce an address.
func (c *checker) requestFailed(r *Request, now time.Time) {
	switch r.Code() {
	case ErrCancelled:
		c.state = checkNeeded
	case ErrConnectTimeout, ErrSendTimeout, ErrResponseTimeout:
		c.fail(now, r.Err(), true)
	default:
		c.fail(now, r.Err(), false)
	}
}

// EchoSource asks an HTTP service which address it sees the host connecting from.
// The first dotted-quad IPv4 literal in a 2xx response body is the WAN address.
type EchoSource struct {
	checker
	engine *Engine
	host   string
	port   int
	path   string
}

func NewEchoSource(engine *Engine, host string, port int, path string, interval time.Duration) *EchoSource {
	s := &EchoSource{engine: engine, host: host, port: port, path: path}
	s.checker = checker{
		name:     host,
		interval: interval,
		logger:   discard,
		start:    s.submit,
	}
	return s
}

func (s *EchoSource) submit(now time.Time) error {
	_, err := s.engine.Submit(Job{
		Host:       s.host,
		Port:       s.port,
		Payload:    httpGet(s.host, s.path),
		Owner:      s,
		OnComplete: s.complete,
	}, now)
	return err
}

func (s *EchoSource) complete(r *Request, now time.Time) {
	if r.Err() != nil {
		s.requestFailed(r, now)
		return
	}
	status, body := splitResponse(r.Response())
	if status < 200 || status > 299 {
		s.fail(now, fmt.Errorf("HTTP status %d", status), false)
		return
	}
	ip, ok := findIPv4(body)
	if !ok {
		s.fail(now, errors.New("no IPv4 address in response"), false)
		return
	}
	s.succeed(now, ip)
}

var dottedQuad = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)\.(\d+)`)

// findIPv4 returns the first dotted quad in b whose octets are all in 0-255.
// A quad starts at the beginning of a number and may be followed by anything.
func findIPv4(b []byte) (netip.Addr, bool) {
	for i := range b {
		if !isDigit(b[i]) || (i > 0 && isDigit(b[i-1])) {
			continue
		}
		m := dottedQuad.FindSubmatch(b[i:])
		if m == nil {
			continue
		}
		var quad [4]byte
		ok := true
		for k, octet := range m[1:] {
			n, err := strconv.Atoi(string(octet))
			if err != nil || n > 255 {
				ok = false
				break
			}
			quad[k] = byte(n)
		}
		if ok {
			return netip.AddrFrom4(quad), true
		}
	}
	return netip.Addr{}, false
}

func isDigit(c byte) bool { return '0' <= c && c <= '9' }
