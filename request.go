package ddns

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

// PendingActionTimeout bounds how long a request may remain in any non-terminal state.
const PendingActionTimeout = 30 * time.Second

// MaxResponseSize is the most a request reads from its server.
const MaxResponseSize = 4096

// State is the position of a Request in its exchange.
type State int

const (
	StateCreated State = iota
	StateConnecting
	StateConnected
	StateSending
	StateWaitingResponse
	StateResponseReceived
	StateFinished
	StateError
)

var stateNames = [...]string{
	StateCreated:          "created",
	StateConnecting:       "connecting",
	StateConnected:        "connected",
	StateSending:          "sending",
	StateWaitingResponse:  "waiting-response",
	StateResponseReceived: "response-received",
	StateFinished:         "finished",
	StateError:            "error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
	return stateNames[s]
}

// ErrCode says why a request ended in StateError.
type ErrCode int

const (
	ErrNone ErrCode = iota
	ErrSystem
	ErrConnectFailed
	ErrConnectTimeout
	ErrResponseTimeout
	ErrSendTimeout
	ErrCancelled
)

var errCodeNames = [...]string{
	ErrNone:            "none",
	ErrSystem:          "system error",
	ErrConnectFailed:   "connect failed",
	ErrConnectTimeout:  "connect timeout",
	ErrResponseTimeout: "response timeout",
	ErrSendTimeout:     "send timeout",
	ErrCancelled:       "cancelled",
}

func (c ErrCode) String() string {
	if c < 0 || int(c) >= len(errCodeNames) {
		return "errcode(" + strconv.Itoa(int(c)) + ")"
	}
	return errCodeNames[c]
}

// RequestError is returned by Request.Err for a request that ended in StateError.
type RequestError struct {
	Code ErrCode
	Err  error
}

func (e *RequestError) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Err.Error()
}

func (e *RequestError) Unwrap() error { return e.Err }

// CompletionFunc is called exactly once when a request reaches a terminal state.
// It runs on the goroutine driving the Engine, before the request is released.
type CompletionFunc func(r *Request, now time.Time)

// Job describes one exchange for Engine.Submit.
type Job struct {
	Host    string
	Port    int
	Payload []byte
	// BindAddr, when valid, is the local IPv4 address the socket is bound to.
	BindAddr netip.Addr
	// Owner correlates the request with its issuer for CancelAllFor and Pending.
	// It must be comparable.
	Owner      any
	OnComplete CompletionFunc
}

// Request is one outbound exchange owned by an Engine.
type Request struct {
	id      uint64
	host    string
	port    int
	payload []byte
	sent    int
	resp    []byte

	addr      netip.Addr // resolved destination
	resolving bool

	state      State
	code       ErrCode
	err        error
	lastAction time.Time

	fd         int
	owner      any
	onComplete CompletionFunc
	done       bool // completion delivered

	task *task
}

func (r *Request) State() State  { return r.state }
func (r *Request) Code() ErrCode { return r.code }
func (r *Request) Owner() any    { return r.owner }

// Err returns nil unless the request ended in StateError.
func (r *Request) Err() error {
	if r.state != StateError {
		return nil
	}
	return &RequestError{Code: r.code, Err: r.err}
}

// Response returns the bytes read from the server once the request has finished.
// It never returns partial data.
func (r *Request) Response() []byte {
	if r.state != StateFinished {
		return nil
	}
	return r.resp
}

// Result returns the value produced by a Task once it has finished.
func (r *Request) Result() any {
	if r.state != StateFinished || r.task == nil {
		return nil
	}
	return r.task.result
}

func (r *Request) String() string {
	if r.task != nil {
		return fmt.Sprintf("#%d task %s", r.id, r.host)
	}
	return fmt.Sprintf("#%d %s", r.id, net.JoinHostPort(r.host, strconv.Itoa(r.port)))
}

func (r *Request) terminal() bool {
	return r.state == StateFinished || r.state == StateError
}

func (r *Request) fail(code ErrCode, err error) {
	r.state, r.code, r.err = StateError, code, err
}

// Submit opens a non-blocking socket for job and queues it.
// The connection is started by the next Poll.
// No request is created when the socket cannot be opened or bound.
func (e *Engine) Submit(job Job, now time.Time) (*Request, error) {
	if job.Port < 1 || job.Port > 65535 {
		return nil, fmt.Errorf("ddns.Engine.Submit: invalid port %d", job.Port)
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("ddns.Engine.Submit: socket: %w", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ddns.Engine.Submit: set nonblock: %w", err)
	}
	if job.BindAddr.IsValid() {
		if !job.BindAddr.Unmap().Is4() {
			unix.Close(fd)
			return nil, fmt.Errorf("ddns.Engine.Submit: bind address %s is not IPv4", job.BindAddr)
		}
		if err := unix.Bind(fd, &unix.SockaddrInet4{Addr: job.BindAddr.Unmap().As4()}); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("ddns.Engine.Submit: bind %s: %w", job.BindAddr, err)
		}
	}
	r := &Request{
		host:       job.Host,
		port:       job.Port,
		payload:    job.Payload,
		state:      StateCreated,
		lastAction: now,
		fd:         fd,
		owner:      job.Owner,
		onComplete: job.OnComplete,
	}
	e.add(r)
	return r, nil
}

func (e *Engine) add(r *Request) {
	e.nextID++
	r.id = e.nextID
	e.reqs = append(e.reqs, r)
	requestsInFlight.Inc()
	e.logger.Printf("request %s: queued", r)
}

// start connects r once its destination address is known.
// A host name is resolved off the engine goroutine; the connection starts on a later Poll.
func (e *Engine) start(r *Request, now time.Time) {
	if !r.addr.IsValid() {
		if a, err := netip.ParseAddr(r.host); err == nil {
			if a = a.Unmap(); !a.Is4() {
				r.fail(ErrSystem, fmt.Errorf("%s is not an IPv4 address", a))
				return
			}
			r.addr = a
		}
	}
	if r.addr.IsValid() {
		e.connect(r, now)
		return
	}
	if !r.resolving {
		r.resolving = true
		e.resolve(r)
	}
}

// connect starts a non-blocking connect to r.addr.
func (e *Engine) connect(r *Request, now time.Time) {
	r.lastAction = now
	addr := r.addr
	err := unix.Connect(r.fd, &unix.SockaddrInet4{Port: r.port, Addr: addr.As4()})
	switch {
	case err == nil:
		r.state = StateConnected
	case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EINTR):
		r.state = StateConnecting
	case errors.Is(err, unix.ECONNREFUSED), errors.Is(err, unix.ENETUNREACH), errors.Is(err, unix.EHOSTUNREACH):
		r.fail(ErrConnectFailed, fmt.Errorf("connect %s: %w", addr, err))
	default:
		r.fail(ErrSystem, fmt.Errorf("connect %s: %w", addr, err))
	}
}

// step advances r by one transition after its socket reported readiness.
func (e *Engine) step(r *Request, now time.Time) {
	if r.task != nil {
		e.stepTask(r)
		return
	}
	switch r.state {
	case StateConnecting:
		soerr, err := unix.GetsockoptInt(r.fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			r.fail(ErrSystem, fmt.Errorf("getsockopt: %w", err))
			return
		}
		if soerr != 0 {
			r.fail(ErrConnectFailed, unix.Errno(soerr))
			return
		}
		r.state, r.lastAction = StateConnected, now

	case StateConnected, StateSending:
		n, err := unix.Write(r.fd, r.payload[r.sent:])
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return
		}
		if err != nil {
			r.fail(ErrSystem, fmt.Errorf("send: %w", err))
			return
		}
		r.sent += n
		r.lastAction = now
		if r.sent < len(r.payload) {
			r.state = StateSending
			return
		}
		r.state = StateWaitingResponse

	case StateWaitingResponse:
		buf := make([]byte, MaxResponseSize)
		n, err := unix.Read(r.fd, buf)
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return
		}
		if err != nil {
			r.fail(ErrSystem, fmt.Errorf("recv: %w", err))
			return
		}
		if n <= 0 {
			r.fail(ErrSystem, errors.New("recv: connection closed before any response"))
			return
		}
		r.resp = buf[:n]
		r.state, r.lastAction = StateResponseReceived, now
	}
}

func timeoutCode(s State) ErrCode {
	switch s {
	case StateCreated, StateConnecting:
		return ErrConnectTimeout
	case StateConnected, StateSending:
		return ErrSendTimeout
	default:
		return ErrResponseTimeout
	}
}
