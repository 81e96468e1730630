package ddns

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const lookupTimeout = 5 * time.Second

// Engine multiplexes many outbound requests on the goroutine that calls Poll and Drive.
//
// Submit, Go, Poll, Drive, CancelAllFor, Pending and Close must be called from that goroutine.
// Wake is safe to call from anywhere.
type Engine struct {
	now    func() time.Time
	logger *log.Logger
	lookup func(ctx context.Context, host string) ([]netip.Addr, error)

	reqs   []*Request
	nextID uint64

	wakeR, wakeW int

	mu       sync.Mutex // guards results, resolved and closed
	results  []taskResult
	resolved []lookupResult
	closed   bool
}

// NewEngine returns an engine reading time from now.
// A nil now means time.Now.
func NewEngine(now func() time.Time) (*Engine, error) {
	if now == nil {
		now = time.Now
	}
	p := make([]int, 2)
	if err := unix.Pipe(p); err != nil {
		return nil, fmt.Errorf("ddns.NewEngine: wake pipe: %w", err)
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, fmt.Errorf("ddns.NewEngine: wake pipe: %w", err)
		}
	}
	return &Engine{
		now:    now,
		logger: discard,
		lookup: func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
		},
		wakeR: p[0],
		wakeW: p[1],
	}, nil
}

func (e *Engine) SetLogger(logger *log.Logger) {
	if logger == nil {
		logger = discard
	}
	e.logger = logger
}

// SetLookup replaces the host name resolver.
func (e *Engine) SetLookup(lookup func(ctx context.Context, host string) ([]netip.Addr, error)) {
	e.lookup = lookup
}

// Ready is the result of one Poll.
type Ready struct {
	// Now is sampled once after the wait and shared by every request driven from this pass.
	Now time.Time

	ready   []*Request
	expired []*Request
}

// Len is the number of requests needing attention.
func (r Ready) Len() int { return len(r.ready) + len(r.expired) }

// Poll starts pending connections and tasks, then waits until a request can make progress,
// a pending-action deadline passes, Wake is called, or ceiling elapses.
// An interrupted wait returns with nothing ready.
func (e *Engine) Poll(ceiling time.Duration) (Ready, error) {
	start := e.now()
	for _, r := range e.reqs {
		if r.state != StateCreated || r.done {
			continue
		}
		if r.task != nil {
			e.launch(r, start)
			continue
		}
		e.start(r, start)
		if r.state == StateError {
			e.logger.Printf("request %s: %s", r, r.Err())
		}
	}

	wait := ceiling
	fds := make([]unix.PollFd, 1, len(e.reqs)+1)
	fds[0] = unix.PollFd{Fd: int32(e.wakeR), Events: unix.POLLIN}
	watched := make([]*Request, 0, len(e.reqs))
	for _, r := range e.reqs {
		if r.done {
			continue
		}
		if r.terminal() {
			wait = 0
			continue
		}
		if d := r.lastAction.Add(PendingActionTimeout).Sub(start); d < wait {
			wait = d
		}
		var events int16
		switch r.state {
		case StateConnecting, StateConnected, StateSending:
			events = unix.POLLOUT
		case StateWaitingResponse:
			if r.task == nil {
				events = unix.POLLIN
			}
		}
		if events != 0 {
			fds = append(fds, unix.PollFd{Fd: int32(r.fd), Events: events})
			watched = append(watched, r)
		}
	}
	e.mu.Lock()
	if len(e.results) > 0 || len(e.resolved) > 0 {
		wait = 0
	}
	e.mu.Unlock()
	if wait < 0 {
		wait = 0
	}

	n, err := unix.Poll(fds, int((wait+time.Millisecond-1)/time.Millisecond))
	if errors.Is(err, unix.EINTR) {
		n, err = 0, nil
	}
	if err != nil {
		return Ready{Now: e.now()}, fmt.Errorf("ddns.Engine.Poll: %w", err)
	}

	rd := Ready{Now: e.now()}
	if n > 0 {
		if fds[0].Revents != 0 {
			e.drainWake()
		}
		for i, r := range watched {
			if fds[i+1].Revents != 0 {
				rd.ready = append(rd.ready, r)
			}
		}
	}
	rd.ready = append(rd.ready, e.collectResults()...)
	e.collectLookups()

	isReady := make(map[*Request]bool, len(rd.ready))
	for _, r := range rd.ready {
		isReady[r] = true
	}
	for _, r := range e.reqs {
		if r.done || r.terminal() || isReady[r] {
			continue
		}
		if rd.Now.Sub(r.lastAction) >= PendingActionTimeout {
			rd.expired = append(rd.expired, r)
		}
	}
	return rd, nil
}

// Drive times out expired requests, advances each ready request one step,
// and delivers the completion of every request that reached a terminal state.
func (e *Engine) Drive(rd Ready) {
	for _, r := range rd.expired {
		if r.done || r.terminal() {
			continue
		}
		r.fail(timeoutCode(r.state), fmt.Errorf("no progress in %s while %s", PendingActionTimeout, r.state))
	}
	for _, r := range rd.ready {
		if r.done || r.terminal() {
			continue
		}
		e.step(r, rd.Now)
	}

	// completions may submit new requests or cancel others
	for _, r := range append([]*Request(nil), e.reqs...) {
		if r.done {
			continue
		}
		if r.state == StateResponseReceived {
			e.logger.Printf("request %s: received %d bytes", r, len(r.resp))
			r.state = StateFinished
		}
		if !r.terminal() {
			continue
		}
		e.finish(r, rd.Now)
	}
	e.compact()
}

// CancelAllFor ends every request owned by owner.
// Each one completes with ErrCancelled before it is released.
// It returns the number of requests cancelled. A nil owner matches nothing.
func (e *Engine) CancelAllFor(owner any) int {
	if owner == nil {
		return 0
	}
	n := 0
	now := e.now()
	for _, r := range append([]*Request(nil), e.reqs...) {
		if r.done || r.owner != owner {
			continue
		}
		r.fail(ErrCancelled, nil)
		e.finish(r, now)
		n++
	}
	e.compact()
	return n
}

// Pending returns how many requests owned by owner have not completed.
func (e *Engine) Pending(owner any) int {
	n := 0
	for _, r := range e.reqs {
		if !r.done && r.owner == owner {
			n++
		}
	}
	return n
}

// Len returns the number of live requests.
func (e *Engine) Len() int {
	n := 0
	for _, r := range e.reqs {
		if !r.done {
			n++
		}
	}
	return n
}

// Wake interrupts a Poll in progress, or makes the next one return immediately.
func (e *Engine) Wake() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	// EAGAIN means a wakeup is already pending
	_, _ = unix.Write(e.wakeW, []byte{1})
}

// Close cancels every live request and releases the engine.
func (e *Engine) Close() error {
	now := e.now()
	for _, r := range append([]*Request(nil), e.reqs...) {
		if r.done {
			continue
		}
		r.fail(ErrCancelled, nil)
		e.finish(r, now)
	}
	e.compact()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return errors.Join(unix.Close(e.wakeR), unix.Close(e.wakeW))
}

func (e *Engine) finish(r *Request, now time.Time) {
	r.done = true
	requestsInFlight.Dec()
	requestsTotal.WithLabelValues(resultLabel(r)).Inc()
	if r.state == StateError {
		e.logger.Printf("request %s: %s", r, r.Err())
	} else {
		e.logger.Printf("request %s: finished", r)
	}
	if r.onComplete != nil {
		r.onComplete(r, now)
	}
	if r.fd >= 0 {
		unix.Close(r.fd)
		r.fd = -1
	}
	if r.task != nil && r.task.cancel != nil {
		r.task.cancel()
	}
}

func (e *Engine) compact() {
	live := e.reqs[:0]
	for _, r := range e.reqs {
		if !r.done {
			live = append(live, r)
		}
	}
	clear(e.reqs[len(live):])
	e.reqs = live
}

func (e *Engine) drainWake() {
	buf := make([]byte, 64)
	for {
		n, err := unix.Read(e.wakeR, buf)
		if n <= 0 || err != nil {
			return
		}
	}
}

type lookupResult struct {
	r    *Request
	addr netip.Addr
	err  error
}

// resolve looks up r.host on its own goroutine and hands the address back through collectLookups.
func (e *Engine) resolve(r *Request) {
	host, lookup := r.host, e.lookup
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
		defer cancel()
		addr, err := firstIPv4(lookup(ctx, host))
		if err != nil {
			err = fmt.Errorf("lookup %s: %w", host, err)
		}
		e.mu.Lock()
		e.resolved = append(e.resolved, lookupResult{r: r, addr: addr, err: err})
		e.mu.Unlock()
		e.Wake()
	}()
}

// collectLookups stores finished lookups on their requests.
// A failed lookup ends its request; the others connect on the next Poll.
func (e *Engine) collectLookups() {
	e.mu.Lock()
	resolved := e.resolved
	e.resolved = nil
	e.mu.Unlock()

	for _, res := range resolved {
		r := res.r
		if r.done || r.terminal() {
			continue
		}
		r.resolving = false
		if res.err != nil {
			r.fail(ErrSystem, res.err)
			continue
		}
		r.addr = res.addr
	}
}

func firstIPv4(addrs []netip.Addr, err error) (netip.Addr, error) {
	if err != nil {
		return netip.Addr{}, err
	}
	for _, a := range addrs {
		if a = a.Unmap(); a.Is4() {
			return a, nil
		}
	}
	return netip.Addr{}, errors.New("no IPv4 address")
}
