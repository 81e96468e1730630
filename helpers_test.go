package ddns

import (
	"net"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// driveUntil runs the engine until done returns true.
func driveUntil(t *testing.T, e *Engine, done func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !done() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out driving the engine (%d requests live)", e.Len())
		}
		rd, err := e.Poll(20 * time.Millisecond)
		if err != nil {
			t.Fatalf("Poll failed: %s", err)
		}
		e.Drive(rd)
	}
}

func newEngine(t *testing.T, now func() time.Time) *Engine {
	t.Helper()
	e, err := NewEngine(now)
	if err != nil {
		t.Fatalf("NewEngine failed: %s", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

// hangingListener accepts connections at the kernel level and never answers.
func hangingListener(t *testing.T) (host string, port int) {
	t.Helper()
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %s", err)
	}
	t.Cleanup(func() { l.Close() })
	addr := l.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

// closedPort returns a loopback port with nothing listening on it.
func closedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %s", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

// fakeSubmitter records jobs instead of sending them.
type fakeSubmitter struct {
	failWith  error
	jobs      []Job
	tasks     []Task
	pending   []*Request
	cancelled int
}

func (f *fakeSubmitter) Submit(job Job, now time.Time) (*Request, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.jobs = append(f.jobs, job)
	r := &Request{host: job.Host, port: job.Port, owner: job.Owner, onComplete: job.OnComplete, state: StateCreated, lastAction: now, fd: -1}
	f.pending = append(f.pending, r)
	return r, nil
}

func (f *fakeSubmitter) Go(t Task, now time.Time) (*Request, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.tasks = append(f.tasks, t)
	r := &Request{host: t.Name, owner: t.Owner, onComplete: t.OnComplete, state: StateCreated, lastAction: now, fd: -1, task: &task{run: t.Run}}
	f.pending = append(f.pending, r)
	return r, nil
}

func (f *fakeSubmitter) CancelAllFor(owner any) int {
	if owner == nil {
		return 0
	}
	n := 0
	for _, r := range append([]*Request(nil), f.pending...) {
		if r.owner == owner {
			r.fail(ErrCancelled, nil)
			f.complete(r, time.Time{})
			n++
		}
	}
	f.cancelled += n
	return n
}

func (f *fakeSubmitter) Pending(owner any) int {
	n := 0
	for _, r := range f.pending {
		if r.owner == owner {
			n++
		}
	}
	return n
}

// respond finishes the oldest pending request with resp.
func (f *fakeSubmitter) respond(t *testing.T, now time.Time, resp string) {
	t.Helper()
	r := f.next(t)
	r.resp, r.state = []byte(resp), StateFinished
	f.complete(r, now)
}

// report finishes the oldest pending task with rep.
func (f *fakeSubmitter) report(t *testing.T, now time.Time, rep Report) {
	t.Helper()
	r := f.next(t)
	r.task.returned, r.task.result = true, rep
	r.state = StateFinished
	f.complete(r, now)
}

// failNext ends the oldest pending request with code.
func (f *fakeSubmitter) failNext(t *testing.T, now time.Time, code ErrCode) {
	t.Helper()
	r := f.next(t)
	r.fail(code, nil)
	f.complete(r, now)
}

func (f *fakeSubmitter) next(t *testing.T) *Request {
	t.Helper()
	if len(f.pending) == 0 {
		t.Fatalf("Expected a pending request; got none")
	}
	return f.pending[0]
}

func (f *fakeSubmitter) complete(r *Request, now time.Time) {
	for i, p := range f.pending {
		if p == r {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			break
		}
	}
	r.done = true
	r.onComplete(r, now)
}
