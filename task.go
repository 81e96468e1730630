package ddns

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Task is a blocking call run off the engine goroutine, such as a client library call.
// Its completion is delivered like any other request: once, from Drive, on the engine goroutine.
type Task struct {
	Name       string
	Owner      any
	Run        func(ctx context.Context) (any, error)
	OnComplete CompletionFunc
}

type task struct {
	run    func(ctx context.Context) (any, error)
	cancel context.CancelFunc

	returned bool
	result   any
	err      error
}

type taskResult struct {
	r   *Request
	val any
	err error
}

// Go queues t. It is started by the next Poll, with a context that expires after PendingActionTimeout.
func (e *Engine) Go(t Task, now time.Time) (*Request, error) {
	if t.Run == nil {
		return nil, errors.New("ddns.Engine.Go: task has no Run func")
	}
	r := &Request{
		host:       t.Name,
		state:      StateCreated,
		lastAction: now,
		fd:         -1,
		owner:      t.Owner,
		onComplete: t.OnComplete,
		task:       &task{run: t.Run},
	}
	e.add(r)
	return r, nil
}

func (e *Engine) launch(r *Request, now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), PendingActionTimeout)
	r.task.cancel = cancel
	r.state, r.lastAction = StateWaitingResponse, now
	run := r.task.run
	go func() {
		val, err := run(ctx)
		e.mu.Lock()
		e.results = append(e.results, taskResult{r: r, val: val, err: err})
		e.mu.Unlock()
		e.Wake()
	}()
}

// collectResults hands returned tasks to the caller of Poll.
// Results of tasks that already completed some other way are dropped.
func (e *Engine) collectResults() []*Request {
	e.mu.Lock()
	results := e.results
	e.results = nil
	e.mu.Unlock()

	var ready []*Request
	for _, res := range results {
		if res.r.done || res.r.terminal() {
			continue
		}
		t := res.r.task
		t.returned, t.result, t.err = true, res.val, res.err
		ready = append(ready, res.r)
	}
	return ready
}

func (e *Engine) stepTask(r *Request) {
	t := r.task
	if !t.returned {
		return
	}
	switch {
	case errors.Is(t.err, context.DeadlineExceeded):
		r.fail(ErrResponseTimeout, t.err)
	case t.err != nil:
		r.fail(ErrSystem, fmt.Errorf("%s: %w", r.host, t.err))
	default:
		r.state = StateFinished
	}
}
