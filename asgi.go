package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// requestChunkSize is the read size for feeding request bodies to the task.
const requestChunkSize = 16 * 1024

// asgiConfig bounds the per-request response stream. Validated on first use.
type asgiConfig struct {
	QueueSize int `validate:"min=1"`
}

// ASGIBridge presents an event-driven ASGI application as a blocking WSGI
// callable.
//
// Each call schedules the application as a task on a shared loop, feeds the
// request body on demand in 16 KiB chunks, and returns an iterator of body
// chunks whose production is paced by the application's send calls. After
// the iterator ends, the bridge waits up to the configured wait time for the
// task to finish background work before cancelling it.
type ASGIBridge struct {
	app      ASGIApp
	cfg      asgiConfig
	waitTime time.Duration
	logger   *slog.Logger
	clock    clockwork.Clock
	loop     *Loop // injected; never started or stopped by the bridge

	initOnce sync.Once
	initErr  error

	mu        sync.Mutex
	ownedLoop *Loop
}

// WrapASGI wraps an ASGI application as a WSGI callable with default
// settings: an unbounded wait for background completion, a lazily started
// owned loop, and a response queue capacity of 10.
func WrapASGI(app ASGIApp) *ASGIBridge {
	return &ASGIBridge{
		app: app,
		cfg: asgiConfig{QueueSize: 10},
	}
}

// WithWaitTime bounds how long Call waits for the task after the response
// iterator ends. Zero means wait forever. On expiry the task is cancelled.
func (b *ASGIBridge) WithWaitTime(d time.Duration) *ASGIBridge {
	b.waitTime = d
	return b
}

// WithLoop injects a caller-owned loop. The bridge will neither start nor
// stop it; Close becomes a no-op for the loop.
func (b *ASGIBridge) WithLoop(loop *Loop) *ASGIBridge {
	b.loop = loop
	return b
}

// WithSendQueueSize sets the capacity of the per-request response stream.
func (b *ASGIBridge) WithSendQueueSize(n int) *ASGIBridge {
	b.cfg.QueueSize = n
	return b
}

// WithLogger sets the logger. Defaults to slog.Default.
func (b *ASGIBridge) WithLogger(logger *slog.Logger) *ASGIBridge {
	b.logger = logger
	return b
}

// WithClock injects the clock used for the wait-time bound. Tests use a fake.
func (b *ASGIBridge) WithClock(clock clockwork.Clock) *ASGIBridge {
	b.clock = clock
	return b
}

// WSGI returns the bridge as a WSGIApp value.
func (b *ASGIBridge) WSGI() WSGIApp {
	return b.Call
}

// Close shuts down the owned loop, cancelling any tasks still running on
// it. A bridge with an injected loop has nothing to release.
func (b *ASGIBridge) Close() error {
	b.mu.Lock()
	loop := b.ownedLoop
	b.ownedLoop = nil
	b.mu.Unlock()
	if loop == nil {
		return nil
	}
	return loop.Shutdown(context.Background())
}

func (b *ASGIBridge) init() error {
	b.initOnce.Do(func() {
		if err := validate.Struct(&b.cfg); err != nil {
			b.initErr = fmt.Errorf("invalid bridge configuration: %w", err)
			return
		}
		if b.logger == nil {
			b.logger = slog.Default()
		}
		if b.clock == nil {
			b.clock = clockwork.NewRealClock()
		}
	})
	return b.initErr
}

func (b *ASGIBridge) loopFor() *Loop {
	if b.loop != nil {
		return b.loop
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ownedLoop == nil {
		b.ownedLoop = NewLoop()
	}
	return b.ownedLoop
}

// Call is the WSGI entry point.
func (b *ASGIBridge) Call(env Environ, start StartResponse) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if err := b.init(); err != nil {
			yield(nil, err)
			return
		}
		scope, err := ScopeFromEnviron(env)
		if err != nil {
			yield(nil, err)
			return
		}
		env["asgi.scope"] = scope
		b.run(env, scope, start, yield)
	}
}

func (b *ASGIBridge) run(env Environ, scope Scope, start StartResponse, yield func([]byte, error) bool) {
	resp := NewAsyncToSyncStream[Message](b.cfg.QueueSize, b.clock)
	req := NewSyncToAsyncStream[Message](1)
	demand := make(chan struct{}, 1)
	teardown := make(chan struct{})
	var teardownOnce sync.Once
	finish := func() {
		teardownOnce.Do(func() {
			close(teardown)
			req.Close(nil)
			resp.Close(nil)
		})
	}
	defer finish()

	input, _ := env["wsgi.input"].(io.Reader)
	if input == nil {
		input = bytes.NewReader(nil)
	}
	go b.feedBody(input, req, demand, teardown)

	rcv := &receiveState{req: req, demand: demand, teardown: teardown}
	snd := &sendState{resp: resp}

	task, err := b.loopFor().Submit(func(ctx context.Context) error {
		appErr := b.app(ctx, scope, rcv.receive, snd.send)
		resp.AClose(appErr)
		return appErr
	})
	if err != nil {
		yield(nil, err)
		return
	}

	yieldOK, surfaced := b.consumeResponse(start, resp, yield)

	// Release the task from any pending receive or send before waiting on it.
	finish()
	b.awaitTask(task, yieldOK, surfaced, yield)
}

// feedBody reads the request body one chunk per demand signal, preserving
// backpressure: nothing is read until the task asks for it.
func (b *ASGIBridge) feedBody(input io.Reader, req *SyncToAsyncStream[Message], demand <-chan struct{}, teardown <-chan struct{}) {
	buf := make([]byte, requestChunkSize)
	for {
		select {
		case <-demand:
		case <-teardown:
			return
		}
		n, err := input.Read(buf)
		if n > 0 {
			msg := Message{"type": "http.request", "body": bytes.Clone(buf[:n]), "more_body": true}
			if perr := req.Put(msg); perr != nil {
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				_ = req.Put(Message{"type": "http.request", "body": []byte{}, "more_body": false})
				req.Close(nil)
			} else {
				req.Close(err)
			}
			return
		}
	}
}

// receiveState implements the task's receive callable. Called only from the
// task goroutine.
type receiveState struct {
	req      *SyncToAsyncStream[Message]
	demand   chan<- struct{}
	teardown <-chan struct{}
	bodyDone bool
}

func (r *receiveState) receive(ctx context.Context) (Message, error) {
	if !r.bodyDone {
		select {
		case r.demand <- struct{}{}:
		default:
		}
		msg, err := r.req.AGet(ctx)
		switch {
		case err == nil:
			if more, _ := msg["more_body"].(bool); !more {
				r.bodyDone = true
			}
			return msg, nil
		case err == io.EOF:
			r.bodyDone = true
			// Fall through to the disconnect wait below.
		default:
			return nil, err
		}
	}
	// Body delivered in full: receive blocks until the request is torn down,
	// then reports the disconnect.
	select {
	case <-r.teardown:
		return Message{"type": "http.disconnect"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// sendState implements the task's send callable, enforcing the response
// state machine: exactly one start, then body messages until a terminal
// more_body=false. Called only from the task goroutine.
type sendState struct {
	resp    *AsyncToSyncStream[Message]
	started bool
	closed  bool
}

func (s *sendState) send(ctx context.Context, msg Message) error {
	switch t := msgType(msg); t {
	case "http.response.start":
		if s.started {
			return protocolErrorf(SideApp, "duplicate http.response.start")
		}
		if _, ok := msg["status"].(int); !ok {
			return protocolErrorf(SideApp, "http.response.start missing integer status")
		}
		s.started = true
	case "http.response.body":
		if !s.started {
			return protocolErrorf(SideApp, "http.response.body before http.response.start")
		}
		if s.closed {
			return protocolErrorf(SideApp, "send after response complete")
		}
		if more, _ := msg["more_body"].(bool); !more {
			s.closed = true
		}
	default:
		return protocolErrorf(SideApp, "unexpected message type %q", t)
	}
	return s.resp.APut(ctx, msg)
}

// consumeResponse drives start_response from the first message and yields
// body chunks until the terminal message. Returns whether the consumer is
// still accepting yields and which error, if any, was already surfaced, so
// awaitTask does not report the same failure twice.
func (b *ASGIBridge) consumeResponse(start StartResponse, resp *AsyncToSyncStream[Message], yield func([]byte, error) bool) (bool, error) {
	msg, err := resp.Get(0)
	if err != nil {
		if err == io.EOF {
			return yield(nil, protocolErrorf(SideApp, "application produced no response")), nil
		}
		return false, surfaceErr(err, yield)
	}

	status, _ := msg["status"].(int)
	rawHeaders, _ := msg["headers"].([][2][]byte)
	headers := make([]Header, len(rawHeaders))
	for i, h := range rawHeaders {
		headers[i] = Header{Name: latin1String(h[0]), Value: latin1String(h[1])}
	}
	if _, err := start(statusLine(status), headers, nil); err != nil {
		return yield(nil, err), nil
	}

	for {
		msg, err := resp.Get(0)
		if err != nil {
			if err == io.EOF {
				return yield(nil, protocolErrorf(SideApp, "response ended without terminal body message")), nil
			}
			return false, surfaceErr(err, yield)
		}
		body, _ := msg["body"].([]byte)
		more, _ := msg["more_body"].(bool)
		if len(body) > 0 {
			if !yield(body, nil) {
				return false, nil
			}
		}
		if !more {
			return true, nil
		}
	}
}

// surfaceErr yields an application error to the caller and records it as
// surfaced.
func surfaceErr(err error, yield func([]byte, error) bool) error {
	yield(nil, err)
	return err
}

// awaitTask waits for the task up to the wait-time bound, cancelling it on
// expiry. Cancellation errors are logged, not surfaced: the iterator has
// already closed. Other application errors are re-raised to the caller while
// it still accepts yields, and logged otherwise.
func (b *ASGIBridge) awaitTask(task *Task, yieldOK bool, surfaced error, yield func([]byte, error) bool) {
	var expiry <-chan time.Time
	if b.waitTime > 0 {
		timer := b.clock.NewTimer(b.waitTime)
		defer timer.Stop()
		expiry = timer.Chan()
	}
	select {
	case <-task.Done():
	case <-expiry:
		b.logger.Debug("cancelling task after wait time", slog.Duration("wait_time", b.waitTime))
		task.Cancel()
		<-task.Done()
	}

	err := task.Err()
	switch {
	case err == nil, err == surfaced:
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		b.logger.Debug("task cancelled", slog.Any("error", err))
	case yieldOK:
		yield(nil, err)
	default:
		b.logger.Error("task failed after response", slog.Any("error", err))
	}
}
