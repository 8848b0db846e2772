package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// wsgiConfig bounds the per-bridge resources. Validated on first use.
type wsgiConfig struct {
	Workers   int `validate:"min=1"`
	QueueSize int `validate:"min=1"`
}

// WSGIBridge presents a blocking WSGI application as an ASGI callable.
//
// Request bodies flow from the ASGI server into wsgi.input through a bounded
// stream, and the application's response iterator is streamed back as
// http.response.start / http.response.body messages through a second bounded
// stream, so neither direction ever buffers more than the queue capacity.
// Application invocations run on a weighted worker pool; submission blocks
// when all workers are busy.
type WSGIBridge struct {
	app    WSGIApp
	cfg    wsgiConfig
	logger *slog.Logger
	clock  clockwork.Clock

	initOnce sync.Once
	initErr  error
	workers  *semaphore.Weighted
}

// WrapWSGI wraps a WSGI application as an ASGI callable with default
// settings: 10 workers and a queue capacity of 10 in each direction.
func WrapWSGI(app WSGIApp) *WSGIBridge {
	return &WSGIBridge{
		app: app,
		cfg: wsgiConfig{Workers: 10, QueueSize: 10},
	}
}

// WithWorkers sets the size of the worker pool running application calls.
func (b *WSGIBridge) WithWorkers(n int) *WSGIBridge {
	b.cfg.Workers = n
	return b
}

// WithSendQueueSize sets the capacity of the per-request body streams.
func (b *WSGIBridge) WithSendQueueSize(n int) *WSGIBridge {
	b.cfg.QueueSize = n
	return b
}

// WithLogger sets the logger. Defaults to slog.Default.
func (b *WSGIBridge) WithLogger(logger *slog.Logger) *WSGIBridge {
	b.logger = logger
	return b
}

// WithClock injects the clock used by the request-body stream. Tests use a
// fake.
func (b *WSGIBridge) WithClock(clock clockwork.Clock) *WSGIBridge {
	b.clock = clock
	return b
}

// ASGI returns the bridge as an ASGIApp value.
func (b *WSGIBridge) ASGI() ASGIApp {
	return b.Serve
}

// Serve is the ASGI entry point.
func (b *WSGIBridge) Serve(ctx context.Context, scope Scope, receive ReceiveFunc, send SendFunc) error {
	m, err := decodeScope(scope)
	if err != nil {
		return err
	}
	if m.Type == "lifespan" {
		return b.serveLifespan(ctx, receive, send)
	}
	if err := b.init(); err != nil {
		return err
	}
	return b.serveHTTP(ctx, scope, m, receive, send)
}

func (b *WSGIBridge) init() error {
	b.initOnce.Do(func() {
		if err := validate.Struct(&b.cfg); err != nil {
			b.initErr = fmt.Errorf("invalid bridge configuration: %w", err)
			return
		}
		if b.logger == nil {
			b.logger = slog.Default()
		}
		b.workers = semaphore.NewWeighted(int64(b.cfg.Workers))
	})
	return b.initErr
}

// serveLifespan acknowledges startup and shutdown and nothing more.
func (b *WSGIBridge) serveLifespan(ctx context.Context, receive ReceiveFunc, send SendFunc) error {
	for {
		msg, err := receive(ctx)
		if err != nil {
			return err
		}
		switch t := msgType(msg); t {
		case "lifespan.startup":
			if err := send(ctx, Message{"type": "lifespan.startup.complete"}); err != nil {
				return err
			}
		case "lifespan.shutdown":
			return send(ctx, Message{"type": "lifespan.shutdown.complete"})
		default:
			return protocolErrorf(SideServer, "unexpected lifespan message %q", t)
		}
	}
}

// respItem is one artifact produced by the worker: a queued response start
// or a body chunk.
type respItem struct {
	start   bool
	status  int
	headers [][2][]byte
	body    []byte
}

// errResponseComplete is the sender loop's normal-completion sentinel; it
// cancels the sibling receive loop through the errgroup.
var errResponseComplete = errors.New("response complete")

func (b *WSGIBridge) serveHTTP(ctx context.Context, scope Scope, m *scopeModel, receive ReceiveFunc, send SendFunc) error {
	req := NewAsyncToSyncStream[[]byte](b.cfg.QueueSize, b.clock)
	resp := NewSyncToAsyncStream[respItem](b.cfg.QueueSize)

	environ := environFromModel(m, NewBodyReader(req), &logWriter{logger: b.logger})
	scope["wsgi_environ"] = environ

	if err := b.workers.Acquire(ctx, 1); err != nil {
		return err
	}
	workerDone := make(chan struct{})
	go func() {
		defer b.workers.Release(1)
		defer close(workerDone)
		b.runWorker(environ, resp)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.receiveLoop(gctx, req, receive) })
	g.Go(func() error { return b.sendLoop(gctx, ctx, resp, send) })
	err := g.Wait()

	// Unblock the worker whichever stream it is waiting on, then await it.
	respErr := ErrStreamClosed
	if errors.Is(err, ErrDisconnected) {
		respErr = ErrDisconnected
	}
	req.Close(ErrDisconnected)
	resp.Close(respErr)
	<-workerDone

	switch {
	case errors.Is(err, errResponseComplete):
		return nil
	case errors.Is(err, ErrDisconnected):
		b.logger.Debug("client disconnected", slog.String("path", m.Path))
		return nil
	default:
		return err
	}
}

// receiveLoop drains server messages into the request-body stream. It keeps
// receiving after end of body so a later http.disconnect is observed.
func (b *WSGIBridge) receiveLoop(ctx context.Context, req *AsyncToSyncStream[[]byte], receive ReceiveFunc) error {
	for {
		msg, err := receive(ctx)
		if err != nil {
			req.Close(err)
			return err
		}
		switch t := msgType(msg); t {
		case "http.request":
			body, _ := msg["body"].([]byte)
			if len(body) > 0 {
				if err := req.APut(ctx, body); err != nil {
					return err
				}
			}
			if more, _ := msg["more_body"].(bool); !more {
				req.AClose(nil)
			}
		case "http.disconnect":
			req.AClose(ErrDisconnected)
			return ErrDisconnected
		default:
			err := protocolErrorf(SideServer, "unexpected message type %q", t)
			req.Close(err)
			return err
		}
	}
}

// sendLoop forwards worker artifacts to the server: one response start, the
// body chunks in production order, and a terminal empty body on EOF. On an
// application error after the response has started, the terminal body is
// still emitted best-effort before the error propagates.
func (b *WSGIBridge) sendLoop(ctx, reqCtx context.Context, resp *SyncToAsyncStream[respItem], send SendFunc) error {
	started := false
	for {
		item, err := resp.AGet(ctx)
		if err == io.EOF {
			if !started {
				return protocolErrorf(SideApp, "application produced no response")
			}
			if err := send(ctx, Message{"type": "http.response.body", "body": []byte{}, "more_body": false}); err != nil {
				return err
			}
			return errResponseComplete
		}
		if err != nil {
			if started {
				// Truncate the response cleanly so the peer sees a terminal
				// message even though the application failed mid-body.
				_ = send(reqCtx, Message{"type": "http.response.body", "body": []byte{}, "more_body": false})
			}
			return err
		}
		if item.start {
			msg := Message{
				"type":    "http.response.start",
				"status":  item.status,
				"headers": item.headers,
			}
			if err := send(ctx, msg); err != nil {
				return err
			}
			started = true
			continue
		}
		msg := Message{"type": "http.response.body", "body": item.body, "more_body": true}
		if err := send(ctx, msg); err != nil {
			return err
		}
	}
}

// runWorker invokes the WSGI application and drives its response iterator
// into the response stream. Runs on a pool worker; never on the caller.
func (b *WSGIBridge) runWorker(environ Environ, resp *SyncToAsyncStream[respItem]) {
	defer func() {
		if rec := recover(); rec != nil {
			resp.Close(fmt.Errorf("application panic: %v", rec))
		}
	}()

	state := &responseState{resp: resp}
	seq := b.app(environ, state.startResponse)
	if seq == nil {
		resp.Close(protocolErrorf(SideApp, "application returned a nil body iterator"))
		return
	}
	for chunk, err := range seq {
		if err != nil {
			resp.Close(err)
			return
		}
		if err := state.emit(chunk); err != nil {
			resp.Close(err)
			return
		}
	}
	resp.Close(state.finish())
}

// responseState carries the pending response start between start_response
// and the first body chunk, per the deferred-start rule: the start artifact
// is queued, and flushed by the first chunk (or by iterator exhaustion when
// the body is empty).
type responseState struct {
	resp    *SyncToAsyncStream[respItem]
	pending *respItem
	started bool
}

func (s *responseState) startResponse(status string, headers []Header, excInfo error) (WriteFunc, error) {
	if excInfo != nil {
		if s.started {
			return nil, fmt.Errorf("response already started: %w", excInfo)
		}
		// Pre-body: the replacement start below supersedes the pending one.
	} else if s.started || s.pending != nil {
		return nil, protocolErrorf(SideApp, "start_response called twice")
	}

	code, err := parseStatus(status)
	if err != nil {
		return nil, err
	}
	encoded := make([][2][]byte, len(headers))
	for i, h := range headers {
		encoded[i] = [2][]byte{latin1Bytes(strings.ToLower(h.Name)), latin1Bytes(h.Value)}
	}
	s.pending = &respItem{start: true, status: code, headers: encoded}

	write := func([]byte) error { return nil }
	return write, nil
}

// emit flushes the pending start ahead of the first chunk, then enqueues the
// chunk. The chunk is copied; the application may reuse its buffer.
func (s *responseState) emit(chunk []byte) error {
	if err := s.flushStart(); err != nil {
		return err
	}
	if len(chunk) == 0 {
		return nil
	}
	return s.resp.Put(respItem{body: bytes.Clone(chunk)})
}

func (s *responseState) flushStart() error {
	if s.pending != nil {
		if err := s.resp.Put(*s.pending); err != nil {
			return err
		}
		s.pending = nil
		s.started = true
		return nil
	}
	if !s.started {
		return protocolErrorf(SideApp, "body yielded before start_response")
	}
	return nil
}

// finish flushes a still-pending start when the body was empty.
func (s *responseState) finish() error {
	if s.pending != nil {
		if err := s.resp.Put(*s.pending); err != nil {
			return err
		}
		s.pending = nil
		s.started = true
	}
	return nil
}

// parseStatus splits a WSGI status line on the first space and parses the
// numeric code.
func parseStatus(status string) (int, error) {
	codeStr := status
	if idx := strings.IndexByte(status, ' '); idx >= 0 {
		codeStr = status[:idx]
	}
	code, err := strconv.Atoi(codeStr)
	if err != nil {
		return 0, protocolErrorf(SideApp, "malformed status line %q", status)
	}
	return code, nil
}

// logWriter adapts the logger as the wsgi.errors sink.
type logWriter struct {
	logger *slog.Logger
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.logger.Error("application error output",
		slog.String("message", strings.TrimRight(string(p), "\n")))
	return len(p), nil
}

func msgType(msg Message) string {
	t, _ := msg["type"].(string)
	return t
}
