package bridge

import (
	"context"
	"iter"
)

// Environ is a WSGI environ: a case-sensitive mapping holding the CGI-style
// request metadata keys (REQUEST_METHOD, PATH_INFO, HTTP_*, ...), the request
// body under "wsgi.input" (a *BodyReader in environs built by WSGIBridge; any
// io.Reader in environs passed to ASGIBridge), an error sink under
// "wsgi.errors" (io.Writer), and the wsgi.* sentinels.
type Environ map[string]any

// Scope is an ASGI connection scope. Byte-valued fields (raw_path,
// query_string) are []byte, headers are [][2][]byte with lower-case names,
// and client/server are Addr values.
type Scope map[string]any

// Message is a single ASGI event message. The "type" key selects the event
// ("http.request", "http.response.start", "http.response.body",
// "http.disconnect", "lifespan.*"); remaining keys depend on the type.
type Message map[string]any

// Addr is a (host, port) endpoint as carried in a scope's "client" and
// "server" keys.
type Addr struct {
	Host string
	Port int
}

// Header is a single response header as passed to StartResponse.
type Header struct {
	Name  string
	Value string
}

// WriteFunc is the writer callable returned by StartResponse. The iterator
// flow is the supported path; the returned writer is a no-op kept for
// contract compatibility.
type WriteFunc func(p []byte) error

// StartResponse begins a WSGI response. status is "<code> <phrase>"; headers
// are encoded latin-1 on the wire. Supplying excInfo before any body chunk
// has been emitted replaces the pending response start; after chunks have
// been emitted the carried error is returned so the caller re-raises it.
// Calling StartResponse twice without excInfo is a protocol violation.
type StartResponse func(status string, headers []Header, excInfo error) (WriteFunc, error)

// WSGIApp is the blocking server-application contract. The app is called once
// per request with the environ and a StartResponse, and returns the response
// body as a sequence of byte chunks. A non-nil error yielded by the sequence
// terminates the response; chunks yielded before it have already been sent.
//
// The app runs on a worker goroutine and may block freely; it must not retain
// env or the input stream past the end of iteration.
type WSGIApp func(env Environ, start StartResponse) iter.Seq2[[]byte, error]

// ReceiveFunc awaits the next ASGI event from the server.
type ReceiveFunc func(ctx context.Context) (Message, error)

// SendFunc passes an ASGI event to the server. It suspends when the peer is
// slow; ordering follows call order.
type SendFunc func(ctx context.Context, msg Message) error

// ASGIApp is the event-driven server-application contract: a task invoked
// once per connection scope, exchanging messages over receive and send. The
// returned error reports abnormal completion; a nil return means the app
// finished its protocol exchange.
type ASGIApp func(ctx context.Context, scope Scope, receive ReceiveFunc, send SendFunc) error
