// Package testutil provides testing helpers for driving WSGI and ASGI
// callables without a real HTTP server.
package testutil

import (
	"bytes"
	"context"
	"strconv"
	"sync"

	"github.com/appcontract/bridge"
)

// ScopeBuilder constructs test ASGI scopes with a fluent API.
type ScopeBuilder struct {
	scope bridge.Scope
}

// NewScope creates a scope builder with sensible http defaults.
func NewScope() *ScopeBuilder {
	return &ScopeBuilder{scope: bridge.Scope{
		"type":         "http",
		"http_version": "1.1",
		"method":       "GET",
		"scheme":       "http",
		"path":         "/",
		"query_string": []byte{},
		"root_path":    "",
		"headers":      [][2][]byte{},
		"server":       bridge.Addr{Host: "localhost", Port: 80},
	}}
}

// Method sets the request method.
func (b *ScopeBuilder) Method(m string) *ScopeBuilder {
	b.scope["method"] = m
	return b
}

// Path sets the decoded path.
func (b *ScopeBuilder) Path(p string) *ScopeBuilder {
	b.scope["path"] = p
	return b
}

// RawPath sets the undecoded path bytes.
func (b *ScopeBuilder) RawPath(p string) *ScopeBuilder {
	b.scope["raw_path"] = []byte(p)
	return b
}

// RootPath sets the root path.
func (b *ScopeBuilder) RootPath(p string) *ScopeBuilder {
	b.scope["root_path"] = p
	return b
}

// Query sets the raw query string.
func (b *ScopeBuilder) Query(q string) *ScopeBuilder {
	b.scope["query_string"] = []byte(q)
	return b
}

// Header appends a request header.
func (b *ScopeBuilder) Header(name, value string) *ScopeBuilder {
	headers, _ := b.scope["headers"].([][2][]byte)
	b.scope["headers"] = append(headers, [2][]byte{[]byte(name), []byte(value)})
	return b
}

// Client sets the client address.
func (b *ScopeBuilder) Client(host string, port int) *ScopeBuilder {
	b.scope["client"] = bridge.Addr{Host: host, Port: port}
	return b
}

// Server sets the server address.
func (b *ScopeBuilder) Server(host string, port int) *ScopeBuilder {
	b.scope["server"] = bridge.Addr{Host: host, Port: port}
	return b
}

// Scheme sets the URL scheme.
func (b *ScopeBuilder) Scheme(s string) *ScopeBuilder {
	b.scope["scheme"] = s
	return b
}

// Lifespan turns the scope into a lifespan scope.
func (b *ScopeBuilder) Lifespan() *ScopeBuilder {
	b.scope["type"] = "lifespan"
	return b
}

// Build returns the scope.
func (b *ScopeBuilder) Build() bridge.Scope {
	return b.scope
}

// EnvironBuilder constructs test WSGI environs with a fluent API.
type EnvironBuilder struct {
	env bridge.Environ
}

// NewEnviron creates an environ builder with sensible defaults.
func NewEnviron() *EnvironBuilder {
	return &EnvironBuilder{env: bridge.Environ{
		"REQUEST_METHOD":    "GET",
		"SCRIPT_NAME":       "",
		"PATH_INFO":         "/",
		"QUERY_STRING":      "",
		"SERVER_NAME":       "localhost",
		"SERVER_PORT":       "80",
		"SERVER_PROTOCOL":   "HTTP/1.1",
		"wsgi.url_scheme":   "http",
		"wsgi.input":        bytes.NewReader(nil),
		"wsgi.multithread":  true,
		"wsgi.multiprocess": false,
		"wsgi.run_once":     false,
	}}
}

// Method sets REQUEST_METHOD.
func (b *EnvironBuilder) Method(m string) *EnvironBuilder {
	b.env["REQUEST_METHOD"] = m
	return b
}

// Path sets PATH_INFO.
func (b *EnvironBuilder) Path(p string) *EnvironBuilder {
	b.env["PATH_INFO"] = p
	return b
}

// ScriptName sets SCRIPT_NAME.
func (b *EnvironBuilder) ScriptName(s string) *EnvironBuilder {
	b.env["SCRIPT_NAME"] = s
	return b
}

// Query sets QUERY_STRING.
func (b *EnvironBuilder) Query(q string) *EnvironBuilder {
	b.env["QUERY_STRING"] = q
	return b
}

// Header sets an HTTP_* header key from its canonical name.
func (b *EnvironBuilder) Header(name, value string) *EnvironBuilder {
	key := "HTTP_"
	for _, r := range name {
		if r == '-' {
			key += "_"
		} else if 'a' <= r && r <= 'z' {
			key += string(r - 32)
		} else {
			key += string(r)
		}
	}
	b.env[key] = value
	return b
}

// Body sets wsgi.input and CONTENT_LENGTH from a byte string.
func (b *EnvironBuilder) Body(body []byte) *EnvironBuilder {
	b.env["wsgi.input"] = bytes.NewReader(body)
	b.env["CONTENT_LENGTH"] = strconv.Itoa(len(body))
	return b
}

// Build returns the environ.
func (b *EnvironBuilder) Build() bridge.Environ {
	return b.env
}

// ASGICall drives an ASGI callable with a scripted message sequence and
// records everything the application sends. Create one per call.
type ASGICall struct {
	scope bridge.Scope

	mu       sync.Mutex
	incoming []bridge.Message
	sent     []bridge.Message
}

// NewASGICall creates a call for the given scope and incoming messages.
// When the script is exhausted, receive blocks until the context is done,
// matching a server that has no more events to deliver.
func NewASGICall(scope bridge.Scope, incoming ...bridge.Message) *ASGICall {
	return &ASGICall{scope: scope, incoming: incoming}
}

// Run invokes app and returns its error.
func (c *ASGICall) Run(ctx context.Context, app bridge.ASGIApp) error {
	return app(ctx, c.scope, c.receive, c.send)
}

func (c *ASGICall) receive(ctx context.Context) (bridge.Message, error) {
	c.mu.Lock()
	if len(c.incoming) > 0 {
		msg := c.incoming[0]
		c.incoming = c.incoming[1:]
		c.mu.Unlock()
		return msg, nil
	}
	c.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *ASGICall) send(_ context.Context, msg bridge.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

// Sent returns the messages the application sent, in order.
func (c *ASGICall) Sent() []bridge.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bridge.Message(nil), c.sent...)
}

// ResponseStatus returns the status of the http.response.start message, or
// zero if none was sent.
func (c *ASGICall) ResponseStatus() int {
	for _, msg := range c.Sent() {
		if t, _ := msg["type"].(string); t == "http.response.start" {
			status, _ := msg["status"].(int)
			return status
		}
	}
	return 0
}

// ResponseHeaders returns the headers of the http.response.start message.
func (c *ASGICall) ResponseHeaders() [][2][]byte {
	for _, msg := range c.Sent() {
		if t, _ := msg["type"].(string); t == "http.response.start" {
			headers, _ := msg["headers"].([][2][]byte)
			return headers
		}
	}
	return nil
}

// ResponseBody concatenates the bodies of all http.response.body messages.
func (c *ASGICall) ResponseBody() []byte {
	var body []byte
	for _, msg := range c.Sent() {
		if t, _ := msg["type"].(string); t == "http.response.body" {
			chunk, _ := msg["body"].([]byte)
			body = append(body, chunk...)
		}
	}
	return body
}
