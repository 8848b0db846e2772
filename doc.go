// Package bridge adapts between two HTTP server-application contracts that
// differ in their I/O discipline: the blocking, iterator-driven WSGI contract
// and the event-driven, message-passing ASGI contract.
//
// [WrapWSGI] presents a [WSGIApp] as an ASGI callable; [WrapASGI] presents an
// [ASGIApp] as a WSGI callable. Both stream request and response bodies
// through bounded queues, so memory stays proportional to the queue capacity
// regardless of body size, and backpressure propagates across the boundary
// in both directions: a slow consumer suspends the producer, never the other
// way around.
//
// Neither adapter parses HTTP, manages connections, or transforms semantics
// beyond what each contract already specifies.
package bridge
