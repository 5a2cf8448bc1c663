package transport

import (
	"context"
	"fmt"
	"sync"
)

// Loopback is an in-memory transport connecting every node registered on
// it. It exists so multi-node protocol behavior can be exercised inside
// one process without sockets.
type Loopback struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	closed   bool
}

// NewLoopback creates an empty loopback network.
func NewLoopback() *Loopback {
	return &Loopback{handlers: make(map[string]Handler)}
}

// RoundTrip delivers the request to the handler registered under
// endpoint, synchronously.
func (l *Loopback) RoundTrip(ctx context.Context, endpoint string, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	handler, ok := l.handlers[endpoint]
	closed := l.closed
	l.mu.RUnlock()

	if closed {
		return nil, fmt.Errorf("%w: transport closed", ErrTransport)
	}
	if !ok {
		return nil, fmt.Errorf("%w: no node at %s", ErrTransport, endpoint)
	}

	return handler(ctx, req), nil
}

// Serve registers a node's handler under its endpoint.
func (l *Loopback) Serve(endpoint string, handler Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.handlers[endpoint]; ok {
		return fmt.Errorf("%w: endpoint %s already registered", ErrTransport, endpoint)
	}
	l.handlers[endpoint] = handler
	return nil
}

// Drop unregisters an endpoint, simulating an unreachable node.
func (l *Loopback) Drop(endpoint string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handlers, endpoint)
}

// Close drops all endpoints and fails subsequent round trips.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.handlers = make(map[string]Handler)
	return nil
}
