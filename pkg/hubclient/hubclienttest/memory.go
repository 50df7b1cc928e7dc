// Package hubclienttest provides in-memory stand-ins for hub connections.
//
// MemoryTransport plugs into a real hubclient.Connection and exposes the
// server side of every dialed stream. FakeChannel replaces the Connection
// entirely for tests of the components built on top of it.
package hubclienttest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/rmacdonaldsmith/socialsync/pkg/hubclient"
)

// InvokeFunc answers an invocation with a result or an error message.
type InvokeFunc func(method string, args hubclient.Arguments) (result any, errMessage string)

// MemoryTransport is a hubclient.Transport backed by channels.
type MemoryTransport struct {
	// OnInvoke, when set, completes every invocation immediately.
	OnInvoke InvokeFunc

	mu       sync.Mutex
	failures []error
	dials    []http.Header
	servers  []*ServerConn
	dialed   chan *ServerConn
}

// NewMemoryTransport returns an empty transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{dialed: make(chan *ServerConn, 64)}
}

// Name returns "memory".
func (t *MemoryTransport) Name() string { return "memory" }

// FailNext makes the next len(errs) dials fail with errs, in order.
func (t *MemoryTransport) FailNext(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = append(t.failures, errs...)
}

// Dial returns a queued failure or a new in-memory stream.
func (t *MemoryTransport) Dial(ctx context.Context, _ string, header http.Header) (hubclient.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.dials = append(t.dials, header.Clone())
	if len(t.failures) > 0 {
		err := t.failures[0]
		t.failures = t.failures[1:]
		t.mu.Unlock()
		return nil, err
	}
	s := &ServerConn{
		transport:   t,
		toClient:    make(chan hubclient.Frame, 64),
		invocations: make(chan hubclient.Frame, 64),
		closed:      make(chan struct{}),
	}
	t.servers = append(t.servers, s)
	t.mu.Unlock()

	t.dialed <- s
	return &clientConn{server: s}, nil
}

// DialCount returns how many dials were attempted, failed ones included.
func (t *MemoryTransport) DialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.dials)
}

// Headers returns the handshake headers of dial attempt i.
func (t *MemoryTransport) Headers(i int) http.Header {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.dials) {
		return nil
	}
	return t.dials[i]
}

// Dialed delivers the server side of every successful dial.
func (t *MemoryTransport) Dialed() <-chan *ServerConn { return t.dialed }

// Last returns the most recent server side, or nil.
func (t *MemoryTransport) Last() *ServerConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.servers) == 0 {
		return nil
	}
	return t.servers[len(t.servers)-1]
}

// ServerConn is the server end of an in-memory stream.
type ServerConn struct {
	transport   *MemoryTransport
	toClient    chan hubclient.Frame
	invocations chan hubclient.Frame
	closed      chan struct{}
	closeOnce   sync.Once
}

// Emit pushes an event frame to the client.
func (s *ServerConn) Emit(target string, args ...any) error {
	f, err := hubclient.EventFrame(target, args...)
	if err != nil {
		return err
	}
	return s.Send(f)
}

// Send pushes any frame to the client.
func (s *ServerConn) Send(f hubclient.Frame) error {
	select {
	case <-s.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case s.toClient <- f:
		return nil
	case <-s.closed:
		return io.ErrClosedPipe
	}
}

// Complete answers invocation id with result, or with errMessage if set.
func (s *ServerConn) Complete(id string, result any, errMessage string) error {
	f := hubclient.Frame{Type: hubclient.FrameCompletion, InvocationID: id, Error: errMessage}
	if errMessage == "" && result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return err
		}
		f.Result = raw
	}
	return s.Send(f)
}

// Invocations delivers invoke frames sent by the client that were not
// answered by OnInvoke.
func (s *ServerConn) Invocations() <-chan hubclient.Frame { return s.invocations }

// Drop closes the stream as if the network failed.
func (s *ServerConn) Drop() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Closed reports whether either side closed the stream.
func (s *ServerConn) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type clientConn struct {
	server *ServerConn
}

func (c *clientConn) Receive() (hubclient.Frame, error) {
	s := c.server
	// Frames queued before a drop are still delivered.
	select {
	case f := <-s.toClient:
		return f, nil
	default:
	}
	select {
	case f := <-s.toClient:
		return f, nil
	case <-s.closed:
		select {
		case f := <-s.toClient:
			return f, nil
		default:
		}
		return hubclient.Frame{}, io.EOF
	}
}

func (c *clientConn) Send(ctx context.Context, f hubclient.Frame) error {
	s := c.server
	if s.Closed() {
		return io.ErrClosedPipe
	}
	if f.Type != hubclient.FrameInvoke {
		return nil
	}

	if on := s.transport.OnInvoke; on != nil {
		result, msg := on(f.Target, hubclient.Arguments(f.Arguments))
		return s.Complete(f.InvocationID, result, msg)
	}

	select {
	case s.invocations <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return io.ErrClosedPipe
	}
}

func (c *clientConn) Close() error {
	c.server.Drop()
	return nil
}

// ErrDialRefused is a transient dial failure for tests.
var ErrDialRefused = errors.New("failed to start connection: connection refused")
