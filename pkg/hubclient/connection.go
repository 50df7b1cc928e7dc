package hubclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/rmacdonaldsmith/socialsync/internal/clock"
	"github.com/rmacdonaldsmith/socialsync/internal/notice"
)

// State is the lifecycle state of a Connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Channel is the part of a Connection the sync components depend on.
type Channel interface {
	On(event string, h Handler)
	Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error)
	Connect(ctx context.Context) error
	Stop()
	State() State
	OnConnected(fn func())
}

var _ Channel = (*Connection)(nil)

type pendingCall struct {
	method string
	done   chan callResult
}

type callResult struct {
	result json.RawMessage
	err    error
}

// Connection is one hub channel with automatic reconnection.
type Connection struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	starting bool
	// generation changes on every Stop. Work started under an older
	// generation must not touch the connection once it resolves.
	generation uint64
	life       context.Context
	endLife    context.CancelFunc
	conn       Conn
	pending    map[string]pendingCall
	retryTimer *clock.Timer

	handlers      map[string][]Handler
	onState       []func(State)
	onConnected   []func()
	onReconnected []func()
	onClosed      []func(error)
}

// NewConnection validates cfg and returns a disconnected Connection.
func NewConnection(cfg Config) (*Connection, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Connection{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "hubclient", "hub", cfg.Name, "transport", cfg.Transport.Name()),
		pending:  make(map[string]pendingCall),
		handlers: make(map[string][]Handler),
	}
	c.life, c.endLife = context.WithCancel(context.Background())
	return c, nil
}

// Name returns the configured hub name.
func (c *Connection) Name() string { return c.cfg.Name }

// URL returns the hub endpoint.
func (c *Connection) URL() string { return c.cfg.URL }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// On registers h for the named inbound event. Handlers for one event run in
// registration order.
func (c *Connection) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

// OnStateChange registers fn to be called after every state transition.
func (c *Connection) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = append(c.onState, fn)
}

// OnConnected registers fn to be called every time the connection becomes
// Connected, whether by Connect, a retried start or a reconnect. It runs
// outside the read goroutine, so it may Invoke.
func (c *Connection) OnConnected(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = append(c.onConnected, fn)
}

// OnReconnected registers fn to be called after a dropped connection has
// been re-established.
func (c *Connection) OnReconnected(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnected = append(c.onReconnected, fn)
}

// OnClosed registers fn to be called when the connection ends for good:
// with nil after Stop, or with the error that ended reconnection.
func (c *Connection) OnClosed(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClosed = append(c.onClosed, fn)
}

// Connect starts the connection. It is a no-op unless the connection is
// Disconnected with no start in flight.
//
// A failed start is returned to the caller. If the failure is transient it
// is also retried in the background after TransientRetryDelay; a fatal
// failure is reported through the Notifier and left alone.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.starting || c.state != Disconnected {
		c.mu.Unlock()
		return nil
	}
	c.starting = true
	gen := c.generation
	life := c.life
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.state = Connecting
	listeners := c.stateListenersLocked()
	c.mu.Unlock()

	notifyState(listeners, Connecting)
	c.logger.Debug("connecting", "url", c.cfg.URL)

	conn, err := c.dial(ctx, life)

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		c.logger.Debug("connect finished after stop; discarding")
		return ErrStopped
	}
	c.starting = false
	if err != nil {
		c.state = Disconnected
		listeners = c.stateListenersLocked()
		c.mu.Unlock()

		notifyState(listeners, Disconnected)
		c.startFailed(gen, err)
		return err
	}
	c.conn = conn
	c.state = Connected
	listeners = c.stateListenersLocked()
	connected := slices.Clone(c.onConnected)
	c.mu.Unlock()

	notifyState(listeners, Connected)
	c.logger.Info("connected")
	go c.readLoop(gen, conn)
	runAll(connected)
	return nil
}

func (c *Connection) dial(ctx, life context.Context) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	stop := context.AfterFunc(life, cancel)
	defer stop()

	header := http.Header{}
	if err := c.cfg.Credentials.Apply(dialCtx, c.cfg.URL, header); err != nil {
		return nil, err
	}
	conn, err := c.cfg.Transport.Dial(dialCtx, c.cfg.URL, header)
	var handshake *HandshakeError
	if errors.As(err, &handshake) && handshake.Unauthorized() {
		if inv, ok := c.cfg.Credentials.(Invalidator); ok {
			c.logger.Debug("dropping rejected credentials")
			inv.Invalidate()
		}
	}
	return conn, err
}

func (c *Connection) startFailed(gen uint64, err error) {
	if Classify(err) == Fatal {
		c.logger.Error("connection failed", "error", err)
		c.cfg.Notifier.Notify(notice.Notice{
			Level:   notice.Error,
			Source:  c.cfg.Name,
			Message: fmt.Sprintf("could not connect to %s: %v", c.cfg.Name, err),
		})
		return
	}

	c.logger.Warn("connection start failed; retrying", "error", err, "delay", c.cfg.TransientRetryDelay)
	timer := c.cfg.Clock.AfterFunc(c.cfg.TransientRetryDelay, func() {
		c.mu.Lock()
		stale := c.generation != gen
		c.retryTimer = nil
		c.mu.Unlock()
		if stale {
			return
		}
		_ = c.Connect(context.Background())
	})

	c.mu.Lock()
	if c.generation == gen && c.state == Disconnected && !c.starting {
		c.retryTimer = timer
	}
	c.mu.Unlock()
}

func (c *Connection) readLoop(gen uint64, conn Conn) {
	for {
		f, err := conn.Receive()
		if err != nil {
			var frameErr *FrameError
			if errors.As(err, &frameErr) {
				c.logger.Warn("dropping malformed frame", "error", err)
				continue
			}
			c.dropped(gen, conn, err)
			return
		}

		switch f.Type {
		case FrameEvent:
			c.dispatch(f)
		case FrameCompletion:
			c.complete(f)
		case FramePing:
		case FrameClose:
			c.dropped(gen, conn, &ServerCloseError{Reason: f.Error})
			return
		default:
			c.logger.Debug("ignoring frame", "type", f.Type)
		}
	}
}

func (c *Connection) dispatch(f Frame) {
	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers[f.Target]...)
	c.mu.Unlock()

	if len(handlers) == 0 {
		c.logger.Debug("no handler for event", "event", f.Target)
		return
	}
	for _, h := range handlers {
		c.runHandler(f.Target, h, Arguments(f.Arguments))
	}
}

func (c *Connection) runHandler(event string, h Handler, args Arguments) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event handler panicked", "event", event, "panic", r)
		}
	}()
	h(args)
}

func (c *Connection) complete(f Frame) {
	c.mu.Lock()
	call, ok := c.pending[f.InvocationID]
	delete(c.pending, f.InvocationID)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("completion for unknown invocation", "invocation_id", f.InvocationID)
		return
	}
	if f.Error != "" {
		call.done <- callResult{err: &RemoteInvocationError{Method: call.method, Message: f.Error}}
		return
	}
	call.done <- callResult{result: f.Result}
}

func (c *Connection) dropped(gen uint64, conn Conn, cause error) {
	c.mu.Lock()
	if c.generation != gen || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.takePendingLocked()
	c.state = Reconnecting
	life := c.life
	listeners := c.stateListenersLocked()
	c.mu.Unlock()

	conn.Close()
	failPending(pending, ErrConnectionLost)
	c.logger.Warn("connection lost; reconnecting", "error", cause)
	notifyState(listeners, Reconnecting)

	go c.reconnect(gen, life)
}

func (c *Connection) reconnect(gen uint64, life context.Context) {
	for attempt := 0; ; attempt++ {
		if limit := c.cfg.MaxReconnectAttempts; limit > 0 && attempt >= limit {
			c.logger.Warn("giving up reconnecting", "attempts", attempt)
			c.finish(gen, ErrReconnectExhausted)
			return
		}

		delay := ReconnectDelay(c.cfg.ReconnectDelays, attempt)
		select {
		case <-c.cfg.Clock.After(delay):
		case <-life.Done():
			return
		}

		conn, err := c.dial(life, life)

		c.mu.Lock()
		if c.generation != gen {
			c.mu.Unlock()
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err == nil {
			c.conn = conn
			c.state = Connected
			listeners := c.stateListenersLocked()
			connected := slices.Clone(c.onConnected)
			reconnected := slices.Clone(c.onReconnected)
			c.mu.Unlock()

			c.logger.Info("reconnected", "attempt", attempt)
			notifyState(listeners, Connected)
			go c.readLoop(gen, conn)
			runAll(connected)
			runAll(reconnected)
			return
		}
		c.mu.Unlock()

		if Classify(err) == Fatal {
			c.logger.Error("reconnect failed", "attempt", attempt, "error", err)
			c.cfg.Notifier.Notify(notice.Notice{
				Level:   notice.Error,
				Source:  c.cfg.Name,
				Message: fmt.Sprintf("lost connection to %s: %v", c.cfg.Name, err),
			})
			c.finish(gen, err)
			return
		}
		c.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
	}
}

func (c *Connection) finish(gen uint64, cause error) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	c.state = Disconnected
	listeners := c.stateListenersLocked()
	closed := append([]func(error){}, c.onClosed...)
	c.mu.Unlock()

	notifyState(listeners, Disconnected)
	for _, fn := range closed {
		fn(cause)
	}
}

// Invoke calls a hub method and waits for its completion. It fails with
// ErrNotConnected unless the connection is Connected, with a
// *RemoteInvocationError when the server reports an error, and with
// ErrConnectionLost or ErrStopped if the connection goes away first.
func (c *Connection) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	raw, err := marshalArguments(args)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.state != Connected || c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	id := uuid.NewString()
	call := pendingCall{method: method, done: make(chan callResult, 1)}
	c.pending[id] = call
	conn := c.conn
	c.mu.Unlock()

	f := Frame{Type: FrameInvoke, InvocationID: id, Target: method, Arguments: raw}
	if err := conn.Send(ctx, f); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	select {
	case res := <-call.done:
		return res.result, res.err
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Connection) forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// Stop closes the connection and cancels any start, retry or reconnect in
// progress. A start that resolves afterwards is discarded. Stop is safe to
// call repeatedly; the connection may be started again with Connect.
func (c *Connection) Stop() {
	c.mu.Lock()
	active := c.state != Disconnected || c.starting || c.conn != nil || c.retryTimer != nil
	if !active {
		c.mu.Unlock()
		return
	}
	c.generation++
	c.endLife()
	c.life, c.endLife = context.WithCancel(context.Background())
	conn := c.conn
	c.conn = nil
	timer := c.retryTimer
	c.retryTimer = nil
	pending := c.takePendingLocked()
	changed := c.state != Disconnected
	c.state = Disconnected
	c.starting = false
	listeners := c.stateListenersLocked()
	closed := append([]func(error){}, c.onClosed...)
	c.mu.Unlock()

	timer.Stop()
	if conn != nil {
		conn.Close()
	}
	failPending(pending, ErrStopped)
	c.logger.Info("stopped")

	if changed {
		notifyState(listeners, Disconnected)
	}
	for _, fn := range closed {
		fn(nil)
	}
}

func (c *Connection) takePendingLocked() map[string]pendingCall {
	pending := c.pending
	c.pending = make(map[string]pendingCall)
	return pending
}

func (c *Connection) stateListenersLocked() []func(State) {
	return append([]func(State){}, c.onState...)
}

func failPending(pending map[string]pendingCall, err error) {
	for _, call := range pending {
		call.done <- callResult{err: err}
	}
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

func notifyState(listeners []func(State), s State) {
	for _, fn := range listeners {
		fn(s)
	}
}
