package hubclienttest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rmacdonaldsmith/socialsync/pkg/hubclient"
)

// Call is one recorded invocation.
type Call struct {
	Method string
	Args   hubclient.Arguments
}

// FakeChannel is an in-process hubclient.Channel. Emit runs handlers on the
// calling goroutine, the way a Connection runs them on its read goroutine.
type FakeChannel struct {
	// BeforeReturn, when set, runs inside Invoke after the call is recorded
	// and before it returns.
	BeforeReturn func(Call)

	mu          sync.Mutex
	state       hubclient.State
	connectErr  error
	handlers    map[string][]hubclient.Handler
	results     map[string]json.RawMessage
	failures    map[string]error
	calls       []Call
	connects    int
	stops       int
	onConnected []func()
}

var _ hubclient.Channel = (*FakeChannel)(nil)

// NewFakeChannel returns a disconnected fake.
func NewFakeChannel() *FakeChannel {
	return &FakeChannel{
		handlers: make(map[string][]hubclient.Handler),
		results:  make(map[string]json.RawMessage),
		failures: make(map[string]error),
	}
}

// NewConnectedFakeChannel returns a fake already in the Connected state.
func NewConnectedFakeChannel() *FakeChannel {
	f := NewFakeChannel()
	f.state = hubclient.Connected
	return f
}

func (f *FakeChannel) On(event string, h hubclient.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], h)
}

// Connect marks the fake Connected and runs OnConnected callbacks, unless
// FailConnect set an error.
func (f *FakeChannel) Connect(context.Context) error {
	f.mu.Lock()
	f.connects++
	if f.connectErr != nil {
		err := f.connectErr
		f.mu.Unlock()
		return err
	}
	f.state = hubclient.Connected
	fns := append([]func(){}, f.onConnected...)
	f.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return nil
}

func (f *FakeChannel) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.state = hubclient.Disconnected
}

func (f *FakeChannel) State() hubclient.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *FakeChannel) OnConnected(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConnected = append(f.onConnected, fn)
}

func (f *FakeChannel) Invoke(_ context.Context, method string, args ...any) (json.RawMessage, error) {
	f.mu.Lock()
	if f.state != hubclient.Connected {
		f.mu.Unlock()
		return nil, hubclient.ErrNotConnected
	}
	call := Call{Method: method}
	for _, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			f.mu.Unlock()
			return nil, err
		}
		call.Args = append(call.Args, raw)
	}
	f.calls = append(f.calls, call)
	result, err := f.results[method], f.failures[method]
	hook := f.BeforeReturn
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Emit marshals args and runs the handlers registered for event.
func (f *FakeChannel) Emit(event string, args ...any) {
	frame, err := hubclient.EventFrame(event, args...)
	if err != nil {
		panic(err)
	}
	f.EmitRaw(event, frame.Arguments...)
}

// EmitRaw runs the handlers for event with pre-encoded arguments.
func (f *FakeChannel) EmitRaw(event string, args ...json.RawMessage) {
	f.mu.Lock()
	handlers := append([]hubclient.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(hubclient.Arguments(args))
	}
}

// SetState forces the reported state.
func (f *FakeChannel) SetState(s hubclient.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

// FailConnect makes Connect return err.
func (f *FakeChannel) FailConnect(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

// SetResult makes invocations of method return result.
func (f *FakeChannel) SetResult(method string, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[method] = raw
}

// FailMethod makes invocations of method return err.
func (f *FakeChannel) FailMethod(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = err
}

// Calls returns every recorded invocation.
func (f *FakeChannel) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsTo returns recorded invocations of method.
func (f *FakeChannel) CallsTo(method string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Connects returns how many times Connect was called.
func (f *FakeChannel) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// Stops returns how many times Stop was called.
func (f *FakeChannel) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

// SimulateReconnect marks the fake Connected and runs OnConnected callbacks,
// as a Connection does after recovering from a drop.
func (f *FakeChannel) SimulateReconnect() {
	f.mu.Lock()
	f.state = hubclient.Connected
	fns := append([]func(){}, f.onConnected...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// HandlerCount returns how many handlers are registered for event.
func (f *FakeChannel) HandlerCount(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[event])
}
