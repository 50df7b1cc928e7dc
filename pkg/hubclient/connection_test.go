package hubclient_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/socialsync/internal/clock"
	"github.com/rmacdonaldsmith/socialsync/internal/logging"
	"github.com/rmacdonaldsmith/socialsync/internal/notice"
	"github.com/rmacdonaldsmith/socialsync/pkg/hubclient"
	"github.com/rmacdonaldsmith/socialsync/pkg/hubclient/hubclienttest"
)

type harness struct {
	conn      *hubclient.Connection
	transport *hubclienttest.MemoryTransport
	clock     *clock.FakeClock
	notices   *notice.Recorder
}

func newHarness(t *testing.T, mutate func(*hubclient.Config)) *harness {
	t.Helper()
	h := &harness{
		transport: hubclienttest.NewMemoryTransport(),
		clock:     clock.Fake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
		notices:   &notice.Recorder{},
	}
	cfg := hubclient.Config{
		Name:      "notifications",
		URL:       "http://hub.test/hubs/notifications",
		Transport: h.transport,
		Clock:     h.clock,
		Logger:    logging.Discard(),
		Notifier:  h.notices,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	conn, err := hubclient.NewConnection(cfg)
	require.NoError(t, err)
	h.conn = conn
	t.Cleanup(conn.Stop)
	return h
}

func waitForState(t *testing.T, conn *hubclient.Connection, want hubclient.State) {
	t.Helper()
	require.Eventually(t, func() bool { return conn.State() == want }, 2*time.Second, 5*time.Millisecond,
		"expected state %s, got %s", want, conn.State())
}

func TestNewConnection(t *testing.T) {
	t.Run("requires_url", func(t *testing.T) {
		_, err := hubclient.NewConnection(hubclient.Config{})
		assert.ErrorIs(t, err, hubclient.ErrEmptyURL)
	})

	t.Run("starts_disconnected", func(t *testing.T) {
		h := newHarness(t, nil)
		assert.Equal(t, hubclient.Disconnected, h.conn.State())
		assert.Equal(t, "notifications", h.conn.Name())
	})
}

func TestConfig_SetDefaults(t *testing.T) {
	t.Run("sets_default_values", func(t *testing.T) {
		cfg := hubclient.Config{URL: "http://x"}
		cfg.SetDefaults()

		assert.Equal(t, hubclient.DefaultReconnectDelays, cfg.ReconnectDelays)
		assert.Equal(t, 2*time.Second, cfg.TransientRetryDelay)
		assert.Equal(t, 0, cfg.MaxReconnectAttempts)
		assert.Equal(t, "websocket", cfg.Transport.Name())
		assert.NotNil(t, cfg.Credentials)
		assert.NotNil(t, cfg.Notifier)
	})

	t.Run("preserves_custom_values", func(t *testing.T) {
		cfg := hubclient.Config{
			URL:                 "http://x",
			Transport:           hubclient.SSE{},
			ReconnectDelays:     []time.Duration{time.Second},
			TransientRetryDelay: 5 * time.Second,
		}
		cfg.SetDefaults()

		assert.Equal(t, "sse", cfg.Transport.Name())
		assert.Equal(t, []time.Duration{time.Second}, cfg.ReconnectDelays)
		assert.Equal(t, 5*time.Second, cfg.TransientRetryDelay)
	})
}

func TestConnection_Connect(t *testing.T) {
	t.Run("connects_and_reports_states", func(t *testing.T) {
		h := newHarness(t, nil)
		var mu sync.Mutex
		var states []hubclient.State
		h.conn.OnStateChange(func(s hubclient.State) {
			mu.Lock()
			defer mu.Unlock()
			states = append(states, s)
		})

		require.NoError(t, h.conn.Connect(context.Background()))
		assert.Equal(t, hubclient.Connected, h.conn.State())

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []hubclient.State{hubclient.Connecting, hubclient.Connected}, states)
	})

	t.Run("second_connect_is_noop", func(t *testing.T) {
		h := newHarness(t, nil)
		require.NoError(t, h.conn.Connect(context.Background()))
		require.NoError(t, h.conn.Connect(context.Background()))
		assert.Equal(t, 1, h.transport.DialCount())
	})

	t.Run("applies_credentials", func(t *testing.T) {
		h := newHarness(t, func(cfg *hubclient.Config) {
			cfg.Credentials = hubclient.StaticToken("secret")
		})
		require.NoError(t, h.conn.Connect(context.Background()))
		assert.Equal(t, "Bearer secret", h.transport.Headers(0).Get("Authorization"))
	})

	t.Run("fatal_failure_is_surfaced_once_and_not_retried", func(t *testing.T) {
		h := newHarness(t, nil)
		h.transport.FailNext(&hubclient.HandshakeError{StatusCode: http.StatusUnauthorized})

		err := h.conn.Connect(context.Background())
		require.Error(t, err)
		assert.Equal(t, hubclient.Fatal, hubclient.Classify(err))
		assert.Equal(t, hubclient.Disconnected, h.conn.State())

		notices := h.notices.Notices()
		require.Len(t, notices, 1)
		assert.Equal(t, notice.Error, notices[0].Level)
		assert.Equal(t, "notifications", notices[0].Source)
		assert.Equal(t, 0, h.clock.PendingCount())
	})

	t.Run("rejected_token_is_fetched_again", func(t *testing.T) {
		var issued []string
		tokens := &hubclient.JWTTokenSource{
			Fetch: func(context.Context) (string, error) {
				token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
					Subject:   fmt.Sprintf("user-%d", len(issued)+1),
					ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
				})
				signed, err := token.SignedString([]byte("test-secret"))
				issued = append(issued, signed)
				return signed, err
			},
		}
		h := newHarness(t, func(cfg *hubclient.Config) { cfg.Credentials = tokens })
		h.transport.FailNext(&hubclient.HandshakeError{StatusCode: http.StatusUnauthorized})

		require.Error(t, h.conn.Connect(context.Background()))
		require.NoError(t, h.conn.Connect(context.Background()))

		require.Len(t, issued, 2)
		assert.Equal(t, "Bearer "+issued[0], h.transport.Headers(0).Get("Authorization"))
		assert.Equal(t, "Bearer "+issued[1], h.transport.Headers(1).Get("Authorization"))
	})

	t.Run("transient_failure_is_logged_and_retried_after_fixed_delay", func(t *testing.T) {
		h := newHarness(t, nil)
		h.transport.FailNext(hubclienttest.ErrDialRefused)

		err := h.conn.Connect(context.Background())
		require.Error(t, err)
		assert.Equal(t, hubclient.Transient, hubclient.Classify(err))
		assert.Empty(t, h.notices.Notices())
		assert.Equal(t, 1, h.clock.PendingCount())

		h.clock.Advance(1999 * time.Millisecond)
		assert.Equal(t, 1, h.transport.DialCount())

		h.clock.Advance(time.Millisecond)
		assert.Equal(t, 2, h.transport.DialCount())
		assert.Equal(t, hubclient.Connected, h.conn.State())
	})

	t.Run("stop_cancels_pending_transient_retry", func(t *testing.T) {
		h := newHarness(t, nil)
		h.transport.FailNext(hubclienttest.ErrDialRefused)
		require.Error(t, h.conn.Connect(context.Background()))

		h.conn.Stop()
		h.clock.Advance(5 * time.Second)
		assert.Equal(t, 1, h.transport.DialCount())
		assert.Equal(t, hubclient.Disconnected, h.conn.State())
	})
}

// gatedTransport blocks in Dial until released, ignoring cancellation, so
// tests can resolve a connect after Stop.
type gatedTransport struct {
	inner   *hubclienttest.MemoryTransport
	entered chan struct{}
	release chan struct{}
}

func (g *gatedTransport) Name() string { return "gated" }

func (g *gatedTransport) Dial(_ context.Context, endpoint string, header http.Header) (hubclient.Conn, error) {
	close(g.entered)
	<-g.release
	return g.inner.Dial(context.Background(), endpoint, header)
}

func TestConnection_StopDuringConnect(t *testing.T) {
	t.Run("connect_resolving_after_stop_does_not_revive", func(t *testing.T) {
		gated := &gatedTransport{
			inner:   hubclienttest.NewMemoryTransport(),
			entered: make(chan struct{}),
			release: make(chan struct{}),
		}
		conn, err := hubclient.NewConnection(hubclient.Config{
			URL:       "http://hub.test/hubs/notifications",
			Transport: gated,
			Logger:    logging.Discard(),
		})
		require.NoError(t, err)

		result := make(chan error, 1)
		go func() { result <- conn.Connect(context.Background()) }()

		<-gated.entered
		assert.Equal(t, hubclient.Connecting, conn.State())
		conn.Stop()
		close(gated.release)

		select {
		case err := <-result:
			assert.ErrorIs(t, err, hubclient.ErrStopped)
		case <-time.After(2 * time.Second):
			t.Fatal("connect did not return")
		}
		assert.Equal(t, hubclient.Disconnected, conn.State())
		require.NotNil(t, gated.inner.Last())
		assert.True(t, gated.inner.Last().Closed())
	})
}

func TestConnection_Events(t *testing.T) {
	t.Run("handlers_run_in_arrival_order", func(t *testing.T) {
		h := newHarness(t, nil)
		received := make(chan int, 10)
		h.conn.On("Tick", func(args hubclient.Arguments) {
			var n int
			require.NoError(t, args.Decode(0, &n))
			received <- n
		})
		require.NoError(t, h.conn.Connect(context.Background()))

		server := h.transport.Last()
		for i := 1; i <= 5; i++ {
			require.NoError(t, server.Emit("Tick", i))
		}
		for i := 1; i <= 5; i++ {
			select {
			case n := <-received:
				assert.Equal(t, i, n)
			case <-time.After(2 * time.Second):
				t.Fatalf("event %d not delivered", i)
			}
		}
	})

	t.Run("panicking_handler_does_not_stop_delivery", func(t *testing.T) {
		h := newHarness(t, nil)
		delivered := make(chan string, 2)
		h.conn.On("Boom", func(hubclient.Arguments) { panic("handler bug") })
		h.conn.On("After", func(hubclient.Arguments) { delivered <- "after" })
		require.NoError(t, h.conn.Connect(context.Background()))

		server := h.transport.Last()
		require.NoError(t, server.Emit("Boom"))
		require.NoError(t, server.Emit("After"))

		select {
		case v := <-delivered:
			assert.Equal(t, "after", v)
		case <-time.After(2 * time.Second):
			t.Fatal("event after panic not delivered")
		}
		assert.Equal(t, hubclient.Connected, h.conn.State())
	})

	t.Run("unknown_events_are_ignored", func(t *testing.T) {
		h := newHarness(t, nil)
		got := make(chan struct{}, 1)
		h.conn.On("Known", func(hubclient.Arguments) { got <- struct{}{} })
		require.NoError(t, h.conn.Connect(context.Background()))

		server := h.transport.Last()
		require.NoError(t, server.Emit("Unknown", "x"))
		require.NoError(t, server.Emit("Known"))

		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatal("known event not delivered")
		}
	})
}

func TestConnection_Invoke(t *testing.T) {
	t.Run("returns_result", func(t *testing.T) {
		h := newHarness(t, nil)
		h.transport.OnInvoke = func(method string, args hubclient.Arguments) (any, string) {
			var id string
			_ = args.Decode(0, &id)
			return map[string]string{"method": method, "id": id}, ""
		}
		require.NoError(t, h.conn.Connect(context.Background()))

		raw, err := h.conn.Invoke(context.Background(), "AcceptFriendRequest", "req-1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"method":"AcceptFriendRequest","id":"req-1"}`, string(raw))
	})

	t.Run("remote_error", func(t *testing.T) {
		h := newHarness(t, nil)
		h.transport.OnInvoke = func(string, hubclient.Arguments) (any, string) {
			return nil, "request not found"
		}
		require.NoError(t, h.conn.Connect(context.Background()))

		_, err := h.conn.Invoke(context.Background(), "RejectFriendRequest", "req-1")
		var remote *hubclient.RemoteInvocationError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, "RejectFriendRequest", remote.Method)
		assert.Equal(t, "request not found", remote.Message)
	})

	t.Run("not_connected", func(t *testing.T) {
		h := newHarness(t, nil)
		_, err := h.conn.Invoke(context.Background(), "JoinGroup", "g1")
		assert.ErrorIs(t, err, hubclient.ErrNotConnected)
	})

	t.Run("pending_invocation_fails_on_drop", func(t *testing.T) {
		h := newHarness(t, func(cfg *hubclient.Config) {
			cfg.ReconnectDelays = []time.Duration{time.Hour}
		})
		require.NoError(t, h.conn.Connect(context.Background()))
		server := h.transport.Last()

		result := make(chan error, 1)
		go func() {
			_, err := h.conn.Invoke(context.Background(), "JoinGroup", "g1")
			result <- err
		}()

		select {
		case f := <-server.Invocations():
			assert.Equal(t, "JoinGroup", f.Target)
			assert.NotEmpty(t, f.InvocationID)
		case <-time.After(2 * time.Second):
			t.Fatal("invocation not sent")
		}
		server.Drop()

		select {
		case err := <-result:
			assert.ErrorIs(t, err, hubclient.ErrConnectionLost)
		case <-time.After(2 * time.Second):
			t.Fatal("invoke did not fail")
		}
	})

	t.Run("context_cancellation", func(t *testing.T) {
		h := newHarness(t, nil)
		require.NoError(t, h.conn.Connect(context.Background()))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := h.conn.Invoke(ctx, "JoinGroup", "g1")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestConnection_Reconnect(t *testing.T) {
	t.Run("reconnects_immediately_on_first_attempt", func(t *testing.T) {
		tokens := 0
		h := newHarness(t, func(cfg *hubclient.Config) {
			cfg.Credentials = hubclient.BearerToken(func(context.Context) (string, error) {
				tokens++
				return fmt.Sprintf("token-%d", tokens), nil
			})
		})
		reconnected := make(chan struct{}, 1)
		h.conn.OnReconnected(func() { reconnected <- struct{}{} })
		require.NoError(t, h.conn.Connect(context.Background()))

		h.transport.Last().Drop()

		select {
		case <-reconnected:
		case <-time.After(2 * time.Second):
			t.Fatal("did not reconnect")
		}
		assert.Equal(t, hubclient.Connected, h.conn.State())
		assert.Equal(t, 2, h.transport.DialCount())
		assert.Equal(t, "Bearer token-2", h.transport.Headers(1).Get("Authorization"))
	})

	t.Run("follows_attempt_indexed_schedule", func(t *testing.T) {
		h := newHarness(t, nil)
		require.NoError(t, h.conn.Connect(context.Background()))
		h.transport.FailNext(hubclienttest.ErrDialRefused, hubclienttest.ErrDialRefused)

		h.transport.Last().Drop()
		waitForState(t, h.conn, hubclient.Reconnecting)

		// attempt 0 is immediate and fails; attempt 1 waits 2s
		h.clock.WaitForTimers(1)
		assert.Equal(t, 2, h.transport.DialCount())

		h.clock.Advance(2 * time.Second)
		// attempt 1 fails; attempt 2 waits 10s
		require.Eventually(t, func() bool { return h.transport.DialCount() == 3 }, 2*time.Second, 5*time.Millisecond)
		h.clock.WaitForTimers(1)

		h.clock.Advance(9 * time.Second)
		assert.Equal(t, 3, h.transport.DialCount())
		h.clock.Advance(time.Second)

		waitForState(t, h.conn, hubclient.Connected)
		assert.Equal(t, 4, h.transport.DialCount())
	})

	t.Run("exhausted_attempts_end_disconnected", func(t *testing.T) {
		h := newHarness(t, func(cfg *hubclient.Config) {
			cfg.MaxReconnectAttempts = 2
		})
		closed := make(chan error, 1)
		h.conn.OnClosed(func(err error) { closed <- err })
		require.NoError(t, h.conn.Connect(context.Background()))
		h.transport.FailNext(hubclienttest.ErrDialRefused, hubclienttest.ErrDialRefused)

		h.transport.Last().Drop()
		h.clock.WaitForTimers(1)
		h.clock.Advance(2 * time.Second)

		select {
		case err := <-closed:
			assert.ErrorIs(t, err, hubclient.ErrReconnectExhausted)
		case <-time.After(2 * time.Second):
			t.Fatal("connection did not close")
		}
		assert.Equal(t, hubclient.Disconnected, h.conn.State())
		assert.Equal(t, 3, h.transport.DialCount())
	})

	t.Run("fatal_reconnect_error_stops_and_notifies", func(t *testing.T) {
		h := newHarness(t, nil)
		closed := make(chan error, 1)
		h.conn.OnClosed(func(err error) { closed <- err })
		require.NoError(t, h.conn.Connect(context.Background()))
		h.transport.FailNext(&hubclient.HandshakeError{StatusCode: http.StatusForbidden})

		h.transport.Last().Drop()

		select {
		case err := <-closed:
			var handshake *hubclient.HandshakeError
			assert.ErrorAs(t, err, &handshake)
		case <-time.After(2 * time.Second):
			t.Fatal("connection did not close")
		}
		assert.Equal(t, hubclient.Disconnected, h.conn.State())
		require.Len(t, h.notices.Notices(), 1)
	})

	t.Run("server_close_frame_triggers_reconnect", func(t *testing.T) {
		h := newHarness(t, nil)
		reconnected := make(chan struct{}, 1)
		h.conn.OnReconnected(func() { reconnected <- struct{}{} })
		require.NoError(t, h.conn.Connect(context.Background()))

		require.NoError(t, h.transport.Last().Send(hubclient.Frame{Type: hubclient.FrameClose, Error: "restarting"}))

		select {
		case <-reconnected:
		case <-time.After(2 * time.Second):
			t.Fatal("did not reconnect")
		}
	})

	t.Run("stop_during_reconnect_wait", func(t *testing.T) {
		h := newHarness(t, func(cfg *hubclient.Config) {
			cfg.ReconnectDelays = []time.Duration{time.Minute}
		})
		require.NoError(t, h.conn.Connect(context.Background()))
		h.transport.Last().Drop()
		waitForState(t, h.conn, hubclient.Reconnecting)
		h.clock.WaitForTimers(1)

		h.conn.Stop()
		h.clock.Advance(time.Minute)

		assert.Equal(t, hubclient.Disconnected, h.conn.State())
		assert.Never(t, func() bool { return h.transport.DialCount() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	})
}

func TestConnection_Stop(t *testing.T) {
	t.Run("closes_stream_and_fires_on_closed_once", func(t *testing.T) {
		h := newHarness(t, nil)
		var closes []error
		h.conn.OnClosed(func(err error) { closes = append(closes, err) })
		require.NoError(t, h.conn.Connect(context.Background()))
		server := h.transport.Last()

		h.conn.Stop()
		h.conn.Stop()

		assert.True(t, server.Closed())
		assert.Equal(t, hubclient.Disconnected, h.conn.State())
		assert.Equal(t, []error{nil}, closes)
	})

	t.Run("pending_invocations_fail_with_stopped", func(t *testing.T) {
		h := newHarness(t, nil)
		require.NoError(t, h.conn.Connect(context.Background()))
		server := h.transport.Last()

		result := make(chan error, 1)
		go func() {
			_, err := h.conn.Invoke(context.Background(), "JoinGroup", "g1")
			result <- err
		}()
		<-server.Invocations()
		h.conn.Stop()

		select {
		case err := <-result:
			assert.ErrorIs(t, err, hubclient.ErrStopped)
		case <-time.After(2 * time.Second):
			t.Fatal("invoke did not fail")
		}
	})

	t.Run("can_connect_again_after_stop", func(t *testing.T) {
		h := newHarness(t, nil)
		require.NoError(t, h.conn.Connect(context.Background()))
		h.conn.Stop()
		require.NoError(t, h.conn.Connect(context.Background()))
		assert.Equal(t, hubclient.Connected, h.conn.State())
		assert.Equal(t, 2, h.transport.DialCount())
	})
}

func TestMemoryTransport_DropDeliversQueuedFrames(t *testing.T) {
	transport := hubclienttest.NewMemoryTransport()
	conn, err := transport.Dial(context.Background(), "", http.Header{})
	require.NoError(t, err)

	server := transport.Last()
	require.NoError(t, server.Emit("Last"))
	server.Drop()

	f, err := conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, "Last", f.Target)

	_, err = conn.Receive()
	assert.True(t, errors.Is(err, io.EOF))
}

func TestConnection_OnConnected(t *testing.T) {
	t.Run("fires_on_connect_retry_and_reconnect", func(t *testing.T) {
		h := newHarness(t, nil)
		connected := make(chan struct{}, 4)
		h.conn.OnConnected(func() { connected <- struct{}{} })

		h.transport.FailNext(hubclienttest.ErrDialRefused)
		require.Error(t, h.conn.Connect(context.Background()))
		assert.Len(t, connected, 0)

		h.clock.Advance(2 * time.Second)
		assert.Len(t, connected, 1)

		h.transport.Last().Drop()
		require.Eventually(t, func() bool { return len(connected) == 2 }, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("callback_may_invoke", func(t *testing.T) {
		h := newHarness(t, nil)
		h.transport.OnInvoke = func(string, hubclient.Arguments) (any, string) { return "joined", "" }

		result := make(chan string, 1)
		h.conn.OnConnected(func() {
			raw, err := h.conn.Invoke(context.Background(), "JoinGroup", "g1")
			if err == nil {
				result <- string(raw)
			}
		})
		require.NoError(t, h.conn.Connect(context.Background()))

		select {
		case got := <-result:
			assert.Equal(t, `"joined"`, got)
		case <-time.After(2 * time.Second):
			t.Fatal("callback invoke did not complete")
		}
	})
}
