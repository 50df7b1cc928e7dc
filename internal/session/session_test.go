package session

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/socialsync/internal/devhub"
	"github.com/rmacdonaldsmith/socialsync/internal/logging"
	"github.com/rmacdonaldsmith/socialsync/internal/notice"
	"github.com/rmacdonaldsmith/socialsync/pkg/eventbus"
	"github.com/rmacdonaldsmith/socialsync/pkg/hubclient"
	"github.com/rmacdonaldsmith/socialsync/pkg/social"
)

const waitFor = 5 * time.Second

func newDevHub(t *testing.T, lag time.Duration) (*devhub.Server, string) {
	t.Helper()
	hub, err := devhub.NewServer(devhub.Config{WriteLag: lag, Logger: logging.Discard()})
	require.NoError(t, err)
	ts := httptest.NewServer(hub.Handler())
	t.Cleanup(func() {
		ts.Close()
		hub.Close()
	})

	require.NoError(t, hub.World().CreateGroup(devhub.CreateGroupRequest{
		ID:      "g1",
		Name:    "Lunch",
		AdminID: "bob",
		Members: []devhub.Member{{UserID: "alice", DisplayName: "Alice"}},
	}))
	return hub, ts.URL
}

func devPost(t *testing.T, base, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(base+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func testConfig(server string) Config {
	return Config{
		Server:      server,
		UserID:      "alice",
		DisplayName: "Alice",
		Voting: Voting{
			DebounceWindow:  100 * time.Millisecond,
			DiscoveryDelays: []time.Duration{50 * time.Millisecond, 150 * time.Millisecond, 400 * time.Millisecond},
		},
		InvokeTimeout: 5 * time.Second,
	}
}

func startSession(t *testing.T, cfg Config, opts Options) *Session {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	s, err := New(cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Start(context.Background()))
	return s
}

func TestNew(t *testing.T) {
	t.Run("invalid_config", func(t *testing.T) {
		_, err := New(Config{}, Options{Logger: logging.Discard()})
		assert.ErrorIs(t, err, ErrServerRequired)
	})

	t.Run("does_not_connect", func(t *testing.T) {
		s, err := New(testConfig("http://127.0.0.1:1"), Options{Logger: logging.Discard()})
		require.NoError(t, err)
		defer s.Close()

		states := s.Connections()
		assert.Equal(t, hubclient.Disconnected, states["notifications"])
		assert.Equal(t, hubclient.Disconnected, states["friend-requests"])
	})
}

func TestSession_NotificationFeed(t *testing.T) {
	for _, transport := range []string{"websocket", "sse"} {
		t.Run(transport, func(t *testing.T) {
			hub, base := newDevHub(t, 0)
			_, err := hub.World().AddNotice("alice", devhub.NoticeRequest{Title: "Welcome"})
			require.NoError(t, err)
			fr, err := hub.World().AddFriendRequest("alice", devhub.FriendRequestRequest{FromUserID: "carol", FromDisplayName: "Carol"})
			require.NoError(t, err)

			cfg := testConfig(base)
			cfg.Transport = transport
			s := startSession(t, cfg, Options{})
			ctx := context.Background()

			require.Eventually(t, func() bool { return len(s.Feed().Notifications()) == 2 }, waitFor, 10*time.Millisecond)
			assert.Equal(t, 2, s.Feed().UnreadCount())

			refreshed := make(chan eventbus.FriendsRefresh, 1)
			eventbus.On(s.Bus(), func(e eventbus.FriendsRefresh) { refreshed <- e })

			id := social.NotificationID(social.KindFriendRequest, fr.ID)
			require.NoError(t, s.Feed().Accept(ctx, id))
			select {
			case <-refreshed:
			case <-time.After(waitFor):
				t.Fatal("friends refresh was not published")
			}
			require.Eventually(t, func() bool { return len(s.Feed().Notifications()) == 1 }, waitFor, 10*time.Millisecond)
			assert.Equal(t, []string{"carol"}, hub.World().Friends("alice"))

			resp := devPost(t, base, "/dev/users/alice/notices", devhub.NoticeRequest{Title: "Lunch at noon"})
			require.Equal(t, http.StatusCreated, resp.StatusCode)
			require.Eventually(t, func() bool { return len(s.Feed().Notifications()) == 2 }, waitFor, 10*time.Millisecond)
		})
	}
}

func TestSession_CookieCredentials(t *testing.T) {
	_, base := newDevHub(t, 0)
	cfg := testConfig(base)
	cfg.Credentials = CredentialsCookie
	cfg.Transport = "sse"

	s := startSession(t, cfg, Options{})
	require.Eventually(t, func() bool {
		states := s.Connections()
		return states["notifications"] == hubclient.Connected && states["friend-requests"] == hubclient.Connected
	}, waitFor, 10*time.Millisecond)
}

func TestSession_OpenGroup(t *testing.T) {
	hub, base := newDevHub(t, 0)
	s := startSession(t, testConfig(base), Options{})
	ctx := context.Background()

	g, err := s.OpenGroup(ctx, "g1")
	require.NoError(t, err)

	again, err := s.OpenGroup(ctx, "g1")
	require.NoError(t, err)
	assert.Same(t, g, again)

	t.Run("chat", func(t *testing.T) {
		require.NoError(t, g.Chat.SendMessage(ctx, "g1", "hello"))
		require.Eventually(t, func() bool {
			msgs := g.Chat.Messages()
			return len(msgs) == 1 && msgs[0].Text == "hello"
		}, waitFor, 10*time.Millisecond)
		require.Eventually(t, func() bool { return len(g.Chat.Roster()) == 1 }, waitFor, 10*time.Millisecond)
	})

	t.Run("connections_listed", func(t *testing.T) {
		states := s.Connections()
		assert.Contains(t, states, "group-chat/g1")
		assert.Contains(t, states, "group-voting/g1")
	})

	t.Run("not_a_member", func(t *testing.T) {
		require.NoError(t, hub.World().CreateGroup(devhub.CreateGroupRequest{ID: "g2", AdminID: "bob"}))
		_, err := s.OpenGroup(ctx, "g2")
		assert.Error(t, err)
		_, ok := s.Group("g2")
		assert.False(t, ok)
	})

	t.Run("close_group", func(t *testing.T) {
		require.NoError(t, s.CloseGroup("g1"))
		assert.ErrorIs(t, s.CloseGroup("g1"), ErrGroupNotFound)
	})
}

func TestSession_Kicked(t *testing.T) {
	_, base := newDevHub(t, 0)
	s := startSession(t, testConfig(base), Options{})
	ctx := context.Background()

	kicked := make(chan eventbus.GroupKicked, 1)
	eventbus.On(s.Bus(), func(e eventbus.GroupKicked) { kicked <- e })

	g, err := s.OpenGroup(ctx, "g1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return g.votes.State() == hubclient.Connected
	}, waitFor, 10*time.Millisecond)

	resp := devPost(t, base, "/dev/groups/g1/members/remove", devhub.RemoveMemberRequest{UserID: "alice", RemovedBy: "bob", Kick: true})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	select {
	case e := <-kicked:
		assert.Equal(t, "g1", e.GroupID)
	case <-time.After(waitFor):
		t.Fatal("kick was not published")
	}

	t.Run("group_closed", func(t *testing.T) {
		require.Eventually(t, func() bool {
			_, ok := s.Group("g1")
			return !ok
		}, waitFor, 10*time.Millisecond)
		assert.Equal(t, hubclient.Disconnected, g.votes.State())
		assert.Equal(t, hubclient.Disconnected, g.chat.State())
		assert.NotContains(t, s.Connections(), "group-voting/g1")
	})

	t.Run("reopen_after_readd", func(t *testing.T) {
		resp := devPost(t, base, "/dev/groups/g1/members", devhub.Member{UserID: "alice", DisplayName: "Alice"})
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		again, err := s.OpenGroup(ctx, "g1")
		require.NoError(t, err)
		assert.NotSame(t, g, again)
		assert.NoError(t, again.Chat.SendMessage(ctx, "g1", "back again"))
	})
}

func TestSession_VotingDiscoveryUnderLag(t *testing.T) {
	_, base := newDevHub(t, 250*time.Millisecond)
	s := startSession(t, testConfig(base), Options{})
	ctx := context.Background()

	updates := make(chan eventbus.VotingUpdated, 16)
	eventbus.On(s.Bus(), func(e eventbus.VotingUpdated) { updates <- e })

	g, err := s.OpenGroup(ctx, "g1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return s.Connections()["group-voting/g1"] == hubclient.Connected
	}, waitFor, 10*time.Millisecond)

	resp := devPost(t, base, "/dev/groups/g1/voting/start", devhub.StartVotingRequest{})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var session social.VotingSession
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&session))

	// The first read precedes the lagged write; a later attempt finds it.
	require.Eventually(t, func() bool {
		state, ok := g.Voting.State("g1")
		return ok && state.Session != nil && state.Session.ID == session.ID
	}, waitFor, 10*time.Millisecond)

	select {
	case ev := <-updates:
		assert.Equal(t, "g1", ev.GroupID)
	case <-time.After(waitFor):
		t.Fatal("voting update was not published")
	}

	devPost(t, base, "/dev/voting/"+session.ID+"/votes", map[string]string{"userId": "alice", "restaurantId": "r1"})
	require.Eventually(t, func() bool {
		state, _ := g.Voting.State("g1")
		return state.Results != nil && state.Results.TotalVotes == 1
	}, waitFor, 10*time.Millisecond)
}

func TestSession_Close(t *testing.T) {
	_, base := newDevHub(t, 0)
	rec := &notice.Recorder{}
	s := startSession(t, testConfig(base), Options{Notifier: rec})
	ctx := context.Background()

	_, err := s.OpenGroup(ctx, "g1")
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.OpenGroup(ctx, "g1")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Start(ctx), ErrClosed)
	for name, state := range s.Connections() {
		assert.Equal(t, hubclient.Disconnected, state, name)
	}
	assert.Empty(t, rec.Notices())
}
