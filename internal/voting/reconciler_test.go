package voting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/socialsync/internal/clock"
	"github.com/rmacdonaldsmith/socialsync/internal/logging"
	"github.com/rmacdonaldsmith/socialsync/pkg/eventbus"
	"github.com/rmacdonaldsmith/socialsync/pkg/hubclient"
	"github.com/rmacdonaldsmith/socialsync/pkg/hubclient/hubclienttest"
	"github.com/rmacdonaldsmith/socialsync/pkg/social"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type sessionReply struct {
	session social.VotingSession
	found   bool
	err     error
}

// readModel replays scripted discovery replies; once the script runs out it
// keeps returning the last reply.
type readModel struct {
	clock *clock.FakeClock

	mu            sync.Mutex
	sessions      []sessionReply
	results       social.VotingResults
	resultsErr    error
	discoveryAt   []time.Duration
	resultsFor    []string
	onResultsRead func()
}

func (m *readModel) ActiveVotingSession(_ context.Context, groupID string) (social.VotingSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discoveryAt = append(m.discoveryAt, m.clock.Now().Sub(epoch))
	if len(m.sessions) == 0 {
		return social.VotingSession{}, false, nil
	}
	reply := m.sessions[0]
	if len(m.sessions) > 1 {
		m.sessions = m.sessions[1:]
	}
	return reply.session, reply.found, reply.err
}

func (m *readModel) VotingResults(_ context.Context, sessionID string) (social.VotingResults, error) {
	m.mu.Lock()
	m.resultsFor = append(m.resultsFor, sessionID)
	hook := m.onResultsRead
	res, err := m.results, m.resultsErr
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	res.SessionID = sessionID
	return res, err
}

func (m *readModel) script(replies ...sessionReply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = replies
}

func (m *readModel) discoveryCalls() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.discoveryAt...)
}

func (m *readModel) resultsCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.resultsFor...)
}

type fixture struct {
	rec     *Reconciler
	hub     *hubclienttest.FakeChannel
	bus     *eventbus.Bus
	clock   *clock.FakeClock
	model   *readModel
	updates []eventbus.VotingUpdated
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.Fake(epoch)
	f := &fixture{
		hub:   hubclienttest.NewFakeChannel(),
		bus:   eventbus.New(),
		clock: clk,
		model: &readModel{clock: clk},
	}
	eventbus.On(f.bus, func(e eventbus.VotingUpdated) { f.updates = append(f.updates, e) })

	rec, err := New(Config{
		Channel:   f.hub,
		Bus:       f.bus,
		ReadModel: f.model,
		Clock:     clk,
		Logger:    logging.Discard(),
	})
	require.NoError(t, err)
	f.rec = rec
	require.NoError(t, rec.Subscribe(context.Background(), "g1"))
	return f
}

func (f *fixture) emit(kind social.VotingEventKind, sessionID string) {
	f.hub.Emit(kind.EventName(), social.VotingEvent{VotingSessionID: sessionID, GroupID: "g1"})
}

func activeSession(id string) sessionReply {
	return sessionReply{session: social.VotingSession{ID: id, GroupID: "g1", Status: social.VotingStatusActive}, found: true}
}

func TestNew(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrChannelRequired)

	_, err = New(Config{Channel: hubclienttest.NewFakeChannel()})
	assert.ErrorIs(t, err, ErrBusRequired)

	_, err = New(Config{Channel: hubclienttest.NewFakeChannel(), Bus: eventbus.New()})
	assert.ErrorIs(t, err, ErrReadModelRequired)
}

func TestReconciler_Subscribe(t *testing.T) {
	t.Run("registers_every_voting_event", func(t *testing.T) {
		f := newFixture(t)
		for _, kind := range social.VotingEventKinds() {
			assert.Equal(t, 1, f.hub.HandlerCount(kind.EventName()), kind.EventName())
		}
		assert.Equal(t, 1, f.hub.Connects())
	})

	t.Run("requires_group_id", func(t *testing.T) {
		f := newFixture(t)
		assert.ErrorIs(t, f.rec.Subscribe(context.Background(), ""), ErrGroupIDRequired)
	})

	t.Run("fatal_connect_error_is_returned", func(t *testing.T) {
		hub := hubclienttest.NewFakeChannel()
		hub.FailConnect(&hubclient.HandshakeError{StatusCode: 401})
		rec, err := New(Config{Channel: hub, Bus: eventbus.New(), ReadModel: &readModel{}, Logger: logging.Discard()})
		require.NoError(t, err)

		err = rec.Subscribe(context.Background(), "g1")
		var handshake *hubclient.HandshakeError
		require.ErrorAs(t, err, &handshake)
		assert.Equal(t, 401, handshake.StatusCode)
	})

	t.Run("state_starts_idle_and_empty", func(t *testing.T) {
		f := newFixture(t)
		state, ok := f.rec.State("g1")
		require.True(t, ok)
		assert.Equal(t, Idle, state.Phase)
		assert.Nil(t, state.Session)
		assert.Nil(t, state.Results)

		_, ok = f.rec.State("g2")
		assert.False(t, ok)
	})
}

func TestReconciler_Debounce(t *testing.T) {
	t.Run("same_kind_inside_window_fetches_once", func(t *testing.T) {
		f := newFixture(t)

		f.emit(social.VotingVoteCast, "s1")
		f.clock.Advance(300 * time.Millisecond)
		f.emit(social.VotingVoteCast, "s1")

		assert.Equal(t, []string{"s1"}, f.model.resultsCalls())
		assert.Len(t, f.updates, 1)
	})

	t.Run("same_kind_after_window_fetches_again", func(t *testing.T) {
		f := newFixture(t)

		f.emit(social.VotingVoteCast, "s1")
		f.clock.Advance(500 * time.Millisecond)
		f.emit(social.VotingVoteCast, "s1")

		assert.Len(t, f.model.resultsCalls(), 2)
	})

	t.Run("window_is_measured_from_the_last_applied_event", func(t *testing.T) {
		f := newFixture(t)

		f.emit(social.VotingVoteCast, "s1")
		f.clock.Advance(400 * time.Millisecond)
		f.emit(social.VotingVoteCast, "s1") // dropped
		f.clock.Advance(200 * time.Millisecond)
		f.emit(social.VotingVoteCast, "s1")

		assert.Len(t, f.model.resultsCalls(), 2)
	})

	t.Run("different_kinds_are_independent", func(t *testing.T) {
		f := newFixture(t)

		f.emit(social.VotingVoteCast, "s1")
		f.emit(social.VotingResultsUpdated, "s1")
		f.emit(social.VotingTieDetected, "s1")

		assert.Len(t, f.model.resultsCalls(), 3)
	})
}

func TestReconciler_ResultsInFlight(t *testing.T) {
	f := newFixture(t)
	f.model.onResultsRead = func() {
		f.clock.Advance(time.Second)
		f.rec.HandleEvent(social.VotingEvent{VotingSessionID: "s1", GroupID: "g1", Kind: social.VotingResultsUpdated})
	}

	f.emit(social.VotingVoteCast, "s1")

	assert.Equal(t, []string{"s1"}, f.model.resultsCalls())

	state, _ := f.rec.State("g1")
	require.NotNil(t, state.Results)
	assert.Equal(t, "s1", state.Results.SessionID)
	assert.Equal(t, Idle, state.Phase)
}

func TestReconciler_Discovery(t *testing.T) {
	t.Run("found_on_third_attempt_applies_once", func(t *testing.T) {
		f := newFixture(t)
		f.model.script(sessionReply{}, sessionReply{}, activeSession("s1"))

		f.emit(social.VotingStarted, "s1")
		state, _ := f.rec.State("g1")
		assert.Equal(t, Debouncing, state.Phase)

		for range 5 {
			f.clock.Advance(500 * time.Millisecond)
		}

		assert.Equal(t, []time.Duration{
			500 * time.Millisecond,
			1500 * time.Millisecond,
			2500 * time.Millisecond,
		}, f.model.discoveryCalls())

		state, _ = f.rec.State("g1")
		require.NotNil(t, state.Session)
		assert.Equal(t, "s1", state.Session.ID)
		assert.Equal(t, Idle, state.Phase)
		require.Len(t, f.updates, 1)
		assert.Equal(t, eventbus.VotingUpdated{GroupID: "g1", SessionID: "s1"}, f.updates[0])

		f.clock.Advance(10 * time.Second)
		assert.Len(t, f.model.discoveryCalls(), 3)
	})

	t.Run("attempts_are_offset_from_the_trigger", func(t *testing.T) {
		f := newFixture(t)

		f.emit(social.VotingStarted, "s1")
		f.clock.Advance(500 * time.Millisecond)
		f.clock.Advance(800 * time.Millisecond)
		f.clock.Advance(1000 * time.Millisecond)

		assert.Equal(t, []time.Duration{
			500 * time.Millisecond,
			1300 * time.Millisecond,
			2300 * time.Millisecond,
		}, f.model.discoveryCalls())
	})

	t.Run("found_on_first_attempt_stops", func(t *testing.T) {
		f := newFixture(t)
		f.model.script(activeSession("s1"))

		f.emit(social.VotingStarted, "s1")
		f.clock.Advance(5 * time.Second)

		assert.Len(t, f.model.discoveryCalls(), 1)
		assert.Len(t, f.updates, 1)
		assert.Equal(t, 0, f.clock.PendingCount())
	})

	t.Run("gives_up_silently", func(t *testing.T) {
		f := newFixture(t)

		f.emit(social.VotingStarted, "s1")
		f.clock.Advance(5 * time.Second)

		assert.Len(t, f.model.discoveryCalls(), 3)
		assert.Empty(t, f.updates)
		state, _ := f.rec.State("g1")
		assert.Nil(t, state.Session)
		assert.Equal(t, Idle, state.Phase)
		assert.True(t, state.UpdatedAt.IsZero())
	})

	t.Run("read_errors_count_as_misses", func(t *testing.T) {
		f := newFixture(t)
		f.model.script(sessionReply{err: errors.New("boom")}, activeSession("s1"))

		f.emit(social.VotingStarted, "s1")
		f.clock.Advance(5 * time.Second)

		assert.Len(t, f.model.discoveryCalls(), 2)
		state, _ := f.rec.State("g1")
		require.NotNil(t, state.Session)
	})

	t.Run("started_during_discovery_is_dropped", func(t *testing.T) {
		f := newFixture(t)

		f.emit(social.VotingStarted, "s1")
		f.clock.Advance(600 * time.Millisecond)
		f.emit(social.VotingStarted, "s2")
		f.emit(social.VotingClosed, "s1")
		f.clock.Advance(5 * time.Second)

		assert.Len(t, f.model.discoveryCalls(), 3)
	})

	t.Run("results_are_not_blocked_by_discovery", func(t *testing.T) {
		f := newFixture(t)

		f.emit(social.VotingStarted, "s1")
		f.emit(social.VotingVoteCast, "s1")

		assert.Equal(t, []string{"s1"}, f.model.resultsCalls())
	})

	t.Run("started_is_accepted_again_after_giving_up", func(t *testing.T) {
		f := newFixture(t)

		f.emit(social.VotingStarted, "s1")
		f.clock.Advance(5 * time.Second)
		f.model.script(activeSession("s1"))
		f.emit(social.VotingStarted, "s1")
		f.clock.Advance(500 * time.Millisecond)

		assert.Len(t, f.model.discoveryCalls(), 4)
		state, _ := f.rec.State("g1")
		require.NotNil(t, state.Session)
	})
}

func TestReconciler_Closed(t *testing.T) {
	t.Run("no_active_session_clears_state", func(t *testing.T) {
		f := newFixture(t)
		f.model.script(activeSession("s1"))
		_, err := f.rec.Refresh(context.Background(), "g1")
		require.NoError(t, err)
		f.model.script(sessionReply{})

		f.emit(social.VotingClosed, "s1")

		assert.Len(t, f.model.discoveryCalls(), 2)
		state, _ := f.rec.State("g1")
		assert.Nil(t, state.Session)
		assert.Nil(t, state.Results)
		require.Len(t, f.updates, 2)
		assert.Equal(t, eventbus.VotingUpdated{GroupID: "g1"}, f.updates[1])
	})

	t.Run("single_attempt", func(t *testing.T) {
		f := newFixture(t)

		f.emit(social.VotingClosed, "s1")
		f.clock.Advance(5 * time.Second)

		assert.Len(t, f.model.discoveryCalls(), 1)
	})

	t.Run("read_error_keeps_state", func(t *testing.T) {
		f := newFixture(t)
		f.model.script(activeSession("s1"))
		_, err := f.rec.Refresh(context.Background(), "g1")
		require.NoError(t, err)
		f.model.script(sessionReply{err: errors.New("boom")})

		f.emit(social.VotingClosed, "s1")

		state, _ := f.rec.State("g1")
		require.NotNil(t, state.Session)
		assert.Equal(t, "s1", state.Session.ID)
	})
}

func TestReconciler_Results(t *testing.T) {
	t.Run("applies_fetched_results", func(t *testing.T) {
		f := newFixture(t)
		f.model.results = social.VotingResults{TotalVotes: 3, WinnerRestaurantID: "r1"}

		f.emit(social.VotingWinnerSelected, "s1")

		state, _ := f.rec.State("g1")
		require.NotNil(t, state.Results)
		assert.Equal(t, 3, state.Results.TotalVotes)
		assert.Equal(t, "r1", state.Results.WinnerRestaurantID)
		assert.Equal(t, epoch, state.UpdatedAt)
	})

	t.Run("falls_back_to_current_session", func(t *testing.T) {
		f := newFixture(t)
		f.model.script(activeSession("s9"))
		_, err := f.rec.Refresh(context.Background(), "g1")
		require.NoError(t, err)

		f.emit(social.VotingVoteCast, "")

		assert.Equal(t, []string{"s9", "s9"}, f.model.resultsCalls())
	})

	t.Run("no_session_known_drops_event", func(t *testing.T) {
		f := newFixture(t)

		f.emit(social.VotingVoteCast, "")

		assert.Empty(t, f.model.resultsCalls())
	})

	t.Run("read_error_keeps_previous_results", func(t *testing.T) {
		f := newFixture(t)
		f.model.results = social.VotingResults{TotalVotes: 1}
		f.emit(social.VotingVoteCast, "s1")
		f.model.resultsErr = errors.New("boom")

		f.emit(social.VotingResultsUpdated, "s1")

		state, _ := f.rec.State("g1")
		require.NotNil(t, state.Results)
		assert.Equal(t, 1, state.Results.TotalVotes)
		assert.Len(t, f.updates, 1)
	})
}

func TestReconciler_Groups(t *testing.T) {
	t.Run("other_group_events_are_ignored", func(t *testing.T) {
		f := newFixture(t)

		f.hub.Emit(social.EventVoteCast, social.VotingEvent{VotingSessionID: "s1", GroupID: "g2"})

		assert.Empty(t, f.model.resultsCalls())
	})

	t.Run("missing_group_id_maps_to_only_group", func(t *testing.T) {
		f := newFixture(t)

		f.hub.Emit(social.EventVoteCast, social.VotingEvent{VotingSessionID: "s1"})

		assert.Len(t, f.model.resultsCalls(), 1)
	})

	t.Run("malformed_event_is_ignored", func(t *testing.T) {
		f := newFixture(t)

		f.hub.EmitRaw(social.EventVoteCast, []byte(`"nope"`))

		assert.Empty(t, f.model.resultsCalls())
	})

	t.Run("unsubscribe_cancels_pending_discovery", func(t *testing.T) {
		f := newFixture(t)

		f.emit(social.VotingStarted, "s1")
		f.rec.Unsubscribe("g1")
		f.clock.Advance(5 * time.Second)

		assert.Empty(t, f.model.discoveryCalls())
		_, ok := f.rec.State("g1")
		assert.False(t, ok)
	})

	t.Run("resubscribe_discards_stale_fetch", func(t *testing.T) {
		f := newFixture(t)
		f.model.onResultsRead = func() {
			f.rec.Unsubscribe("g1")
			require.NoError(t, f.rec.Subscribe(context.Background(), "g1"))
		}

		f.emit(social.VotingVoteCast, "s1")

		state, _ := f.rec.State("g1")
		assert.Nil(t, state.Results)
		assert.Empty(t, f.updates)
	})

	t.Run("stop_stops_channel_and_timers", func(t *testing.T) {
		f := newFixture(t)

		f.emit(social.VotingStarted, "s1")
		f.rec.Stop()
		f.clock.Advance(5 * time.Second)

		assert.Equal(t, 1, f.hub.Stops())
		assert.Empty(t, f.model.discoveryCalls())
	})
}

func TestReconciler_Refresh(t *testing.T) {
	t.Run("loads_session_and_results", func(t *testing.T) {
		f := newFixture(t)
		f.model.script(activeSession("s1"))
		f.model.results = social.VotingResults{TotalVotes: 4}

		state, err := f.rec.Refresh(context.Background(), "g1")

		require.NoError(t, err)
		require.NotNil(t, state.Session)
		require.NotNil(t, state.Results)
		assert.Equal(t, "s1", state.Results.SessionID)
		assert.Equal(t, 4, state.Results.TotalVotes)
		assert.Len(t, f.updates, 1)
	})

	t.Run("not_subscribed", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.rec.Refresh(context.Background(), "g2")
		assert.ErrorIs(t, err, ErrNotSubscribed)
	})

	t.Run("read_error_is_returned", func(t *testing.T) {
		f := newFixture(t)
		f.model.script(sessionReply{err: errors.New("boom")})
		_, err := f.rec.Refresh(context.Background(), "g1")
		assert.EqualError(t, err, "boom")
	})
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "debouncing", Debouncing.String())
	assert.Equal(t, "fetching", Fetching.String())
}
