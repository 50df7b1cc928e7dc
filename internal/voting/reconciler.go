// Package voting keeps a client's view of group restaurant votes in step
// with the backend.
//
// The voting hub announces lifecycle events before the rows they describe
// are guaranteed to be readable. The Reconciler never trusts the event
// payload as state; it re-reads the externally owned projection instead:
//
//   - VotingSessionStarted runs session discovery: up to len(DiscoveryDelays)
//     reads of the group's active session, each scheduled relative to the
//     triggering event, stopping at the first that finds it. If none does,
//     the reconciler gives up silently.
//   - VotingSessionClosed runs discovery once; "no active session" clears
//     the local session.
//   - Every other event runs a single results fetch.
//
// An event is dropped when a fetch for the same purpose (discovery or
// results) is outstanding, or when an event of the same kind was applied
// less than DebounceWindow earlier.
package voting

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rmacdonaldsmith/socialsync/internal/clock"
	"github.com/rmacdonaldsmith/socialsync/pkg/eventbus"
	"github.com/rmacdonaldsmith/socialsync/pkg/hubclient"
	"github.com/rmacdonaldsmith/socialsync/pkg/social"
)

var (
	ErrChannelRequired   = errors.New("voting channel is required")
	ErrBusRequired       = errors.New("event bus is required")
	ErrReadModelRequired = errors.New("voting read model is required")
	ErrGroupIDRequired   = errors.New("group id is required")
	ErrNotSubscribed     = errors.New("group is not subscribed")
)

// DefaultDiscoveryDelays are the offsets, from the triggering event, of the
// session discovery attempts after VotingSessionStarted.
var DefaultDiscoveryDelays = []time.Duration{500 * time.Millisecond, 1300 * time.Millisecond, 2300 * time.Millisecond}

// ReadModel is the read side of the voting projection. *httpclient.Client
// implements it.
type ReadModel interface {
	// ActiveVotingSession returns found=false when the group has no
	// readable active session.
	ActiveVotingSession(ctx context.Context, groupID string) (social.VotingSession, bool, error)
	VotingResults(ctx context.Context, sessionID string) (social.VotingResults, error)
}

// Config configures a Reconciler.
type Config struct {
	Channel   hubclient.Channel
	Bus       *eventbus.Bus
	ReadModel ReadModel

	// DebounceWindow drops events of a kind arriving this soon after the
	// last applied event of that kind. Defaults to 500ms.
	DebounceWindow time.Duration

	// DiscoveryDelays defaults to DefaultDiscoveryDelays.
	DiscoveryDelays []time.Duration

	// FetchTimeout bounds each read. Defaults to 10s.
	FetchTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

func (c *Config) SetDefaults() {
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = 500 * time.Millisecond
	}
	if len(c.DiscoveryDelays) == 0 {
		c.DiscoveryDelays = append([]time.Duration(nil), DefaultDiscoveryDelays...)
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func (c *Config) Validate() error {
	if c.Channel == nil {
		return ErrChannelRequired
	}
	if c.Bus == nil {
		return ErrBusRequired
	}
	if c.ReadModel == nil {
		return ErrReadModelRequired
	}
	return nil
}

// Phase is the reconciliation phase of a group.
type Phase int

const (
	Idle Phase = iota
	// Debouncing: a fetch is scheduled but has not started.
	Debouncing
	Fetching
)

func (p Phase) String() string {
	switch p {
	case Debouncing:
		return "debouncing"
	case Fetching:
		return "fetching"
	default:
		return "idle"
	}
}

// State is a snapshot of a group's voting view.
type State struct {
	GroupID   string
	Phase     Phase
	Session   *social.VotingSession
	Results   *social.VotingResults
	UpdatedAt time.Time
}

type pendingFetch struct {
	timer *clock.Timer
}

type purpose int

const (
	discovery purpose = iota
	results
)

// group is the per-subscription state. Fetches capture gen and re-check it
// before applying.
type group struct {
	gen         uint64
	lastApplied map[social.VotingEventKind]time.Time
	inFlight    map[purpose]bool
	scheduled   int
	running     int
	nextTimer   uint64
	timers      map[uint64]*pendingFetch

	session   *social.VotingSession
	results   *social.VotingResults
	updatedAt time.Time
}

// Reconciler reconciles voting events for the groups subscribed on one
// voting hub.
type Reconciler struct {
	cfg    Config
	logger *slog.Logger

	life    context.Context
	endLife context.CancelFunc

	mu      sync.Mutex
	groups  map[string]*group
	nextGen uint64
}

// New registers voting handlers on cfg.Channel.
func New(cfg Config) (*Reconciler, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Reconciler{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "voting"),
		groups: make(map[string]*group),
	}
	r.life, r.endLife = context.WithCancel(context.Background())

	for _, kind := range social.VotingEventKinds() {
		cfg.Channel.On(kind.EventName(), r.handler(kind))
	}
	return r, nil
}

// Subscribe starts reconciling groupID and connects the channel.
func (r *Reconciler) Subscribe(ctx context.Context, groupID string) error {
	if groupID == "" {
		return ErrGroupIDRequired
	}

	r.mu.Lock()
	if _, ok := r.groups[groupID]; !ok {
		r.nextGen++
		r.groups[groupID] = &group{
			gen:         r.nextGen,
			lastApplied: make(map[social.VotingEventKind]time.Time),
			inFlight:    make(map[purpose]bool),
			timers:      make(map[uint64]*pendingFetch),
		}
	}
	r.mu.Unlock()

	if err := r.cfg.Channel.Connect(ctx); err != nil && !hubclient.IsTransient(err) {
		return err
	}
	return nil
}

// Unsubscribe forgets groupID. Scheduled fetches are cancelled and fetches
// already running are discarded when they complete.
func (r *Reconciler) Unsubscribe(groupID string) {
	r.mu.Lock()
	g, ok := r.groups[groupID]
	delete(r.groups, groupID)
	if ok {
		stopTimersLocked(g)
	}
	r.mu.Unlock()
}

// Stop unsubscribes every group and stops the channel.
func (r *Reconciler) Stop() {
	r.endLife()

	r.mu.Lock()
	groups := r.groups
	r.groups = make(map[string]*group)
	for _, g := range groups {
		stopTimersLocked(g)
	}
	r.mu.Unlock()

	r.cfg.Channel.Stop()
}

func stopTimersLocked(g *group) {
	for id, entry := range g.timers {
		entry.timer.Stop()
		delete(g.timers, id)
	}
	g.scheduled = 0
}

// State returns the current view of groupID.
func (r *Reconciler) State(groupID string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[groupID]
	if !ok {
		return State{}, false
	}
	return r.snapshotLocked(groupID, g), true
}

func (r *Reconciler) snapshotLocked(groupID string, g *group) State {
	s := State{GroupID: groupID, UpdatedAt: g.updatedAt}
	switch {
	case g.running > 0:
		s.Phase = Fetching
	case g.scheduled > 0:
		s.Phase = Debouncing
	}
	if g.session != nil {
		session := *g.session
		s.Session = &session
	}
	if g.results != nil {
		res := *g.results
		s.Results = &res
	}
	return s
}

// Refresh reads the active session and, if there is one, its results, and
// applies both. It bypasses the debounce and in-flight guards.
func (r *Reconciler) Refresh(ctx context.Context, groupID string) (State, error) {
	gen, ok := r.generation(groupID)
	if !ok {
		return State{}, ErrNotSubscribed
	}

	session, found, err := r.cfg.ReadModel.ActiveVotingSession(ctx, groupID)
	if err != nil {
		return State{}, err
	}
	var res *social.VotingResults
	if found {
		out, err := r.cfg.ReadModel.VotingResults(ctx, session.ID)
		if err != nil {
			return State{}, err
		}
		res = &out
	}

	r.mu.Lock()
	g, ok := r.groups[groupID]
	if !ok || g.gen != gen {
		r.mu.Unlock()
		return State{}, ErrNotSubscribed
	}
	if found {
		g.session = &session
		g.results = res
	} else {
		g.session = nil
		g.results = nil
	}
	g.updatedAt = r.cfg.Clock.Now()
	state := r.snapshotLocked(groupID, g)
	r.mu.Unlock()

	r.publish(groupID, state)
	return state, nil
}

func (r *Reconciler) generation(groupID string) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[groupID]
	if !ok {
		return 0, false
	}
	return g.gen, true
}

func (r *Reconciler) handler(kind social.VotingEventKind) hubclient.Handler {
	return func(args hubclient.Arguments) {
		var ev social.VotingEvent
		if err := args.Decode(0, &ev); err != nil {
			r.logger.Warn("dropping malformed voting event", "kind", kind, "error", err)
			return
		}
		ev.Kind = kind
		r.HandleEvent(ev)
	}
}

// HandleEvent applies the debounce and in-flight guards to ev and, if it
// survives, schedules the fetch it calls for. Events for groups that are
// not subscribed are ignored.
func (r *Reconciler) HandleEvent(ev social.VotingEvent) {
	now := r.cfg.Clock.Now()
	p := results
	if ev.Kind == social.VotingStarted || ev.Kind == social.VotingClosed {
		p = discovery
	}

	r.mu.Lock()
	groupID := r.resolveGroupLocked(ev.GroupID)
	g, ok := r.groups[groupID]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("ignoring voting event for unsubscribed group", "group_id", ev.GroupID, "kind", ev.Kind)
		return
	}
	if g.inFlight[p] {
		r.mu.Unlock()
		r.logger.Debug("dropping voting event: fetch in flight", "group_id", groupID, "kind", ev.Kind)
		return
	}
	if last, seen := g.lastApplied[ev.Kind]; seen && now.Sub(last) < r.cfg.DebounceWindow {
		r.mu.Unlock()
		r.logger.Debug("dropping voting event: debounced", "group_id", groupID, "kind", ev.Kind)
		return
	}

	sessionID := ev.VotingSessionID
	if p == results && sessionID == "" && g.session != nil {
		sessionID = g.session.ID
	}
	if p == results && sessionID == "" {
		r.mu.Unlock()
		r.logger.Debug("dropping voting event: no session to fetch", "group_id", groupID, "kind", ev.Kind)
		return
	}

	g.lastApplied[ev.Kind] = now
	g.inFlight[p] = true
	gen := g.gen
	r.mu.Unlock()

	switch ev.Kind {
	case social.VotingStarted:
		r.scheduleDiscovery(groupID, gen, now, 0, true)
	case social.VotingClosed:
		r.scheduleDiscovery(groupID, gen, now, 0, false)
	default:
		r.schedule(groupID, gen, 0, func() { r.fetchResults(groupID, gen, sessionID) })
	}
}

// resolveGroupLocked maps an event without a group id to the only
// subscribed group.
func (r *Reconciler) resolveGroupLocked(groupID string) string {
	if groupID != "" || len(r.groups) != 1 {
		return groupID
	}
	for id := range r.groups {
		return id
	}
	return ""
}

// schedule runs fn after delay, tracking it on the group so that it can be
// cancelled and reported as Debouncing.
func (r *Reconciler) schedule(groupID string, gen uint64, delay time.Duration, fn func()) {
	r.mu.Lock()
	g, ok := r.groups[groupID]
	if !ok || g.gen != gen {
		r.mu.Unlock()
		return
	}
	g.nextTimer++
	id := g.nextTimer
	entry := &pendingFetch{}
	g.timers[id] = entry
	g.scheduled++
	r.mu.Unlock()

	timer := r.cfg.Clock.AfterFunc(delay, func() {
		r.mu.Lock()
		if _, ok := g.timers[id]; ok {
			g.scheduled--
			delete(g.timers, id)
		}
		r.mu.Unlock()
		fn()
	})

	r.mu.Lock()
	entry.timer = timer
	r.mu.Unlock()
}

func (r *Reconciler) scheduleDiscovery(groupID string, gen uint64, trigger time.Time, attempt int, retry bool) {
	var delay time.Duration
	if retry {
		delay = trigger.Add(r.cfg.DiscoveryDelays[attempt]).Sub(r.cfg.Clock.Now())
	}
	r.schedule(groupID, gen, delay, func() { r.discover(groupID, gen, trigger, attempt, retry) })
}

// begin marks a fetch as running. It returns false if the group was
// unsubscribed since the fetch was scheduled.
func (r *Reconciler) begin(groupID string, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[groupID]
	if !ok || g.gen != gen {
		return false
	}
	g.running++
	return true
}

// end marks a fetch as finished and returns the group if it is still the
// subscription the fetch was started for. The lock is held on success.
func (r *Reconciler) end(groupID string, gen uint64) (*group, bool) {
	r.mu.Lock()
	g, ok := r.groups[groupID]
	if !ok || g.gen != gen {
		r.mu.Unlock()
		return nil, false
	}
	g.running--
	return g, true
}

func (r *Reconciler) discover(groupID string, gen uint64, trigger time.Time, attempt int, retry bool) {
	if !r.begin(groupID, gen) {
		return
	}

	ctx, cancel := context.WithTimeout(r.life, r.cfg.FetchTimeout)
	session, found, err := r.cfg.ReadModel.ActiveVotingSession(ctx, groupID)
	cancel()
	if err != nil {
		r.logger.Warn("active session read failed", "group_id", groupID, "attempt", attempt, "error", err)
		found = false
	}

	g, ok := r.end(groupID, gen)
	if !ok {
		return
	}

	last := attempt+1 >= len(r.cfg.DiscoveryDelays)
	switch {
	case found:
		g.session = &session
		if g.results != nil && g.results.SessionID != session.ID {
			g.results = nil
		}
	case retry && !last:
		r.mu.Unlock()
		r.scheduleDiscovery(groupID, gen, trigger, attempt+1, retry)
		return
	case retry, err != nil:
		// Started with nothing readable after the last attempt, or a failed
		// read after Closed: keep what we have.
		g.inFlight[discovery] = false
		r.mu.Unlock()
		if retry {
			r.logger.Debug("voting session not readable yet; giving up", "group_id", groupID, "attempts", attempt+1)
		}
		return
	default:
		g.session = nil
		g.results = nil
	}

	g.inFlight[discovery] = false
	g.updatedAt = r.cfg.Clock.Now()
	state := r.snapshotLocked(groupID, g)
	r.mu.Unlock()

	r.publish(groupID, state)
}

func (r *Reconciler) fetchResults(groupID string, gen uint64, sessionID string) {
	if !r.begin(groupID, gen) {
		return
	}

	ctx, cancel := context.WithTimeout(r.life, r.cfg.FetchTimeout)
	res, err := r.cfg.ReadModel.VotingResults(ctx, sessionID)
	cancel()

	g, ok := r.end(groupID, gen)
	if !ok {
		return
	}
	g.inFlight[results] = false
	if err != nil {
		r.mu.Unlock()
		r.logger.Warn("voting results read failed", "group_id", groupID, "session_id", sessionID, "error", err)
		return
	}
	g.results = &res
	g.updatedAt = r.cfg.Clock.Now()
	state := r.snapshotLocked(groupID, g)
	r.mu.Unlock()

	r.publish(groupID, state)
}

func (r *Reconciler) publish(groupID string, state State) {
	ev := eventbus.VotingUpdated{GroupID: groupID}
	if state.Session != nil {
		ev.SessionID = state.Session.ID
	}
	r.cfg.Bus.Publish(ev)
}
