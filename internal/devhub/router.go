package devhub

import (
	"cmp"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/rmacdonaldsmith/socialsync/pkg/hubclient"
	"github.com/rmacdonaldsmith/socialsync/pkg/social"
)

// peer is one client connection attached to a hub, whatever its transport.
type peer struct {
	id          string
	userID      string
	displayName string
	hub         social.Hub
	groupID     string
	path        string
	transport   string

	out       chan hubclient.Frame
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	joined bool
}

func newPeer(route hubRoute, id identity, transport string, queueSize int) *peer {
	return &peer{
		id:          uuid.NewString(),
		userID:      id.UserID,
		displayName: id.DisplayName,
		hub:         route.hub,
		groupID:     route.groupID,
		path:        route.path,
		transport:   transport,
		out:         make(chan hubclient.Frame, queueSize),
		done:        make(chan struct{}),
	}
}

// deliver queues f without blocking. A full queue drops the frame.
func (p *peer) deliver(f hubclient.Frame) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.out <- f:
		return true
	default:
		return false
	}
}

// close ends the peer's writer. Transports close their conn when done fires.
func (p *peer) close() {
	p.closeOnce.Do(func() { close(p.done) })
}

func (p *peer) setJoined(v bool) {
	p.mu.Lock()
	p.joined = v
	p.mu.Unlock()
}

func (p *peer) isJoined() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.joined
}

// Router maps hub paths to the peers attached to them.
// It is safe for concurrent use.
type Router struct {
	mu     sync.RWMutex
	routes map[string]map[string]*peer // path -> peer id -> peer
	byID   map[string]*peer
}

func NewRouter() *Router {
	return &Router{
		routes: make(map[string]map[string]*peer),
		byID:   make(map[string]*peer),
	}
}

func (r *Router) attach(p *peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.routes[p.path] == nil {
		r.routes[p.path] = make(map[string]*peer)
	}
	r.routes[p.path][p.id] = p
	r.byID[p.id] = p
}

// detach removes p. It reports whether p was attached.
func (r *Router) detach(p *peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[p.id]; !ok {
		return false
	}
	delete(r.byID, p.id)
	delete(r.routes[p.path], p.id)
	if len(r.routes[p.path]) == 0 {
		delete(r.routes, p.path)
	}
	return true
}

func (r *Router) lookup(id string) (*peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	return p, ok
}

// peers returns the peers of path matching keep (nil keeps all), ordered
// by user then connection id.
func (r *Router) peers(path string, keep func(*peer) bool) []*peer {
	r.mu.RLock()
	out := make([]*peer, 0, len(r.routes[path]))
	for _, p := range r.routes[path] {
		if keep == nil || keep(p) {
			out = append(out, p)
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *peer) int {
		if c := cmp.Compare(a.userID, b.userID); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	return out
}

// broadcast delivers f to every peer of path accepted by keep and returns
// the number of deliveries.
func (r *Router) broadcast(path string, f hubclient.Frame, keep func(*peer) bool) int {
	n := 0
	for _, p := range r.peers(path, keep) {
		if p.deliver(f) {
			n++
		}
	}
	return n
}

func toUser(userID string) func(*peer) bool {
	return func(p *peer) bool { return p.userID == userID }
}

func joinedPeers(p *peer) bool { return p.isJoined() }

// userPeers returns every peer of userID across all hubs.
func (r *Router) userPeers(userID string) []*peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*peer
	for _, p := range r.byID {
		if p.userID == userID {
			out = append(out, p)
		}
	}
	return out
}

// Count returns the number of attached peers.
func (r *Router) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// PathCount returns the number of hub paths with at least one peer.
func (r *Router) PathCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

// presence returns the distinct users joined to path, ordered by user id.
func (r *Router) presence(path string) []social.PresentUser {
	users := []social.PresentUser{}
	seen := make(map[string]bool)
	for _, p := range r.peers(path, joinedPeers) {
		if seen[p.userID] {
			continue
		}
		seen[p.userID] = true
		users = append(users, social.PresentUser{UserID: p.userID, DisplayName: p.displayName})
	}
	return users
}

// all returns every attached peer.
func (r *Router) all() []*peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*peer, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, p)
	}
	return out
}
