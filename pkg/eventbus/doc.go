// Package eventbus is the in-process publish/subscribe bus used for
// cross-component refresh signaling.
//
// Publishers and subscribers never reference each other: the notification
// aggregator publishes FriendsRefresh after accepting a friend request and
// any friends-list view subscribed to it re-fetches on its own. The bus is
// never used to carry primary state; payloads identify what changed, not
// the new value.
//
// The set of events is closed. Each event is a Go type implementing Event,
// and its Name is fixed by the type:
//
//	friends:refresh      FriendsRefresh
//	groups:refresh       GroupsRefresh
//	chat:historial       ChatHistoryLoaded
//	group:kicked         GroupKicked
//	usuarios:conectados  ConnectedUsers
//	voting:updated       VotingUpdated
//
// Delivery is synchronous on the publishing goroutine. Handlers subscribed to
// the same name receive events in publish order; no ordering is promised
// across names.
//
// Example usage:
//
//	bus := eventbus.New()
//	unsubscribe := eventbus.On(bus, func(e eventbus.GroupKicked) {
//		redirectAwayFrom(e.GroupID)
//	})
//	defer unsubscribe()
package eventbus
