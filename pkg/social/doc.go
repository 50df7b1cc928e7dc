// Package social defines the shared data model and the hub contract of the
// socialsync client.
//
// The backend exposes four push hubs:
//   - notifications: generic notices (group invitations, payments, system)
//   - friend-requests: pending and incoming friend requests
//   - group chat, one per group: messages, membership and presence
//   - group voting, one per group: restaurant vote lifecycle events
//
// Every hub carries the same frame envelope (see pkg/hubclient). This package
// names the inbound events, the remote-invokable methods and the payload
// shapes carried by both. The same types are used by the client components in
// internal/ and by the development backend in internal/devhub, so that both
// sides of the wire agree on a single definition.
//
// Timestamps that arrive from the backend inside notification payloads are
// kept as strings on the wire types and parsed with ParseTimestamp, which
// falls back instead of failing. A malformed timestamp therefore degrades a
// single entry rather than dropping a whole backlog.
package social
