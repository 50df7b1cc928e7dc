// Package hubclient implements one long-lived push channel ("hub") to the
// socialsync backend.
//
// A Connection owns the lifecycle of a single hub:
//
//	Disconnected --Connect--> Connecting --ok--> Connected
//	Connected --network drop--> Reconnecting --ok--> Connected
//	Reconnecting --attempts exhausted or fatal error--> Disconnected
//
// Reconnect delays are indexed by attempt rather than growing without bound:
// by default attempt 0 is immediate, attempt 1 waits 2s, attempt 2 waits 10s
// and every later attempt waits 30s.
//
// Errors are classified as transient or fatal (see Classify). A transient
// failure of the initial start is only logged and retried after a short
// fixed delay, outside the reconnect schedule. Fatal failures, such as a
// rejected credential, are reported once through the configured notice
// Notifier and are not retried.
//
// Inbound events are dispatched to handlers registered with On, in strict
// arrival order, on the connection's read goroutine. Handlers must not wait
// for the result of an Invoke, since completions are delivered by that same
// goroutine.
//
// Three transports carry the same JSON frame envelope:
//   - WebSocket (github.com/gorilla/websocket), the default
//   - SSE: a text/event-stream for push plus HTTP POST for invocations
//   - GRPC: one bidirectional stream whose messages are structpb.Struct
//
// Example usage:
//
//	conn, err := hubclient.NewConnection(hubclient.Config{
//		Name:        "notifications",
//		URL:         "https://api.example.com/hubs/notifications",
//		Credentials: hubclient.BearerToken(tokenFactory),
//	})
//	if err != nil {
//		return err
//	}
//	conn.On(social.EventNoticeReceived, func(args hubclient.Arguments) {
//		var n social.Notice
//		if err := args.Decode(0, &n); err == nil {
//			feed.Add(n)
//		}
//	})
//	if err := conn.Connect(ctx); err != nil {
//		return err
//	}
//	defer conn.Stop()
package hubclient
