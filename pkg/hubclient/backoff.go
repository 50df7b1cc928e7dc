package hubclient

import "time"

// DefaultReconnectDelays is the attempt-indexed reconnect schedule. The last
// entry repeats for every later attempt.
var DefaultReconnectDelays = []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}

// ReconnectDelay returns the wait before reconnect attempt n (zero-based)
// under the given schedule. An empty schedule means no delay.
func ReconnectDelay(schedule []time.Duration, attempt int) time.Duration {
	if len(schedule) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(schedule) {
		return schedule[len(schedule)-1]
	}
	return schedule[attempt]
}
