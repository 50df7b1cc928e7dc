// Package notice carries transient, user-visible messages out of the sync
// components. Fatal connectivity errors, failed commands and membership
// removals are reported here; everything else is only logged.
package notice

import (
	"log/slog"
	"sync"
)

// Level is the severity of a Notice.
type Level int

const (
	// Info is an informational notice, e.g. "Ana was removed from the group".
	Info Level = iota
	// Error reports a failed command or a fatal connection problem.
	Error
)

func (l Level) String() string {
	if l == Error {
		return "error"
	}
	return "info"
}

// Notice is a transient message shown to the user.
type Notice struct {
	Level   Level
	Source  string
	Message string
}

// Notifier receives notices. Implementations must not block.
type Notifier interface {
	Notify(n Notice)
}

// Func adapts a function to the Notifier interface.
type Func func(Notice)

// Notify calls f(n).
func (f Func) Notify(n Notice) { f(n) }

// LogNotifier writes notices to a structured logger. It is the default when
// no UI is attached.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs the notice.
func (l LogNotifier) Notify(n Notice) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if n.Level == Error {
		logger.Error(n.Message, "source", n.Source)
		return
	}
	logger.Info(n.Message, "source", n.Source)
}

// Recorder collects notices in memory.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

// Notify records n.
func (r *Recorder) Notify(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

// Notices returns a copy of everything recorded so far.
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

// OrDefault returns n, or a LogNotifier on logger when n is nil.
func OrDefault(n Notifier, logger *slog.Logger) Notifier {
	if n != nil {
		return n
	}
	return LogNotifier{Logger: logger}
}
