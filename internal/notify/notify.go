// Package notify carries user-visible notices (toasts) out of the managers.
package notify

import (
	"log/slog"
	"sync"
)

type Level int

const (
	LevelSuccess Level = iota
	LevelError
)

func (l Level) String() string {
	if l == LevelError {
		return "error"
	}
	return "success"
}

// Notice is one user-visible notification.
type Notice struct {
	Level   Level
	Message string
}

// Notifier receives notices. Implementations must not block for long; they
// are called from request paths and from push handlers.
type Notifier interface {
	Success(msg string)
	Error(msg string)
}

// Func adapts a function to Notifier.
type Func func(Notice)

func (f Func) Success(msg string) { f(Notice{Level: LevelSuccess, Message: msg}) }
func (f Func) Error(msg string)   { f(Notice{Level: LevelError, Message: msg}) }

// Log writes notices to a logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func (l Log) Success(msg string) { l.logger().Info("notice", "message", msg) }
func (l Log) Error(msg string)   { l.logger().Warn("notice", "message", msg) }

// Discard drops every notice.
var Discard Notifier = Func(func(Notice) {})

// Recorder keeps every notice; useful in tests and for replaying to a UI.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *Recorder) Success(msg string) { r.add(Notice{Level: LevelSuccess, Message: msg}) }
func (r *Recorder) Error(msg string)   { r.add(Notice{Level: LevelError, Message: msg}) }

func (r *Recorder) add(n Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

// Notices returns a copy of everything recorded so far.
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

// Errors returns the messages of recorded error notices.
func (r *Recorder) Errors() []string {
	var out []string
	for _, n := range r.Notices() {
		if n.Level == LevelError {
			out = append(out, n.Message)
		}
	}
	return out
}
