// Package notify carries operator-facing notifications (the toasts of a
// UI, the stderr lines of the CLI).
package notify

import "sync"

type Level string

const (
	Info    Level = "info"
	Success Level = "success"
	Warning Level = "warning"
	Error   Level = "error"
)

type Notice struct {
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

type Notifier interface {
	Notify(level Level, msg string)
}

// Func adapts a function to Notifier.
type Func func(level Level, msg string)

func (f Func) Notify(level Level, msg string) { f(level, msg) }

// Nop drops every notification.
var Nop Notifier = Func(func(Level, string) {})

// Recorder keeps notifications in memory.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *Recorder) Notify(level Level, msg string) {
	r.mu.Lock()
	r.notices = append(r.notices, Notice{Level: level, Message: msg})
	r.mu.Unlock()
}

func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}
