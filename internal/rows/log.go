package rows

import (
	"sync"
	"time"
)

// EntryKind tells where a display log line came from.
type EntryKind string

const (
	EntryStream    EntryKind = "stream"
	EntryEngine    EntryKind = "engine"
	EntryHeartbeat EntryKind = "heartbeat"
)

// Entry is one display log line.
type Entry struct {
	Seq  int       `json:"seq"`
	At   time.Time `json:"at"`
	Kind EntryKind `json:"kind"`
	Line string    `json:"line"`
}

// Log is the append-only display log of a scope. It is bounded by
// de-duplication of identical lines, never by count, and is never
// purged on error.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	seen    map[string]struct{}

	subMu  sync.Mutex
	subs   map[uint64]chan struct{}
	nextID uint64
}

func NewLog() *Log {
	return &Log{
		seen: make(map[string]struct{}),
		subs: make(map[uint64]chan struct{}),
	}
}

// Append adds line unless an identical line is already present.
func (l *Log) Append(kind EntryKind, line string) bool {
	if line == "" {
		return false
	}

	l.mu.Lock()
	if _, dup := l.seen[line]; dup {
		l.mu.Unlock()
		return false
	}
	l.seen[line] = struct{}{}
	l.entries = append(l.entries, Entry{
		Seq:  len(l.entries) + 1,
		At:   time.Now(),
		Kind: kind,
		Line: line,
	})
	l.mu.Unlock()

	l.notify()
	return true
}

// Entries returns a copy of the whole log.
func (l *Log) Entries() []Entry { return l.Since(0) }

// Since returns entries with Seq greater than seq.
func (l *Log) Since(seq int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq < 0 {
		seq = 0
	}
	if seq >= len(l.entries) {
		return nil
	}
	return append([]Entry(nil), l.entries[seq:]...)
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Last returns the newest non-heartbeat entry.
func (l *Log) Last() (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Kind != EntryHeartbeat {
			return l.entries[i], true
		}
	}
	return Entry{}, false
}

// Restore seeds the log from a snapshot. Existing entries are kept.
func (l *Log) Restore(entries []Entry) {
	for _, e := range entries {
		l.Append(e.Kind, e.Line)
	}
}

// Subscribe returns a signal channel that fires after appends. Readers
// call Since with their last seen Seq.
func (l *Log) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	l.subMu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = ch
	l.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.subMu.Lock()
			delete(l.subs, id)
			l.subMu.Unlock()
			close(ch)
		})
	}
}

func (l *Log) notify() {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
