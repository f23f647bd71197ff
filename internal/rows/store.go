package rows

import (
	"sync"
	"time"
)

// Source names the handler that produced a delta.
type Source string

const (
	SourceImport   Source = "import"
	SourceVerify   Source = "verify"
	SourceDispatch Source = "dispatch"
	SourceStream   Source = "stream"
)

// Delta is a partial update for one row. Zero fields are left alone.
type Delta struct {
	Key         string
	Source      Source
	Status      Status
	Direction   Direction
	Error       *string
	Verdicts    *Verdicts
	Detail      map[string]any
	LastMessage string
	// Force applies Status even when it does not move forward. Only
	// verification uses it, to reset rows for a new round.
	Force bool
}

// ErrorText is a convenience for Delta.Error.
func ErrorText(s string) *string { return &s }

// Change tells subscribers which keys moved. Subscribers re-read rows
// from the store. A subscriber that falls behind gets a Reset in place
// of its oldest queued Change.
type Change struct {
	Keys  []string
	Reset bool
}

// Store owns every row of one operation scope. All mutation goes through
// Load, Apply and Clear, each of which runs in a single critical section.
type Store struct {
	mu      sync.RWMutex
	order   []string
	rows    map[string]*Row
	columns []string

	subMu  sync.Mutex
	subs   map[uint64]chan Change
	nextID uint64

	now func() time.Time
}

func NewStore() *Store {
	return &Store{
		rows: make(map[string]*Row),
		subs: make(map[uint64]chan Change),
		now:  time.Now,
	}
}

// Load replaces the store contents with an imported batch.
func (s *Store) Load(columns []string, batch []Row) {
	s.mu.Lock()
	s.order = make([]string, 0, len(batch))
	s.rows = make(map[string]*Row, len(batch))
	s.columns = append([]string(nil), columns...)
	now := s.now()
	for _, r := range batch {
		r := r.Clone()
		if _, dup := s.rows[r.Key]; dup {
			continue
		}
		if r.Status == "" {
			r.Status = StatusReady
		}
		r.UpdatedAt = now
		s.rows[r.Key] = &r
		s.order = append(s.order, r.Key)
	}
	s.mu.Unlock()

	s.publish(Change{Reset: true})
}

// Clear removes every row.
func (s *Store) Clear() {
	s.mu.Lock()
	s.order = nil
	s.rows = make(map[string]*Row)
	s.mu.Unlock()

	s.publish(Change{Reset: true})
}

func (s *Store) Columns() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.columns...)
}

// Rows returns copies of every row in import order.
func (s *Store) Rows() []Row {
	return s.Filter(nil)
}

// Filter returns copies of rows matching fn (all rows when fn is nil).
func (s *Store) Filter(fn func(Row) bool) []Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Row, 0, len(s.order))
	for _, k := range s.order {
		r := s.rows[k]
		if fn == nil || fn(*r) {
			out = append(out, r.Clone())
		}
	}
	return out
}

func (s *Store) Get(key string) (Row, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[key]
	if !ok {
		return Row{}, false
	}
	return r.Clone(), true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Counts tallies rows per status.
func (s *Store) Counts() map[Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Status]int)
	for _, r := range s.rows {
		out[r.Status]++
	}
	return out
}

// Pending reports whether any row is waiting on a response or a stream
// message.
func (s *Store) Pending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rows {
		if r.Status == StatusVerifying || r.Status.InFlight() {
			return true
		}
	}
	return false
}

// Apply runs a set of deltas atomically and returns the keys that
// changed. Deltas for rows that no longer exist are ignored.
//
// Status only moves forward along the state machine unless Force is set.
// Stream deltas touch dispatched rows only, so a stale line can never
// revive a Ready or Not Verified row.
func (s *Store) Apply(deltas ...Delta) []string {
	if len(deltas) == 0 {
		return nil
	}

	s.mu.Lock()
	changed := s.applyLocked(deltas)
	s.mu.Unlock()

	if len(changed) > 0 {
		s.publish(Change{Keys: changed})
	}
	return changed
}

// Update computes deltas from the current rows and applies them in the
// same critical section. fn sees copies and must not call back into s.
func (s *Store) Update(fn func(batch []Row) []Delta) []string {
	s.mu.Lock()
	batch := make([]Row, 0, len(s.order))
	for _, k := range s.order {
		batch = append(batch, s.rows[k].Clone())
	}
	changed := s.applyLocked(fn(batch))
	s.mu.Unlock()

	if len(changed) > 0 {
		s.publish(Change{Keys: changed})
	}
	return changed
}

func (s *Store) applyLocked(deltas []Delta) []string {
	now := s.now()
	var changed []string
	seen := make(map[string]bool)
	for _, d := range deltas {
		r, ok := s.rows[d.Key]
		if !ok {
			continue
		}
		if applyDelta(r, d) {
			r.UpdatedAt = now
			if !seen[d.Key] {
				seen[d.Key] = true
				changed = append(changed, d.Key)
			}
		}
	}
	return changed
}

func applyDelta(r *Row, d Delta) bool {
	if d.Source == SourceStream && !r.Status.Dispatched() {
		return false
	}

	changed := false
	statusApplied := false
	if d.Status != "" && (d.Force || d.Status.Rank() > r.Status.Rank()) {
		r.Status = d.Status
		if d.Direction != DirectionNone {
			r.DirectionTag = d.Direction
		}
		r.Error = ""
		statusApplied = true
		changed = true
	}

	if d.Error != nil && (statusApplied || d.Status == "") && r.Error != *d.Error {
		r.Error = *d.Error
		changed = true
	}
	if d.Verdicts != nil && statusApplied {
		r.Verdicts = d.Verdicts.clone()
	}
	if len(d.Detail) > 0 {
		if r.Detail == nil {
			r.Detail = make(map[string]any, len(d.Detail))
		}
		for k, v := range d.Detail {
			r.Detail[k] = v
		}
		changed = true
	}
	if d.LastMessage != "" && d.LastMessage != r.LastMessage {
		r.LastMessage = d.LastMessage
		changed = true
	}
	return changed
}

// Subscribe registers for change notifications. The returned func
// unsubscribes and closes the channel.
func (s *Store) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, subscriberBuffer)

	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

const subscriberBuffer = 16

// publish never blocks. publish is the only sender and runs under subMu,
// so once a slot is freed the Reset send cannot block.
func (s *Store) publish(c Change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- c:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		ch <- Change{Reset: true}
	}
}
