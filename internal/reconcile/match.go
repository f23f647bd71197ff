package reconcile

import (
	"strings"

	"github.com/pgoc/adsbot/internal/operation"
	"github.com/pgoc/adsbot/internal/rows"
)

// Matcher attributes events to the rows of one operation.
type Matcher struct {
	op operation.Operation
}

func NewMatcher(op operation.Operation) Matcher {
	return Matcher{op: op}
}

// Matches reports whether ev targets r.
func (m Matcher) Matches(ev Event, r rows.Row) bool {
	if ev.AccountID != "" {
		if r.Identity.AccountID != ev.AccountID {
			return false
		}
		if ev.Direction != rows.DirectionNone && r.Identity.Direction != rows.DirectionNone && ev.Direction != r.Identity.Direction {
			return false
		}
		if ev.Secondary != "" && m.op.SecondaryField != "" && m.op.Match == operation.MatchIdentity {
			return r.Identity.HasSecondary(ev.Secondary)
		}
		return true
	}
	if ev.Label == "" {
		return false
	}
	if m.op.Match == operation.MatchLabel {
		return labelMatches(ev.Label, m.label(r))
	}
	return r.Identity.HasSecondary(ev.Label)
}

// labelMatches accepts the label itself or a name ending in "-label".
func labelMatches(name, label string) bool {
	if label == "" || strings.Trim(label, "-") == "" {
		return false
	}
	name = strings.TrimSpace(name)
	return name == label || strings.HasSuffix(name, "-"+label)
}

func (m Matcher) label(r rows.Row) string {
	return m.op.Label(func(f string) string {
		if v := r.Payload.Get(f); v != "" {
			return v
		}
		return r.Identity.Discriminator(f)
	})
}

// Deltas computes the stream deltas ev produces over batch. A targeted
// event changes only the rows it matches; an untargeted timestamped line
// refreshes LastMessage on every row. The store drops deltas for rows
// that were never dispatched.
func (m Matcher) Deltas(ev Event, batch []rows.Row) []rows.Delta {
	last := ev.LastMessage()
	if !ev.Targeted() {
		if last == "" {
			return nil
		}
		out := make([]rows.Delta, 0, len(batch))
		for _, r := range batch {
			out = append(out, rows.Delta{Key: r.Key, Source: rows.SourceStream, LastMessage: last})
		}
		return out
	}

	var out []rows.Delta
	for _, r := range batch {
		if !m.Matches(ev, r) {
			continue
		}
		d := rows.Delta{Key: r.Key, Source: rows.SourceStream, LastMessage: last}
		dir := ev.Direction
		if dir == rows.DirectionNone {
			dir = r.Identity.Direction
		}
		switch ev.Kind {
		case KindProgress:
			d.Status = rows.StatusFetching
		case KindSuccess:
			d.Status = rows.StatusSuccess
			d.Direction = dir
		case KindUnauthorized:
			d.Status = rows.StatusUnauthorized
			d.Direction = dir
			d.Error = rows.ErrorText(ev.Message)
		case KindForbidden:
			d.Status = rows.StatusError
			d.Direction = dir
			d.Error = rows.ErrorText(ev.Message)
		case KindFailed:
			d.Status = rows.StatusFailed
			d.Direction = dir
			d.Error = rows.ErrorText(ev.Message)
		case KindDetail:
			d.Detail = ev.Detail
		}
		out = append(out, d)
	}
	return out
}

// Result is the effect of one stream line.
type Result struct {
	Event   Event
	Changed []string
	// Settled holds rows this line moved into a terminal status.
	Settled []rows.Row
}

// Apply classifies line and applies its deltas to store in one critical
// section.
func (m Matcher) Apply(store *rows.Store, line string) Result {
	res := Result{Event: Classify(line)}
	before := make(map[string]rows.Status)
	res.Changed = store.Update(func(batch []rows.Row) []rows.Delta {
		for _, r := range batch {
			before[r.Key] = r.Status
		}
		return m.Deltas(res.Event, batch)
	})
	for _, key := range res.Changed {
		r, ok := store.Get(key)
		if ok && r.Status.Terminal() && !before[key].Terminal() {
			res.Settled = append(res.Settled, r)
		}
	}
	return res
}
