package rows

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRow(account string, dir Direction) Row {
	id := Identity{AccountID: account, Direction: dir}
	return Row{
		Key:      id.Key(false),
		Identity: id,
		Payload:  Payload{Fields: map[string]string{"ad_account_id": account}},
	}
}

func loadedStore(rs ...Row) *Store {
	s := NewStore()
	s.Load([]string{"ad_account_id"}, rs)
	return s
}

func TestLoadDefaultsToReadyAndDropsDuplicateKeys(t *testing.T) {
	a := newRow("1", DirectionOn)
	s := loadedStore(a, a, newRow("2", DirectionOff))

	require.Equal(t, 2, s.Len())
	for _, r := range s.Rows() {
		assert.Equal(t, StatusReady, r.Status)
	}
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		name   string
		start  Status
		delta  Delta
		want   Status
		wantOK bool
	}{
		{"dispatch forward", StatusVerified, Delta{Source: SourceDispatch, Status: StatusRequestSent}, StatusRequestSent, true},
		{"stream progress", StatusRequestSent, Delta{Source: SourceStream, Status: StatusFetching}, StatusFetching, true},
		{"stream success", StatusFetching, Delta{Source: SourceStream, Status: StatusSuccess}, StatusSuccess, true},
		{"no regress from terminal", StatusSuccess, Delta{Source: SourceStream, Status: StatusFetching}, StatusSuccess, false},
		{"late request sent ignored", StatusFetching, Delta{Source: SourceDispatch, Status: StatusRequestSent}, StatusFetching, false},
		{"stream ignores ready rows", StatusReady, Delta{Source: SourceStream, Status: StatusSuccess}, StatusReady, false},
		{"stream ignores not verified", StatusNotVerified, Delta{Source: SourceStream, Status: StatusSuccess}, StatusNotVerified, false},
		{"forced verify reset", StatusFailed, Delta{Source: SourceVerify, Status: StatusVerifying, Force: true}, StatusVerifying, true},
		{"terminal to terminal ignored", StatusFailed, Delta{Source: SourceStream, Status: StatusSuccess}, StatusFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRow("1", DirectionOn)
			r.Status = tt.start
			s := loadedStore(r)

			tt.delta.Key = r.Key
			changed := s.Apply(tt.delta)

			got, _ := s.Get(r.Key)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, tt.wantOK, len(changed) == 1)
		})
	}
}

func TestApplySetsDirectionAndErrors(t *testing.T) {
	r := newRow("1", DirectionOff)
	r.Status = StatusVerified
	s := loadedStore(r)

	s.Apply(Delta{Key: r.Key, Source: SourceDispatch, Status: StatusFailed, Direction: DirectionOff, Error: ErrorText("HTTP 500")})
	got, _ := s.Get(r.Key)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, DirectionOff, got.DirectionTag)
	assert.Equal(t, "HTTP 500", got.Error)
	assert.Equal(t, "Failed (OFF)", got.StatusLabel())

	s.Apply(Delta{Key: r.Key, Source: SourceVerify, Status: StatusVerifying, Force: true})
	got, _ = s.Get(r.Key)
	assert.Empty(t, got.Error, "status change clears stale error")
}

func TestApplyIgnoresMissingRows(t *testing.T) {
	s := loadedStore(newRow("1", DirectionOn))
	assert.Empty(t, s.Apply(Delta{Key: "gone", Status: StatusSuccess}))
}

func TestDetailAndLastMessageAttach(t *testing.T) {
	r := newRow("1", DirectionOn)
	r.Status = StatusRequestSent
	s := loadedStore(r)

	s.Apply(Delta{Key: r.Key, Source: SourceStream, Detail: map[string]any{"task": "t1"}, LastMessage: "hello"})
	got, _ := s.Get(r.Key)
	assert.Equal(t, StatusRequestSent, got.Status)
	assert.Equal(t, "t1", got.Detail["task"])
	assert.Equal(t, "hello", got.LastMessage)
}

func TestGetReturnsCopies(t *testing.T) {
	r := newRow("1", DirectionOn)
	r.Identity.Secondary = []string{"Page A"}
	s := loadedStore(r)

	got, _ := s.Get(r.Key)
	got.Identity.Secondary[0] = "mutated"
	got.Payload.Fields["ad_account_id"] = "mutated"

	again, _ := s.Get(r.Key)
	assert.Equal(t, "Page A", again.Identity.Secondary[0])
	assert.Equal(t, "1", again.Payload.Fields["ad_account_id"])
}

func TestSubscribeReceivesChanges(t *testing.T) {
	r := newRow("1", DirectionOn)
	r.Status = StatusVerified
	s := loadedStore(r)

	ch, cancel := s.Subscribe()
	defer cancel()

	s.Apply(Delta{Key: r.Key, Source: SourceDispatch, Status: StatusRequestSent})
	c := <-ch
	assert.Equal(t, []string{r.Key}, c.Keys)

	s.Clear()
	c = <-ch
	assert.True(t, c.Reset)

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestSlowSubscriberGetsReset(t *testing.T) {
	var batch []Row
	for i := 0; i < 20; i++ {
		r := newRow(fmt.Sprintf("%d", 100+i), DirectionOn)
		r.Status = StatusVerified
		batch = append(batch, r)
	}
	s := loadedStore(batch...)

	ch, cancel := s.Subscribe()
	defer cancel()

	for _, r := range batch {
		s.Apply(Delta{Key: r.Key, Source: SourceDispatch, Status: StatusRequestSent})
	}

	var got []Change
	for len(ch) > 0 {
		got = append(got, <-ch)
	}
	require.NotEmpty(t, got)
	assert.LessOrEqual(t, len(got), subscriberBuffer)
	assert.True(t, got[len(got)-1].Reset, "the newest queued change must be a reset")
}

func TestConcurrentApplyIsSerialized(t *testing.T) {
	var batch []Row
	for _, acct := range []string{"1", "2", "3", "4"} {
		r := newRow(acct, DirectionOn)
		r.Status = StatusRequestSent
		batch = append(batch, r)
	}
	s := loadedStore(batch...)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st := StatusFetching
			if i%2 == 0 {
				st = StatusSuccess
			}
			for _, r := range batch {
				s.Apply(Delta{Key: r.Key, Source: SourceStream, Status: st})
			}
		}(i)
	}
	wg.Wait()

	for _, r := range s.Rows() {
		assert.Equal(t, StatusSuccess, r.Status)
	}
	assert.False(t, s.Pending())
}

func TestVerdicts(t *testing.T) {
	v := Verdicts{
		Primary:    &Verdict{OK: true},
		Credential: &Verdict{OK: false, Message: "token expired"},
		Secondary:  &Verdict{OK: false, Message: "page missing"},
	}
	assert.False(t, v.AllOK())
	assert.Equal(t, "token expired", v.FirstFailure())

	v.Credential.OK = true
	v.Secondary.OK = true
	assert.True(t, v.AllOK())
	assert.Empty(t, v.FirstFailure())
}

func TestLogDeduplicatesAndSignals(t *testing.T) {
	l := NewLog()
	sig, cancel := l.Subscribe()
	defer cancel()

	assert.True(t, l.Append(EntryStream, "[10:00] Processing 1 Completed"))
	assert.False(t, l.Append(EntryStream, "[10:00] Processing 1 Completed"))
	assert.True(t, l.Append(EntryHeartbeat, "[10:05] Last Checked Message"))
	<-sig

	assert.Equal(t, 2, l.Len())
	last, ok := l.Last()
	require.True(t, ok)
	assert.Equal(t, "[10:00] Processing 1 Completed", last.Line)

	since := l.Since(1)
	require.Len(t, since, 1)
	assert.Equal(t, 2, since[0].Seq)
}

func TestParseDirection(t *testing.T) {
	assert.Equal(t, DirectionOn, ParseDirection(" on "))
	assert.Equal(t, DirectionOff, ParseDirection("Off"))
	assert.Equal(t, DirectionNone, ParseDirection("maybe"))
}

func TestUpdateComputesFromCurrentRows(t *testing.T) {
	a := newRow("1", DirectionOn)
	a.Status = StatusRequestSent
	b := newRow("2", DirectionOn)
	s := loadedStore(a, b)

	changed := s.Update(func(batch []Row) []Delta {
		var out []Delta
		for _, r := range batch {
			out = append(out, Delta{Key: r.Key, Source: SourceStream, Status: StatusSuccess, Direction: DirectionOn})
		}
		return out
	})

	assert.Equal(t, []string{a.Key}, changed)
	got, _ := s.Get(b.Key)
	assert.Equal(t, StatusReady, got.Status, "stream deltas skip rows never dispatched")
}
