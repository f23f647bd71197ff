package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pgoc/adsbot/internal/backend"
	"github.com/pgoc/adsbot/internal/operation"
	"github.com/pgoc/adsbot/internal/rows"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	)
}

type fakeSource struct {
	mu        sync.Mutex
	keys      []string
	failFirst bool
	frames    []Frame

	active    atomic.Int32
	maxActive atomic.Int32
}

func (f *fakeSource) Stream(ctx context.Context, key string, emit func(Frame)) error {
	f.mu.Lock()
	f.keys = append(f.keys, key)
	n := len(f.keys)
	f.mu.Unlock()

	cur := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		old := f.maxActive.Load()
		if cur <= old || f.maxActive.CompareAndSwap(old, cur) {
			break
		}
	}

	if n == 1 && f.failFirst {
		return errors.New("connection reset")
	}
	for _, fr := range f.frames {
		emit(fr)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeSource) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

func builtin(t *testing.T, id string) operation.Operation {
	t.Helper()
	op := operation.Builtin().FindByID(id)
	require.NotNil(t, op)
	return *op
}

type lineRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *lineRecorder) handle(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
}

func (r *lineRecorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func TestReconnectsOnceAfterBackoff(t *testing.T) {
	src := &fakeSource{failFirst: true}
	c := NewConsumer(builtin(t, operation.Adsets), "u1", src, rows.NewLog(), nil,
		Options{Reconnect: 20 * time.Millisecond, Idle: time.Hour}, zerolog.Nop(), nil)
	defer c.Close()

	c.Select("")
	assert.Eventually(t, func() bool { return len(src.calls()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []string{"u1-key", "u1-key"}, src.calls(), "exactly one reconnect")
	assert.EqualValues(t, 1, src.maxActive.Load())
}

func TestAtMostOneLiveSubscription(t *testing.T) {
	src := &fakeSource{}
	c := NewConsumer(builtin(t, operation.Schedule), "u1", src, rows.NewLog(), nil,
		Options{Reconnect: time.Hour, Idle: time.Hour}, zerolog.Nop(), nil)
	defer c.Close()

	c.Select("111")
	c.Select("111")
	assert.Eventually(t, func() bool { return len(src.calls()) == 1 }, time.Second, 5*time.Millisecond)
	key, live := c.Live()
	assert.True(t, live)
	assert.Equal(t, "u1-111-key", key)

	c.Select("222")
	key, _ = c.Live()
	assert.Equal(t, "u1-222-key", key)

	c.SetVisible(false)
	_, live = c.Live()
	assert.False(t, live)

	c.SetVisible(true)
	_, live = c.Live()
	assert.True(t, live)

	c.Deselect()
	_, live = c.Live()
	assert.False(t, live)

	assert.Eventually(t, func() bool { return src.active.Load() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"u1-111-key", "u1-222-key", "u1-222-key"}, src.calls())
	assert.EqualValues(t, 1, src.maxActive.Load())
}

func TestCloseIsFinal(t *testing.T) {
	src := &fakeSource{}
	c := NewConsumer(builtin(t, operation.Adsets), "u1", src, rows.NewLog(), nil, Options{Idle: time.Hour}, zerolog.Nop(), nil)
	c.Select("")
	c.Close()
	c.Select("")
	_, live := c.Live()
	assert.False(t, live)
}

func TestOnlyNewBackendLinesAreHandled(t *testing.T) {
	src := &fakeSource{frames: []Frame{
		{Initial: true, Lines: []string{"Last Message: {'message': ['old']}"}},
		{Lines: []string{"[t1] one", "[t2] two"}},
		{Lines: []string{"[t1] one", "[t2] two", "[t3] three"}},
		{Err: "Key does not exist"},
	}}
	log := rows.NewLog()
	rec := &lineRecorder{}
	c := NewConsumer(builtin(t, operation.Adsets), "u1", src, log, rec.handle, Options{Idle: time.Hour}, zerolog.Nop(), nil)
	defer c.Close()

	c.Select("")
	assert.Eventually(t, func() bool { return len(rec.get()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"[t1] one", "[t2] two", "[t3] three"}, rec.get())
	assert.Equal(t, 4, log.Len())
}

func TestHeartbeatIsDisplayOnly(t *testing.T) {
	src := &fakeSource{frames: []Frame{{Lines: []string{"[t1] Campaign updates completed for 1 (ON)"}}}}
	log := rows.NewLog()
	rec := &lineRecorder{}
	c := NewConsumer(builtin(t, operation.Schedule), "u1", src, log, rec.handle, Options{Idle: 20 * time.Millisecond}, zerolog.Nop(), nil)
	defer c.Close()

	c.Select("1")
	assert.Eventually(t, func() bool { return log.Len() >= 3 }, time.Second, 5*time.Millisecond)

	var heartbeats []string
	for _, e := range log.Entries() {
		if e.Kind == rows.EntryHeartbeat {
			heartbeats = append(heartbeats, e.Line)
		}
	}
	require.GreaterOrEqual(t, len(heartbeats), 2)
	assert.Equal(t, "Last Checked Message: [t1] Campaign updates completed for 1 (ON)", heartbeats[0])
	assert.True(t, strings.HasPrefix(heartbeats[1], "Waiting for Scheduled Campaign ON/OFF... ("))
	assert.Len(t, rec.get(), 1)
}

func TestHeartbeatRepeatsWhileSilentAndStopsOnClose(t *testing.T) {
	src := &fakeSource{}
	log := rows.NewLog()
	c := NewConsumer(builtin(t, operation.PageName), "u1", src, log, nil, Options{Idle: 10 * time.Millisecond}, zerolog.Nop(), nil)

	var tick atomic.Int64
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base.Add(time.Duration(tick.Add(1)) * time.Second) }

	waiting := func() int {
		n := 0
		for _, e := range log.Entries() {
			if e.Kind == rows.EntryHeartbeat && strings.HasPrefix(e.Line, "Waiting for new messages...") {
				n++
			}
		}
		return n
	}

	c.Select("1")
	assert.Eventually(t, func() bool { return waiting() >= 3 }, time.Second, 5*time.Millisecond)

	c.Close()
	after := log.Len()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, log.Len())
}

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		lines   []string
		initial bool
		err     string
	}{
		{"list", `{"key":"u-key","data":{"message":["[a] one","[b] two"]}}`, []string{"[a] one", "[b] two"}, false, ""},
		{"string", `{"key":"u-key","data":{"message":"[a] one"}}`, []string{"[a] one"}, false, ""},
		{"initial", `{"key":"u-key","data":" Last Message: {'message': ['x']}"}`, []string{"Last Message: {'message': ['x']}"}, true, ""},
		{"error", `{"key":"u-key","error":"Key does not exist"}`, nil, false, "Key does not exist"},
		{"no message", `{"key":"u-key","data":{}}`, nil, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := DecodeFrame([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, "u-key", f.Key)
			assert.Equal(t, tt.lines, f.Lines)
			assert.Equal(t, tt.initial, f.Initial)
			assert.Equal(t, tt.err, f.Err)
		})
	}

	_, err := DecodeFrame([]byte("not json"))
	assert.Error(t, err)
}

func TestSSESourceReadsFrames(t *testing.T) {
	var gotKey, gotHeader string
	r := chi.NewRouter()
	r.Get("/api/v1/messageevents-adsets", func(w http.ResponseWriter, req *http.Request) {
		gotKey = req.URL.Query().Get("keys")
		gotHeader = req.Header.Get("ngrok-skip-browser-warning")
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"key\":\"u1-key\",\"data\":\" Last Message: {}\"}\n\n")
		fmt.Fprint(w, ": comment\n")
		fmt.Fprint(w, "data: {\"key\":\"u1-key\",\"data\":{\"message\":[\"[t] hello\"]}}\n\n")
		fmt.Fprint(w, "data: garbage\n\n")
		w.(http.Flusher).Flush()
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	client := backend.New(srv.URL, "u1", time.Second, zerolog.Nop())
	src := NewSSESource(client, "/api/v1/messageevents-adsets", zerolog.Nop())

	var frames []Frame
	err := src.Stream(context.Background(), "u1-key", func(f Frame) { frames = append(frames, f) })
	assert.ErrorIs(t, err, ErrStreamClosed)
	assert.Equal(t, "u1-key", gotKey)
	assert.Equal(t, "true", gotHeader)
	require.Len(t, frames, 2)
	assert.True(t, frames[0].Initial)
	assert.Equal(t, []string{"[t] hello"}, frames[1].Lines)
	client.CloseIdleConnections()
}

func TestSSESourceStopsOnCancel(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/events", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-req.Context().Done()
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	client := backend.New(srv.URL, "u1", time.Second, zerolog.Nop())
	src := NewSSESource(client, "/events", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Stream(ctx, "k", func(Frame) {}) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop on cancel")
	}
	client.CloseIdleConnections()
}
