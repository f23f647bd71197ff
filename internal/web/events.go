package web

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"

	"github.com/pgoc/adsbot/internal/engine"
	"github.com/pgoc/adsbot/internal/rows"
)

type rowsEvent struct {
	Reset  bool                `json:"reset"`
	Rows   []rows.Row          `json:"rows"`
	Counts map[rows.Status]int `json:"counts"`
}

func writeEvent(w io.Writer, event string, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func changedRows(e *engine.Engine, c rows.Change) rowsEvent {
	if c.Reset {
		return rowsEvent{Reset: true, Rows: e.Store().Rows(), Counts: e.Store().Counts()}
	}
	out := rowsEvent{Rows: make([]rows.Row, 0, len(c.Keys)), Counts: e.Store().Counts()}
	for _, k := range c.Keys {
		if r, ok := e.Store().Get(k); ok {
			out.Rows = append(out.Rows, r)
		}
	}
	return out
}

// handleEvents relays row changes, display log lines and notifications to
// the browser until it disconnects. The first "rows" event is a full
// reset; later ones carry only the rows that moved.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	oc, ok := s.operationEngine(w, r)
	if !ok {
		return
	}
	e := oc.engine

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug().Err(err).Msg("event stream keeps the server write timeout")
	}

	changes, unsubscribe := e.Store().Subscribe()
	defer unsubscribe()
	logSignal, unsubscribeLog := e.Log().Subscribe()
	defer unsubscribeLog()

	logSeq, _ := strconv.Atoi(r.URL.Query().Get("since"))
	noticeSeq := oc.board.last()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(event string, v any) bool {
		if err := writeEvent(w, event, v); err != nil {
			return false
		}
		return rc.Flush() == nil
	}
	sendLog := func() bool {
		entries := e.Log().Since(logSeq)
		if len(entries) == 0 {
			return true
		}
		logSeq = entries[len(entries)-1].Seq
		return send("log", entries)
	}

	if !send("rows", rowsEvent{Reset: true, Rows: e.Store().Rows(), Counts: e.Store().Counts()}) || !sendLog() {
		return
	}

	ping := time.NewTicker(eventPing)
	defer ping.Stop()

	for {
		noticeWait := oc.board.wait()
		if pending := oc.board.since(noticeSeq); len(pending) > 0 {
			noticeSeq = pending[len(pending)-1].Seq
			if !send("notice", pending) {
				return
			}
		}

		select {
		case <-r.Context().Done():
			return
		case c, open := <-changes:
			if !open || !send("rows", changedRows(e, c)) {
				return
			}
		case _, open := <-logSignal:
			if !open || !sendLog() {
				return
			}
		case <-noticeWait:
		case <-ping.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil || rc.Flush() != nil {
				return
			}
		}
	}
}
