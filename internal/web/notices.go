package web

import (
	"sync"
	"time"

	"github.com/pgoc/adsbot/internal/notify"
)

const maxNotices = 200

type notice struct {
	Seq     int          `json:"seq"`
	At      time.Time    `json:"at"`
	Level   notify.Level `json:"level"`
	Message string       `json:"message"`
}

// noticeBoard keeps the recent notifications of one engine for the
// browser. Readers wait on changed() and then read since their last seq.
type noticeBoard struct {
	mu      sync.Mutex
	seq     int
	notices []notice
	changed chan struct{}
}

func newNoticeBoard() *noticeBoard {
	return &noticeBoard{changed: make(chan struct{})}
}

func (b *noticeBoard) Notify(level notify.Level, msg string) {
	b.mu.Lock()
	b.seq++
	b.notices = append(b.notices, notice{Seq: b.seq, At: time.Now(), Level: level, Message: msg})
	if len(b.notices) > maxNotices {
		b.notices = append([]notice(nil), b.notices[len(b.notices)-maxNotices:]...)
	}
	close(b.changed)
	b.changed = make(chan struct{})
	b.mu.Unlock()
}

// wait returns a channel closed by the next Notify.
func (b *noticeBoard) wait() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.changed
}

func (b *noticeBoard) since(seq int) []notice {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []notice
	for _, n := range b.notices {
		if n.Seq > seq {
			out = append(out, n)
		}
	}
	return out
}

func (b *noticeBoard) last() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}
