package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pgoc/adsbot/internal/metrics"
	"github.com/pgoc/adsbot/internal/operation"
	"github.com/pgoc/adsbot/internal/rows"
)

const (
	defaultReconnect  = 1500 * time.Millisecond
	defaultIdle       = 5 * time.Second
	defaultIdleNotice = "Waiting for new messages..."
	noActivity        = "No recent activity."
)

// Handler receives each new backend line in arrival order.
type Handler func(line string)

// Options override the operation's stream settings. Zero values keep them.
type Options struct {
	Reconnect time.Duration
	Idle      time.Duration
}

// Consumer owns the subscription of one operation. At most one is live at
// a time: it runs while a scope is selected and the consumer is visible,
// and is torn down on deselect, hide or Close.
type Consumer struct {
	op      operation.Operation
	userID  string
	source  Source
	log     *rows.Log
	handle  Handler
	logger  zerolog.Logger
	metrics *metrics.Metrics

	reconnect  time.Duration
	idle       time.Duration
	idleNotice string
	now        func() time.Time

	mu       sync.Mutex
	scope    string
	selected bool
	visible  bool
	closed   bool
	live     *subscription

	lastMu sync.Mutex
	last   string
}

type subscription struct {
	key    string
	cancel context.CancelFunc
	done   chan struct{}
}

func NewConsumer(op operation.Operation, userID string, source Source, log *rows.Log, handle Handler, opts Options, logger zerolog.Logger, m *metrics.Metrics) *Consumer {
	c := &Consumer{
		op:         op,
		userID:     userID,
		source:     source,
		log:        log,
		handle:     handle,
		logger:     logger.With().Str("operation", op.ID).Logger(),
		metrics:    m,
		reconnect:  firstPositive(opts.Reconnect, op.Stream.Reconnect, defaultReconnect),
		idle:       firstPositive(opts.Idle, op.Stream.Idle, defaultIdle),
		idleNotice: op.Stream.IdleNotice,
		now:        time.Now,
		visible:    true,
	}
	if c.idleNotice == "" {
		c.idleNotice = defaultIdleNotice
	}
	return c
}

func firstPositive(ds ...time.Duration) time.Duration {
	for _, d := range ds {
		if d > 0 {
			return d
		}
	}
	return 0
}

// Select makes scopeID the live scope, replacing any other. Selecting the
// live scope again is a no-op.
func (c *Consumer) Select(scopeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scope = scopeID
	c.selected = true
	c.reconcileLocked()
}

func (c *Consumer) Deselect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selected = false
	c.reconcileLocked()
}

// SetVisible closes the subscription while hidden and reopens it when
// visible again.
func (c *Consumer) SetVisible(visible bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.visible = visible
	c.reconcileLocked()
}

// Live returns the scope key of the open subscription, if any.
func (c *Consumer) Live() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live == nil {
		return "", false
	}
	return c.live.key, true
}

// Close releases the subscription and waits for it to stop. The consumer
// cannot be reopened.
func (c *Consumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.stopLocked()
}

func (c *Consumer) reconcileLocked() {
	want := c.selected && c.visible && !c.closed
	key := c.op.ScopeKey(c.userID, c.scope)

	if c.live != nil && (!want || c.live.key != key) {
		c.stopLocked()
	}
	if want && c.live == nil {
		c.startLocked(key)
	}
}

func (c *Consumer) startLocked(key string) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{key: key, cancel: cancel, done: make(chan struct{})}
	c.live = sub
	go c.run(ctx, sub)
}

func (c *Consumer) stopLocked() {
	if c.live == nil {
		return
	}
	c.live.cancel()
	<-c.live.done
	c.live = nil
}

func (c *Consumer) run(ctx context.Context, sub *subscription) {
	defer close(sub.done)

	c.metrics.SubscriptionOpened(c.op.ID)
	defer c.metrics.SubscriptionClosed(c.op.ID)

	activity := make(chan struct{}, 1)
	idleDone := make(chan struct{})
	go c.watchIdle(ctx, activity, idleDone)
	defer func() { <-idleDone }()

	emit := func(f Frame) {
		select {
		case activity <- struct{}{}:
		default:
		}
		c.deliver(f)
	}

	c.logger.Debug().Str("key", sub.key).Msg("subscription opened")
	for {
		err := c.source.Stream(ctx, sub.key, emit)
		if ctx.Err() != nil {
			c.logger.Debug().Str("key", sub.key).Msg("subscription closed")
			return
		}
		c.logger.Warn().Err(err).Str("key", sub.key).Dur("backoff", c.reconnect).Msg("stream dropped, reconnecting")

		timer := time.NewTimer(c.reconnect)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		c.metrics.Reconnect(c.op.ID)
	}
}

func (c *Consumer) deliver(f Frame) {
	if f.Err != "" {
		c.logger.Debug().Str("key", f.Key).Str("error", f.Err).Msg("stream reported a key problem")
		return
	}
	for _, line := range f.Lines {
		if !c.log.Append(rows.EntryStream, line) {
			continue
		}
		c.lastMu.Lock()
		c.last = line
		c.lastMu.Unlock()
		if !f.Initial && c.handle != nil {
			c.handle(line)
		}
	}
}

// watchIdle runs a heartbeat for every idle window without a frame. It
// exits with ctx, so no heartbeat runs once the subscription is stopped.
func (c *Consumer) watchIdle(ctx context.Context, activity <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTimer(c.idle)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-activity:
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
		case <-t.C:
			if ctx.Err() != nil {
				return
			}
			c.heartbeat()
		}
		t.Reset(c.idle)
	}
}

// heartbeat fills a quiet window with display-only lines. It never
// touches row status.
func (c *Consumer) heartbeat() {
	c.lastMu.Lock()
	last := c.last
	c.lastMu.Unlock()
	if last == "" {
		last = noActivity
	}
	c.log.Append(rows.EntryHeartbeat, "Last Checked Message: "+last)
	c.log.Append(rows.EntryHeartbeat, fmt.Sprintf("%s (%s)", c.idleNotice, c.now().Format("15:04:05")))
}
