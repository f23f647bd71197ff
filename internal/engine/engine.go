// Package engine runs one bulk operation end to end: import, verify,
// dispatch and live reconciliation, all against a single row store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pgoc/adsbot/internal/bulk"
	"github.com/pgoc/adsbot/internal/dispatch"
	"github.com/pgoc/adsbot/internal/history"
	"github.com/pgoc/adsbot/internal/metrics"
	"github.com/pgoc/adsbot/internal/notify"
	"github.com/pgoc/adsbot/internal/operation"
	"github.com/pgoc/adsbot/internal/reconcile"
	"github.com/pgoc/adsbot/internal/resolver"
	"github.com/pgoc/adsbot/internal/rows"
	"github.com/pgoc/adsbot/internal/stream"
	"github.com/pgoc/adsbot/internal/verify"
)

var ErrClosed = errors.New("engine is closed")

// Backend is everything the engine calls on the remote service.
type Backend interface {
	verify.Backend
	dispatch.Backend
}

// Options tune one engine.
type Options struct {
	UserID string
	Verify verify.Options
	Delay  time.Duration
	Stream stream.Options
}

// Deps are the collaborators an engine is wired with. History, Sealer and
// Metrics are optional.
type Deps struct {
	Backend  Backend
	Resolver *resolver.Resolver
	Source   stream.Source
	History  *history.Store
	Sealer   *history.Sealer
	Notifier notify.Notifier
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

// Engine owns the rows and display log of one operation.
type Engine struct {
	op       operation.Operation
	opts     Options
	store    *rows.Store
	log      *rows.Log
	resolver *resolver.Resolver
	verifier *verify.Client
	dispatch *dispatch.Dispatcher
	runs     *dispatch.RunManager
	matcher  reconcile.Matcher
	consumer *stream.Consumer
	history  *history.Store
	sealer   *history.Sealer
	notifier notify.Notifier
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	scope  string
	closed bool
}

func New(op operation.Operation, opts Options, deps Deps) *Engine {
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.Nop
	}
	logger := deps.Logger.With().Str("operation", op.ID).Logger()
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		op:       op,
		opts:     opts,
		store:    rows.NewStore(),
		log:      rows.NewLog(),
		resolver: deps.Resolver,
		runs:     dispatch.NewRunManager(),
		matcher:  reconcile.NewMatcher(op),
		history:  deps.History,
		sealer:   deps.Sealer,
		notifier: notifier,
		logger:   logger,
		metrics:  deps.Metrics,
		ctx:      ctx,
		cancel:   cancel,
	}
	if e.resolver == nil {
		e.resolver = resolver.NewStatic(nil)
	}

	e.verifier = verify.New(deps.Backend, op, opts.Verify, logger, deps.Metrics)
	e.dispatch = dispatch.New(deps.Backend, op, dispatch.Options{Delay: opts.Delay, UserID: opts.UserID}, e.store, e.log, notifier, logger).
		WithMetrics(deps.Metrics)
	if deps.History != nil {
		e.dispatch.WithRecorder(deps.History)
	}
	if deps.Source != nil {
		e.consumer = stream.NewConsumer(op, opts.UserID, deps.Source, e.log, e.handleLine, opts.Stream, logger, deps.Metrics)
	}
	return e
}

func (e *Engine) Operation() operation.Operation { return e.op }
func (e *Engine) Store() *rows.Store             { return e.store }
func (e *Engine) Log() *rows.Log                 { return e.log }
func (e *Engine) Runs() *dispatch.RunManager     { return e.runs }

// Import replaces the rows with the parsed contents of r. A schema error
// aborts the import and leaves the current rows untouched.
func (e *Engine) Import(ctx context.Context, r io.Reader) (*bulk.Result, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if !e.resolver.Loaded() {
		if err := e.resolver.Load(ctx); err != nil {
			e.notifier.Notify(notify.Error, err.Error())
			return nil, err
		}
	}

	res, err := bulk.NewParser(e.op, e.resolver).Parse(r)
	if err != nil {
		e.notifier.Notify(notify.Error, err.Error())
		return nil, err
	}

	e.store.Load(res.Columns, res.Rows)
	e.metrics.RowsImported(e.op.ID, len(res.Rows))
	e.logger.Info().Int("rows", len(res.Rows)).Int("conflicts", len(res.Conflicts)).Int("invalid", len(res.Invalid)).Msg("import finished")

	if len(res.Conflicts) > 0 {
		e.notifier.Notify(notify.Warning, conflictSummary(res.Conflicts))
	}
	if len(res.Invalid) > 0 {
		e.notifier.Notify(notify.Warning, fmt.Sprintf("%d rows skipped: %s", len(res.Invalid), res.Invalid[0].Error()))
	}
	if len(res.UnresolvedAliases) > 0 {
		e.notifier.Notify(notify.Warning, fmt.Sprintf("unknown aliases: %v", res.UnresolvedAliases))
	}
	e.notifier.Notify(notify.Success, fmt.Sprintf("Imported %d rows.", len(res.Rows)))
	return res, nil
}

func conflictSummary(conflicts []bulk.IdentityConflict) string {
	if len(conflicts) == 1 {
		return conflicts[0].Error()
	}
	return fmt.Sprintf("%d identities have conflicting on/off status; first: %s", len(conflicts), conflicts[0].Error())
}

// verifiable rows are not waiting on a response or a stream message.
func verifiable(r rows.Row) bool {
	return r.Status != rows.StatusVerifying && !r.Status.InFlight()
}

// Verify checks every verifiable row with the backend and applies the
// verdicts. It blocks until all chunks are answered.
func (e *Engine) Verify(ctx context.Context) (verify.Outcome, error) {
	if err := e.checkOpen(); err != nil {
		return verify.Outcome{}, err
	}
	batch := e.store.Filter(verifiable)
	if len(batch) == 0 {
		e.notifier.Notify(notify.Info, "No rows to verify.")
		return verify.Outcome{}, nil
	}

	e.store.Apply(verify.Verifying(batch)...)
	out := e.verifier.Verify(ctx, batch)
	e.store.Apply(out.Deltas...)

	for _, f := range out.Failures {
		e.notifier.Notify(notify.Error, f.Error())
	}
	e.notifier.Notify(notify.Info, fmt.Sprintf("Verified %d of %d rows.", out.Verified, len(batch)))
	return out, nil
}

// Execute starts a dispatch run over the Verified rows and opens the
// subscription so results reconcile as they arrive. It returns at once;
// wait on Run.Done for completion.
func (e *Engine) Execute() (*dispatch.Run, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	run, err := e.runs.Create(e.ctx, e.op.ID)
	if err != nil {
		return nil, err
	}

	batch := e.store.Rows()
	if e.consumer != nil && len(dispatch.Eligible(batch)) > 0 {
		e.SelectScope(e.defaultScope(batch))
	}

	go e.dispatch.Execute(run, batch)
	return run, nil
}

// Cancel stops a run between rows.
func (e *Engine) Cancel(runID string) error {
	run := e.runs.Get(runID)
	if run == nil {
		return fmt.Errorf("run %s not found", runID)
	}
	run.Cancel()
	return nil
}

func (e *Engine) defaultScope(batch []rows.Row) string {
	e.mu.Lock()
	scope := e.scope
	e.mu.Unlock()
	if scope != "" || !e.op.Stream.Scoped {
		return scope
	}
	if eligible := dispatch.Eligible(batch); len(eligible) > 0 {
		return eligible[0].Identity.AccountID
	}
	return ""
}

// SelectScope opens the subscription for scopeID (an account for scoped
// streams, ignored otherwise).
func (e *Engine) SelectScope(scopeID string) {
	e.mu.Lock()
	e.scope = scopeID
	closed := e.closed
	e.mu.Unlock()
	if e.consumer != nil && !closed {
		e.consumer.Select(scopeID)
	}
}

func (e *Engine) Deselect() {
	if e.consumer != nil {
		e.consumer.Deselect()
	}
}

func (e *Engine) SetVisible(visible bool) {
	if e.consumer != nil {
		e.consumer.SetVisible(visible)
	}
}

// Subscription returns the live scope key, if any.
func (e *Engine) Subscription() (string, bool) {
	if e.consumer == nil {
		return "", false
	}
	return e.consumer.Live()
}

// HandleLine feeds one backend line through reconciliation. The consumer
// calls it for every new stream line.
func (e *Engine) HandleLine(line string) reconcile.Result {
	res := e.matcher.Apply(e.store, line)
	e.metrics.StreamEvent(e.op.ID, string(res.Event.Kind))

	for _, r := range res.Settled {
		if e.history != nil {
			if err := e.history.UpdateFinalStatus(e.op.ID, r.Key, r.StatusLabel(), r.Error); err != nil {
				e.logger.Warn().Err(err).Str("row", r.Key).Msg("failed to record final status")
			}
		}
		if r.Status != rows.StatusSuccess {
			e.notifier.Notify(notify.Error, fmt.Sprintf("%s: %s", dispatch.Describe(e.op, r), r.Error))
		}
	}
	return res
}

func (e *Engine) handleLine(line string) { e.HandleLine(line) }

// Export writes the rows in import format plus their status.
func (e *Engine) Export(w io.Writer) error {
	return bulk.NewExporter(e.op).Write(w, e.store.Columns(), e.store.Rows())
}

// Clear drops every row. The display log is kept.
func (e *Engine) Clear() {
	e.store.Clear()
}

// WaitSettled blocks until no row is verifying or in flight, or ctx ends.
func (e *Engine) WaitSettled(ctx context.Context) error {
	changes, unsubscribe := e.store.Subscribe()
	defer unsubscribe()
	for {
		if !e.store.Pending() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changes:
		case <-time.After(time.Second):
		}
	}
}

// Close cancels any run and releases the subscription.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	if e.consumer != nil {
		e.consumer.Close()
	}
}

func (e *Engine) checkOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}
