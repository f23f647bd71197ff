// Package dispatch sends execution requests for verified rows, one at a
// time with a fixed delay between them.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pgoc/adsbot/internal/backend"
	"github.com/pgoc/adsbot/internal/history"
	"github.com/pgoc/adsbot/internal/metrics"
	"github.com/pgoc/adsbot/internal/notify"
	"github.com/pgoc/adsbot/internal/operation"
	"github.com/pgoc/adsbot/internal/rows"
)

const (
	defaultDelay      = 5 * time.Second
	requestTimeout    = 30 * time.Second
	timestampLayout   = "2006-01-02 15:04:05"
	NoVerifiedRowsMsg = "No verified rows to run."
)

type Backend interface {
	Dispatch(ctx context.Context, endpoint string, req backend.DispatchRequest) (*backend.DispatchResponse, error)
	CheckCodes(ctx context.Context, endpoint string, codes []string) (*backend.CodeCheck, error)
}

// Recorder persists dispatch attempts. history.Store implements it.
type Recorder interface {
	Add(record *history.Record) error
}

// Sink receives the effects of a run.
type Sink interface {
	Apply(deltas ...rows.Delta) []string
}

type Options struct {
	Delay  time.Duration
	UserID string
}

type Dispatcher struct {
	backend  Backend
	op       operation.Operation
	opts     Options
	store    Sink
	log      *rows.Log
	notifier notify.Notifier
	recorder Recorder
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

func New(b Backend, op operation.Operation, opts Options, store Sink, log *rows.Log, notifier notify.Notifier, logger zerolog.Logger) *Dispatcher {
	if notifier == nil {
		notifier = notify.Nop
	}
	return &Dispatcher{
		backend:  b,
		op:       op,
		opts:     opts,
		store:    store,
		log:      log,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func (d *Dispatcher) WithRecorder(r Recorder) *Dispatcher {
	d.recorder = r
	return d
}

func (d *Dispatcher) WithMetrics(m *metrics.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// Eligible returns the rows a run would dispatch.
func Eligible(batch []rows.Row) []rows.Row {
	var out []rows.Row
	for _, r := range batch {
		if r.Status == rows.StatusVerified {
			out = append(out, r)
		}
	}
	return out
}

// Execute runs batch under run and finishes it. Only Verified rows are
// sent; with none there is no network call and exactly one info notice.
// One row's failure never stops the rest.
func (d *Dispatcher) Execute(run *Run, batch []rows.Row) {
	ctx := run.Context()
	eligible := Eligible(batch)
	if len(eligible) == 0 {
		d.notifier.Notify(notify.Info, NoVerifiedRowsMsg)
		run.Complete()
		return
	}

	eligible, skipped, err := d.checkCodes(ctx, run.ID(), eligible)
	if err != nil {
		msg := "campaign code check failed: " + err.Error()
		d.appendLog("❌ " + msg)
		d.notifier.Notify(notify.Error, msg)
		run.StopWithError(msg)
		return
	}
	run.setTotal(len(eligible)+skipped, skipped)

	sent, failed := 0, 0
	for i, r := range eligible {
		if ctx.Err() != nil || run.IsCancelled() {
			break
		}
		desc := Describe(d.op, r)
		run.Update(sent, failed, desc)

		if d.send(ctx, run, r, desc) {
			sent++
		} else {
			failed++
		}
		run.Update(sent, failed, desc)

		if i < len(eligible)-1 && !run.IsCancelled() {
			if !d.sleep(ctx, d.delay()) {
				break
			}
		}
	}

	if run.IsCancelled() {
		d.appendLog(fmt.Sprintf("⏹ Run cancelled after %d of %d rows.", sent+failed, len(eligible)))
		d.notifier.Notify(notify.Warning, "Run cancelled.")
	}
	d.logger.Info().Str("run", run.ID()).Int("sent", sent).Int("failed", failed).Int("skipped", skipped).Msg("run finished")
	run.Complete()
}

func (d *Dispatcher) delay() time.Duration {
	if d.opts.Delay > 0 {
		return d.opts.Delay
	}
	if d.opts.Delay < 0 {
		return 0
	}
	return defaultDelay
}

func (d *Dispatcher) send(ctx context.Context, run *Run, r rows.Row, desc string) bool {
	d.appendLog("⏳ Processing " + desc)

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	start := d.now()
	resp, err := d.backend.Dispatch(reqCtx, d.op.Endpoints.Dispatch, backend.DispatchRequest{
		UserID:     d.opts.UserID,
		AccountID:  r.Identity.AccountID,
		Credential: r.Credential.Reveal(),
		Payload:    Payload(d.op, r),
	})
	cancel()
	elapsed := d.now().Sub(start)

	record := &history.Record{
		RunID:     run.ID(),
		Operation: d.op.ID,
		RowKey:    r.Key,
		AccountID: r.Identity.AccountID,
		Direction: string(r.Identity.Direction),
		Alias:     r.CredentialAlias,
		SentAt:    start,
	}

	if err != nil {
		msg := err.Error()
		d.store.Apply(rows.Delta{
			Key:       r.Key,
			Source:    rows.SourceDispatch,
			Status:    rows.StatusFailed,
			Direction: r.Identity.Direction,
			Error:     rows.ErrorText(msg),
		})
		d.appendLog(fmt.Sprintf("❌ Error for %s: %s", desc, msg))
		d.notifier.Notify(notify.Error, fmt.Sprintf("%s: %s", desc, msg))
		d.metrics.Dispatched(d.op.ID, string(history.OutcomeFailed), elapsed)
		record.Outcome = history.OutcomeFailed
		record.Error = msg
		d.record(record)
		return false
	}

	delta := rows.Delta{
		Key:       r.Key,
		Source:    rows.SourceDispatch,
		Status:    rows.StatusRequestSent,
		Direction: r.Identity.Direction,
	}
	if resp != nil && len(resp.Tasks) > 0 {
		tasks := make([]any, len(resp.Tasks))
		for i, t := range resp.Tasks {
			tasks[i] = map[string]any(t)
		}
		delta.Detail = map[string]any{"tasks": tasks}
	}
	d.store.Apply(delta)

	d.appendLog("✅ Request sent for " + desc)
	if resp != nil {
		for _, t := range resp.Tasks {
			d.appendLog(fmt.Sprintf("Task Created: %s - Status: %s - Message: %s",
				t.String("campaign_name"), t.String("status"), t.String("message")))
		}
	}
	d.metrics.Dispatched(d.op.ID, string(history.OutcomeSent), elapsed)
	record.Outcome = history.OutcomeSent
	d.record(record)
	return true
}

// checkCodes fails and drops rows whose existence-checked code the
// backend does not know. A failed check is returned as an error and nothing runs.
func (d *Dispatcher) checkCodes(ctx context.Context, runID string, batch []rows.Row) ([]rows.Row, int, error) {
	if d.op.CodeField == "" || d.op.Endpoints.Codes == "" {
		return batch, 0, nil
	}

	seen := make(map[string]bool)
	var codes []string
	for _, r := range batch {
		c := strings.TrimSpace(r.Payload.Get(d.op.CodeField))
		if c != "" && !seen[c] {
			seen[c] = true
			codes = append(codes, c)
		}
	}
	if len(codes) == 0 {
		return batch, 0, nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	check, err := d.backend.CheckCodes(reqCtx, d.op.Endpoints.Codes, codes)
	if err != nil {
		return nil, 0, err
	}

	missing := make(map[string]bool, len(check.MissingCodes))
	for _, c := range check.MissingCodes {
		missing[strings.TrimSpace(c)] = true
	}
	if len(missing) == 0 {
		return batch, 0, nil
	}

	var (
		kept   []rows.Row
		deltas []rows.Delta
	)
	for _, r := range batch {
		code := strings.TrimSpace(r.Payload.Get(d.op.CodeField))
		if !missing[code] {
			kept = append(kept, r)
			continue
		}
		deltas = append(deltas, rows.Delta{
			Key:       r.Key,
			Source:    rows.SourceDispatch,
			Status:    rows.StatusFailed,
			Direction: r.Identity.Direction,
			Error:     rows.ErrorText(fmt.Sprintf("%s %q does not exist", d.op.CodeField, code)),
		})
		d.record(&history.Record{
			RunID:     runID,
			Operation: d.op.ID,
			RowKey:    r.Key,
			AccountID: r.Identity.AccountID,
			Direction: string(r.Identity.Direction),
			Alias:     r.CredentialAlias,
			Outcome:   history.OutcomeSkipped,
			Error:     "missing " + d.op.CodeField,
			SentAt:    d.now(),
		})
	}
	d.store.Apply(deltas...)

	list := make([]string, 0, len(missing))
	for c := range missing {
		list = append(list, c)
	}
	sort.Strings(list)
	msg := fmt.Sprintf("Skipped %d rows with unknown %s: %s", len(deltas), d.op.CodeField, strings.Join(list, ", "))
	d.appendLog("⚠️ " + msg)
	d.notifier.Notify(notify.Warning, msg)
	return kept, len(deltas), nil
}

func (d *Dispatcher) record(rec *history.Record) {
	if d.recorder == nil {
		return
	}
	if err := d.recorder.Add(rec); err != nil {
		d.logger.Warn().Err(err).Str("row", rec.RowKey).Msg("failed to record dispatch")
	}
}

func (d *Dispatcher) appendLog(line string) {
	if d.log == nil {
		return
	}
	d.log.Append(rows.EntryEngine, "["+d.now().Format(timestampLayout)+"] "+line)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
