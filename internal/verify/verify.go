// Package verify submits rows to an operation's verification endpoint
// and folds the verdicts back into row deltas.
package verify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pgoc/adsbot/internal/backend"
	"github.com/pgoc/adsbot/internal/metrics"
	"github.com/pgoc/adsbot/internal/operation"
	"github.com/pgoc/adsbot/internal/rows"
)

const (
	defaultBatchSize   = 50
	defaultConcurrency = 4
)

type Backend interface {
	Verify(ctx context.Context, endpoint string, items []backend.VerifyItem) (*backend.VerifyResponse, error)
}

type Options struct {
	BatchSize   int
	Concurrency int
}

// VerificationFailure reports a chunk whose call failed. Every row of the
// chunk was marked Not Verified with the transport message.
type VerificationFailure struct {
	Chunk int
	Rows  int
	Err   error
}

func (f *VerificationFailure) Error() string {
	return fmt.Sprintf("verification of %d rows failed: %v", f.Rows, f.Err)
}

func (f *VerificationFailure) Unwrap() error { return f.Err }

// Outcome is the result of one verification round. Deltas cover every
// submitted row.
type Outcome struct {
	Deltas   []rows.Delta
	Verified int
	Failures []*VerificationFailure
}

type Client struct {
	backend Backend
	op      operation.Operation
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func New(b Backend, op operation.Operation, opts Options, logger zerolog.Logger, m *metrics.Metrics) *Client {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	return &Client{backend: b, op: op, opts: opts, logger: logger, metrics: m}
}

// Verifying returns the deltas that mark rows as in verification.
func Verifying(batch []rows.Row) []rows.Delta {
	out := make([]rows.Delta, 0, len(batch))
	for _, r := range batch {
		out = append(out, rows.Delta{
			Key:      r.Key,
			Source:   rows.SourceVerify,
			Status:   rows.StatusVerifying,
			Error:    rows.ErrorText(""),
			Verdicts: &rows.Verdicts{},
			Force:    true,
		})
	}
	return out
}

// Verify never returns an error: transport problems become Not Verified
// rows and are listed in Outcome.Failures.
func (c *Client) Verify(ctx context.Context, batch []rows.Row) Outcome {
	var (
		out       Outcome
		submitted []rows.Row
	)
	for _, r := range batch {
		if r.Unresolved || r.Credential.IsZero() {
			out.Deltas = append(out.Deltas, notVerified(r.Key, fmt.Sprintf("unknown alias %q", r.CredentialAlias), &rows.Verdicts{
				Credential: &rows.Verdict{Message: fmt.Sprintf("unknown alias %q", r.CredentialAlias)},
			}))
			continue
		}
		submitted = append(submitted, r)
	}

	var chunks [][]rows.Row
	for start := 0; start < len(submitted); start += c.opts.BatchSize {
		end := min(start+c.opts.BatchSize, len(submitted))
		chunks = append(chunks, submitted[start:end])
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			deltas, failure := c.verifyChunk(gctx, i, chunk)
			mu.Lock()
			out.Deltas = append(out.Deltas, deltas...)
			if failure != nil {
				out.Failures = append(out.Failures, failure)
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	for _, d := range out.Deltas {
		ok := d.Status == rows.StatusVerified
		if ok {
			out.Verified++
		}
		c.metrics.RowVerified(c.op.ID, ok)
	}
	return out
}

func (c *Client) verifyChunk(ctx context.Context, idx int, chunk []rows.Row) ([]rows.Delta, *VerificationFailure) {
	items := make([]backend.VerifyItem, len(chunk))
	for i, r := range chunk {
		items[i] = backend.VerifyItem{
			AccountID:       r.Identity.AccountID,
			Credential:      r.Credential.Reveal(),
			SecondaryEntity: c.secondaryEntity(r),
		}
	}

	resp, err := c.backend.Verify(ctx, c.op.Endpoints.Verify, items)
	if err != nil {
		c.logger.Warn().Err(err).Int("chunk", idx).Int("rows", len(chunk)).Msg("verification call failed")
		msg := "verification failed: " + err.Error()
		deltas := make([]rows.Delta, len(chunk))
		for i, r := range chunk {
			deltas[i] = notVerified(r.Key, msg, &rows.Verdicts{})
		}
		return deltas, &VerificationFailure{Chunk: idx, Rows: len(chunk), Err: err}
	}
	return Merge(c.op, chunk, items, resp.VerifiedAccounts), nil
}

func (c *Client) secondaryEntity(r rows.Row) string {
	if c.op.SecondaryField != "" {
		sep := c.op.SecondarySeparator
		if sep == "" {
			sep = ", "
		}
		return strings.Join(r.Identity.Secondary, sep)
	}
	if c.op.CodeField != "" {
		return r.Payload.Get(c.op.CodeField)
	}
	return ""
}

func mergeKey(account, credential, secondary string) string {
	return strings.TrimSpace(account) + "\x00" + credential + "\x00" + strings.ToLower(strings.TrimSpace(secondary))
}

// Merge matches verdicts back to submitted rows by (account, credential,
// secondary entity). items[i] is what was sent for chunk[i]. A verdict
// that omits the secondary entity matches on account and credential.
// A row is Verified only when every check op requires came back true.
func Merge(op operation.Operation, chunk []rows.Row, items []backend.VerifyItem, verdicts []backend.VerifiedAccount) []rows.Delta {
	index := make(map[string]backend.VerifiedAccount, len(verdicts))
	for _, v := range verdicts {
		k := mergeKey(v.AccountID, v.Credential, v.SecondaryEntity)
		if _, dup := index[k]; !dup {
			index[k] = v
		}
	}

	deltas := make([]rows.Delta, len(chunk))
	for i, r := range chunk {
		item := items[i]
		v, ok := index[mergeKey(item.AccountID, item.Credential, item.SecondaryEntity)]
		if !ok && item.SecondaryEntity != "" {
			v, ok = index[mergeKey(item.AccountID, item.Credential, "")]
		}
		if !ok {
			msg := fmt.Sprintf("account %s not found or credential for %q not recognized", r.Identity.AccountID, r.CredentialAlias)
			deltas[i] = notVerified(r.Key, msg, &rows.Verdicts{Primary: &rows.Verdict{Message: msg}})
			continue
		}

		vs := rows.Verdicts{
			Primary:    verdict(v.PrimaryStatus, v.PrimaryError, "ad account not verified", op.Requires(operation.CheckPrimary)),
			Credential: verdict(v.CredentialStatus, v.CredentialError, "credential not verified", op.Requires(operation.CheckCredential)),
			Secondary:  verdict(v.SecondaryStatus, v.SecondaryError, "not found", op.Requires(operation.CheckSecondary)),
		}
		if vs.AllOK() {
			deltas[i] = rows.Delta{
				Key:      r.Key,
				Source:   rows.SourceVerify,
				Status:   rows.StatusVerified,
				Error:    rows.ErrorText(""),
				Verdicts: &vs,
				Force:    true,
			}
			continue
		}
		deltas[i] = notVerified(r.Key, vs.FirstFailure(), &vs)
	}
	return deltas
}

// verdict fails an absent status only when the check is required. Checks
// that do not apply to the operation pass unless reported as false.
func verdict(f backend.Flag, msg, fallback string, required bool) *rows.Verdict {
	if !f.Set {
		if required {
			return &rows.Verdict{OK: false, Message: fallback + ": no verdict returned"}
		}
		return &rows.Verdict{OK: true}
	}
	if f.OK {
		return &rows.Verdict{OK: true, Message: msg}
	}
	if msg == "" {
		msg = fallback
	}
	return &rows.Verdict{OK: false, Message: msg}
}

func notVerified(key, msg string, v *rows.Verdicts) rows.Delta {
	return rows.Delta{
		Key:      key,
		Source:   rows.SourceVerify,
		Status:   rows.StatusNotVerified,
		Error:    rows.ErrorText(msg),
		Verdicts: v,
		Force:    true,
	}
}
