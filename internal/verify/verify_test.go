package verify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgoc/adsbot/internal/backend"
	"github.com/pgoc/adsbot/internal/operation"
	"github.com/pgoc/adsbot/internal/resolver"
	"github.com/pgoc/adsbot/internal/rows"
)

type fakeBackend struct {
	mu      sync.Mutex
	calls   atomic.Int32
	batches [][]backend.VerifyItem
	respond func(items []backend.VerifyItem) (*backend.VerifyResponse, error)
}

func (f *fakeBackend) Verify(_ context.Context, _ string, items []backend.VerifyItem) (*backend.VerifyResponse, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.batches = append(f.batches, items)
	f.mu.Unlock()
	return f.respond(items)
}

// allVerified echoes every item back as fully verified.
func allVerified(items []backend.VerifyItem) (*backend.VerifyResponse, error) {
	resp := &backend.VerifyResponse{}
	for _, it := range items {
		resp.VerifiedAccounts = append(resp.VerifiedAccounts, backend.VerifiedAccount{
			AccountID:        it.AccountID,
			Credential:       it.Credential,
			SecondaryEntity:  it.SecondaryEntity,
			PrimaryStatus:    backend.Flag{Set: true, OK: true},
			CredentialStatus: backend.Flag{Set: true, OK: true},
			SecondaryStatus:  backend.Flag{Set: true, OK: true},
		})
	}
	return resp, nil
}

func adsetsOp() operation.Operation {
	return *operation.Builtin().FindByID(operation.Adsets)
}

func pageOp() operation.Operation {
	return *operation.Builtin().FindByID(operation.PageName)
}

func row(key, account, alias string, secondary ...string) rows.Row {
	return rows.Row{
		Key:             key,
		Identity:        rows.Identity{AccountID: account, Direction: rows.DirectionOn, Secondary: secondary},
		CredentialAlias: alias,
		Credential:      resolver.Secret("tok-" + alias),
		Status:          rows.StatusVerifying,
	}
}

func byKey(deltas []rows.Delta) map[string]rows.Delta {
	out := make(map[string]rows.Delta, len(deltas))
	for _, d := range deltas {
		out[d.Key] = d
	}
	return out
}

func TestMergeSelectsVerdictByTriple(t *testing.T) {
	chunk := []rows.Row{
		row("a", "1", "Juan", "Page A"),
		row("b", "1", "Juan", "Page B"),
		row("c", "2", "Ana"),
	}
	items := []backend.VerifyItem{
		{AccountID: "1", Credential: "tok-Juan", SecondaryEntity: "Page A"},
		{AccountID: "1", Credential: "tok-Juan", SecondaryEntity: "Page B"},
		{AccountID: "2", Credential: "tok-Ana"},
	}
	verdicts := []backend.VerifiedAccount{
		{AccountID: "1", Credential: "tok-Juan", SecondaryEntity: "page b", PrimaryStatus: backend.Flag{Set: true, OK: true}, CredentialStatus: backend.Flag{Set: true, OK: true}, SecondaryStatus: backend.Flag{Set: true}, SecondaryError: "page not found"},
		{AccountID: "1", Credential: "tok-Juan", SecondaryEntity: "Page A", PrimaryStatus: backend.Flag{Set: true, OK: true}, CredentialStatus: backend.Flag{Set: true, OK: true}, SecondaryStatus: backend.Flag{Set: true, OK: true}},
	}

	got := byKey(Merge(pageOp(), chunk, items, verdicts))

	assert.Equal(t, rows.StatusVerified, got["a"].Status)
	assert.Equal(t, "", *got["a"].Error)

	assert.Equal(t, rows.StatusNotVerified, got["b"].Status)
	assert.Equal(t, "page not found", *got["b"].Error)
	assert.False(t, got["b"].Verdicts.Secondary.OK)

	assert.Equal(t, rows.StatusNotVerified, got["c"].Status)
	assert.Contains(t, *got["c"].Error, "Ana")
	for _, d := range got {
		assert.True(t, d.Force)
	}
}

func TestMergeFirstFailureOrder(t *testing.T) {
	chunk := []rows.Row{row("a", "1", "Juan")}
	items := []backend.VerifyItem{{AccountID: "1", Credential: "tok-Juan"}}
	verdicts := []backend.VerifiedAccount{{
		AccountID:        "1",
		Credential:       "tok-Juan",
		PrimaryStatus:    backend.Flag{Set: true},
		CredentialStatus: backend.Flag{Set: true},
		CredentialError:  "token expired",
	}}

	d := Merge(pageOp(), chunk, items, verdicts)[0]
	assert.Equal(t, rows.StatusNotVerified, d.Status)
	assert.Equal(t, "ad account not verified", *d.Error)
}

func TestMergeAbsentRequiredStatusFails(t *testing.T) {
	chunk := []rows.Row{row("a", "1", "Juan", "Page A")}
	items := []backend.VerifyItem{{AccountID: "1", Credential: "tok-Juan", SecondaryEntity: "Page A"}}

	tests := []struct {
		name    string
		verdict backend.VerifiedAccount
		wantErr string
	}{
		{
			name:    "no status fields",
			verdict: backend.VerifiedAccount{AccountID: "1", Credential: "tok-Juan"},
			wantErr: "ad account not verified: no verdict returned",
		},
		{
			name: "secondary missing",
			verdict: backend.VerifiedAccount{
				AccountID:        "1",
				Credential:       "tok-Juan",
				PrimaryStatus:    backend.Flag{Set: true, OK: true},
				CredentialStatus: backend.Flag{Set: true, OK: true},
			},
			wantErr: "not found: no verdict returned",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Merge(pageOp(), chunk, items, []backend.VerifiedAccount{tt.verdict})[0]
			assert.Equal(t, rows.StatusNotVerified, d.Status)
			assert.Equal(t, tt.wantErr, *d.Error)
		})
	}
}

func TestMergeOptionalCheckMayBeAbsent(t *testing.T) {
	chunk := []rows.Row{row("a", "1", "Juan")}
	items := []backend.VerifyItem{{AccountID: "1", Credential: "tok-Juan", SecondaryEntity: "ABC"}}
	verdicts := []backend.VerifiedAccount{{
		AccountID:        "1",
		Credential:       "tok-Juan",
		PrimaryStatus:    backend.Flag{Set: true, OK: true},
		CredentialStatus: backend.Flag{Set: true, OK: true},
	}}

	d := Merge(adsetsOp(), chunk, items, verdicts)[0]
	assert.Equal(t, rows.StatusVerified, d.Status)

	verdicts[0].CredentialStatus = backend.Flag{}
	d = Merge(adsetsOp(), chunk, items, verdicts)[0]
	assert.Equal(t, rows.StatusNotVerified, d.Status)
	assert.Equal(t, "credential not verified: no verdict returned", *d.Error)
}

func TestVerifyChunksWithBoundedConcurrency(t *testing.T) {
	fb := &fakeBackend{respond: allVerified}
	c := New(fb, pageOp(), Options{BatchSize: 2, Concurrency: 2}, zerolog.Nop(), nil)

	batch := []rows.Row{
		row("a", "1", "Juan", "Page A"),
		row("b", "2", "Juan", "Page B"),
		row("c", "3", "Juan", "Page C"),
		row("d", "4", "Juan", "Page D"),
		row("e", "5", "Juan", "Page E"),
	}
	out := c.Verify(context.Background(), batch)

	assert.EqualValues(t, 3, fb.calls.Load())
	assert.Len(t, out.Deltas, 5)
	assert.Equal(t, 5, out.Verified)
	assert.Empty(t, out.Failures)
}

func TestVerifyUnresolvedNeverSubmitted(t *testing.T) {
	fb := &fakeBackend{respond: allVerified}
	c := New(fb, pageOp(), Options{}, zerolog.Nop(), nil)

	ghost := row("g", "9", "Ghost", "Page G")
	ghost.Unresolved = true
	ghost.Credential = ""

	out := c.Verify(context.Background(), []rows.Row{ghost})
	assert.Zero(t, fb.calls.Load())
	require.Len(t, out.Deltas, 1)
	assert.Equal(t, rows.StatusNotVerified, out.Deltas[0].Status)
	assert.Contains(t, *out.Deltas[0].Error, "unknown alias")
}

func TestVerifyTransportErrorMarksChunk(t *testing.T) {
	boom := errors.New("connection refused")
	fb := &fakeBackend{respond: func([]backend.VerifyItem) (*backend.VerifyResponse, error) { return nil, boom }}
	c := New(fb, pageOp(), Options{}, zerolog.Nop(), nil)

	out := c.Verify(context.Background(), []rows.Row{row("a", "1", "Juan", "Page A"), row("b", "2", "Ana", "Page B")})

	require.Len(t, out.Failures, 1)
	assert.ErrorIs(t, out.Failures[0], boom)
	assert.Equal(t, 2, out.Failures[0].Rows)
	for _, d := range out.Deltas {
		assert.Equal(t, rows.StatusNotVerified, d.Status)
		assert.Contains(t, *d.Error, "connection refused")
	}
}

func TestVerifyingDeltasResetRows(t *testing.T) {
	store := rows.NewStore()
	r := row("a", "1", "Juan", "Page A")
	r.Status = rows.StatusSuccess
	r.Error = "old"
	store.Load(nil, []rows.Row{r})

	store.Apply(Verifying([]rows.Row{r})...)
	got, _ := store.Get("a")
	assert.Equal(t, rows.StatusVerifying, got.Status)
	assert.Empty(t, got.Error)
}
