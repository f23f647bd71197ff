package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgoc/adsbot/internal/operation"
	"github.com/pgoc/adsbot/internal/rows"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		kind      Kind
		account   string
		direction rows.Direction
		secondary string
		label     string
		message   string
	}{
		{
			name: "account completed", line: "[2024-01-01 00:00:00] Campaign updates completed for 123 (ON)",
			kind: KindSuccess, account: "123", direction: rows.DirectionOn,
		},
		{
			name: "page completed", line: "[2024-01-01 00:00:00] Campaign updates completed for page: Shoes PH in account 55 (OFF)",
			kind: KindSuccess, account: "55", direction: rows.DirectionOff, secondary: "Shoes PH",
		},
		{
			name: "page fetching", line: "[ts] Fetching Campaign Data for page: Shoes PH in account 55 (OFF)",
			kind: KindProgress, account: "55", direction: rows.DirectionOff, secondary: "Shoes PH",
		},
		{
			name: "account fetching", line: "[ts] Fetching Campaign Data for 77 (OFF)",
			kind: KindProgress, account: "77", direction: rows.DirectionOff,
		},
		{
			name: "schedule fetching", line: "[ts] Fetching Campaign Data for 77 schedule {'time': '07:00', 'on_off': 'OFF'}",
			kind: KindProgress, account: "77", direction: rows.DirectionOff,
		},
		{
			name: "schedule fetching with unreadable schedule", line: "[ts] Fetching Campaign Data for 77 schedule {broken",
			kind: KindProgress, account: "77",
		},
		{
			name: "processing completed", line: "[ts] processing 88 completed",
			kind: KindSuccess, account: "88",
		},
		{
			name:    "unauthorized wins over forbidden",
			line:    "[ts] Error during campaign fetch for Ad Account 9 (ON): 401 Client Error: Unauthorized for url: https://graph.facebook.com/v22.0/act_9/campaigns",
			kind:    KindUnauthorized,
			account: "9", direction: rows.DirectionOn, message: "check credential.",
		},
		{
			name: "forbidden", line: "[ts] 403 Client Error: Forbidden for url: https://graph.facebook.com/v22.0/act_42/campaigns?fields=id",
			kind: KindForbidden, account: "42", message: "check permissions.",
		},
		{
			name: "page fetch error", line: "[ts] ❌ Error fetching campaigns for page: Shoes PH in account 55 (ON): token expired",
			kind: KindFailed, account: "55", direction: rows.DirectionOn, secondary: "Shoes PH", message: "token expired",
		},
		{
			name: "creating campaign", line: "[ts] Creating Facebook campaign: Promo-SKU1-MAT1-CC1.",
			kind: KindProgress, label: "Promo-SKU1-MAT1-CC1",
		},
		{
			name: "uploading video", line: "[ts] Uploading video for Promo-SKU1-MAT1-CC1.",
			kind: KindProgress, label: "Promo-SKU1-MAT1-CC1",
		},
		{
			name: "creative created", line: "[ts] Ad creative successfully created for Promo-SKU1-MAT1-CC1.",
			kind: KindSuccess, label: "Promo-SKU1-MAT1-CC1",
		},
		{
			name: "ad failed with json details", line: `[ts] Failed to create ad for adset Promo-SKU1-MAT1-CC1, details: {"error": {"message": "Invalid parameter"}}`,
			kind: KindFailed, label: "Promo-SKU1-MAT1-CC1", message: "Invalid parameter",
		},
		{
			name: "ad failed with text details", line: "[ts] Failed to create ad for adset X-CC1, details: quota reached",
			kind: KindFailed, label: "X-CC1", message: "quota reached",
		},
		{
			name: "plain progress text", line: "[ts] Starting worker",
			kind: KindUnclassified,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := Classify(tt.line)
			assert.Equal(t, tt.kind, ev.Kind)
			assert.Equal(t, tt.account, ev.AccountID)
			assert.Equal(t, tt.direction, ev.Direction)
			assert.Equal(t, tt.secondary, ev.Secondary)
			assert.Equal(t, tt.label, ev.Label)
			assert.Equal(t, tt.message, ev.Message)
		})
	}
}

func TestClassifyTaskCreated(t *testing.T) {
	ev := Classify(`[2024-05-01 10:00:00] Task Created: Promo-SKU1-MAT1-CC1 - Status: queued - Message: {"id": "t-1"}`)
	require.Equal(t, KindDetail, ev.Kind)
	assert.Equal(t, "Promo-SKU1-MAT1-CC1", ev.Label)
	assert.Equal(t, "queued", ev.Detail["task_status"])
	assert.Equal(t, map[string]any{"id": "t-1"}, ev.Detail["task_message"])

	ev = Classify(`Task Created: A-CC1 - Status: queued - Message: {not json`)
	require.Equal(t, KindDetail, ev.Kind)
	assert.Equal(t, "{not json", ev.Detail["task_message"])
}

func TestLastMessage(t *testing.T) {
	ev := Classify("[2024-01-01 00:00:00] Campaign updates completed for 123 (ON)")
	assert.Equal(t, "2024-01-01 00:00:00 - Campaign updates completed for 123 (ON)", ev.LastMessage())
	assert.Empty(t, Classify("no timestamp here").LastMessage())
}

func builtin(t *testing.T, id string) operation.Operation {
	t.Helper()
	op := operation.Builtin().FindByID(id)
	require.NotNil(t, op)
	return *op
}

func sent(key, account string, dir rows.Direction, secondary ...string) rows.Row {
	return rows.Row{
		Key:      key,
		Identity: rows.Identity{AccountID: account, Direction: dir, Secondary: secondary},
		Status:   rows.StatusRequestSent,
		Payload:  rows.Payload{Fields: map[string]string{}},
	}
}

func TestApplyMovesOnlyTheMatchingRow(t *testing.T) {
	store := rows.NewStore()
	store.Load(nil, []rows.Row{
		sent("a", "123", rows.DirectionOn),
		sent("b", "999", rows.DirectionOn),
	})
	m := NewMatcher(builtin(t, operation.Adsets))

	res := m.Apply(store, "[2024-01-01 00:00:00] Campaign updates completed for 123 (ON)")
	assert.Equal(t, KindSuccess, res.Event.Kind)
	assert.Equal(t, []string{"a"}, res.Changed)
	require.Len(t, res.Settled, 1)
	assert.Equal(t, "a", res.Settled[0].Key)

	a, _ := store.Get("a")
	assert.Equal(t, rows.StatusSuccess, a.Status)
	assert.Equal(t, rows.DirectionOn, a.DirectionTag)
	assert.Equal(t, "2024-01-01 00:00:00 - Campaign updates completed for 123 (ON)", a.LastMessage)

	b, _ := store.Get("b")
	assert.Equal(t, rows.StatusRequestSent, b.Status)
	assert.Empty(t, b.LastMessage)
}

func TestDirectionMustAgree(t *testing.T) {
	store := rows.NewStore()
	store.Load(nil, []rows.Row{sent("a", "123", rows.DirectionOff)})
	m := NewMatcher(builtin(t, operation.Adsets))

	res := m.Apply(store, "[ts] Campaign updates completed for 123 (ON)")
	assert.Empty(t, res.Changed)
}

func TestPageLinesMatchBySecondary(t *testing.T) {
	store := rows.NewStore()
	store.Load(nil, []rows.Row{
		sent("a", "55", rows.DirectionOn, "Shoes PH", "Bags PH"),
		sent("b", "55", rows.DirectionOn, "Hats PH"),
	})
	m := NewMatcher(builtin(t, operation.PageName))

	res := m.Apply(store, "[ts] Fetching Campaign Data for page: bags ph in account 55 (ON)")
	assert.Equal(t, []string{"a"}, res.Changed)
	assert.Empty(t, res.Settled)
	a, _ := store.Get("a")
	assert.Equal(t, rows.StatusFetching, a.Status)

	res = m.Apply(store, "[ts] ❌ Error fetching campaigns for page: Hats PH in account 55 (ON): expired")
	assert.Equal(t, []string{"b"}, res.Changed)
	assert.Len(t, res.Settled, 1)
	b, _ := store.Get("b")
	assert.Equal(t, rows.StatusFailed, b.Status)
	assert.Equal(t, "expired", b.Error)
}

func TestStatusNeverMovesBackward(t *testing.T) {
	store := rows.NewStore()
	store.Load(nil, []rows.Row{sent("a", "123", rows.DirectionOn)})
	m := NewMatcher(builtin(t, operation.Adsets))

	m.Apply(store, "[t1] Campaign updates completed for 123 (ON)")
	res := m.Apply(store, "[t2] Fetching Campaign Data for 123 (ON)")
	assert.Equal(t, []string{"a"}, res.Changed)
	assert.Empty(t, res.Settled, "already settled")

	a, _ := store.Get("a")
	assert.Equal(t, rows.StatusSuccess, a.Status)
	assert.Equal(t, "t2 - Fetching Campaign Data for 123 (ON)", a.LastMessage)
}

func TestUndispatchedRowsIgnoreStream(t *testing.T) {
	store := rows.NewStore()
	r := sent("a", "123", rows.DirectionOn)
	r.Status = rows.StatusVerified
	store.Load(nil, []rows.Row{r})
	m := NewMatcher(builtin(t, operation.Adsets))

	res := m.Apply(store, "[ts] Campaign updates completed for 123 (ON)")
	assert.Empty(t, res.Changed)
}

func TestUntargetedLineRefreshesLastMessage(t *testing.T) {
	store := rows.NewStore()
	store.Load(nil, []rows.Row{sent("a", "1", rows.DirectionOn), sent("b", "2", rows.DirectionOff)})
	m := NewMatcher(builtin(t, operation.Adsets))

	res := m.Apply(store, "[10:00] Worker started")
	assert.ElementsMatch(t, []string{"a", "b"}, res.Changed)
	for _, k := range []string{"a", "b"} {
		r, _ := store.Get(k)
		assert.Equal(t, "10:00 - Worker started", r.LastMessage)
		assert.Equal(t, rows.StatusRequestSent, r.Status)
	}

	res = m.Apply(store, "no timestamp")
	assert.Empty(t, res.Changed)
}

func TestLabelMatching(t *testing.T) {
	op := builtin(t, operation.CampaignCreation)
	r := sent("a", "123", rows.DirectionNone, "998877")
	r.Payload.Fields = map[string]string{"sku": "SKU1", "material_code": "MAT1", "campaign_code": "CC1"}
	other := sent("b", "123", rows.DirectionNone, "998877")
	other.Payload.Fields = map[string]string{"sku": "SKU2", "material_code": "MAT1", "campaign_code": "CC1"}

	store := rows.NewStore()
	store.Load(nil, []rows.Row{r, other})
	m := NewMatcher(op)

	res := m.Apply(store, "[ts] Ad creative successfully created for Summer Promo-SKU1-MAT1-CC1.")
	assert.Equal(t, []string{"a"}, res.Changed)

	res = m.Apply(store, `[ts] Task Created: Summer Promo-SKU2-MAT1-CC1 - Status: queued - Message: "ok"`)
	assert.Equal(t, []string{"b"}, res.Changed)
	b, _ := store.Get("b")
	assert.Equal(t, rows.StatusRequestSent, b.Status)
	assert.Equal(t, "queued", b.Detail["task_status"])
}

func TestLabelMatchesRequiresBoundary(t *testing.T) {
	assert.True(t, labelMatches("Promo-SKU1-MAT1-CC1", "SKU1-MAT1-CC1"))
	assert.True(t, labelMatches("SKU1-MAT1-CC1", "SKU1-MAT1-CC1"))
	assert.False(t, labelMatches("Promo-XSKU1-MAT1-CC1", "SKU1-MAT1-CC1"))
	assert.False(t, labelMatches("anything", "--"))
}
