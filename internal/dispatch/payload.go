package dispatch

import (
	"strconv"
	"strings"

	"github.com/pgoc/adsbot/internal/operation"
	"github.com/pgoc/adsbot/internal/rows"
)

// Payload builds the operation-specific body for one row. Nested lists
// keep their group structure, integer fields become numbers and a
// multi-valued secondary field becomes a list.
func Payload(op operation.Operation, r rows.Row) map[string]any {
	out := make(map[string]any, len(r.Payload.Fields)+len(r.Payload.Nested)+1)
	for k, v := range r.Payload.Fields {
		if k == op.AliasField {
			continue
		}
		if op.IsInteger(k) {
			if n, err := strconv.Atoi(strings.ReplaceAll(v, ",", "")); err == nil {
				out[k] = n
				continue
			}
		}
		out[k] = v
	}
	for k, l := range r.Payload.Nested {
		out[k] = l
	}
	if op.DirectionField != "" {
		out[op.DirectionField] = string(r.Identity.Direction)
	}
	if op.SecondaryField != "" && (op.FoldSecondary || op.SecondarySeparator != "") {
		out[op.SecondaryField] = append([]string{}, r.Identity.Secondary...)
	}
	return out
}

// Describe names a row in display lines.
func Describe(op operation.Operation, r rows.Row) string {
	var b strings.Builder
	b.WriteString(r.Identity.AccountID)
	if op.Match == operation.MatchLabel {
		if label := Label(op, r); label != "" {
			b.WriteString(" " + label)
		}
	} else if len(r.Identity.Secondary) > 0 {
		b.WriteString(" (" + strings.Join(r.Identity.Secondary, ", ") + ")")
	}
	if r.Identity.Direction != rows.DirectionNone {
		b.WriteString(" " + string(r.Identity.Direction))
	}
	return b.String()
}

// Label is the suffix the backend puts on names it creates for the row.
func Label(op operation.Operation, r rows.Row) string {
	return op.Label(func(f string) string {
		if v := r.Payload.Get(f); v != "" {
			return v
		}
		return r.Identity.Discriminator(f)
	})
}
