package bulk

import (
	"fmt"
	"strings"

	"github.com/pgoc/adsbot/internal/rows"
)

// SchemaError aborts an import: required headers are missing.
type SchemaError struct {
	Operation string
	Missing   []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s: missing required headers: %s", e.Operation, strings.Join(e.Missing, ", "))
}

// IdentityConflict reports one sub-identity that appeared with
// contradictory direction flags. The group that claimed it first is kept;
// the later group, with Excluded direction, is left out of the import.
type IdentityConflict struct {
	AccountID  string           `json:"account_id"`
	Alias      string           `json:"alias"`
	Secondary  string           `json:"secondary"`
	Directions []rows.Direction `json:"directions"`
	Excluded   rows.Direction   `json:"excluded"`
	Lines      []int            `json:"lines"`
}

func (c IdentityConflict) Error() string {
	return fmt.Sprintf("conflict for %s: %q has conflicting on/off status (lines %v), %s rows dropped", c.AccountID, c.Secondary, c.Lines, c.Excluded)
}

// InvalidRow is a data line rejected by field validation.
type InvalidRow struct {
	Line   int    `json:"line"`
	Field  string `json:"field"`
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

func (r InvalidRow) Error() string {
	return fmt.Sprintf("line %d: %s %q: %s", r.Line, r.Field, r.Value, r.Reason)
}
