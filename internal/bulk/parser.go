// Package bulk turns delimited operator input into typed rows and writes
// rows back out for export.
package bulk

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pgoc/adsbot/internal/nestedlist"
	"github.com/pgoc/adsbot/internal/operation"
	"github.com/pgoc/adsbot/internal/resolver"
	"github.com/pgoc/adsbot/internal/rows"
)

const bom = "\ufeff"

var whitespaceRun = regexp.MustCompile(`\s+`)

// NormalizeHeader trims, lowercases and joins inner whitespace with "_".
func NormalizeHeader(h string) string {
	h = strings.TrimPrefix(h, bom)
	h = strings.ToLower(strings.TrimSpace(h))
	return whitespaceRun.ReplaceAllString(h, "_")
}

// AliasResolver looks up the secret for a credential alias.
type AliasResolver interface {
	Resolve(alias string) (resolver.Secret, bool)
}

// Result is a parsed import.
type Result struct {
	Operation         string             `json:"operation"`
	Columns           []string           `json:"columns"`
	Rows              []rows.Row         `json:"rows"`
	Conflicts         []IdentityConflict `json:"conflicts,omitempty"`
	Invalid           []InvalidRow       `json:"invalid,omitempty"`
	UnresolvedAliases []string           `json:"unresolved_aliases,omitempty"`
	Lines             int                `json:"lines"`
}

type Parser struct {
	op      operation.Operation
	aliases AliasResolver
}

func NewParser(op operation.Operation, aliases AliasResolver) *Parser {
	return &Parser{op: op, aliases: aliases}
}

func (p *Parser) ParseFile(path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	defer f.Close()
	return p.Parse(f)
}

// group is a folded row under construction.
type group struct {
	row   rows.Row
	lines []int
}

// Parse reads the header row and every data row. A SchemaError aborts
// the whole import; per-row problems are reported in the Result.
func (p *Parser) Parse(r io.Reader) (*Result, error) {
	br := bufio.NewReader(r)
	if head, err := br.Peek(len(bom)); err == nil && string(head) == bom {
		br.Discard(len(bom))
	}
	reader := csv.NewReader(br)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, &SchemaError{Operation: p.op.ID, Missing: append([]string(nil), p.op.RequiredHeaders...)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	columns := make([]string, len(header))
	present := make(map[string]bool, len(header))
	for i, h := range header {
		columns[i] = NormalizeHeader(h)
		present[columns[i]] = true
	}
	var missing []string
	for _, req := range p.op.RequiredHeaders {
		if !present[req] {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return nil, &SchemaError{Operation: p.op.ID, Missing: missing}
	}

	res := &Result{Operation: p.op.ID, Columns: columns}
	var order []string
	groups := make(map[string]*group)
	unresolved := make(map[string]bool)
	sightings := make(map[string]*sighting)

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read input: %w", err)
		}
		line, _ := reader.FieldPos(0)
		if isBlank(record) {
			continue
		}
		res.Lines++

		values := make(map[string]string, len(columns))
		for i, col := range columns {
			if i < len(record) {
				values[col] = strings.TrimSpace(record[i])
			} else {
				values[col] = ""
			}
		}

		row, invalid := p.buildRow(line, values)
		if invalid != nil {
			res.Invalid = append(res.Invalid, *invalid)
			continue
		}
		if row.Unresolved {
			unresolved[row.CredentialAlias] = true
		}
		if p.op.FoldSecondary && p.op.DirectionField != "" {
			p.recordSightings(sightings, row, line)
		}

		key := row.Identity.Key(!p.op.FoldSecondary)
		if g, ok := groups[key]; ok {
			if g.row.Identity.AddSecondary(row.Identity.Secondary...) {
				g.row.Payload.Fields[p.op.SecondaryField] = strings.Join(g.row.Identity.Secondary, p.secondarySeparator())
			}
			g.lines = append(g.lines, line)
			continue
		}
		row.Key = key
		groups[key] = &group{row: row, lines: []int{line}}
		order = append(order, key)
	}

	res.Conflicts = collectConflicts(sightings)
	claims := make(map[string]rows.Direction)
	for _, key := range order {
		g := groups[key]
		if p.claim(claims, g.row, res.Conflicts) {
			continue
		}
		res.Rows = append(res.Rows, g.row)
	}

	for alias := range unresolved {
		res.UnresolvedAliases = append(res.UnresolvedAliases, alias)
	}
	sort.Strings(res.UnresolvedAliases)
	return res, nil
}

func (p *Parser) secondarySeparator() string {
	if p.op.SecondarySeparator != "" {
		return p.op.SecondarySeparator
	}
	return ", "
}

func (p *Parser) buildRow(line int, values map[string]string) (rows.Row, *InvalidRow) {
	op := p.op
	account := values[op.AccountField]
	if account == "" {
		return rows.Row{}, &InvalidRow{Line: line, Field: op.AccountField, Reason: "required"}
	}

	id := rows.Identity{AccountID: account}
	if op.DirectionField != "" {
		raw := values[op.DirectionField]
		id.Direction = rows.ParseDirection(raw)
		if id.Direction == rows.DirectionNone {
			return rows.Row{}, &InvalidRow{Line: line, Field: op.DirectionField, Value: raw, Reason: "must be ON or OFF"}
		}
		values[op.DirectionField] = string(id.Direction)
	}

	for _, f := range op.IntegerFields {
		v := values[f]
		if v == "" {
			continue
		}
		if _, err := strconv.Atoi(strings.ReplaceAll(v, ",", "")); err != nil {
			return rows.Row{}, &InvalidRow{Line: line, Field: f, Value: v, Reason: "must be a whole number"}
		}
		values[f] = strings.ReplaceAll(v, ",", "")
	}

	if op.TimeField != "" && values[op.TimeField] != "" {
		clock, ok := NormalizeClock(values[op.TimeField])
		if !ok {
			return rows.Row{}, &InvalidRow{Line: line, Field: op.TimeField, Value: values[op.TimeField], Reason: "must be a time like 14:30"}
		}
		values[op.TimeField] = clock
	}

	alias := values[op.AliasField]
	id.Discriminators = append(id.Discriminators, rows.Field{Name: op.AliasField, Value: alias})
	for _, f := range op.IdentityFields {
		id.Discriminators = append(id.Discriminators, rows.Field{Name: f, Value: values[f]})
	}

	if op.SecondaryField != "" {
		raw := values[op.SecondaryField]
		if op.SecondarySeparator != "" {
			id.AddSecondary(strings.Split(raw, op.SecondarySeparator)...)
		} else {
			id.AddSecondary(raw)
		}
	}

	payload := rows.Payload{Fields: make(map[string]string, len(values))}
	for k, v := range values {
		if op.IsNested(k) {
			if payload.Nested == nil {
				payload.Nested = make(map[string]nestedlist.List)
			}
			payload.Nested[k] = nestedlist.Parse(v)
			continue
		}
		payload.Fields[k] = v
	}

	row := rows.Row{
		Line:            line,
		Identity:        id,
		CredentialAlias: alias,
		Payload:         payload,
		Status:          rows.StatusReady,
	}

	secret, ok := p.aliases.Resolve(alias)
	if ok {
		row.Credential = secret
	} else {
		row.Unresolved = true
		row.Error = (&resolver.UnresolvedAliasError{Alias: alias}).Error()
	}
	return row, nil
}

func isBlank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// sighting tracks the directions seen for one (account, alias, secondary)
// triple.
type sighting struct {
	account, alias, secondary string
	directions                map[rows.Direction]bool
	lines                     []int
}

func (p *Parser) recordSightings(s map[string]*sighting, row rows.Row, line int) {
	for _, sec := range row.Identity.Secondary {
		k := sightingKey(row.Identity.AccountID, row.CredentialAlias, sec)
		sg, ok := s[k]
		if !ok {
			sg = &sighting{
				account:    row.Identity.AccountID,
				alias:      row.CredentialAlias,
				secondary:  sec,
				directions: make(map[rows.Direction]bool),
			}
			s[k] = sg
		}
		sg.directions[row.Identity.Direction] = true
		sg.lines = append(sg.lines, line)
	}
}

func collectConflicts(s map[string]*sighting) []IdentityConflict {
	var out []IdentityConflict
	for _, sg := range s {
		if len(sg.directions) < 2 {
			continue
		}
		c := IdentityConflict{AccountID: sg.account, Alias: sg.alias, Secondary: sg.secondary, Lines: sg.lines}
		for _, d := range []rows.Direction{rows.DirectionOn, rows.DirectionOff} {
			if sg.directions[d] {
				c.Directions = append(c.Directions, d)
			}
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Lines[0] < out[j].Lines[0] })
	return out
}

func sightingKey(account, alias, secondary string) string {
	return account + "\x00" + alias + "\x00" + strings.ToLower(secondary)
}

// claim registers row's sub-identities in group order and reports whether
// an earlier group already claimed one of them with the other direction.
// The earlier group wins; the later one is dropped whole and recorded on
// the matching conflicts.
func (p *Parser) claim(claims map[string]rows.Direction, row rows.Row, conflicts []IdentityConflict) bool {
	if len(conflicts) == 0 {
		return false
	}
	dropped := false
	for _, sec := range row.Identity.Secondary {
		k := sightingKey(row.Identity.AccountID, row.CredentialAlias, sec)
		dir, seen := claims[k]
		if !seen {
			claims[k] = row.Identity.Direction
			continue
		}
		if dir == row.Identity.Direction {
			continue
		}
		dropped = true
		for i := range conflicts {
			c := &conflicts[i]
			if sightingKey(c.AccountID, c.Alias, c.Secondary) == k {
				c.Excluded = row.Identity.Direction
			}
		}
	}
	return dropped
}

var clockLayouts = []string{"15:04", "15:04:05", "3:04 PM", "3:04PM", "3:04:05 PM", "15.04"}

// NormalizeClock converts common time-of-day spellings to HH:MM.
func NormalizeClock(s string) (string, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for _, layout := range clockLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("15:04"), true
		}
	}
	return "", false
}
