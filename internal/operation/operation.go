// Package operation describes the bulk operations the engine can run:
// their input schema, identity rules, backend endpoints and stream
// settings. Each dashboard page of the old system is one Operation here.
package operation

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MatchMode selects how stream lines are attributed to rows.
type MatchMode string

const (
	// MatchIdentity matches by account id, direction and secondary set.
	MatchIdentity MatchMode = "identity"
	// MatchLabel matches by a campaign label suffix built from LabelFields.
	MatchLabel MatchMode = "label"
)

// Check names one verification sub-check.
type Check string

const (
	CheckPrimary    Check = "primary"
	CheckCredential Check = "credential"
	CheckSecondary  Check = "secondary"
)

type Endpoints struct {
	Verify   string `yaml:"verify"`
	Dispatch string `yaml:"dispatch"`
	Codes    string `yaml:"codes,omitempty"`
	Stream   string `yaml:"stream"`
}

type StreamConfig struct {
	// Scoped streams key on {user}-{account}-key instead of {user}-key.
	Scoped    bool          `yaml:"scoped,omitempty"`
	Reconnect time.Duration `yaml:"reconnect,omitempty"`
	Idle      time.Duration `yaml:"idle,omitempty"`
	// IdleNotice is the second heartbeat line shown while idle.
	IdleNotice string `yaml:"idle_notice,omitempty"`
	// RedisDB is the backend database holding this stream's keys.
	RedisDB int `yaml:"redis_db"`
}

type Operation struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	RequiredHeaders []string `yaml:"required_headers"`
	AccountField    string   `yaml:"account_field"`
	AliasField      string   `yaml:"alias_field"`
	DirectionField  string   `yaml:"direction_field,omitempty"`
	IdentityFields  []string `yaml:"identity_fields,omitempty"`
	NestedFields    []string `yaml:"nested_fields,omitempty"`
	IntegerFields   []string `yaml:"integer_fields,omitempty"`
	TimeField       string   `yaml:"time_field,omitempty"`

	// SecondaryField feeds Identity.Secondary. With FoldSecondary rows that
	// share every other identity field merge and union this set.
	SecondaryField     string `yaml:"secondary_field,omitempty"`
	SecondarySeparator string `yaml:"secondary_separator,omitempty"`
	FoldSecondary      bool   `yaml:"fold_secondary,omitempty"`

	// CodeField values are checked for existence before dispatch.
	CodeField string `yaml:"code_field,omitempty"`

	// VerifyChecks lists the sub-checks the verify endpoint must report
	// as passing. Empty means primary and credential, plus secondary when
	// SecondaryField is set.
	VerifyChecks []Check `yaml:"verify_checks,omitempty"`

	Match       MatchMode `yaml:"match"`
	LabelFields []string  `yaml:"label_fields,omitempty"`

	Endpoints Endpoints    `yaml:"endpoints"`
	Stream    StreamConfig `yaml:"stream"`
}

// RequiredChecks returns the verification sub-checks a row must pass.
func (o Operation) RequiredChecks() []Check {
	if len(o.VerifyChecks) > 0 {
		return o.VerifyChecks
	}
	checks := []Check{CheckPrimary, CheckCredential}
	if o.SecondaryField != "" {
		checks = append(checks, CheckSecondary)
	}
	return checks
}

// Requires reports whether c is one of the operation's required checks.
func (o Operation) Requires(c Check) bool {
	for _, rc := range o.RequiredChecks() {
		if rc == c {
			return true
		}
	}
	return false
}

// IsNested reports whether field uses the nested list grammar.
func (o Operation) IsNested(field string) bool { return contains(o.NestedFields, field) }

func (o Operation) IsInteger(field string) bool { return contains(o.IntegerFields, field) }

// ScopeKey builds the stream key for a user and, for scoped streams, an
// account.
func (o Operation) ScopeKey(userID, scopeID string) string {
	if o.Stream.Scoped && scopeID != "" {
		return fmt.Sprintf("%s-%s-key", userID, scopeID)
	}
	return fmt.Sprintf("%s-key", userID)
}

// Label joins the values of LabelFields with "-". get looks a field up on
// the row being labelled.
func (o Operation) Label(get func(field string) string) string {
	parts := make([]string, 0, len(o.LabelFields))
	for _, f := range o.LabelFields {
		parts = append(parts, get(f))
	}
	return strings.Join(parts, "-")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func isValidPath(p string) bool {
	if p == "" {
		return true
	}
	u, err := url.Parse(p)
	if err != nil {
		return false
	}
	return u.Scheme == "" && u.Host == "" && strings.HasPrefix(u.Path, "/")
}

// Validate checks an operation definition after loading or overriding.
func (o Operation) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("operation: id is required")
	}
	if o.AccountField == "" || o.AliasField == "" {
		return fmt.Errorf("operation %s: account_field and alias_field are required", o.ID)
	}
	if !contains(o.RequiredHeaders, o.AccountField) {
		return fmt.Errorf("operation %s: account_field %q must be a required header", o.ID, o.AccountField)
	}
	for _, p := range []string{o.Endpoints.Verify, o.Endpoints.Dispatch, o.Endpoints.Codes, o.Endpoints.Stream} {
		if !isValidPath(p) {
			return fmt.Errorf("operation %s: endpoint %q must be an absolute path", o.ID, p)
		}
	}
	if o.Endpoints.Dispatch == "" {
		return fmt.Errorf("operation %s: dispatch endpoint is required", o.ID)
	}
	if o.CodeField != "" && o.Endpoints.Codes == "" {
		return fmt.Errorf("operation %s: code_field set without a codes endpoint", o.ID)
	}
	for _, c := range o.VerifyChecks {
		switch c {
		case CheckPrimary, CheckCredential, CheckSecondary:
		default:
			return fmt.Errorf("operation %s: unknown verify check %q", o.ID, c)
		}
	}
	switch o.Match {
	case MatchIdentity:
	case MatchLabel:
		if len(o.LabelFields) == 0 {
			return fmt.Errorf("operation %s: label match needs label_fields", o.ID)
		}
	default:
		return fmt.Errorf("operation %s: unknown match mode %q", o.ID, o.Match)
	}
	return nil
}

// Registry is the set of operations available to the engine.
type Registry struct {
	Operations []Operation `yaml:"operations"`
}

// LoadFromFile reads operation definitions from YAML. Entries whose id
// matches a builtin replace only the fields they set.
func LoadFromFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read operations file: %w", err)
	}

	reg := Builtin()
	var overrides struct {
		Operations []yaml.Node `yaml:"operations"`
	}
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse operations file: %w", err)
	}

	for _, node := range overrides.Operations {
		var head struct {
			ID string `yaml:"id"`
		}
		if err := node.Decode(&head); err != nil {
			return nil, fmt.Errorf("failed to parse operation: %w", err)
		}
		if existing := reg.FindByID(head.ID); existing != nil {
			if err := node.Decode(existing); err != nil {
				return nil, fmt.Errorf("failed to apply override for %s: %w", head.ID, err)
			}
			continue
		}
		var op Operation
		if err := node.Decode(&op); err != nil {
			return nil, fmt.Errorf("failed to parse operation %s: %w", head.ID, err)
		}
		if err := reg.Add(op); err != nil {
			return nil, err
		}
	}

	for _, op := range reg.Operations {
		if err := op.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	return reg, nil
}

func (r *Registry) FindByID(id string) *Operation {
	id = strings.ToLower(strings.TrimSpace(id))
	for i := range r.Operations {
		if strings.ToLower(r.Operations[i].ID) == id {
			return &r.Operations[i]
		}
	}
	return nil
}

func (r *Registry) Add(op Operation) error {
	if r.FindByID(op.ID) != nil {
		return fmt.Errorf("operation with ID %q already exists", op.ID)
	}
	r.Operations = append(r.Operations, op)
	return nil
}

// IDs lists operation ids, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.Operations))
	for _, op := range r.Operations {
		ids = append(ids, op.ID)
	}
	sort.Strings(ids)
	return ids
}

// Save writes the registry back to YAML.
func (r *Registry) Save(path string) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to serialize operations: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
