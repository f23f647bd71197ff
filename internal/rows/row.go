// Package rows holds the row entities of a bulk operation and the store
// that owns them. Every other component reads rows through the store and
// changes them only by submitting Deltas.
package rows

import (
	"strings"
	"time"

	"github.com/pgoc/adsbot/internal/nestedlist"
	"github.com/pgoc/adsbot/internal/resolver"
)

// Field is one named identity discriminator.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Identity is the composite key of a row's operation target.
type Identity struct {
	AccountID      string    `json:"account_id"`
	Direction      Direction `json:"direction,omitempty"`
	Discriminators []Field   `json:"discriminators,omitempty"`
	// Secondary is an insertion-ordered set (page names, campaign names,
	// page ids). Folded rows union it.
	Secondary []string `json:"secondary,omitempty"`
}

// Discriminator returns the named discriminator value, or "".
func (id Identity) Discriminator(name string) string {
	for _, f := range id.Discriminators {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

// HasSecondary reports set membership, case-insensitively.
func (id Identity) HasSecondary(name string) bool {
	name = strings.TrimSpace(name)
	for _, s := range id.Secondary {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}

// AddSecondary appends values not already present and reports whether the
// set grew.
func (id *Identity) AddSecondary(values ...string) bool {
	grew := false
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || id.HasSecondary(v) {
			continue
		}
		id.Secondary = append(id.Secondary, v)
		grew = true
	}
	return grew
}

// Key builds the stable row key. When includeSecondary is false the
// secondary set is a folded attribute rather than part of the key.
func (id Identity) Key(includeSecondary bool) string {
	var b strings.Builder
	b.WriteString(id.AccountID)
	b.WriteByte('|')
	b.WriteString(string(id.Direction))
	for _, f := range id.Discriminators {
		b.WriteByte('|')
		b.WriteString(f.Name)
		b.WriteByte('=')
		b.WriteString(f.Value)
	}
	if includeSecondary {
		b.WriteString("|~")
		b.WriteString(strings.Join(id.Secondary, ","))
	}
	return b.String()
}

func (id Identity) clone() Identity {
	out := id
	out.Discriminators = append([]Field(nil), id.Discriminators...)
	out.Secondary = append([]string(nil), id.Secondary...)
	return out
}

// Payload carries operation-specific fields.
type Payload struct {
	Fields map[string]string          `json:"fields"`
	Nested map[string]nestedlist.List `json:"nested,omitempty"`
}

func (p Payload) Get(name string) string { return p.Fields[name] }

func (p Payload) clone() Payload {
	out := Payload{Fields: make(map[string]string, len(p.Fields))}
	for k, v := range p.Fields {
		out.Fields[k] = v
	}
	if p.Nested != nil {
		out.Nested = make(map[string]nestedlist.List, len(p.Nested))
		for k, v := range p.Nested {
			out.Nested[k] = v.Clone()
		}
	}
	return out
}

// Verdict is one verification sub-check.
type Verdict struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// Verdicts holds the three independent verification sub-checks.
type Verdicts struct {
	Primary    *Verdict `json:"primary,omitempty"`
	Credential *Verdict `json:"credential,omitempty"`
	Secondary  *Verdict `json:"secondary,omitempty"`
}

// AllOK is true only when every sub-check passed.
func (v Verdicts) AllOK() bool {
	return v.Primary != nil && v.Primary.OK &&
		v.Credential != nil && v.Credential.OK &&
		v.Secondary != nil && v.Secondary.OK
}

// FirstFailure returns the message of the first failing sub-check in
// primary, credential, secondary order.
func (v Verdicts) FirstFailure() string {
	for _, c := range []*Verdict{v.Primary, v.Credential, v.Secondary} {
		if c != nil && !c.OK {
			if c.Message != "" {
				return c.Message
			}
			return "verification failed"
		}
	}
	return ""
}

func (v Verdicts) clone() Verdicts {
	cp := func(in *Verdict) *Verdict {
		if in == nil {
			return nil
		}
		out := *in
		return &out
	}
	return Verdicts{Primary: cp(v.Primary), Credential: cp(v.Credential), Secondary: cp(v.Secondary)}
}

// Row is one unit of bulk work.
type Row struct {
	Key             string          `json:"key"`
	Line            int             `json:"line"`
	Identity        Identity        `json:"identity"`
	CredentialAlias string          `json:"credential_alias"`
	Credential      resolver.Secret `json:"-"`
	Unresolved      bool            `json:"unresolved,omitempty"`
	Payload         Payload         `json:"payload"`
	Status          Status          `json:"status"`
	DirectionTag    Direction       `json:"direction_tag,omitempty"`
	Verdicts        Verdicts        `json:"verdicts"`
	Error           string          `json:"error,omitempty"`
	Detail          map[string]any  `json:"detail,omitempty"`
	LastMessage     string          `json:"last_message,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to readers.
func (r Row) Clone() Row {
	out := r
	out.Identity = r.Identity.clone()
	out.Payload = r.Payload.clone()
	out.Verdicts = r.Verdicts.clone()
	if r.Detail != nil {
		out.Detail = make(map[string]any, len(r.Detail))
		for k, v := range r.Detail {
			out.Detail[k] = v
		}
	}
	return out
}

// StatusLabel renders status with its direction tag, e.g. "Success (ON)".
func (r Row) StatusLabel() string {
	if r.DirectionTag == DirectionNone {
		return string(r.Status)
	}
	return string(r.Status) + " (" + string(r.DirectionTag) + ")"
}
