// Package nestedlist implements the groups-of-groups value used for
// interest targeting and region exclusion columns.
//
// Grammar: groups are separated by "/", items inside a group by ",".
// A group that is blank or exactly "[]" is an empty (broad) group, and a
// blank field is a single empty group.
package nestedlist

import (
	"encoding/json"
	"strings"
)

const (
	GroupSep = "/"
	ItemSep  = ","
	Empty    = "[]"
)

// List is an ordered sequence of groups. A nil or empty List is never
// produced by Parse; the zero field value is [[]].
type List [][]string

// Broad returns the single-empty-group value.
func Broad() List { return List{{}} }

// Parse applies the grammar to a single field value.
func Parse(s string) List {
	if strings.TrimSpace(s) == "" {
		return Broad()
	}

	parts := strings.Split(s, GroupSep)
	out := make(List, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" || part == Empty {
			out = append(out, []string{})
			continue
		}
		group := []string{}
		for _, item := range strings.Split(part, ItemSep) {
			if item = strings.TrimSpace(item); item != "" {
				group = append(group, item)
			}
		}
		out = append(out, group)
	}
	return out
}

// String serializes back to the normalized grammar ("A,B/[]/C").
func (l List) String() string {
	if len(l) == 0 {
		return Empty
	}
	groups := make([]string, len(l))
	for i, g := range l {
		if len(g) == 0 {
			groups[i] = Empty
			continue
		}
		groups[i] = strings.Join(g, ItemSep)
	}
	return strings.Join(groups, GroupSep)
}

// Normalize is Parse followed by String.
func Normalize(s string) string { return Parse(s).String() }

// IsBroad reports whether every group is empty.
func (l List) IsBroad() bool {
	for _, g := range l {
		if len(g) > 0 {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (l List) Clone() List {
	if l == nil {
		return nil
	}
	out := make(List, len(l))
	for i, g := range l {
		out[i] = append([]string{}, g...)
	}
	return out
}

// Equal compares group by group.
func (l List) Equal(o List) bool {
	if len(l) != len(o) {
		return false
	}
	for i := range l {
		if len(l[i]) != len(o[i]) {
			return false
		}
		for j := range l[i] {
			if l[i][j] != o[i][j] {
				return false
			}
		}
	}
	return true
}

// MarshalJSON always emits arrays, never null, since the backend treats
// an empty array as a broad group.
func (l List) MarshalJSON() ([]byte, error) {
	groups := make([][]string, len(l))
	for i, g := range l {
		if g == nil {
			g = []string{}
		}
		groups[i] = g
	}
	if len(groups) == 0 {
		groups = [][]string{{}}
	}
	return json.Marshal(groups)
}
