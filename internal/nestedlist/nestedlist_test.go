package nestedlist

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  List
	}{
		{"blank", "", List{{}}},
		{"spaces only", "   ", List{{}}},
		{"single group", "Fitness, Yoga", List{{"Fitness", "Yoga"}}},
		{"explicit broad", "[]", List{{}}},
		{"mixed", "A,B/[]/C", List{{"A", "B"}, {}, {"C"}}},
		{"blank middle group", "A / / C", List{{"A"}, {}, {"C"}}},
		{"trailing comma dropped", "A,B,/C", List{{"A", "B"}, {"C"}}},
		{"padded items", "  Metro Manila , Cebu / [] ", List{{"Metro Manila", "Cebu"}, {}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.input)
			if !got.Equal(tt.want) {
				t.Errorf("Parse(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"A,B/[]/C", "A,B/[]/C"},
		{" A , B / / C ", "A,B/[]/C"},
		{"", "[]"},
		{"[]/[]", "[]/[]"},
	}

	for _, tt := range tests {
		if got := Normalize(tt.input); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestMarshalJSONNeverNull(t *testing.T) {
	data, err := List{nil, {"A"}}.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	if string(data) != `[[],["A"]]` {
		t.Errorf("got %s", data)
	}
}

// Identifier never contains grammar delimiters or surrounding spaces.
func itemGen() gopter.Gen { return gen.Identifier() }

func TestRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	groupGen := gen.SliceOf(itemGen())
	listGen := gen.SliceOfN(4, groupGen)

	properties.Property("Parse(String(l)) == l", prop.ForAll(
		func(groups [][]string) bool {
			l := List(groups)
			return Parse(l.String()).Equal(l)
		},
		listGen,
	))

	properties.Property("Normalize is idempotent", prop.ForAll(
		func(groups [][]string) bool {
			s := List(groups).String()
			return Normalize(Normalize(s)) == Normalize(s)
		},
		listGen,
	))

	properties.TestingRun(t)
}
