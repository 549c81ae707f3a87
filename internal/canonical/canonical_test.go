package canonical

import (
	"encoding/json"
	"math"
	"reflect"
	"testing"

	"github.com/SettldHQ/gateway/internal/errors"
)

func TestMarshal_SortsKeys(t *testing.T) {
	in := map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": 1, "y": 2}}
	out, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"a":2,"b":1,"c":{"y":2,"z":1}}`
	if string(out) != want {
		t.Errorf("Marshal() = %s, want %s", out, want)
	}
}

func TestMarshal_Deterministic(t *testing.T) {
	type payload struct {
		GateID string  `json:"gateId"`
		Amount int64   `json:"amountCents"`
		Rate   float64 `json:"rate"`
	}
	a, err := Marshal(payload{GateID: "gate_1", Amount: 1000, Rate: 12.5})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	b, err := Marshal(map[string]any{"rate": 12.5, "amountCents": 1000, "gateId": "gate_1"})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(a) != string(b) {
		t.Errorf("struct and map forms differ: %s vs %s", a, b)
	}
}

func TestMarshal_NumberNormalization(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"integer", int64(42), "42"},
		{"negative", -7, "-7"},
		{"integral float", 5.0, "5"},
		{"fraction", 1.5, "1.5"},
		{"large int64", int64(9007199254740991), "9007199254740991"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Marshal(tt.in)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			if string(out) != tt.want {
				t.Errorf("Marshal(%v) = %s, want %s", tt.in, out, tt.want)
			}
		})
	}
}

func TestMarshal_RejectsNonFinite(t *testing.T) {
	_, err := Marshal(map[string]any{"v": math.NaN()})
	if !errors.HasCode(err, errors.CodeCanonicalJSONInvalidNumber) {
		t.Errorf("Marshal(NaN) error = %v, want CANONICAL_JSON_INVALID_NUMBER", err)
	}
	_, err = Marshal(math.Inf(1))
	if !errors.HasCode(err, errors.CodeCanonicalJSONInvalidNumber) {
		t.Errorf("Marshal(+Inf) error = %v, want CANONICAL_JSON_INVALID_NUMBER", err)
	}
}

func TestMarshal_RejectsCycles(t *testing.T) {
	type node struct {
		Next *node `json:"next"`
	}
	n := &node{}
	n.Next = n
	_, err := Marshal(n)
	if !errors.HasCode(err, errors.CodeCanonicalJSONCyclic) {
		t.Errorf("Marshal(cycle) error = %v, want CANONICAL_JSON_CYCLIC", err)
	}
}

func TestMarshal_EscapesControlCharacters(t *testing.T) {
	out, err := Marshal("a\"b\\c\nd\x01e")
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `"a\"b\\c\nd\u0001e"`
	if string(out) != want {
		t.Errorf("Marshal() = %s, want %s", out, want)
	}
}

func TestMarshal_RoundTrip(t *testing.T) {
	in := map[string]any{
		"s":    "value",
		"n":    json.Number("123"),
		"f":    2.25,
		"null": nil,
		"arr":  []any{json.Number("1"), "two", true},
	}
	out, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var back any
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("Unmarshal(canonical) error = %v", err)
	}
	again, err := Marshal(back)
	if err != nil {
		t.Fatalf("Marshal(reparsed) error = %v", err)
	}
	if string(out) != string(again) {
		t.Errorf("canonical form not stable: %s vs %s", out, again)
	}
}

func TestHash_Stable(t *testing.T) {
	h1, err := Hash(map[string]any{"a": 1, "b": "x"})
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	h2, err := Hash(map[string]any{"b": "x", "a": 1})
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if h1 != h2 {
		t.Errorf("Hash() not order-independent: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("Hash() length = %d, want 64", len(h1))
	}
}

func TestLessUTF16_ASCIIMatchesByteOrder(t *testing.T) {
	keys := []string{"zeta", "alpha", "Alpha", "a1"}
	want := []string{"Alpha", "a1", "alpha", "zeta"}
	got := append([]string(nil), keys...)
	for i := range got {
		for j := i + 1; j < len(got); j++ {
			if lessUTF16(got[j], got[i]) {
				got[i], got[j] = got[j], got[i]
			}
		}
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("sorted = %v, want %v", got, want)
	}
}
