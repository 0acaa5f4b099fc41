package canonjson

import (
	"testing"
)

// S2 from the spec: canonical key order.
func TestCanonicalOrderScenarioS2(t *testing.T) {
	in := []byte(`{"zebra":1,"apple":2,"outer":{"z":0,"a":0}}`)
	out, err := Canonicalize(in)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"apple":2,"outer":{"a":0,"z":0},"zebra":1}`
	if string(out) != want {
		t.Fatalf("got %s want %s", out, want)
	}
}

// P1: canonicalize(canonicalize(v)) == canonicalize(v), byte for byte.
func TestCanonicalizeIsIdempotent(t *testing.T) {
	inputs := []string{
		`{"b":[1,2,{"y":1,"x":2}],"a":"hello"}`,
		`[]`,
		`{}`,
		`{"nested":{"deeper":{"z":1,"a":2}},"top":1}`,
		`"just a string"`,
		`42`,
		`null`,
		`[{"b":1,"a":2},{"d":4,"c":3}]`,
	}
	for _, in := range inputs {
		once, err := Canonicalize([]byte(in))
		if err != nil {
			t.Fatalf("canonicalize(%s): %v", in, err)
		}
		twice, err := Canonicalize(once)
		if err != nil {
			t.Fatalf("canonicalize(canonicalize(%s)): %v", in, err)
		}
		if string(once) != string(twice) {
			t.Fatalf("not idempotent for %s: once=%s twice=%s", in, once, twice)
		}
	}
}

func TestMarshalSortsStructFields(t *testing.T) {
	type inner struct {
		Zeta  int `json:"zeta"`
		Alpha int `json:"alpha"`
	}
	type outer struct {
		Beta  int   `json:"beta"`
		Inner inner `json:"inner"`
	}
	out, err := Marshal(outer{Beta: 1, Inner: inner{Zeta: 2, Alpha: 3}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"beta":1,"inner":{"alpha":3,"zeta":2}}`
	if string(out) != want {
		t.Fatalf("got %s want %s", out, want)
	}
}

func TestArrayOrderPreserved(t *testing.T) {
	out, err := Canonicalize([]byte(`{"items":[3,1,2]}`))
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"items":[3,1,2]}`
	if string(out) != want {
		t.Fatalf("got %s want %s", out, want)
	}
}

func TestNoWhitespace(t *testing.T) {
	out, err := Canonicalize([]byte(`{ "a" : 1 ,  "b" : [ 1 , 2 ] }`))
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	for _, b := range out {
		if b == ' ' || b == '\n' || b == '\t' {
			t.Fatalf("expected no whitespace in canonical output, got %s", out)
		}
	}
}
