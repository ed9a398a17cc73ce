package readmodel

import (
	"errors"
	"reflect"
	"testing"
)

func TestParsePointer(t *testing.T) {
	tests := []struct {
		in   string
		want Pointer
	}{
		{"", Pointer{}},
		{"/", Pointer{}},
		{"/a", Pointer{"a"}},
		{"/a/b/0", Pointer{"a", "b", "0"}},
		{"/a~1b/~0c", Pointer{"a/b", "~c"}},
		{"/~01", Pointer{"~1"}},
		{"/a/", Pointer{"a", ""}},
	}
	for _, tt := range tests {
		got, err := ParsePointer(tt.in)
		if err != nil {
			t.Fatalf("ParsePointer(%q): %v", tt.in, err)
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("ParsePointer(%q): expected %#v, got %#v", tt.in, tt.want, got)
		}
	}
}

func TestParsePointerRejectsRelative(t *testing.T) {
	_, err := ParsePointer("a/b")
	if !errors.Is(err, ErrUnresolvable) {
		t.Fatalf("expected ErrUnresolvable, got %v", err)
	}
}

func TestPointerStringEscapes(t *testing.T) {
	p := Pointer{"a/b", "~c"}
	if got := p.String(); got != "/a~1b/~0c" {
		t.Fatalf("expected /a~1b/~0c, got %s", got)
	}
	back, _ := ParsePointer(p.String())
	if !reflect.DeepEqual(back, p) {
		t.Fatalf("expected round trip, got %#v", back)
	}
}

func TestArrayIndex(t *testing.T) {
	valid := map[string]int{"0": 0, "7": 7, "12": 12}
	for tok, want := range valid {
		got, ok := arrayIndex(tok)
		if !ok || got != want {
			t.Fatalf("arrayIndex(%q): expected %d, got %d ok=%v", tok, want, got, ok)
		}
	}
	for _, tok := range []string{"", "-", "01", "-1", "1a", "+1"} {
		if _, ok := arrayIndex(tok); ok {
			t.Fatalf("arrayIndex(%q): expected rejection", tok)
		}
	}
}
