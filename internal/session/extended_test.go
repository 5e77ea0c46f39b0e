package session

import (
	"testing"

	"github.com/mevdschee/pgdog/internal/aggregator"
)

func TestParamPlaceholder(t *testing.T) {
	cases := map[int]string{0: "$1", 1: "$2", 9: "$10"}
	for i, want := range cases {
		if got := paramPlaceholder(i); got != want {
			t.Errorf("paramPlaceholder(%d) = %q, want %q", i, got, want)
		}
	}
}

func TestToRawRows(t *testing.T) {
	rows := []aggregator.Row{{[]byte("1"), []byte("a")}, {[]byte("2"), []byte("b")}}

	raw := toRawRows(rows)
	if len(raw) != 2 {
		t.Fatalf("len(toRawRows()) = %d, want 2", len(raw))
	}
	if string(raw[0][1]) != "a" || string(raw[1][1]) != "b" {
		t.Errorf("toRawRows() = %v, want column values preserved", raw)
	}
}
