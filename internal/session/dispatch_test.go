package session

import (
	"testing"

	"github.com/mevdschee/pgdog/internal/aggregator"
	"github.com/mevdschee/pgdog/internal/pool"
)

func TestIsListenFamily(t *testing.T) {
	cases := map[string]bool{
		"LISTEN foo":        true,
		"listen foo":        true,
		"NOTIFY foo, 'bar'": true,
		"UNLISTEN *":        true,
		"  listen foo":      true,
		"SELECT 1":          false,
		"":                  false,
	}
	for sql, want := range cases {
		if got := isListenFamily(sql); got != want {
			t.Errorf("isListenFamily(%q) = %v, want %v", sql, got, want)
		}
	}
}

func TestPromotesSessionMode(t *testing.T) {
	cases := map[string]bool{
		"SET search_path = public": true,
		"set statement_timeout=5": true,
		"SET LOCAL statement_timeout = 5": false,
		"set local search_path = x":       false,
		"SELECT 1":                        false,
		"BEGIN":                           false,
	}
	for sql, want := range cases {
		if got := promotesSessionMode(sql); got != want {
			t.Errorf("promotesSessionMode(%q) = %v, want %v", sql, got, want)
		}
	}
}

func TestMissingShards(t *testing.T) {
	have := map[int]*pool.ServerConnection{0: {}, 2: {}}

	got := missingShards([]int{0, 1, 2, 3}, have)
	want := []int{1, 3}
	if len(got) != len(want) {
		t.Fatalf("missingShards() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("missingShards()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestMissingShardsNoneMissing(t *testing.T) {
	have := map[int]*pool.ServerConnection{0: {}, 1: {}}
	if got := missingShards([]int{0, 1}, have); len(got) != 0 {
		t.Errorf("missingShards() = %v, want empty", got)
	}
}

func TestGroupKeyOf(t *testing.T) {
	cols := map[string]int{"region": 0, "total": 1}
	row := [][]byte{[]byte("us-east"), []byte("100")}

	if got := groupKeyOf(row, cols, nil); got != "" {
		t.Errorf("groupKeyOf with no GroupBy = %q, want empty", got)
	}
	if got := groupKeyOf(row, cols, []string{"region"}); got != "us-east" {
		t.Errorf("groupKeyOf(region) = %q, want us-east", got)
	}
}

func TestSliceSourceNext(t *testing.T) {
	src := &sliceSource{rows: []aggregator.Row{{[]byte("a")}, {[]byte("b")}}}

	row, err := src.Next()
	if err != nil || string(row[0]) != "a" {
		t.Fatalf("Next() = %v, %v, want [a], nil", row, err)
	}
	row, err = src.Next()
	if err != nil || string(row[0]) != "b" {
		t.Fatalf("Next() = %v, %v, want [b], nil", row, err)
	}
	if _, err := src.Next(); err != errEOF {
		t.Fatalf("Next() after exhaustion error = %v, want errEOF", err)
	}
}
