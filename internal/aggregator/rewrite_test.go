package aggregator

import (
	"strings"
	"testing"

	"github.com/mevdschee/pgdog/internal/sqlparse"
)

func TestRewriteForShards_NoAggregatesPassesThrough(t *testing.T) {
	stmt, err := sqlparse.Parse("SELECT id FROM users")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	sql, partials, err := RewriteForShards(stmt)
	if err != nil {
		t.Fatalf("RewriteForShards() error = %v", err)
	}
	if sql != stmt.SQL || partials != nil {
		t.Errorf("RewriteForShards() = %q, %v, want passthrough", sql, partials)
	}
}

func TestRewriteForShards_DecomposesAvg(t *testing.T) {
	stmt, err := sqlparse.Parse("SELECT AVG(price) FROM items")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(stmt.Aggregates) != 1 {
		t.Fatalf("Aggregates = %v, want 1 entry", stmt.Aggregates)
	}
	sql, partials, err := RewriteForShards(stmt)
	if err != nil {
		t.Fatalf("RewriteForShards() error = %v", err)
	}
	if !strings.Contains(sql, "SUM(price)") || !strings.Contains(sql, "COUNT(price)") {
		t.Errorf("sql = %q, want SUM and COUNT of price", sql)
	}
	if len(partials) != 1 || partials[0].Kind != "avg" {
		t.Fatalf("partials = %+v, want one avg partial", partials)
	}
}

func TestAccumulator_RecombinesAvgAcrossShards(t *testing.T) {
	partials := []PartialColumn{{Kind: "avg", SumAlias: "s", CountAlias: "c", ResultAlias: "avg_price"}}
	cols := ColumnIndex{"s": 0, "c": 1}
	acc := NewAccumulator(cols)

	if err := acc.Add("", Row{[]byte("100"), []byte("2")}, partials); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := acc.Add("", Row{[]byte("50"), []byte("1")}, partials); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	results := acc.Results(partials)
	if len(results) != 1 {
		t.Fatalf("Results() = %v, want 1 group", results)
	}
	// total sum 150 over total count 3 = 50
	if got := results[0]["avg_price"]; got != 50 {
		t.Errorf("avg_price = %v, want 50", got)
	}
}

func TestAccumulator_MaxAcrossShards(t *testing.T) {
	partials := []PartialColumn{{Kind: "max", SumAlias: "m", ResultAlias: "max_price"}}
	cols := ColumnIndex{"m": 0}
	acc := NewAccumulator(cols)
	_ = acc.Add("", Row{[]byte("10")}, partials)
	_ = acc.Add("", Row{[]byte("99")}, partials)
	_ = acc.Add("", Row{[]byte("42")}, partials)

	results := acc.Results(partials)
	if got := results[0]["max_price"]; got != 99 {
		t.Errorf("max_price = %v, want 99", got)
	}
}

func TestAccumulator_GroupsIndependently(t *testing.T) {
	partials := []PartialColumn{{Kind: "sum", SumAlias: "s", ResultAlias: "total"}}
	cols := ColumnIndex{"s": 0}
	acc := NewAccumulator(cols)
	_ = acc.Add("group-a", Row{[]byte("10")}, partials)
	_ = acc.Add("group-b", Row{[]byte("5")}, partials)
	_ = acc.Add("group-a", Row{[]byte("3")}, partials)

	results := acc.Results(partials)
	if len(results) != 2 {
		t.Fatalf("Results() = %v, want 2 groups", results)
	}
	if results[0]["total"] != 13 {
		t.Errorf("group-a total = %v, want 13", results[0]["total"])
	}
	if results[1]["total"] != 5 {
		t.Errorf("group-b total = %v, want 5", results[1]["total"])
	}
}
