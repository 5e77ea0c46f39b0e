package aggregator

import (
	"io"
	"strconv"
	"testing"

	"github.com/mevdschee/pgdog/internal/sqlparse"
)

// fakeSource replays a fixed, already-sorted slice of rows.
type fakeSource struct {
	rows []Row
	pos  int
}

func (f *fakeSource) Next() (Row, error) {
	if f.pos >= len(f.rows) {
		return nil, io.EOF
	}
	row := f.rows[f.pos]
	f.pos++
	return row, nil
}

func intRow(v int) Row {
	return Row{[]byte(strconv.Itoa(v))}
}

func TestMergeOrderBy_AscendingAcrossShards(t *testing.T) {
	shard0 := &fakeSource{rows: []Row{intRow(1), intRow(4), intRow(7)}}
	shard1 := &fakeSource{rows: []Row{intRow(2), intRow(3), intRow(9)}}
	cols := ColumnIndex{"id": 0}
	order := []sqlparse.OrderByColumn{{Column: "id"}}

	out, err := MergeOrderBy([]RowSource{shard0, shard1}, order, cols, 0, 0, false, false)
	if err != nil {
		t.Fatalf("MergeOrderBy() error = %v", err)
	}
	want := []string{"1", "2", "3", "4", "7", "9"}
	if len(out) != len(want) {
		t.Fatalf("len(out) = %d, want %d", len(out), len(want))
	}
	for i, row := range out {
		if string(row[0]) != want[i] {
			t.Errorf("out[%d] = %q, want %q", i, row[0], want[i])
		}
	}
}

func TestMergeOrderBy_Descending(t *testing.T) {
	shard0 := &fakeSource{rows: []Row{intRow(9), intRow(5)}}
	shard1 := &fakeSource{rows: []Row{intRow(7), intRow(1)}}
	cols := ColumnIndex{"id": 0}
	order := []sqlparse.OrderByColumn{{Column: "id", Descending: true}}

	out, err := MergeOrderBy([]RowSource{shard0, shard1}, order, cols, 0, 0, false, false)
	if err != nil {
		t.Fatalf("MergeOrderBy() error = %v", err)
	}
	want := []string{"9", "7", "5", "1"}
	for i, row := range out {
		if string(row[0]) != want[i] {
			t.Errorf("out[%d] = %q, want %q", i, row[0], want[i])
		}
	}
}

func TestMergeOrderBy_LimitOffset(t *testing.T) {
	shard0 := &fakeSource{rows: []Row{intRow(1), intRow(3), intRow(5)}}
	shard1 := &fakeSource{rows: []Row{intRow(2), intRow(4), intRow(6)}}
	cols := ColumnIndex{"id": 0}
	order := []sqlparse.OrderByColumn{{Column: "id"}}

	out, err := MergeOrderBy([]RowSource{shard0, shard1}, order, cols, 2, 1, true, true)
	if err != nil {
		t.Fatalf("MergeOrderBy() error = %v", err)
	}
	want := []string{"2", "3"}
	if len(out) != len(want) {
		t.Fatalf("len(out) = %d, want %d: %v", len(out), len(want), out)
	}
	for i, row := range out {
		if string(row[0]) != want[i] {
			t.Errorf("out[%d] = %q, want %q", i, row[0], want[i])
		}
	}
}

func TestMergeOrderBy_EmptySources(t *testing.T) {
	cols := ColumnIndex{"id": 0}
	out, err := MergeOrderBy(nil, nil, cols, 0, 0, false, false)
	if err != nil {
		t.Fatalf("MergeOrderBy() error = %v", err)
	}
	if len(out) != 0 {
		t.Errorf("out = %v, want empty", out)
	}
}
