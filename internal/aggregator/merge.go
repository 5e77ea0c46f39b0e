package aggregator

import (
	"container/heap"
	"io"
	"strconv"
	"strings"

	"github.com/mevdschee/pgdog/internal/sqlparse"
)

// Row is one result row, column values as their raw wire-format bytes
// (text or binary, whichever the shard connection returned). nil means
// SQL NULL.
type Row [][]byte

// RowSource streams rows from one shard's SELECT execution, already
// sorted on the statement's ORDER BY columns as Postgres itself would
// have sorted them (the shard did the real sort; this package only
// merges). Next returns io.EOF once exhausted.
type RowSource interface {
	Next() (Row, error)
}

// ColumnIndex maps an OrderByColumn to its position in the row, since
// sqlparse only records column names, not projection offsets.
type ColumnIndex map[string]int

// heapItem is one shard's current row, tracked by the merge heap.
type heapItem struct {
	row    Row
	source RowSource
	idx    int // source index, for stable tie-breaking
}

type mergeHeap struct {
	items []*heapItem
	order []sqlparse.OrderByColumn
	cols  ColumnIndex
}

func (h *mergeHeap) Len() int { return len(h.items) }

func (h *mergeHeap) Less(i, j int) bool {
	a, b := h.items[i].row, h.items[j].row
	for _, ob := range h.order {
		pos, ok := h.cols[ob.Column]
		if !ok {
			continue
		}
		c := compareBytes(a[pos], b[pos])
		if c == 0 {
			continue
		}
		if ob.Descending {
			return c > 0
		}
		return c < 0
	}
	return h.items[i].idx < h.items[j].idx
}

func (h *mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *mergeHeap) Push(x interface{}) { h.items = append(h.items, x.(*heapItem)) }

func (h *mergeHeap) Pop() interface{} {
	n := len(h.items)
	item := h.items[n-1]
	h.items = h.items[:n-1]
	return item
}

// compareBytes orders two column values. NULL (nil) compares greater
// than any value, so it sorts last for ASC and first for DESC, as
// Postgres does by default. Non-nil values compare first as
// numbers (if both parse), falling back to a byte-wise comparison so
// merging works whether the shard sent numeric or text columns.
func compareBytes(a, b []byte) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return 1
	}
	if b == nil {
		return -1
	}
	af, aerr := strconv.ParseFloat(string(a), 64)
	bf, berr := strconv.ParseFloat(string(b), 64)
	if aerr == nil && berr == nil {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(string(a), string(b))
}

// MergeOrderBy performs a k-way merge of already-sorted per-shard
// RowSources according to stmt.OrderBy, applying LIMIT/OFFSET to the
// merged stream. cols maps column name to its position within a Row,
// since the wire row carries no names of its own.
//
// Grounded on the same fan-out-then-recombine shape as Vitess's
// ScatterConn, but Vitess's own merge sort (sort_stream.go, not in the
// retrieved pack) was not available to read; this is a standard binary
// min-heap merge built from container/heap, the idiomatic Go tool for
// exactly this job.
func MergeOrderBy(sources []RowSource, order []sqlparse.OrderByColumn, cols ColumnIndex, limit, offset int, hasLimit, hasOffset bool) ([]Row, error) {
	h := &mergeHeap{order: order, cols: cols}
	heap.Init(h)

	for i, src := range sources {
		row, err := src.Next()
		if err == io.EOF {
			continue
		}
		if err != nil {
			return nil, err
		}
		heap.Push(h, &heapItem{row: row, source: src, idx: i})
	}

	var out []Row
	skipped := 0
	for h.Len() > 0 {
		top := heap.Pop(h).(*heapItem)
		if hasOffset && skipped < offset {
			skipped++
		} else {
			out = append(out, top.row)
			if hasLimit && len(out) >= limit {
				break
			}
		}
		next, err := top.source.Next()
		if err == io.EOF {
			continue
		}
		if err != nil {
			return nil, err
		}
		heap.Push(h, &heapItem{row: next, source: top.source, idx: top.idx})
	}
	return out, nil
}
