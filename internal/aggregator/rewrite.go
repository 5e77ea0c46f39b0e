package aggregator

import (
	"fmt"
	"strings"

	"github.com/mevdschee/pgdog/internal/sqlparse"
)

// RewriteForShards rewrites a SELECT statement's aggregate target list
// so each shard computes a partial that the coordinator can later
// recombine: COUNT(x) -> COUNT(x) AS same alias (already shard-local
// and summable as-is), SUM(x) -> SUM(x) (summable as-is), AVG(x) is
// decomposed into SUM(x) and COUNT(x) since a per-shard average cannot
// be averaged again, and MIN/MAX pass through unchanged since they are
// already associative. The GROUP BY clause is preserved verbatim so
// each shard still returns one partial row per group.
//
// This runs against stmt.SQL textually rather than through pg_query's
// deparser: the parse tree sqlparse keeps is read-only (shared by
// pointer across every session using the same fingerprint), so
// mutating it in place would corrupt the cache entry for every other
// statement sharing it.
func RewriteForShards(stmt *sqlparse.Statement) (string, []PartialColumn, error) {
	if len(stmt.Aggregates) == 0 {
		return stmt.SQL, nil, nil
	}

	var partials []PartialColumn
	replacements := make(map[string]string, len(stmt.Aggregates))

	for i, agg := range stmt.Aggregates {
		original := aggregateText(agg)
		switch strings.ToLower(agg.Func) {
		case "avg":
			sumAlias := fmt.Sprintf("__pgdog_sum_%d", i)
			countAlias := fmt.Sprintf("__pgdog_count_%d", i)
			replacements[original] = fmt.Sprintf("SUM(%s) AS %s, COUNT(%s) AS %s", agg.Arg, sumAlias, agg.Arg, countAlias)
			partials = append(partials, PartialColumn{Kind: "avg", SumAlias: sumAlias, CountAlias: countAlias, ResultAlias: resultAlias(agg, i)})
		case "count":
			alias := resultAlias(agg, i)
			replacements[original] = fmt.Sprintf("COUNT(%s) AS %s", agg.Arg, alias)
			partials = append(partials, PartialColumn{Kind: "sum", SumAlias: alias, ResultAlias: alias})
		case "sum":
			alias := resultAlias(agg, i)
			replacements[original] = fmt.Sprintf("SUM(%s) AS %s", agg.Arg, alias)
			partials = append(partials, PartialColumn{Kind: "sum", SumAlias: alias, ResultAlias: alias})
		case "min":
			alias := resultAlias(agg, i)
			replacements[original] = fmt.Sprintf("MIN(%s) AS %s", agg.Arg, alias)
			partials = append(partials, PartialColumn{Kind: "min", SumAlias: alias, ResultAlias: alias})
		case "max":
			alias := resultAlias(agg, i)
			replacements[original] = fmt.Sprintf("MAX(%s) AS %s", agg.Arg, alias)
			partials = append(partials, PartialColumn{Kind: "max", SumAlias: alias, ResultAlias: alias})
		default:
			return "", nil, fmt.Errorf("aggregator: unsupported aggregate function %q", agg.Func)
		}
	}

	rewritten := stmt.SQL
	for original, replacement := range replacements {
		rewritten = strings.Replace(rewritten, original, replacement, 1)
	}
	return rewritten, partials, nil
}

func aggregateText(agg sqlparse.Aggregate) string {
	return fmt.Sprintf("%s(%s)", strings.ToUpper(agg.Func), agg.Arg)
}

func resultAlias(agg sqlparse.Aggregate, i int) string {
	if agg.Alias != "" {
		return agg.Alias
	}
	return fmt.Sprintf("__pgdog_agg_%d", i)
}

// PartialColumn describes how to recombine one aggregate's per-shard
// partials into the client-visible result column.
type PartialColumn struct {
	Kind        string // "sum", "min", "max", "avg"
	SumAlias    string
	CountAlias  string // only set for Kind == "avg"
	ResultAlias string
}

// Accumulator folds one shard's partial row into a running accumulator
// keyed by the GROUP BY tuple (or the empty key for an ungrouped
// query), per PartialColumn semantics.
type Accumulator struct {
	cols   ColumnIndex
	groups map[string]map[string]float64
	order  []string
}

// NewAccumulator builds an empty accumulator over the given partial
// column layout.
func NewAccumulator(cols ColumnIndex) *Accumulator {
	return &Accumulator{cols: cols, groups: make(map[string]map[string]float64)}
}

// Add folds one shard's partial row into the accumulator under
// groupKey (the concatenation of the row's GROUP BY values, or "" if
// ungrouped).
func (a *Accumulator) Add(groupKey string, row Row, partials []PartialColumn) error {
	bucket, ok := a.groups[groupKey]
	if !ok {
		bucket = make(map[string]float64)
		a.groups[groupKey] = bucket
		a.order = append(a.order, groupKey)
	}
	for _, p := range partials {
		switch p.Kind {
		case "sum":
			v, err := columnFloat(row, a.cols, p.SumAlias)
			if err != nil {
				return err
			}
			bucket[p.SumAlias] += v
		case "min":
			v, err := columnFloat(row, a.cols, p.SumAlias)
			if err != nil {
				return err
			}
			if cur, seen := bucket[p.SumAlias]; !seen || v < cur {
				bucket[p.SumAlias] = v
			}
			bucket["__seen_"+p.SumAlias] = 1
		case "max":
			v, err := columnFloat(row, a.cols, p.SumAlias)
			if err != nil {
				return err
			}
			if cur, seen := bucket[p.SumAlias]; !seen || v > cur {
				bucket[p.SumAlias] = v
			}
			bucket["__seen_"+p.SumAlias] = 1
		case "avg":
			sum, err := columnFloat(row, a.cols, p.SumAlias)
			if err != nil {
				return err
			}
			count, err := columnFloat(row, a.cols, p.CountAlias)
			if err != nil {
				return err
			}
			bucket[p.SumAlias] += sum
			bucket[p.CountAlias] += count
		}
	}
	return nil
}

// Results returns one accumulated value per group, per partial column,
// in the order groups were first seen, with AVG partials divided back
// out into a mean.
func (a *Accumulator) Results(partials []PartialColumn) []map[string]float64 {
	out := make([]map[string]float64, 0, len(a.order))
	for _, key := range a.order {
		bucket := a.groups[key]
		row := make(map[string]float64, len(partials))
		for _, p := range partials {
			switch p.Kind {
			case "avg":
				if bucket[p.CountAlias] == 0 {
					row[p.ResultAlias] = 0
				} else {
					row[p.ResultAlias] = bucket[p.SumAlias] / bucket[p.CountAlias]
				}
			default:
				row[p.ResultAlias] = bucket[p.SumAlias]
			}
		}
		out = append(out, row)
	}
	return out
}

func columnFloat(row Row, cols ColumnIndex, alias string) (float64, error) {
	pos, ok := cols[alias]
	if !ok {
		return 0, fmt.Errorf("aggregator: column %q not present in shard row", alias)
	}
	if pos >= len(row) || row[pos] == nil {
		return 0, nil
	}
	var v float64
	if _, err := fmt.Sscanf(string(row[pos]), "%g", &v); err != nil {
		return 0, fmt.Errorf("aggregator: column %q is not numeric: %w", alias, err)
	}
	return v, nil
}
