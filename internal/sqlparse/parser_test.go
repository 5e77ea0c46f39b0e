package sqlparse

import "testing"

func TestParse_ClassifiesSelect(t *testing.T) {
	st, err := Parse("SELECT id, name FROM customers WHERE id = 42")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if st.Class != ClassRead {
		t.Errorf("Class = %v, want ClassRead", st.Class)
	}
	if len(st.Tables) != 1 || st.Tables[0].Name != "customers" {
		t.Errorf("Tables = %+v, want [customers]", st.Tables)
	}
	if len(st.Where) != 1 || st.Where[0].Column != "id" || st.Where[0].Values[0] != "42" {
		t.Errorf("Where = %+v, want id=42", st.Where)
	}
}

func TestParse_ClassifiesWrite(t *testing.T) {
	for _, sql := range []string{
		"INSERT INTO orders (id, total) VALUES (1, 2)",
		"UPDATE orders SET total = 3 WHERE id = 1",
		"DELETE FROM orders WHERE id = 1",
	} {
		st, err := Parse(sql)
		if err != nil {
			t.Fatalf("Parse(%q) error = %v", sql, err)
		}
		if !st.IsWrite() {
			t.Errorf("Parse(%q).Class = %v, want write", sql, st.Class)
		}
	}
}

func TestParse_TransactionControl(t *testing.T) {
	st, err := Parse("BEGIN")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if st.Class != ClassTransactionControl {
		t.Errorf("Class = %v, want ClassTransactionControl", st.Class)
	}
}

func TestParse_FingerprintIgnoresLiterals(t *testing.T) {
	a, err := Parse("SELECT * FROM orders WHERE id = 1")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	b, err := Parse("SELECT * FROM orders WHERE id = 999999")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if a.Fingerprint != b.Fingerprint {
		t.Errorf("Fingerprint differs across literal values: %q vs %q", a.Fingerprint, b.Fingerprint)
	}

	c, err := Parse("SELECT * FROM orders WHERE customer_id = 1")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if a.Fingerprint == c.Fingerprint {
		t.Errorf("Fingerprint matched across different columns: %q", a.Fingerprint)
	}
}

func TestParse_InList(t *testing.T) {
	st, err := Parse("SELECT * FROM orders WHERE id IN (1, 2, 3)")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(st.Where) != 1 || len(st.Where[0].Values) != 3 {
		t.Errorf("Where = %+v, want 3 values for id", st.Where)
	}
}

func TestParse_OrderByLimitOffset(t *testing.T) {
	st, err := Parse("SELECT id FROM orders ORDER BY created_at DESC LIMIT 10 OFFSET 5")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(st.OrderBy) != 1 || st.OrderBy[0].Column != "created_at" || !st.OrderBy[0].Descending {
		t.Errorf("OrderBy = %+v", st.OrderBy)
	}
	if !st.HasLimit || !st.HasOffset {
		t.Errorf("HasLimit=%v HasOffset=%v, want both true", st.HasLimit, st.HasOffset)
	}
}

func TestParse_Aggregates(t *testing.T) {
	st, err := Parse("SELECT COUNT(*), AVG(total) AS avg_total FROM orders GROUP BY region")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(st.Aggregates) != 2 {
		t.Fatalf("Aggregates = %+v, want 2", st.Aggregates)
	}
	if st.Aggregates[0].Func != "count" || st.Aggregates[0].Arg != "*" {
		t.Errorf("Aggregates[0] = %+v", st.Aggregates[0])
	}
	if st.Aggregates[1].Func != "avg" || st.Aggregates[1].Arg != "total" {
		t.Errorf("Aggregates[1] = %+v", st.Aggregates[1])
	}
	if len(st.GroupBy) != 1 || st.GroupBy[0] != "region" {
		t.Errorf("GroupBy = %+v", st.GroupBy)
	}
}

func TestParse_OrDoesNotExtractWhere(t *testing.T) {
	st, err := Parse("SELECT * FROM orders WHERE id = 1 OR id = 2")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(st.Where) != 0 {
		t.Errorf("Where = %+v, want none extracted across an OR", st.Where)
	}
}

func TestParse_LockingClauseIsVolatile(t *testing.T) {
	st, err := Parse("SELECT * FROM orders WHERE id = 1 FOR UPDATE")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !st.Volatile {
		t.Errorf("Volatile = false, want true for SELECT ... FOR UPDATE")
	}
}

func TestParse_VolatileFunctionInTargetList(t *testing.T) {
	st, err := Parse("SELECT nextval('orders_id_seq')")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !st.Volatile {
		t.Errorf("Volatile = false, want true for a nextval() target")
	}
}

func TestParse_PlainSelectIsNotVolatile(t *testing.T) {
	st, err := Parse("SELECT id, name FROM customers WHERE id = 42")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if st.Volatile {
		t.Errorf("Volatile = true, want false for a plain read")
	}
}

func TestIsTransactionControl(t *testing.T) {
	cases := map[string]bool{
		"BEGIN":                 true,
		"begin;":                true,
		"START TRANSACTION":     true,
		"COMMIT":                true,
		"SELECT 1":              false,
		"  rollback to savept1": true,
	}
	for sql, want := range cases {
		if got := IsTransactionControl(sql); got != want {
			t.Errorf("IsTransactionControl(%q) = %v, want %v", sql, got, want)
		}
	}
}
