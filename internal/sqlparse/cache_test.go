package sqlparse

import "testing"

func TestCache_ParseCachesByText(t *testing.T) {
	c, err := NewCache(2)
	if err != nil {
		t.Fatalf("NewCache() error = %v", err)
	}

	sql := "SELECT 1"
	first, err := c.Parse(sql)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	second, err := c.Parse(sql)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if first != second {
		t.Errorf("Parse() returned distinct pointers for the same SQL text")
	}
	if hits, misses := c.Stats(); hits != 1 || misses != 1 {
		t.Errorf("Stats() = hits=%d misses=%d, want 1/1", hits, misses)
	}
}

func TestCache_EvictsBeyondLimit(t *testing.T) {
	c, err := NewCache(1)
	if err != nil {
		t.Fatalf("NewCache() error = %v", err)
	}
	if _, err := c.Parse("SELECT 1"); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if _, err := c.Parse("SELECT 2"); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got := c.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
}
