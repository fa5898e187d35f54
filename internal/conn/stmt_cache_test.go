package conn

import (
	"fmt"
	"testing"
)

func TestStmtCacheEvictionAtCapacityTwo(t *testing.T) {
	c := newStmtCache(2)
	if _, evicted := c.Put("a", &Statement{SQL: "a"}); evicted {
		t.Fatalf("unexpected eviction inserting first entry")
	}
	if _, evicted := c.Put("b", &Statement{SQL: "b"}); evicted {
		t.Fatalf("unexpected eviction inserting second entry")
	}
	evicted, ok := c.Put("c", &Statement{SQL: "c"})
	if !ok || evicted.SQL != "a" {
		t.Fatalf("expected eviction of least-recently-used entry \"a\", got %+v (ok=%v)", evicted, ok)
	}
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected \"a\" to have been evicted")
	}
	if _, ok := c.Get("b"); !ok {
		t.Fatalf("expected \"b\" to still be cached")
	}
}

func TestStmtCacheGetRefreshesRecency(t *testing.T) {
	c := newStmtCache(2)
	c.Put("a", &Statement{SQL: "a"})
	c.Put("b", &Statement{SQL: "b"})
	c.Get("a") // touch a, making b the least recently used
	evicted, ok := c.Put("c", &Statement{SQL: "c"})
	if !ok || evicted.SQL != "b" {
		t.Fatalf("expected eviction of \"b\" after touching \"a\", got %+v (ok=%v)", evicted, ok)
	}
}

func TestStmtCacheEvictReturnsAll(t *testing.T) {
	c := newStmtCache(0)
	c.Put("a", &Statement{SQL: "a"})
	c.Put("b", &Statement{SQL: "b"})
	all := c.Evict()
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}
	if c.Len() != 0 {
		t.Fatalf("expected cache to be empty after Evict")
	}
}

func TestStmtCacheUnboundedCapacity(t *testing.T) {
	c := newStmtCache(0)
	for i := 0; i < 50; i++ {
		c.Put(fmt.Sprintf("stmt-%d", i), &Statement{})
	}
	if c.Len() != 50 {
		t.Fatalf("expected unbounded cache to hold all 50 entries, got %d", c.Len())
	}
}
