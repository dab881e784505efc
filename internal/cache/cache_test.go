package cache

import (
	"testing"
	"time"
)

func TestReportKey(t *testing.T) {
	base := ReportKey("gdsc", "1047;Nutlin-3a (-);v17", "MDM2", "", 5)

	if got := ReportKey("gdsc", "1047;Nutlin-3a (-);v17", "MDM2", "", 5); got != base {
		t.Fatalf("expected stable key, got %q vs %q", base, got)
	}

	variants := []string{
		ReportKey("ctrp", "1047;Nutlin-3a (-);v17", "MDM2", "", 5),
		ReportKey("gdsc", "1047;Nutlin-3a (-);v27", "MDM2", "", 5),
		ReportKey("gdsc", "1047;Nutlin-3a (-);v17", "TP53", "", 5),
		ReportKey("gdsc", "1047;Nutlin-3a (-);v17", "MDM2", "TP53_mut", 5),
		ReportKey("gdsc", "1047;Nutlin-3a (-);v17", "MDM2", "", 3),
	}
	for _, v := range variants {
		if v == base {
			t.Fatalf("expected key to differ from base, got %q", v)
		}
	}
}

func TestQueryKey(t *testing.T) {
	t.Run("noParams", func(t *testing.T) {
		got := QueryKey("gdsc", "drugs", nil)
		if got != "query:gdsc:drugs" {
			t.Fatalf("unexpected key %q", got)
		}
	})

	t.Run("orderIndependent", func(t *testing.T) {
		key1 := QueryKey("gdsc", "associations", map[string]string{"target": "1", "min_beta": "0.5"})
		key2 := QueryKey("gdsc", "associations", map[string]string{"min_beta": "0.5", "target": "1"})
		if key1 != key2 {
			t.Fatalf("expected stable key, got %q vs %q", key1, key2)
		}
		key3 := QueryKey("gdsc", "associations", map[string]string{"min_beta": "0.6", "target": "1"})
		if key1 == key3 {
			t.Fatalf("expected different params to change the key")
		}
	})
}

func TestManager(t *testing.T) {
	m, err := NewManager(Config{ReportCacheSizeMB: 16, ReportTTL: time.Minute, QueryCacheSize: 2})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	if _, ok := m.GetReport("missing"); ok {
		t.Fatal("expected miss")
	}
	if err := m.SetReport("r1", []byte(`{"gene":"MDM2"}`)); err != nil {
		t.Fatalf("SetReport: %v", err)
	}
	if data, ok := m.GetReport("r1"); !ok || string(data) != `{"gene":"MDM2"}` {
		t.Fatalf("unexpected report hit: %q %v", data, ok)
	}

	m.SetQuery("q1", []byte("a"))
	m.SetQuery("q2", []byte("b"))
	m.SetQuery("q3", []byte("c"))
	if _, ok := m.GetQuery("q1"); ok {
		t.Fatal("expected q1 to be evicted")
	}
	if data, ok := m.GetQuery("q3"); !ok || string(data) != "c" {
		t.Fatalf("unexpected query hit: %q %v", data, ok)
	}

	stats := m.Stats()
	if stats["query_cache_len"] != 2 {
		t.Fatalf("unexpected query_cache_len: %v", stats["query_cache_len"])
	}
}
