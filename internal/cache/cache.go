// Package cache provides caching for analysis reports and listing queries.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	ReportCacheSizeMB int
	ReportTTL         time.Duration
	QueryCacheSize    int
}

// Manager manages report and query caches.
type Manager struct {
	reportCache *bigcache.BigCache
	queryCache  *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.ReportTTL <= 0 {
		cfg.ReportTTL = 30 * time.Minute
	}
	if cfg.QueryCacheSize <= 0 {
		cfg.QueryCacheSize = 1000
	}

	// Reports carry per-sample vectors, so shards are few and large.
	reportCacheConfig := bigcache.Config{
		Shards:             64,
		LifeWindow:         cfg.ReportTTL,
		CleanWindow:        cfg.ReportTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       256 * 1024,
		HardMaxCacheSize:   cfg.ReportCacheSizeMB,
		Verbose:            false,
	}

	reportCache, err := bigcache.New(context.Background(), reportCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create report cache: %w", err)
	}

	// Create query cache
	queryCache, err := lru.New[string, []byte](cfg.QueryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	return &Manager{
		reportCache: reportCache,
		queryCache:  queryCache,
	}, nil
}

// GetReport retrieves an encoded report from cache.
func (m *Manager) GetReport(key string) ([]byte, bool) {
	data, err := m.reportCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetReport stores an encoded report in cache.
func (m *Manager) SetReport(key string, data []byte) error {
	return m.reportCache.Set(key, data)
}

// GetQuery retrieves a query result from cache.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	return m.queryCache.Get(key)
}

// SetQuery stores a query result in cache.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, data)
}

// ReportKey generates a cache key for one analysis.
func ReportKey(dataset, drugKey, gene, event string, minSupport int) string {
	base := fmt.Sprintf("report:%s:%s", dataset, gene)

	// Drug keys contain free text, so they are hashed
	h := sha256.New()
	h.Write([]byte(drugKey))
	h.Write([]byte{0})
	h.Write([]byte(event))
	return fmt.Sprintf("%s:%s:ms=%d", base, hex.EncodeToString(h.Sum(nil))[:16], minSupport)
}

// QueryKey generates a cache key for a listing query. Parameter order does not matter.
func QueryKey(dataset, kind string, params map[string]string) string {
	base := fmt.Sprintf("query:%s:%s", dataset, kind)
	if len(params) == 0 {
		return base
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + params[k]
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "&")))
	return base + ":" + hex.EncodeToString(sum[:])[:16]
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"report_cache_len":  m.reportCache.Len(),
		"report_cache_cap":  m.reportCache.Capacity(),
		"report_cache_hits": m.reportCache.Stats().Hits,
		"query_cache_len":   m.queryCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.reportCache.Close()
}
