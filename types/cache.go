package types

import (
	"time"
)

type CacheManager interface {
	LifecycleManager
	Get(key string) (interface{}, bool)
	Set(key string, value interface{}, ttl time.Duration) error
	Delete(key string) error
	// Invalidate removes every entry whose key matches the pattern.
	// Patterns follow path.Match syntax; a pattern without wildcards is an
	// exact-key removal. Returns the number of entries removed.
	Invalidate(pattern string) (int, error)
	Stats() CacheStatistics
}

type CacheManagerCreator func(config interface{}) (CacheManager, error)

type CacheEntry struct {
	Key            string        `json:"key"`
	Value          interface{}   `json:"value"`
	SizeBytes      uint64        `json:"size_bytes"`
	TTL            time.Duration `json:"ttl"`
	CreatedAt      time.Time     `json:"created_at"`
	ExpiresAt      time.Time     `json:"expires_at"`
	LastAccessedAt time.Time     `json:"last_accessed_at"`
	AccessCount    uint64        `json:"access_count"`
}

type CacheStatistics struct {
	Size             int     `json:"size"`
	MemoryUsageBytes uint64  `json:"memory_usage_bytes"`
	MaxEntries       int     `json:"max_entries"`
	MaxMemoryBytes   uint64  `json:"max_memory_bytes"`
	TotalRequests    uint64  `json:"total_requests"`
	Hits             uint64  `json:"hits"`
	Misses           uint64  `json:"misses"`
	Errors           uint64  `json:"errors"`
	Evictions        uint64  `json:"evictions"`
	Expired          uint64  `json:"expired"`
	HitRatio         float64 `json:"hit_ratio"`
}
