package cache

import (
	"bytes"
	"container/list"
	"context"
	"io"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andybalholm/brotli"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Vincy69/mcp-drupal-server-sub002/types"
	"github.com/Vincy69/mcp-drupal-server-sub002/utils"
)

type MemoryState int32

const (
	MemoryStateStopped MemoryState = iota
	MemoryStateStarting
	MemoryStateRunning
	MemoryStateStopping
)

const (
	MaxTTL     = 24 * time.Hour
	DefaultTTL = 1 * time.Hour
)

type MemoryConfig struct {
	MaxEntries           int           `json:"max_entries"`
	MaxMemory            uint64        `json:"max_memory"`
	CleanupInterval      time.Duration `json:"cleanup_interval"`
	DefaultTTL           time.Duration `json:"default_ttl"`
	CompressionThreshold int           `json:"compression_threshold"`
}

type memoryEntry struct {
	key            string
	value          interface{}
	sizeBytes      uint64
	createdAt      time.Time
	expiresAt      time.Time
	lastAccessedAt time.Time
	accessCount    uint64
	lruElem        *list.Element
	compressed     bool
	wasString      bool
}

// MemoryCache is a bounded in-process store with TTL expiry and
// least-recently-used eviction. Recency is kept in an intrusive list so
// eviction never scans the whole table. Values above the compression
// threshold are held brotli-compressed when they are strings or byte slices.
type MemoryCache struct {
	ctx         context.Context
	cancel      context.CancelFunc
	config      *MemoryConfig
	logger      types.Logger
	data        map[string]*memoryEntry
	lru         *list.List
	memoryUsage uint64
	hits        uint64
	misses      uint64
	evictions   uint64
	expired     uint64
	errors      uint64
	mu          sync.Mutex
	state       atomic.Value
	stopCleanup chan struct{}
	cleanupDone chan struct{}
	shutdownTimeout time.Duration
}

func NewMemoryCache(ctx context.Context, logger types.Logger, config *types.CacheConfig) (types.CacheManager, error) {
	memConfig := &MemoryConfig{
		MaxEntries:           10000,
		MaxMemory:            256 << 20,
		CleanupInterval:      5 * time.Minute,
		DefaultTTL:           DefaultTTL,
		CompressionThreshold: 64 << 10,
	}

	if config != nil {
		if config.MaxEntries > 0 {
			memConfig.MaxEntries = config.MaxEntries
		}
		if config.MaxMemory > 0 {
			memConfig.MaxMemory = config.MaxMemory
		}
		if config.CleanupInterval > 0 {
			memConfig.CleanupInterval = config.CleanupInterval
		}
		if config.DefaultTTL > 0 {
			memConfig.DefaultTTL = config.DefaultTTL
		}
		if config.CompressionThreshold > 0 {
			memConfig.CompressionThreshold = config.CompressionThreshold
		}
		if config.Config != nil {
			if err := utils.UnmarshalConfig(config.Config, memConfig); err != nil {
				return nil, types.WrapError(err, "failed to unmarshal memory cache config")
			}
		}
	}

	cacheCtx, cancel := context.WithCancel(ctx)

	cache := &MemoryCache{
		ctx:             cacheCtx,
		cancel:          cancel,
		logger:          logger,
		config:          memConfig,
		data:            make(map[string]*memoryEntry),
		lru:             list.New(),
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
		shutdownTimeout: 10 * time.Second,
	}

	cache.state.Store(MemoryStateStopped)

	return cache, nil
}

func (m *MemoryCache) Get(key string) (interface{}, bool) {
	now := time.Now()

	m.mu.Lock()

	entry, exists := m.data[key]
	if !exists {
		m.mu.Unlock()
		atomic.AddUint64(&m.misses, 1)
		return nil, false
	}

	if now.After(entry.expiresAt) {
		m.removeEntryUnsafe(entry)
		atomic.AddUint64(&m.expired, 1)
		m.mu.Unlock()

		atomic.AddUint64(&m.misses, 1)
		return nil, false
	}

	entry.lastAccessedAt = now
	entry.accessCount++
	m.lru.MoveToFront(entry.lruElem)

	value := entry.value
	compressed := entry.compressed
	wasString := entry.wasString
	m.mu.Unlock()

	atomic.AddUint64(&m.hits, 1)

	if compressed {
		decoded, err := decompressValue(value.([]byte), wasString)
		if err != nil {
			m.logger.Error("Failed to decompress cache entry",
				zap.String("key", key),
				zap.Error(err))
			atomic.AddUint64(&m.errors, 1)
			return nil, false
		}
		return decoded, true
	}

	return value, true
}

// Entry returns an inspection snapshot of a live entry. Unlike Get it does
// not promote the entry or touch the hit/miss counters.
func (m *MemoryCache) Entry(key string) (types.CacheEntry, bool) {
	m.mu.Lock()

	entry, exists := m.data[key]
	if !exists || time.Now().After(entry.expiresAt) {
		m.mu.Unlock()
		return types.CacheEntry{}, false
	}

	snapshot := types.CacheEntry{
		Key:            entry.key,
		Value:          entry.value,
		SizeBytes:      entry.sizeBytes,
		TTL:            entry.expiresAt.Sub(entry.createdAt),
		CreatedAt:      entry.createdAt,
		ExpiresAt:      entry.expiresAt,
		LastAccessedAt: entry.lastAccessedAt,
		AccessCount:    entry.accessCount,
	}
	compressed := entry.compressed
	wasString := entry.wasString
	m.mu.Unlock()

	if compressed {
		decoded, err := decompressValue(snapshot.Value.([]byte), wasString)
		if err != nil {
			m.logger.Error("Failed to decompress cache entry",
				zap.String("key", key),
				zap.Error(err))
			return types.CacheEntry{}, false
		}
		snapshot.Value = decoded
	}

	return snapshot, true
}

func (m *MemoryCache) Set(key string, value interface{}, ttl time.Duration) error {
	if key == "" {
		m.logger.Error("Attempted to set cache entry with empty key")
		return types.ErrCacheKeyEmpty
	}

	if ttl <= 0 {
		ttl = m.config.DefaultTTL
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}

	storedValue, sizeBytes, compressed, wasString, err := m.prepareValue(key, value)
	if err != nil {
		atomic.AddUint64(&m.errors, 1)
		return err
	}

	if m.config.MaxMemory > 0 && sizeBytes > m.config.MaxMemory {
		m.logger.Warn("Cache entry exceeds memory limit, not cached",
			zap.String("key", key),
			zap.Uint64("size_bytes", sizeBytes),
			zap.Uint64("max_memory", m.config.MaxMemory))
		return types.Errorf(types.ErrCacheValueTooLarge, "%d bytes, limit %d", sizeBytes, m.config.MaxMemory)
	}

	now := time.Now()
	entry := &memoryEntry{
		key:            key,
		value:          storedValue,
		sizeBytes:      sizeBytes,
		createdAt:      now,
		expiresAt:      now.Add(ttl),
		lastAccessedAt: now,
		compressed:     compressed,
		wasString:      wasString,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if oldEntry, exists := m.data[key]; exists {
		m.removeEntryUnsafe(oldEntry)
	}

	for m.needsEvictionUnsafe(sizeBytes) {
		if !m.evictOneUnsafe() {
			break
		}
	}

	entry.lruElem = m.lru.PushFront(entry)
	m.data[key] = entry
	m.memoryUsage += sizeBytes

	return nil
}

func (m *MemoryCache) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, exists := m.data[key]; exists {
		m.removeEntryUnsafe(entry)
	}

	return nil
}

func (m *MemoryCache) Invalidate(pattern string) (int, error) {
	if pattern == "" {
		return 0, types.ErrCacheKeyEmpty
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !strings.ContainsAny(pattern, "*?[") {
		if entry, exists := m.data[pattern]; exists {
			m.removeEntryUnsafe(entry)
			return 1, nil
		}
		return 0, nil
	}

	if _, err := path.Match(pattern, ""); err != nil {
		return 0, types.Errorf(types.ErrCachePatternInvalid, "pattern: %s", pattern)
	}

	removed := 0
	for key, entry := range m.data {
		if ok, _ := path.Match(pattern, key); ok {
			m.removeEntryUnsafe(entry)
			removed++
		}
	}

	return removed, nil
}

func (m *MemoryCache) Stats() types.CacheStatistics {
	m.mu.Lock()
	size := len(m.data)
	memoryUsage := m.memoryUsage
	m.mu.Unlock()

	hits := atomic.LoadUint64(&m.hits)
	misses := atomic.LoadUint64(&m.misses)
	total := hits + misses

	var hitRatio float64
	if total > 0 {
		hitRatio = float64(hits) / float64(total)
	}

	return types.CacheStatistics{
		Size:             size,
		MemoryUsageBytes: memoryUsage,
		MaxEntries:       m.config.MaxEntries,
		MaxMemoryBytes:   m.config.MaxMemory,
		TotalRequests:    total,
		Hits:             hits,
		Misses:           misses,
		Errors:           atomic.LoadUint64(&m.errors),
		Evictions:        atomic.LoadUint64(&m.evictions),
		Expired:          atomic.LoadUint64(&m.expired),
		HitRatio:         hitRatio,
	}
}

func (m *MemoryCache) Start() error {
	if !m.transitionState(MemoryStateStopped, MemoryStateStarting) {
		m.logger.Warn("Memory cache is already running")
		return types.ErrManagerAlreadyRunning
	}

	defer func() {
		if m.getState() == MemoryStateStarting {
			m.setState(MemoryStateRunning)
		}
	}()

	if m.config.CleanupInterval > 0 {
		go m.startCleanupRoutine()
	} else {
		close(m.cleanupDone)
	}

	m.logger.Info("Memory cache started",
		zap.Int("max_entries", m.config.MaxEntries),
		zap.Uint64("max_memory", m.config.MaxMemory),
		zap.Duration("cleanup_interval", m.config.CleanupInterval))
	return nil
}

func (m *MemoryCache) Stop() error {
	if !m.transitionState(MemoryStateRunning, MemoryStateStopping) {
		m.logger.Warn("Memory cache is not running")
		return types.ErrManagerNotRunning
	}

	defer func() {
		m.setState(MemoryStateStopped)
	}()

	m.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case m.stopCleanup <- struct{}{}:
		case <-time.After(time.Second):
		}

		select {
		case <-m.cleanupDone:
			m.logger.Debug("Cleanup routine stopped")
		case <-time.After(5 * time.Second):
			m.logger.Warn("Cleanup routine stop timeout")
		}

		return nil
	})

	g.Go(func() error {
		m.mu.Lock()
		entriesCount := len(m.data)
		m.data = make(map[string]*memoryEntry)
		m.lru.Init()
		m.memoryUsage = 0
		m.mu.Unlock()

		m.logger.Info("Memory cache cleared", zap.Int("cleared_entries", entriesCount))
		return nil
	})

	if err := g.Wait(); err != nil {
		select {
		case <-gCtx.Done():
			m.logger.Warn("Memory cache stop timeout, some components may not have stopped gracefully")
		default:
			m.logger.Error("Error during memory cache shutdown", zap.Error(err))
		}
	} else {
		m.logger.Info("Memory cache stopped gracefully")
	}

	return nil
}

func (m *MemoryCache) IsRunning() bool {
	return m.getState() == MemoryStateRunning
}

func (m *MemoryCache) getState() MemoryState {
	return m.state.Load().(MemoryState)
}

func (m *MemoryCache) setState(newState MemoryState) bool {
	currentState := m.getState()
	return m.state.CompareAndSwap(currentState, newState)
}

func (m *MemoryCache) transitionState(from, to MemoryState) bool {
	return m.state.CompareAndSwap(from, to)
}

func (m *MemoryCache) prepareValue(key string, value interface{}) (stored interface{}, size uint64, compressed, wasString bool, err error) {
	size, err = utils.EstimateSize(key, value)
	if err != nil {
		return nil, 0, false, false, types.WrapError(err, "failed to estimate cache entry size")
	}

	threshold := m.config.CompressionThreshold
	if threshold <= 0 {
		return value, size, false, false, nil
	}

	var raw []byte
	switch v := value.(type) {
	case []byte:
		if len(v) < threshold {
			return value, size, false, false, nil
		}
		raw = v
	case string:
		if len(v) < threshold {
			return value, size, false, false, nil
		}
		raw = []byte(v)
		wasString = true
	default:
		return value, size, false, false, nil
	}

	packed, err := compressValue(raw)
	if err != nil || len(packed) >= len(raw) {
		return value, size, false, false, nil
	}

	compressedSize := uint64(len(key)) + uint64(len(packed)) + 96
	return packed, compressedSize, true, wasString, nil
}

func (m *MemoryCache) needsEvictionUnsafe(incomingSize uint64) bool {
	if len(m.data) == 0 {
		return false
	}
	if m.config.MaxEntries > 0 && len(m.data) >= m.config.MaxEntries {
		return true
	}
	if m.config.MaxMemory > 0 && m.memoryUsage+incomingSize > m.config.MaxMemory {
		return true
	}
	return false
}

func (m *MemoryCache) evictOneUnsafe() bool {
	victim := m.findLRUVictimUnsafe()
	if victim == nil {
		return false
	}

	m.removeEntryUnsafe(victim)
	atomic.AddUint64(&m.evictions, 1)
	return true
}

// findLRUVictimUnsafe picks the list tail; entries at equal recency fall back
// to oldest creation time, which the insertion order of the list preserves.
func (m *MemoryCache) findLRUVictimUnsafe() *memoryEntry {
	elem := m.lru.Back()
	if elem == nil {
		return nil
	}
	return elem.Value.(*memoryEntry)
}

func (m *MemoryCache) removeEntryUnsafe(entry *memoryEntry) {
	if entry.lruElem != nil {
		m.lru.Remove(entry.lruElem)
		entry.lruElem = nil
	}
	if m.memoryUsage >= entry.sizeBytes {
		m.memoryUsage -= entry.sizeBytes
	} else {
		m.memoryUsage = 0
	}
	delete(m.data, entry.key)
}

func (m *MemoryCache) cleanup() {
	now := time.Now()

	m.mu.Lock()

	var victims []*memoryEntry
	for _, entry := range m.data {
		if now.After(entry.expiresAt) {
			victims = append(victims, entry)
		}
	}

	for _, entry := range victims {
		m.removeEntryUnsafe(entry)
	}
	m.mu.Unlock()

	if len(victims) > 0 {
		atomic.AddUint64(&m.expired, uint64(len(victims)))
		m.logger.Debug("Cleanup completed", zap.Int("expired_entries", len(victims)))
	}
}

func (m *MemoryCache) startCleanupRoutine() {
	defer close(m.cleanupDone)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Debug("Cleanup routine stopped by context")
			return
		case <-m.stopCleanup:
			m.logger.Debug("Cleanup routine stopped by signal")
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

func compressValue(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressValue(packed []byte, wasString bool) (interface{}, error) {
	r := brotli.NewReader(bytes.NewReader(packed))
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if wasString {
		// raw is freshly allocated and never aliased, so the zero-copy
		// conversion is safe here.
		return utils.BytesToString(raw), nil
	}
	return raw, nil
}
