package metrics

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Vincy69/mcp-drupal-server-sub002/types"
	"github.com/Vincy69/mcp-drupal-server-sub002/utils"
)

type MemoryMetrics struct {
	ctx        context.Context
	logger     types.Logger
	labels     map[string]string
	counters   sync.Map
	gauges     sync.Map
	histograms sync.Map
	running    int32
}

func NewMemoryMetrics(ctx context.Context, logger types.Logger, config *types.MetricsConfig) (types.MetricsManager, error) {
	labels := map[string]string{}
	if config != nil && config.Labels != nil {
		labels = config.Labels
	}

	return &MemoryMetrics{
		ctx:    ctx,
		logger: logger,
		labels: labels,
	}, nil
}

func (m *MemoryMetrics) Start() error {
	if !atomic.CompareAndSwapInt32(&m.running, 0, 1) {
		return types.ErrManagerAlreadyRunning
	}
	m.logger.Debug("Memory metrics started")
	return nil
}

func (m *MemoryMetrics) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.running, 1, 0) {
		return types.ErrManagerNotRunning
	}
	m.logger.Debug("Memory metrics stopped")
	return nil
}

func (m *MemoryMetrics) IsRunning() bool {
	return atomic.LoadInt32(&m.running) == 1
}

func (m *MemoryMetrics) Counter(name string, labels map[string]string) types.Counter {
	key := metricKey(name, labels)
	actual, _ := m.counters.LoadOrStore(key, &memoryCounter{})
	return actual.(*memoryCounter)
}

func (m *MemoryMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	key := metricKey(name, labels)
	actual, _ := m.gauges.LoadOrStore(key, &memoryGauge{})
	return actual.(*memoryGauge)
}

func (m *MemoryMetrics) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	key := metricKey(name, labels)
	actual, _ := m.histograms.LoadOrStore(key, newMemoryHistogram(buckets))
	return actual.(*memoryHistogram)
}

func (m *MemoryMetrics) GetMetrics() ([]byte, error) {
	now := time.Now()
	values := make([]types.MetricValue, 0, 64)

	m.counters.Range(func(key, value interface{}) bool {
		name, labels := splitMetricKey(key.(string))
		values = append(values, types.MetricValue{
			Name:      name,
			Type:      "counter",
			Value:     value.(*memoryCounter).Get(),
			Labels:    labels,
			Timestamp: now,
		})
		return true
	})

	m.gauges.Range(func(key, value interface{}) bool {
		name, labels := splitMetricKey(key.(string))
		values = append(values, types.MetricValue{
			Name:      name,
			Type:      "gauge",
			Value:     value.(*memoryGauge).Get(),
			Labels:    labels,
			Timestamp: now,
		})
		return true
	})

	m.histograms.Range(func(key, value interface{}) bool {
		name, labels := splitMetricKey(key.(string))
		values = append(values, types.MetricValue{
			Name:      name,
			Type:      "histogram",
			Value:     value.(*memoryHistogram).GetSum(),
			Labels:    labels,
			Timestamp: now,
		})
		return true
	})

	sort.Slice(values, func(i, j int) bool { return values[i].Name < values[j].Name })

	data, err := utils.Marshal(values)
	if err != nil {
		m.logger.Error("Failed to marshal memory metrics", zap.Error(err))
		return nil, err
	}

	return data, nil
}

func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

func splitMetricKey(key string) (string, map[string]string) {
	parts := strings.Split(key, "|")
	if len(parts) == 1 {
		return key, nil
	}

	labels := make(map[string]string, len(parts)-1)
	for _, part := range parts[1:] {
		if idx := strings.IndexByte(part, '='); idx > 0 {
			labels[part[:idx]] = part[idx+1:]
		}
	}
	return parts[0], labels
}

type memoryCounter struct {
	bits uint64
}

func (c *memoryCounter) Inc() { c.Add(1) }

func (c *memoryCounter) Add(value float64) {
	for {
		old := atomic.LoadUint64(&c.bits)
		next := math.Float64bits(math.Float64frombits(old) + value)
		if atomic.CompareAndSwapUint64(&c.bits, old, next) {
			return
		}
	}
}

func (c *memoryCounter) Get() float64 {
	return math.Float64frombits(atomic.LoadUint64(&c.bits))
}

type memoryGauge struct {
	bits uint64
}

func (g *memoryGauge) Set(value float64) {
	atomic.StoreUint64(&g.bits, math.Float64bits(value))
}

func (g *memoryGauge) Inc() { g.Add(1) }
func (g *memoryGauge) Dec() { g.Add(-1) }

func (g *memoryGauge) Add(value float64) {
	for {
		old := atomic.LoadUint64(&g.bits)
		next := math.Float64bits(math.Float64frombits(old) + value)
		if atomic.CompareAndSwapUint64(&g.bits, old, next) {
			return
		}
	}
}

func (g *memoryGauge) Sub(value float64) { g.Add(-value) }

func (g *memoryGauge) Get() float64 {
	return math.Float64frombits(atomic.LoadUint64(&g.bits))
}

type memoryHistogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	count   uint64
	sum     float64
}

func newMemoryHistogram(buckets []float64) *memoryHistogram {
	sorted := make([]float64, len(buckets))
	copy(sorted, buckets)
	sort.Float64s(sorted)

	return &memoryHistogram{
		buckets: sorted,
		counts:  make([]uint64, len(sorted)+1),
	}
}

func (h *memoryHistogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := sort.SearchFloat64s(h.buckets, value)
	h.counts[idx]++
	h.count++
	h.sum += value
}

func (h *memoryHistogram) ObserveDuration(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

func (h *memoryHistogram) GetCount() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *memoryHistogram) GetSum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}
