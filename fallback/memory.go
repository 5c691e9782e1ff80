package fallback

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Vincy69/mcp-drupal-server-sub002/types"
	"github.com/Vincy69/mcp-drupal-server-sub002/utils"
)

// MemoryDataset keeps substitute values in process memory. Entries can be
// seeded from configuration and extended at runtime.
type MemoryDataset struct {
	logger  types.Logger
	entries map[string]interface{}
	mu      sync.RWMutex
	state   atomic.Value
}

type MemoryDatasetConfig struct {
	Entries map[string]interface{} `yaml:"entries" json:"entries"`
}

func NewMemoryDataset(ctx context.Context, logger types.Logger, config *types.FallbackConfig) (types.FallbackDataset, error) {
	datasetConfig := &MemoryDatasetConfig{}

	if config != nil && config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, datasetConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal memory dataset config")
		}
	}

	entries := make(map[string]interface{}, len(datasetConfig.Entries))
	for key, value := range datasetConfig.Entries {
		entries[key] = value
	}

	dataset := &MemoryDataset{
		logger:  logger,
		entries: entries,
	}

	dataset.state.Store(StateStopped)

	return dataset, nil
}

func (m *MemoryDataset) Lookup(key string) (interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, found := m.entries[key]
	return value, found
}

func (m *MemoryDataset) Store(key string, value interface{}) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = value
	return nil
}

func (m *MemoryDataset) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, found := m.entries[key]; !found {
		return types.ErrFallbackEntryNotFound
	}

	delete(m.entries, key)
	return nil
}

func (m *MemoryDataset) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.entries)
}

func (m *MemoryDataset) Start() error {
	if !m.transitionState(StateStopped, StateStarting) {
		return types.ErrManagerAlreadyRunning
	}

	defer func() {
		if m.getState() == StateStarting {
			m.setState(StateRunning)
		}
	}()

	m.logger.Info("Memory fallback dataset started",
		zap.Int("seeded_entries", m.Count()))
	return nil
}

func (m *MemoryDataset) Stop() error {
	if !m.transitionState(StateRunning, StateStopping) {
		return types.ErrManagerNotRunning
	}

	defer func() {
		m.setState(StateStopped)
	}()

	m.logger.Info("Memory fallback dataset stopped")
	return nil
}

func (m *MemoryDataset) IsRunning() bool {
	return m.getState() == StateRunning
}

func (m *MemoryDataset) getState() State {
	return m.state.Load().(State)
}

func (m *MemoryDataset) setState(newState State) bool {
	currentState := m.getState()
	return m.state.CompareAndSwap(currentState, newState)
}

func (m *MemoryDataset) transitionState(from, to State) bool {
	return m.state.CompareAndSwap(from, to)
}
