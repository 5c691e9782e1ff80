package fallback

import (
	"context"
	"sync"

	"github.com/Vincy69/mcp-drupal-server-sub002/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

var (
	customDatasetCreators = make(map[string]types.FallbackDatasetCreator)
	customDatasetMu       sync.RWMutex
)

// RegisterDataset registers a custom fallback dataset backend under the
// given type name so it can be selected from configuration.
func RegisterDataset(datasetType string, creator types.FallbackDatasetCreator) {
	customDatasetMu.Lock()
	defer customDatasetMu.Unlock()
	customDatasetCreators[datasetType] = creator
}

func NewDataset(ctx context.Context, logger types.Logger, config *types.FallbackConfig) (types.FallbackDataset, error) {
	if config == nil || !config.Enabled {
		return nil, types.ErrFallbackIsDisabled
	}

	switch config.Type {
	case "memory", "":
		return NewMemoryDataset(ctx, logger, config)
	case "clover":
		return NewCloverDataset(ctx, logger, config)
	default:
		customDatasetMu.RLock()
		creator, exists := customDatasetCreators[config.Type]
		customDatasetMu.RUnlock()
		if !exists {
			return nil, types.Errorf(types.ErrFallbackTypeUnknown, "type %q", config.Type)
		}
		return creator(config.Config)
	}
}
