package metrics

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/Vincy69/mcp-drupal-server-sub002/types"
)

var (
	customMetricsCreators = make(map[string]types.MetricsManagerCreator)
	customMetricsMu       sync.RWMutex
)

// RegisterMetricsManager registers a custom metrics backend under the given
// type name so it can be selected from configuration.
func RegisterMetricsManager(metricsType string, creator types.MetricsManagerCreator) {
	customMetricsMu.Lock()
	defer customMetricsMu.Unlock()
	customMetricsCreators[metricsType] = creator
}

func NewMetricsManager(ctx context.Context, logger types.Logger, config *types.MetricsConfig) (types.MetricsManager, error) {
	if config == nil || !config.Enabled {
		return nil, types.ErrMetricsIsDisabled
	}

	switch config.Type {
	case "memory", "":
		return NewMemoryMetrics(ctx, logger, config)
	case "prometheus":
		return NewPrometheusMetrics(ctx, logger, config)
	default:
		customMetricsMu.RLock()
		creator, exists := customMetricsCreators[config.Type]
		customMetricsMu.RUnlock()
		if !exists {
			logger.Error("Unknown metrics type", zap.String("type", config.Type))
			return nil, types.Errorf(types.ErrMetricsTypeUnknown, "type %q", config.Type)
		}
		return creator(config.Config)
	}
}
