package fallback

import (
	"context"
	"sync/atomic"

	"github.com/ostafen/clover"
	"go.uber.org/zap"

	"github.com/Vincy69/mcp-drupal-server-sub002/types"
	"github.com/Vincy69/mcp-drupal-server-sub002/utils"
)

const defaultCollection = "fallback_entries"

// CloverDataset persists substitute values in a CloverDB document store so
// curated fallback data survives restarts. Values are stored JSON-encoded
// under their lookup key.
type CloverDataset struct {
	db         *clover.DB
	logger     types.Logger
	config     *CloverDatasetConfig
	collection string
	state      atomic.Value
}

type CloverDatasetConfig struct {
	Path       string `yaml:"path" json:"path"`
	Collection string `yaml:"collection" json:"collection"`
}

func NewCloverDataset(ctx context.Context, logger types.Logger, config *types.FallbackConfig) (types.FallbackDataset, error) {
	datasetConfig := &CloverDatasetConfig{}

	if config != nil && config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, datasetConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal clover dataset config")
		}
	}

	collection := datasetConfig.Collection
	if collection == "" {
		collection = defaultCollection
	}

	db, err := clover.Open(datasetConfig.Path)
	if err != nil {
		return nil, types.WrapError(err, "failed to open CloverDB")
	}

	exists, err := db.HasCollection(collection)
	if err != nil {
		return nil, types.WrapError(err, "failed to check collection existence")
	}
	if !exists {
		if err := db.CreateCollection(collection); err != nil {
			return nil, types.WrapError(err, "failed to create collection")
		}
	}

	dataset := &CloverDataset{
		db:         db,
		logger:     logger,
		config:     datasetConfig,
		collection: collection,
	}

	dataset.state.Store(StateStopped)

	return dataset, nil
}

func (c *CloverDataset) Lookup(key string) (interface{}, bool) {
	doc, err := c.db.Query(c.collection).Where(clover.Field("key").Eq(key)).FindFirst()
	if err != nil {
		c.logger.Error("Fallback lookup failed",
			zap.String("key", key),
			zap.Error(err))
		return nil, false
	}
	if doc == nil {
		return nil, false
	}

	encoded, ok := doc.Get("value").(string)
	if !ok {
		return nil, false
	}

	var value interface{}
	if err := utils.Unmarshal([]byte(encoded), &value); err != nil {
		c.logger.Error("Fallback entry is corrupt",
			zap.String("key", key),
			zap.Error(err))
		return nil, false
	}

	return value, true
}

func (c *CloverDataset) Store(key string, value interface{}) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	encoded, err := utils.Marshal(value)
	if err != nil {
		return types.WrapError(err, "failed to encode fallback value")
	}

	if err := c.removeByKey(key); err != nil && !types.IsError(err, types.ErrFallbackEntryNotFound) {
		return err
	}

	doc := clover.NewDocument()
	doc.Set("key", key)
	doc.Set("value", string(encoded))

	if err := c.db.Insert(c.collection, doc); err != nil {
		return types.WrapError(err, "failed to insert fallback entry")
	}

	return nil
}

func (c *CloverDataset) Remove(key string) error {
	return c.removeByKey(key)
}

func (c *CloverDataset) removeByKey(key string) error {
	query := c.db.Query(c.collection).Where(clover.Field("key").Eq(key))

	doc, err := query.FindFirst()
	if err != nil {
		return types.WrapError(err, "failed to find fallback entry")
	}
	if doc == nil {
		return types.ErrFallbackEntryNotFound
	}

	if err := query.Delete(); err != nil {
		return types.WrapError(err, "failed to delete fallback entry")
	}

	return nil
}

func (c *CloverDataset) Count() int {
	count, err := c.db.Query(c.collection).Count()
	if err != nil {
		c.logger.Error("Fallback count failed", zap.Error(err))
		return 0
	}
	return count
}

func (c *CloverDataset) Start() error {
	if !c.transitionState(StateStopped, StateStarting) {
		return types.ErrManagerAlreadyRunning
	}

	defer func() {
		if c.getState() == StateStarting {
			c.setState(StateRunning)
		}
	}()

	c.logger.Info("Clover fallback dataset started",
		zap.String("path", c.config.Path),
		zap.String("collection", c.collection))
	return nil
}

func (c *CloverDataset) Stop() error {
	if !c.transitionState(StateRunning, StateStopping) {
		return types.ErrManagerNotRunning
	}

	defer func() {
		c.setState(StateStopped)
	}()

	if err := c.db.Close(); err != nil {
		return types.WrapError(err, "failed to close CloverDB")
	}

	c.logger.Info("Clover fallback dataset stopped gracefully")
	return nil
}

func (c *CloverDataset) IsRunning() bool {
	return c.getState() == StateRunning
}

func (c *CloverDataset) getState() State {
	return c.state.Load().(State)
}

func (c *CloverDataset) setState(newState State) bool {
	currentState := c.getState()
	return c.state.CompareAndSwap(currentState, newState)
}

func (c *CloverDataset) transitionState(from, to State) bool {
	return c.state.CompareAndSwap(from, to)
}
