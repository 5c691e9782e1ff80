package fallback

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Vincy69/mcp-drupal-server-sub002/logger"
	"github.com/Vincy69/mcp-drupal-server-sub002/types"
)

func newMemoryDataset(t *testing.T, config *types.FallbackConfig) types.FallbackDataset {
	t.Helper()

	dataset, err := NewMemoryDataset(context.Background(), logger.NewZapWrapper(zap.NewNop()), config)
	require.NoError(t, err)

	return dataset
}

func TestMemoryDatasetStoreAndLookup(t *testing.T) {
	dataset := newMemoryDataset(t, nil)

	require.NoError(t, dataset.Store("doc:hooks", "hook_entity_insert"))

	value, found := dataset.Lookup("doc:hooks")
	require.True(t, found)
	assert.Equal(t, "hook_entity_insert", value)

	_, found = dataset.Lookup("doc:missing")
	assert.False(t, found)
	assert.Equal(t, 1, dataset.Count())
}

func TestMemoryDatasetStoreEmptyKey(t *testing.T) {
	dataset := newMemoryDataset(t, nil)

	err := dataset.Store("", "value")
	assert.ErrorIs(t, err, types.ErrCacheKeyEmpty)
}

func TestMemoryDatasetRemove(t *testing.T) {
	dataset := newMemoryDataset(t, nil)

	require.NoError(t, dataset.Store("doc:hooks", "v"))
	require.NoError(t, dataset.Remove("doc:hooks"))
	assert.Equal(t, 0, dataset.Count())

	err := dataset.Remove("doc:hooks")
	assert.ErrorIs(t, err, types.ErrFallbackEntryNotFound)
}

func TestMemoryDatasetSeededFromConfig(t *testing.T) {
	dataset := newMemoryDataset(t, &types.FallbackConfig{
		Enabled: true,
		Type:    "memory",
		Config: map[string]interface{}{
			"entries": map[string]interface{}{
				"doc:functions": "node_load",
				"doc:classes":   "EntityBase",
			},
		},
	})

	assert.Equal(t, 2, dataset.Count())

	value, found := dataset.Lookup("doc:functions")
	require.True(t, found)
	assert.Equal(t, "node_load", value)
}

func TestNewDatasetDispatch(t *testing.T) {
	log := logger.NewZapWrapper(zap.NewNop())

	_, err := NewDataset(context.Background(), log, nil)
	assert.ErrorIs(t, err, types.ErrFallbackIsDisabled)

	_, err = NewDataset(context.Background(), log, &types.FallbackConfig{Enabled: false})
	assert.ErrorIs(t, err, types.ErrFallbackIsDisabled)

	dataset, err := NewDataset(context.Background(), log, &types.FallbackConfig{Enabled: true, Type: "memory"})
	require.NoError(t, err)
	assert.NotNil(t, dataset)

	_, err = NewDataset(context.Background(), log, &types.FallbackConfig{Enabled: true, Type: "etcd"})
	assert.ErrorIs(t, err, types.ErrFallbackTypeUnknown)
}
