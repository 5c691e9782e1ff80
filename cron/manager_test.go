package cron

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Vincy69/mcp-drupal-server-sub002/config"
	"github.com/Vincy69/mcp-drupal-server-sub002/logger"
	"github.com/Vincy69/mcp-drupal-server-sub002/types"
)

func newTestCronManager(t *testing.T) types.CronManager {
	t.Helper()

	configManager, err := config.NewFromConfig(context.Background(), &types.ServiceConfig{
		Name:    "cron-test",
		Version: "0.0.1",
		Cron:    &types.CronConfig{Enabled: true, Timezone: "UTC"},
	})
	require.NoError(t, err)

	manager, err := NewManager(context.Background(), configManager, logger.NewZapWrapper(zap.NewNop()), nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		if manager.IsRunning() {
			_ = manager.Stop()
		}
	})

	return manager
}

func TestAddValidation(t *testing.T) {
	manager := newTestCronManager(t)

	assert.ErrorIs(t, manager.Add("", "* * * * * *", func() {}), types.ErrCronJobNameIsEmpty)
	assert.ErrorIs(t, manager.Add("job", "", func() {}), types.ErrCronExpressionInvalid)
	assert.ErrorIs(t, manager.Add("job", "* * * * * *", nil), types.ErrCronJobIsNil)

	err := manager.Add("job", "not a cron spec", func() {})
	assert.Error(t, err)
}

func TestAddRejectsDuplicateNames(t *testing.T) {
	manager := newTestCronManager(t)

	require.NoError(t, manager.Add("probe", "0 * * * * *", func() {}))
	assert.ErrorIs(t, manager.Add("probe", "0 * * * * *", func() {}), types.ErrCronJobExists)
}

func TestRemove(t *testing.T) {
	manager := newTestCronManager(t)

	require.NoError(t, manager.Add("probe", "0 * * * * *", func() {}))
	require.NoError(t, manager.Remove("probe"))
	assert.ErrorIs(t, manager.Remove("probe"), types.ErrCronJobNotFound)
}

func TestJobsListing(t *testing.T) {
	manager := newTestCronManager(t)

	require.NoError(t, manager.Add("probe", "0 * * * * *", func() {}))
	require.NoError(t, manager.Add("warmup", "0 30 * * * *", func() {}))

	jobs := manager.Jobs()
	require.Len(t, jobs, 2)

	names := map[string]bool{}
	for _, job := range jobs {
		names[job.Name] = true
		assert.False(t, job.AddedAt.IsZero())
	}
	assert.True(t, names["probe"])
	assert.True(t, names["warmup"])
}

func TestScheduledJobRuns(t *testing.T) {
	manager := newTestCronManager(t)

	var runs atomic.Int32
	require.NoError(t, manager.Add("tick", "* * * * * *", func() {
		runs.Add(1)
	}))

	require.NoError(t, manager.Start())
	assert.True(t, manager.IsRunning())

	require.Eventually(t, func() bool {
		return runs.Load() >= 1
	}, 3*time.Second, 50*time.Millisecond, "a per-second job should have fired")

	require.NoError(t, manager.Stop())
	assert.False(t, manager.IsRunning())
}

func TestStopWithoutStart(t *testing.T) {
	manager := newTestCronManager(t)

	assert.ErrorIs(t, manager.Stop(), types.ErrManagerNotRunning)
}
