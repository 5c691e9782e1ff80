package mode

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Vincy69/mcp-drupal-server-sub002/logger"
	"github.com/Vincy69/mcp-drupal-server-sub002/types"
)

func newTestController(t *testing.T, config *types.ModeConfig, probe types.ProbeFunc) *Controller {
	t.Helper()

	controller, err := NewController(context.Background(), logger.NewZapWrapper(zap.NewNop()), nil, nil, config, probe)
	require.NoError(t, err)

	return controller
}

func reachableProbe(ctx context.Context) error {
	return nil
}

func unreachableProbe(ctx context.Context) error {
	return types.ErrUpstreamUnavailable
}

func TestNewControllerDefaults(t *testing.T) {
	controller := newTestController(t, &types.ModeConfig{}, nil)

	assert.Equal(t, types.ModeSmartFallback, controller.CurrentMode())

	stats := controller.GetStats()
	assert.Equal(t, types.ModeDocsOnly, stats.FallbackMode)
	assert.Equal(t, types.ConnectionUnknown, stats.ConnectionStatus)
	assert.Equal(t, uint64(0), stats.Transitions)
}

func TestNewControllerRejectsUnknownModes(t *testing.T) {
	_, err := NewController(context.Background(), logger.NewZapWrapper(zap.NewNop()), nil, nil,
		&types.ModeConfig{InitialMode: "TURBO"}, nil)
	assert.ErrorIs(t, err, types.ErrModeUnknown)

	_, err = NewController(context.Background(), logger.NewZapWrapper(zap.NewNop()), nil, nil,
		&types.ModeConfig{FallbackMode: "TURBO"}, nil)
	assert.ErrorIs(t, err, types.ErrModeUnknown)
}

func TestDocsOperationsAvailableEverywhere(t *testing.T) {
	for _, m := range []types.Mode{types.ModeDocsOnly, types.ModeLiveOnly, types.ModeHybrid, types.ModeSmartFallback} {
		controller := newTestController(t, &types.ModeConfig{InitialMode: m}, nil)
		assert.True(t, controller.IsCapabilityAvailable("search_functions"), "mode %s", m)
		assert.NoError(t, controller.Authorize("get_hook_details"), "mode %s", m)
	}
}

func TestWriteOperationsGated(t *testing.T) {
	docsOnly := newTestController(t, &types.ModeConfig{InitialMode: types.ModeDocsOnly}, nil)

	err := docsOnly.Authorize("create_node")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrCapabilityDenied))

	var denied *types.CapabilityDeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, "create_node", denied.Operation)
	assert.Equal(t, types.ModeDocsOnly, denied.CurrentMode)
	assert.Contains(t, []types.Mode{types.ModeHybrid, types.ModeLiveOnly}, denied.SuggestedMode)

	hybrid := newTestController(t, &types.ModeConfig{InitialMode: types.ModeHybrid}, nil)
	assert.NoError(t, hybrid.Authorize("create_node"))
}

func TestLiveReadsInSmartFallback(t *testing.T) {
	controller := newTestController(t, &types.ModeConfig{InitialMode: types.ModeSmartFallback}, nil)

	assert.True(t, controller.IsCapabilityAvailable("get_node"))
	assert.False(t, controller.IsCapabilityAvailable("delete_node"))
}

func TestCapabilityOverridesReplaceModeSet(t *testing.T) {
	controller := newTestController(t, &types.ModeConfig{
		InitialMode: types.ModeDocsOnly,
		Capabilities: map[string][]string{
			"DOCS_ONLY": {"custom_report"},
		},
	}, nil)

	assert.True(t, controller.IsCapabilityAvailable("custom_report"))
	assert.False(t, controller.IsCapabilityAvailable("search_functions"),
		"override replaces the whole set for the mode")
}

func TestInitializeFallsBackWhenProbeFails(t *testing.T) {
	controller := newTestController(t, &types.ModeConfig{
		InitialMode:  types.ModeSmartFallback,
		FallbackMode: types.ModeDocsOnly,
	}, unreachableProbe)

	require.NoError(t, controller.Initialize(context.Background()))

	assert.Equal(t, types.ModeDocsOnly, controller.CurrentMode())

	stats := controller.GetStats()
	assert.Equal(t, uint64(1), stats.Transitions)
	assert.Equal(t, types.ConnectionUnreachable, stats.ConnectionStatus)
}

func TestInitializeKeepsModeWhenProbeSucceeds(t *testing.T) {
	controller := newTestController(t, &types.ModeConfig{
		InitialMode: types.ModeLiveOnly,
	}, reachableProbe)

	require.NoError(t, controller.Initialize(context.Background()))

	assert.Equal(t, types.ModeLiveOnly, controller.CurrentMode())
	assert.Equal(t, types.ConnectionReachable, controller.GetStats().ConnectionStatus)
}

func TestInitializeSkipsProbeForDocsOnly(t *testing.T) {
	probed := false
	controller := newTestController(t, &types.ModeConfig{
		InitialMode: types.ModeDocsOnly,
	}, func(ctx context.Context) error {
		probed = true
		return nil
	})

	require.NoError(t, controller.Initialize(context.Background()))
	assert.False(t, probed, "docs-only startup needs no connectivity")
}

func TestSwitchModeRefusedWhenProbeFails(t *testing.T) {
	controller := newTestController(t, &types.ModeConfig{
		InitialMode: types.ModeDocsOnly,
	}, unreachableProbe)

	switched, err := controller.SwitchMode(context.Background(), types.ModeLiveOnly)
	require.NoError(t, err, "a refused switch is not an error")
	assert.False(t, switched)
	assert.Equal(t, types.ModeDocsOnly, controller.CurrentMode())
	assert.Equal(t, uint64(0), controller.GetStats().Transitions)
}

func TestSwitchModeSucceeds(t *testing.T) {
	controller := newTestController(t, &types.ModeConfig{
		InitialMode: types.ModeDocsOnly,
	}, reachableProbe)

	switched, err := controller.SwitchMode(context.Background(), types.ModeHybrid)
	require.NoError(t, err)
	assert.True(t, switched)
	assert.Equal(t, types.ModeHybrid, controller.CurrentMode())
	assert.Equal(t, uint64(1), controller.GetStats().Transitions)
}

func TestSwitchModeSameModeIsNoop(t *testing.T) {
	controller := newTestController(t, &types.ModeConfig{
		InitialMode: types.ModeDocsOnly,
	}, nil)

	switched, err := controller.SwitchMode(context.Background(), types.ModeDocsOnly)
	require.NoError(t, err)
	assert.True(t, switched)
	assert.Equal(t, uint64(0), controller.GetStats().Transitions)
}

func TestSwitchModeUnknownTarget(t *testing.T) {
	controller := newTestController(t, &types.ModeConfig{}, nil)

	_, err := controller.SwitchMode(context.Background(), "TURBO")
	assert.ErrorIs(t, err, types.ErrModeUnknown)
}

func TestSwitchToDocsOnlyNeverProbes(t *testing.T) {
	controller := newTestController(t, &types.ModeConfig{
		InitialMode: types.ModeSmartFallback,
	}, unreachableProbe)

	switched, err := controller.SwitchMode(context.Background(), types.ModeDocsOnly)
	require.NoError(t, err)
	assert.True(t, switched, "downgrading to docs-only must always work")
	assert.Equal(t, types.ModeDocsOnly, controller.CurrentMode())
}

func TestProbeWithoutProbeFunc(t *testing.T) {
	controller := newTestController(t, &types.ModeConfig{}, nil)

	err := controller.Probe(context.Background())
	assert.ErrorIs(t, err, types.ErrUpstreamProbeFailed)
}

func TestProbeHonorsTimeout(t *testing.T) {
	controller := newTestController(t, &types.ModeConfig{
		ProbeTimeout: 10 * time.Millisecond,
	}, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	err := controller.Probe(context.Background())
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestConcurrentAuthorizeAndSwitch(t *testing.T) {
	controller := newTestController(t, &types.ModeConfig{
		InitialMode: types.ModeHybrid,
	}, reachableProbe)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = controller.Authorize("search_functions")
				_ = controller.IsCapabilityAvailable("create_node")
			} else {
				target := types.ModeDocsOnly
				if i%4 == 1 {
					target = types.ModeHybrid
				}
				_, _ = controller.SwitchMode(context.Background(), target)
			}
		}(i)
	}
	wg.Wait()

	assert.True(t, controller.CurrentMode().Valid())
}
