package types

import (
	"context"
	"time"
)

type Mode string

const (
	ModeDocsOnly      Mode = "DOCS_ONLY"
	ModeLiveOnly      Mode = "LIVE_ONLY"
	ModeHybrid        Mode = "HYBRID"
	ModeSmartFallback Mode = "SMART_FALLBACK"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeDocsOnly, ModeLiveOnly, ModeHybrid, ModeSmartFallback:
		return true
	}
	return false
}

// RequiresConnectivity reports whether entering the mode needs a reachable
// live upstream.
func (m Mode) RequiresConnectivity() bool {
	switch m {
	case ModeLiveOnly, ModeHybrid, ModeSmartFallback:
		return true
	}
	return false
}

type ConnectionStatus string

const (
	ConnectionUnknown     ConnectionStatus = "unknown"
	ConnectionReachable   ConnectionStatus = "reachable"
	ConnectionUnreachable ConnectionStatus = "unreachable"
)

// ProbeFunc checks live-upstream reachability. It returns nil when the
// upstream answered, an error otherwise.
type ProbeFunc func(ctx context.Context) error

type ModeManager interface {
	LifecycleManager
	Initialize(ctx context.Context) error
	CurrentMode() Mode
	IsCapabilityAvailable(operation string) bool
	// Authorize returns nil when the operation is permitted in the current
	// mode, a *CapabilityDeniedError otherwise.
	Authorize(operation string) error
	SwitchMode(ctx context.Context, target Mode) (bool, error)
	Probe(ctx context.Context) error
	GetStats() ModeStats
}

type ModeStats struct {
	CurrentMode      Mode             `json:"current_mode"`
	FallbackMode     Mode             `json:"fallback_mode"`
	ConnectionStatus ConnectionStatus `json:"connection_status"`
	LastProbeAt      time.Time        `json:"last_probe_at"`
	Transitions      uint64           `json:"transitions"`
	Capabilities     []string         `json:"capabilities"`
}
