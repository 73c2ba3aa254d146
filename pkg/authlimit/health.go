package authlimit

import (
	"context"
)

// QuotaInfo is the published form of a Config
type QuotaInfo struct {
	Requests             int `json:"requests"`
	WindowSeconds        int `json:"windowSeconds"`
	BlockDurationSeconds int `json:"blockDurationSeconds"`
}

type Features struct {
	RateLimiting       bool `json:"rateLimiting"`
	Blocking           bool `json:"blocking"`
	AttemptLogging     bool `json:"attemptLogging"`
	SuspicionDetection bool `json:"suspicionDetection"`
}

// HealthReport feeds the operational dashboard
type HealthReport struct {
	StoreEnabled   bool                    `json:"storeEnabled"`
	StoreBackend   string                  `json:"storeBackend,omitempty"`
	StoreReachable bool                    `json:"storeReachable"`
	Operations     map[Operation]QuotaInfo `json:"operations"`
	Features       Features                `json:"features"`
}

// Health reports store availability, the quota table and enabled features
func (l *Limiter) Health(ctx context.Context) HealthReport {
	report := HealthReport{
		StoreEnabled: l.store != nil,
		Operations:   make(map[Operation]QuotaInfo, len(l.configs)),
	}

	for op, cfg := range l.configs {
		report.Operations[op] = QuotaInfo{
			Requests:             cfg.Requests,
			WindowSeconds:        int(cfg.Window.Seconds()),
			BlockDurationSeconds: int(cfg.BlockDuration.Seconds()),
		}
	}

	if l.store != nil {
		report.StoreBackend = l.store.Name()
		report.StoreReachable = l.store.Ping(ctx) == nil
	}

	report.Features = Features{
		RateLimiting:       report.StoreEnabled,
		Blocking:           report.StoreEnabled,
		AttemptLogging:     report.StoreEnabled,
		SuspicionDetection: report.StoreEnabled,
	}
	return report
}
