package authlimit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"resilience/pkg/store"
)

const (
	maxLoggedAttempts = 10
	attemptLogTTL     = 24 * time.Hour
	suspicionWindow   = time.Hour

	suspiciousThreshold = 40
)

// AttemptMetadata describes the client making an attempt
type AttemptMetadata struct {
	ClientAddress string `json:"clientAddress,omitempty"`
	UserAgent     string `json:"userAgent,omitempty"`
}

// AttemptLogEntry is one recorded authentication attempt
type AttemptLogEntry struct {
	Success       bool   `json:"success"`
	Timestamp     int64  `json:"timestamp"`
	ClientAddress string `json:"clientAddress,omitempty"`
	UserAgent     string `json:"userAgent,omitempty"`
}

// SuspicionAssessment is advisory; callers decide how to react
type SuspicionAssessment struct {
	Suspicious bool     `json:"suspicious"`
	Reasons    []string `json:"reasons"`
	RiskScore  int      `json:"riskScore"`
}

// Monitor keeps a short per-identity attempt history and scores it
type Monitor struct {
	store  store.Store
	now    func() time.Time
	logger *slog.Logger
}

func NewMonitor(st store.Store, now func() time.Time, logger *slog.Logger) *Monitor {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		store:  st,
		now:    now,
		logger: logger.With("component", "security_monitor"),
	}
}

// LogAttempt records an attempt, keeping the newest entries only
func (m *Monitor) LogAttempt(ctx context.Context, op Operation, identifier string, success bool, meta AttemptMetadata) error {
	if m.store == nil {
		return nil
	}

	entry, err := json.Marshal(AttemptLogEntry{
		Success:       success,
		Timestamp:     m.now().UnixMilli(),
		ClientAddress: meta.ClientAddress,
		UserAgent:     meta.UserAgent,
	})
	if err != nil {
		return fmt.Errorf("failed to encode attempt: %w", err)
	}

	key := attemptsKey(op, identifier)
	pipe := m.store.Pipeline()
	pipe.Push(key, string(entry))
	pipe.Trim(key, 0, maxLoggedAttempts-1)
	pipe.Expire(key, attemptLogTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Warn("failed to log auth attempt", "operation", op, "error", err)
		return fmt.Errorf("failed to log attempt: %w", err)
	}
	return nil
}

// RecentAttempts returns the logged attempts for (op, identifier), newest first.
// Entries that cannot be decoded are skipped.
func (m *Monitor) RecentAttempts(ctx context.Context, op Operation, identifier string) ([]AttemptLogEntry, error) {
	if m.store == nil {
		return nil, nil
	}

	raw, err := m.store.Range(ctx, attemptsKey(op, identifier), 0, -1)
	if err != nil {
		return nil, err
	}

	entries := make([]AttemptLogEntry, 0, len(raw))
	for _, item := range raw {
		var entry AttemptLogEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			m.logger.Debug("skipping malformed attempt entry", "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// DetectSuspiciousActivity scores the last hour of SIGN_IN attempts
func (m *Monitor) DetectSuspiciousActivity(ctx context.Context, identifier string) SuspicionAssessment {
	assessment := SuspicionAssessment{Reasons: []string{}}

	attempts, err := m.RecentAttempts(ctx, SignIn, identifier)
	if err != nil {
		m.logger.Warn("failed to read attempt log", "error", err)
		return assessment
	}

	cutoff := m.now().Add(-suspicionWindow).UnixMilli()
	var failures, total int
	addresses := make(map[string]struct{})
	agents := make(map[string]struct{})
	for _, a := range attempts {
		if a.Timestamp < cutoff {
			continue
		}
		total++
		if !a.Success {
			failures++
		}
		if a.ClientAddress != "" {
			addresses[a.ClientAddress] = struct{}{}
		}
		if a.UserAgent != "" {
			agents[a.UserAgent] = struct{}{}
		}
	}

	if failures >= 3 {
		assessment.RiskScore += 30
		assessment.Reasons = append(assessment.Reasons, "Multiple failed login attempts")
	}
	if total >= 5 {
		assessment.RiskScore += 20
		assessment.Reasons = append(assessment.Reasons, "High frequency login attempts")
	}
	if len(addresses) >= 3 {
		assessment.RiskScore += 25
		assessment.Reasons = append(assessment.Reasons, "Multiple IP addresses")
	}
	if len(agents) >= 3 {
		assessment.RiskScore += 15
		assessment.Reasons = append(assessment.Reasons, "Multiple user agents")
	}

	assessment.Suspicious = assessment.RiskScore >= suspiciousThreshold
	if assessment.Suspicious {
		m.logger.Warn("suspicious sign-in activity",
			"identifier", identifier,
			"risk_score", assessment.RiskScore,
			"reasons", assessment.Reasons,
		)
	}
	return assessment
}
