package circuitbreaker

import "time"

// State of a breaker, persisted per dependency name
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

func (s State) gaugeValue() int {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}

func parseState(raw string) (State, bool) {
	switch State(raw) {
	case StateClosed, StateOpen, StateHalfOpen:
		return State(raw), true
	}
	return "", false
}

// Config controls when a breaker trips and recovers
type Config struct {
	// FailureThreshold failures within MonitoringWindow open the circuit
	FailureThreshold int `json:"failureThreshold"`
	// RecoveryTimeout is how long the circuit stays open before a probe is allowed
	RecoveryTimeout time.Duration `json:"recoveryTimeout"`
	// SuccessThreshold successful probes close a half-open circuit
	SuccessThreshold int           `json:"successThreshold"`
	Timeout          time.Duration `json:"timeout"`
	MonitoringWindow time.Duration `json:"monitoringWindow"`
}

// Preset names
const (
	ExternalAPI  = "external_api"
	Database     = "database"
	AuthProvider = "auth_provider"
)

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 3,
		Timeout:          10 * time.Second,
		MonitoringWindow: 5 * time.Minute,
	}
}

// Presets returns the configs for the well-known dependencies
func Presets() map[string]Config {
	return map[string]Config{
		ExternalAPI: {
			FailureThreshold: 5,
			RecoveryTimeout:  time.Minute,
			SuccessThreshold: 3,
			Timeout:          10 * time.Second,
			MonitoringWindow: 5 * time.Minute,
		},
		Database: {
			FailureThreshold: 3,
			RecoveryTimeout:  30 * time.Second,
			SuccessThreshold: 2,
			Timeout:          5 * time.Second,
			MonitoringWindow: 2 * time.Minute,
		},
		AuthProvider: {
			FailureThreshold: 3,
			RecoveryTimeout:  2 * time.Minute,
			SuccessThreshold: 2,
			Timeout:          15 * time.Second,
			MonitoringWindow: 5 * time.Minute,
		},
	}
}

// withDefaults fills zero fields from DefaultConfig
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MonitoringWindow <= 0 {
		c.MonitoringWindow = d.MonitoringWindow
	}
	return c
}
