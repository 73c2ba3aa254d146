package ratelimit

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy overrides route-class limits from a YAML file read at startup:
//
//	routes:
//	  api: {requests: 200, window_seconds: 60}
//	  upload: {requests: 2, window_seconds: 60}
//	emergency: {requests: 20, window_seconds: 10}
type Policy struct {
	Routes    map[RouteClass]PolicyLimit `yaml:"routes"`
	Emergency *PolicyLimit               `yaml:"emergency"`
}

type PolicyLimit struct {
	Requests      int `yaml:"requests"`
	WindowSeconds int `yaml:"window_seconds"`
}

// LoadPolicy reads and validates a policy file
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rate limit policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a policy document
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse rate limit policy: %w", err)
	}

	known := DefaultRouteConfigs()
	for class, limit := range p.Routes {
		if _, ok := known[class]; !ok {
			return nil, fmt.Errorf("unknown route class %q", class)
		}
		if err := limit.validate(); err != nil {
			return nil, fmt.Errorf("route class %q: %w", class, err)
		}
	}
	if p.Emergency != nil {
		if err := p.Emergency.validate(); err != nil {
			return nil, fmt.Errorf("emergency: %w", err)
		}
	}
	return &p, nil
}

func (l PolicyLimit) validate() error {
	if l.Requests <= 0 {
		return fmt.Errorf("requests must be positive, got %d", l.Requests)
	}
	if l.WindowSeconds <= 0 {
		return fmt.Errorf("window_seconds must be positive, got %d", l.WindowSeconds)
	}
	return nil
}

func (l PolicyLimit) apply(cfg Config) Config {
	cfg.Requests = l.Requests
	cfg.Window = time.Duration(l.WindowSeconds) * time.Second
	return cfg
}

// ApplyRoutes returns a copy of configs with the policy overrides applied
func (p *Policy) ApplyRoutes(configs map[RouteClass]Config) map[RouteClass]Config {
	out := make(map[RouteClass]Config, len(configs))
	for class, cfg := range configs {
		if p != nil {
			if limit, ok := p.Routes[class]; ok {
				cfg = limit.apply(cfg)
			}
		}
		out[class] = cfg
	}
	return out
}

// ApplyEmergency returns cfg with the emergency override applied
func (p *Policy) ApplyEmergency(cfg Config) Config {
	if p == nil || p.Emergency == nil {
		return cfg
	}
	return p.Emergency.apply(cfg)
}
