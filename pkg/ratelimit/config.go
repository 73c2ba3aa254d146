package ratelimit

import (
	"time"
)

// RouteClass groups request paths that share a limiter
type RouteClass string

const (
	RouteGeneral  RouteClass = "api"
	RouteAuth     RouteClass = "auth"
	RouteExternal RouteClass = "external"
	RouteUpload   RouteClass = "upload"
)

// Config describes one fixed-window limiter. It is built once at startup and never mutated.
type Config struct {
	// Name prefixes the store keys and labels metrics
	Name string `json:"name"`

	// Requests allowed per window
	Requests int `json:"requests"`

	Window time.Duration `json:"window"`

	// KeyFunc derives the identity being limited from the request
	KeyFunc KeyFunc `json:"-"`
}

// DefaultRouteConfigs returns the per-route-class limits
func DefaultRouteConfigs() map[RouteClass]Config {
	return map[RouteClass]Config{
		// General API traffic, per client address
		RouteGeneral: {Name: string(RouteGeneral), Requests: 100, Window: time.Minute, KeyFunc: ByAddress},

		// Authentication endpoints - more restrictive
		RouteAuth: {Name: string(RouteAuth), Requests: 10, Window: time.Minute, KeyFunc: ByAddress},

		// Calls proxied to third-party services, isolated per route and client
		RouteExternal: {Name: string(RouteExternal), Requests: 30, Window: time.Minute, KeyFunc: ByEndpoint},

		RouteUpload: {Name: string(RouteUpload), Requests: 5, Window: time.Minute, KeyFunc: ByAddress},
	}
}

// EmergencyConfig is the bulk-blocking limiter checked independently of route classes
func EmergencyConfig() Config {
	return Config{
		Name:     "emergency",
		Requests: 10,
		Window:   10 * time.Second,
		KeyFunc:  ByAddress,
	}
}
