package health

import (
	"context"
)

// Pinger is any dependency that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck reports down when p cannot be reached.
func PingCheck(p Pinger) Check {
	return func(ctx context.Context) ComponentHealth {
		if err := p.Ping(ctx); err != nil {
			return ComponentHealth{Status: StatusDown, Message: err.Error()}
		}
		return ComponentHealth{Status: StatusUp}
	}
}

// ConfiguredCheck reports degraded while a setting the service can run
// without, but should not, is missing.
func ConfiguredCheck(configured bool, missing string) Check {
	return func(context.Context) ComponentHealth {
		if !configured {
			return ComponentHealth{Status: StatusDegraded, Message: missing}
		}
		return ComponentHealth{Status: StatusUp}
	}
}
