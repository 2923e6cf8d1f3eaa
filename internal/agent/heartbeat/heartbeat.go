// Package heartbeat computes the adaptive heartbeat cadence from the
// device's power state and the active policy.
package heartbeat

import (
	"time"

	v1 "github.com/openfleet/openfleet/pkg/api/v1"
)

// Interval returns the time until the next heartbeat. Charging devices
// (or devices that report no battery at all) use the plugged cadence;
// on battery, lower charge means a slower heartbeat. Band boundaries
// belong to the higher band, so a reading of exactly 80 uses the
// 100-80 cadence.
func Interval(p v1.Policy, level *float64, charging bool) time.Duration {
	seconds := p.PluggedSeconds
	if !charging && level != nil {
		switch {
		case *level >= 80:
			seconds = p.Battery100To80Seconds
		case *level >= 50:
			seconds = p.Battery79To50Seconds
		case *level >= 20:
			seconds = p.Battery49To20Seconds
		case *level >= 10:
			seconds = p.Battery19To10Seconds
		default:
			seconds = p.Battery9To0Seconds
		}
	}
	if seconds <= 0 {
		seconds = v1.DefaultPolicy().PluggedSeconds
	}
	return time.Duration(seconds) * time.Second
}
