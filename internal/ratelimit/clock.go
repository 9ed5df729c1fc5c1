package ratelimit

import "time"

// Clock abstracts time.Now for deterministic TokenBucket tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock backed by the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
