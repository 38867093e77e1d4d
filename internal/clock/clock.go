package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock is the single source of "now" for quota windows, expiry checks and
// rate-limit buckets.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// System returns a Clock backed by the wall clock, normalised to UTC.
func System() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

var Module = fx.Module("clock",
	fx.Provide(System),
)
