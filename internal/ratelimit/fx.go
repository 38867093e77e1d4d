package ratelimit

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/licensegate/internal/clock"
	"go.uber.org/fx"
)

var Module = fx.Module("rate.limit",
	fx.Provide(provideStore),
	fx.Provide(NewLimiter),
)

type storeParams struct {
	fx.In

	Client *redis.Client `optional:"true"`
	Clock  clock.Clock
}

func provideStore(p storeParams) CounterStore {
	if p.Client == nil {
		return NewMemoryStore(p.Clock)
	}
	return NewRedisStore(p.Client)
}
