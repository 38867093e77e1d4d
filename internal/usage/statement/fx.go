package statement

import "go.uber.org/fx"

var Module = fx.Module("usage.statement",
	fx.Provide(NewGenerator),
)
