package reconcile

import "go.uber.org/fx"

var Module = fx.Module("usage.reconcile",
	fx.Provide(NewQueue),
	fx.Provide(NewWorker),
)
