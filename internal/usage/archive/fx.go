package archive

import "go.uber.org/fx"

var Module = fx.Module("usage.archive",
	fx.Provide(NewSink),
	fx.Provide(NewArchiver),
)
