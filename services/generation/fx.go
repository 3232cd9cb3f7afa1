package generation

import (
	"go.uber.org/fx"
)

var Module = fx.Module("generation.service",
	fx.Provide(
		NewContentRepository,
		NewGenerationRepository,
		NewAggregator,
		NewService,
		NewHandler,
	),
)
