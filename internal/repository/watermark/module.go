package watermark

import "go.uber.org/fx"

// Module provides the watermark repository to Fx.
var Module = fx.Provide(NewRepository)
