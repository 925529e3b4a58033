package identity

import "go.uber.org/fx"

// Module provides the identity-map repository to Fx.
var Module = fx.Provide(NewRepository)
