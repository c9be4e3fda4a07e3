package ws

import (
	"go.uber.org/fx"

	"github.com/webitel/im-pulse/internal/handler/api"
)

var Module = fx.Module("ws",
	fx.Provide(
		fx.Annotate(
			NewWSHandler,
			fx.As(new(api.Mounter)),
			fx.ResultTags(api.MounterGroup),
		),
	),
)
