package rendezvous

import (
	"context"

	"go.uber.org/fx"
)

// Module wires the Server into the fx lifecycle: the prune timer starts
// with the app and every live listener is booted on shutdown.
var Module = fx.Module("rendezvous",
	fx.Invoke(func(lc fx.Lifecycle, s *Server) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				s.Start()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				s.Shutdown()
				return nil
			},
		})
	}),
)
