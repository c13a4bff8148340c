package main

import (
	"context"

	"github.com/brensch/snekweb/config"
	"github.com/brensch/snekweb/logging"
	"github.com/brensch/snekweb/server"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
)

func (a *app) serve(ctx context.Context, cmd *cli.Command) error {
	if cmd.IsSet("listen") {
		if err := a.cfg.Set("server.listen", cmd.String("listen")); err != nil {
			return err
		}
	}
	c := a.cfg.Config()

	gc, err := c.GameConfig()
	if err != nil {
		return err
	}

	loader, err := openLoader(ctx, c)
	if err != nil {
		return err
	}
	defer func() {
		if p, err := loader.Predictor(); err == nil {
			logProviderStats(p)
		}
		_ = loader.Close()
	}()

	tw, err := openTrace(c)
	if err != nil {
		return err
	}
	defer finalizeTrace(tw)

	opts := server.Options{
		Game:       gc,
		Controller: c.ControllerConfig(),
		Seed:       c.Game.Seed,
	}
	if tw != nil {
		opts.Trace = tw
	}
	srv := server.New(ctx, loader, opts, log.With().Str("component", "server").Logger())

	a.cfg.Watch(func(next config.Config) {
		srv.SetControllerConfig(next.ControllerConfig())
		if err := logging.SetLevel(next.Log.Level); err != nil {
			log.Warn().Err(err).Msg("Keeping previous log level")
		}
	})

	return srv.ListenAndServe(ctx, c.Server.Listen)
}
