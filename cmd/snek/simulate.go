package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/brensch/snekweb/controller"
	"github.com/brensch/snekweb/game"
	"github.com/brensch/snekweb/render"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
)

func (a *app) simulate(ctx context.Context, cmd *cli.Command) error {
	if cmd.Bool("trace") {
		if err := a.cfg.Set("trace.enabled", true); err != nil {
			return err
		}
	}
	c := a.cfg.Config()

	gc, err := c.GameConfig()
	if err != nil {
		return err
	}
	cc := c.ControllerConfig()
	cc.TickInterval = cmd.Duration("tick")
	if cmd.Bool("auto-restart") {
		cc.AutoRestart = true
	}
	if cc.AutoRestart && cc.MaxTicks == 0 {
		return fmt.Errorf("auto-restart needs controller.max_ticks (SNEK_CONTROLLER_MAX_TICKS) to stop")
	}

	loader, err := openLoader(ctx, c)
	if err != nil {
		return err
	}
	defer loader.Close()

	pred, err := loader.Wait(ctx)
	if err != nil {
		return err
	}
	defer logProviderStats(pred)

	tw, err := openTrace(c)
	if err != nil {
		return err
	}
	defer finalizeTrace(tw)

	r := render.NewLog(log.Logger)
	r.Layers = cmd.Bool("layers")

	opts := []controller.Option{
		controller.WithLogger(log.With().Str("component", "controller").Logger()),
	}
	if tw != nil {
		opts = append(opts, controller.WithTrace(tw))
	}
	ctrl := controller.New(cc, game.New(gc, newRNG(c.Game.Seed)), pred, r, opts...)

	res, err := ctrl.Run(ctx)
	log.Info().
		Int("games", res.Games).
		Int("ticks", res.Ticks).
		Int("score", res.Score).
		Int("best", res.Best).
		Str("cause", string(res.Cause)).
		Msg("Simulation finished")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
