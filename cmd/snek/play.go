package main

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/brensch/snekweb/controller"
	"github.com/brensch/snekweb/game"
	"github.com/brensch/snekweb/logging"
	"github.com/brensch/snekweb/render"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
)

func (a *app) play(ctx context.Context, cmd *cli.Command) error {
	c := a.cfg.Config()

	// The UI owns stdout and stderr; keep logs out of its way.
	f, err := os.OpenFile(cmd.String("log-file"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := logging.SetupWriter(f, c.Log.Level, logging.FormatJSON); err != nil {
		return err
	}

	gc, err := c.GameConfig()
	if err != nil {
		return err
	}

	loader, err := openLoader(ctx, c)
	if err != nil {
		return err
	}
	defer loader.Close()

	tw, err := openTrace(c)
	if err != nil {
		return err
	}
	defer finalizeTrace(tw)

	rng := newRNG(c.Game.Seed)
	var (
		term *render.Terminal
		mu   sync.Mutex

		cancelGame context.CancelFunc
		gameDone   chan struct{}
	)

	stopGame := func() {
		if cancelGame == nil {
			return
		}
		cancelGame()
		<-gameDone
		cancelGame = nil
	}

	start := func() {
		pred, err := loader.Predictor()
		if err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		stopGame()

		opts := []controller.Option{
			controller.WithLogger(log.With().Str("component", "controller").Logger()),
		}
		if tw != nil {
			opts = append(opts, controller.WithTrace(tw))
		}
		ctrl := controller.New(c.ControllerConfig(), game.New(gc, rng), pred, term, opts...)

		gctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		cancelGame, gameDone = cancel, done
		go func() {
			defer close(done)
			if _, err := ctrl.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Game loop failed")
			}
		}()
	}

	// start waits for the previous game, which may be blocked sending a frame
	// to the UI, so it must not run on the UI goroutine.
	term = render.NewTerminal(render.NewModel(func() { go start() }), tea.WithAltScreen(), tea.WithContext(ctx))

	go func() {
		select {
		case <-loader.Done():
			term.SetStatus(loader.State(), loader.Err())
		case <-ctx.Done():
		}
	}()

	err = term.Run()

	mu.Lock()
	stopGame()
	mu.Unlock()

	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}
