// Command snek runs a Snake game whose moves are chosen by a pretrained
// policy network.
//
//	snek serve      browser renderer on http://localhost:8080
//	snek play       terminal renderer
//	snek simulate   headless games, optionally traced to parquet
//	snek replay     print a parquet trace
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brensch/snekweb/config"
	"github.com/brensch/snekweb/inference"
	"github.com/brensch/snekweb/logging"
	"github.com/brensch/snekweb/store"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
)

var version = "dev"

type app struct {
	cfg *config.Loader
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Msg("Failed to load .env file")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand().Run(ctx, os.Args); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("snek failed")
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	a := &app{}
	return &cli.Command{
		Name:    "snek",
		Usage:   "neural network plays Snake",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML config file (defaults to ./snek.yaml when present)",
				Sources: cli.EnvVars("SNEK_CONFIG"),
			},
			&cli.StringFlag{Name: "log-level", Usage: "trace, debug, info, warn or error"},
			&cli.StringFlag{Name: "provider", Usage: "decision provider: onnx or heuristic"},
			&cli.StringFlag{Name: "model", Usage: "path to the ONNX model"},
			&cli.StringFlag{Name: "boundary", Usage: "wrap or wall"},
		},
		Before: a.before,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "serve the browser renderer",
				Action: a.serve,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "listen", Usage: "listen address"},
				},
			},
			{
				Name:   "play",
				Usage:  "watch the snake in the terminal",
				Action: a.play,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "log-file", Value: "snek.log", Usage: "where logs go while the UI owns the terminal"},
				},
			},
			{
				Name:   "simulate",
				Usage:  "run games headless",
				Action: a.simulate,
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "tick", Value: time.Millisecond, Usage: "delay between ticks"},
					&cli.BoolFlag{Name: "auto-restart", Usage: "start a new game after each game over (needs controller.max_ticks)"},
					&cli.BoolFlag{Name: "layers", Usage: "log the encoded model input with every frame (debug level)"},
					&cli.BoolFlag{Name: "trace", Usage: "write a parquet trace to trace.dir"},
				},
			},
			{
				Name:  "version",
				Usage: "print the version",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					_, err := fmt.Fprintln(cmd.Root().Writer, "snek", version)
					return err
				},
			},
			{
				Name:      "replay",
				Usage:     "print the ticks of a parquet trace",
				ArgsUsage: "<trace.parquet>",
				Action:    replay,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "game", Usage: "only print this game id"},
				},
			},
		},
	}
}

// before loads configuration, applies flag overrides and sets up logging.
func (a *app) before(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	loader, err := config.Load(cmd.String("config"))
	if err != nil {
		return ctx, err
	}

	overrides := map[string]string{
		"log-level": "log.level",
		"provider":  "model.provider",
		"model":     "model.path",
		"boundary":  "game.boundary",
	}
	for flag, key := range overrides {
		if !cmd.IsSet(flag) {
			continue
		}
		if err := loader.Set(key, cmd.String(flag)); err != nil {
			return ctx, err
		}
	}

	c := loader.Config()
	if err := logging.Setup(c.Log.Level, c.Log.Format); err != nil {
		return ctx, err
	}
	if f := loader.File(); f != "" {
		log.Debug().Str("file", f).Msg("Loaded config")
	}
	a.cfg = loader
	return ctx, nil
}

// openLoader starts loading the configured decision provider in the
// background.
func openLoader(ctx context.Context, c config.Config) (*inference.Loader, error) {
	pc, err := c.ProviderConfig()
	if err != nil {
		return nil, err
	}
	logger := log.With().Str("component", "inference").Str("provider", string(pc.Kind)).Logger()
	return inference.Load(ctx, func(ctx context.Context) (inference.Predictor, error) {
		p, err := inference.Open(ctx, pc)
		if err != nil {
			return nil, err
		}
		return inference.NewInstrumented(p), nil
	}, logger), nil
}

func logProviderStats(p inference.Predictor) {
	inst, ok := p.(*inference.Instrumented)
	if !ok {
		return
	}
	st := inst.Stats()
	log.Info().
		Int64("calls", st.Calls).
		Int64("failures", st.Failures).
		Float64("avg_ms", st.AvgMs).
		Msg("Decision provider stats")
}

func openTrace(c config.Config) (*store.TraceWriter, error) {
	if !c.Trace.Enabled {
		return nil, nil
	}
	return store.NewTraceWriter(c.Trace.Dir)
}

func finalizeTrace(tw *store.TraceWriter) {
	if tw == nil {
		return
	}
	path, rows, err := tw.Finalize()
	if err != nil {
		log.Error().Err(err).Msg("Failed to finalize trace")
		return
	}
	if rows > 0 {
		log.Info().Str("path", path).Int("rows", rows).Msg("Trace written")
	}
}

func newRNG(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}
