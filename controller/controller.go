// Package controller runs the decision loop: encode the grid, ask the
// decision provider for action scores, decode the direction, advance the game
// and hand the new frame to a renderer.
//
// Ticks never overlap. Run schedules the next tick only after the current one
// has returned, so a slow provider stretches the interval instead of queueing
// work behind it.
package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brensch/snekweb/convert"
	"github.com/brensch/snekweb/game"
	"github.com/brensch/snekweb/inference"
	"github.com/brensch/snekweb/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrDecisionUnavailable wraps any failure to obtain a direction for a tick.
// The game does not move on such a tick.
var ErrDecisionUnavailable = errors.New("decision unavailable")

// Renderer receives every frame the controller produces.
type Renderer interface {
	Draw(f game.Frame)
	GameOver(f game.Frame)
}

// TraceSink receives one row per advanced tick.
type TraceSink interface {
	Record(row store.TickRow) error
}

type Config struct {
	TickInterval    time.Duration
	DecisionTimeout time.Duration
	// AutoRestart resets the game after a terminal tick instead of stopping.
	AutoRestart bool
	// MaxTicks stops Run after this many ticks. Zero means unlimited.
	MaxTicks int
}

var DefaultConfig = Config{
	TickInterval:    100 * time.Millisecond,
	DecisionTimeout: time.Second,
}

type Option func(*Controller)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

func WithTrace(sink TraceSink) Option {
	return func(c *Controller) { c.trace = sink }
}

// WithGameID fixes the id of the first game. Later games get fresh ids.
func WithGameID(id string) Option {
	return func(c *Controller) { c.gameID = id }
}

// TickResult describes one call to Tick.
type TickResult struct {
	Action  game.Direction
	Scores  []float32
	Outcome game.Outcome
	// Frozen is set when no decision was available and the game did not move.
	Frozen bool
}

// Result summarises a Run.
type Result struct {
	GameID string
	Score  int
	Turns  int
	Cause  game.DeathCause
	Ticks  int
	Games  int
	Best   int
}

type Controller struct {
	cfg       Config
	state     *game.GameState
	predictor inference.Predictor
	renderer  Renderer
	trace     TraceSink
	logger    zerolog.Logger

	gameID string
	buf    []float32

	ticks  int
	games  int
	best   int
	frozen int
}

func New(cfg Config, state *game.GameState, predictor inference.Predictor, renderer Renderer, opts ...Option) *Controller {
	c := &Controller{
		cfg:       cfg,
		state:     state,
		predictor: predictor,
		renderer:  renderer,
		logger:    log.With().Str("component", "controller").Logger(),
		buf:       make([]float32, convert.FloatSize(state.Size)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.gameID == "" {
		c.gameID = uuid.NewString()
	}
	return c
}

func (c *Controller) GameID() string { return c.gameID }

func (c *Controller) State() *game.GameState { return c.state }

// Frame snapshots the current state tagged with the game id.
func (c *Controller) Frame() game.Frame {
	f := c.state.Snapshot()
	f.GameID = c.gameID
	return f
}

// Tick performs one encode/predict/decode/advance/draw step.
//
// On a decision failure the state is left untouched and the returned error
// wraps ErrDecisionUnavailable; the caller retries on its next tick. A
// cancelled ctx is returned as is. Tick on a terminal game is a no-op.
func (c *Controller) Tick(ctx context.Context) (TickResult, error) {
	if !c.state.Alive() {
		return TickResult{Action: c.state.Direction, Outcome: game.Outcome{Cause: c.state.Cause}}, nil
	}
	c.ticks++

	in := convert.EncodeInto(c.buf, c.state)
	scores, err := c.decide(ctx, in)
	var dir game.Direction
	if err == nil {
		dir, err = convert.DecodeAction(scores)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return TickResult{}, ctxErr
		}
		c.frozen++
		if c.frozen == 1 || c.frozen%50 == 0 {
			c.logger.Warn().Err(err).
				Str("game_id", c.gameID).
				Int("turn", c.state.Turn).
				Int("consecutive", c.frozen).
				Msg("Decision failed, holding position")
		}
		return TickResult{Action: c.state.Direction, Scores: scores, Outcome: game.Outcome{Alive: true}, Frozen: true},
			fmt.Errorf("%w: %w", ErrDecisionUnavailable, err)
	}
	if c.frozen > 0 {
		c.logger.Info().Int("missed_ticks", c.frozen).Msg("Decisions resumed")
		c.frozen = 0
	}

	var row store.TickRow
	if c.trace != nil {
		row = store.NewTickRow(c.gameID, c.state, dir, scores)
	}

	out := c.state.Advance(dir)

	if c.trace != nil {
		row.Alive, row.Ate, row.Cause = out.Alive, out.Ate, string(out.Cause)
		if err := c.trace.Record(row); err != nil {
			c.logger.Error().Err(err).Msg("Failed to record trace row")
		}
	}

	if out.Alive {
		c.renderer.Draw(c.Frame())
	}

	c.logger.Debug().
		Int("turn", c.state.Turn).
		Stringer("action", dir).
		Floats32("scores", scores).
		Bool("ate", out.Ate).
		Msg("tick")

	return TickResult{Action: dir, Scores: scores, Outcome: out}, nil
}

func (c *Controller) decide(ctx context.Context, in convert.Input) ([]float32, error) {
	if c.predictor == nil {
		return nil, inference.ErrNotReady
	}
	if c.cfg.DecisionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.DecisionTimeout)
		defer cancel()
	}
	return c.predictor.Predict(ctx, in)
}

// Run draws the initial frame and ticks until the game ends, MaxTicks is
// reached or ctx is cancelled. With AutoRestart a terminal game is reported
// through GameOver and replaced by a fresh one.
func (c *Controller) Run(ctx context.Context) (Result, error) {
	c.games = 1
	c.logger.Info().
		Str("game_id", c.gameID).
		Int("size", c.state.Size).
		Stringer("boundary", c.state.Boundary).
		Msg("Game started")
	c.renderer.Draw(c.Frame())

	timer := time.NewTimer(c.cfg.TickInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return c.result(), ctx.Err()
		case <-timer.C:
		}

		res, err := c.Tick(ctx)
		if err != nil && !errors.Is(err, ErrDecisionUnavailable) {
			return c.result(), err
		}

		if !res.Frozen && !res.Outcome.Alive {
			c.finishGame()
			if !c.cfg.AutoRestart {
				return c.result(), nil
			}
			c.restart()
		}

		if c.cfg.MaxTicks > 0 && c.ticks >= c.cfg.MaxTicks {
			c.logger.Info().Int("ticks", c.ticks).Msg("Tick limit reached")
			return c.result(), nil
		}

		timer.Reset(c.cfg.TickInterval)
	}
}

func (c *Controller) finishGame() {
	if c.state.Score > c.best {
		c.best = c.state.Score
	}
	c.logger.Info().
		Str("game_id", c.gameID).
		Int("score", c.state.Score).
		Int("turns", c.state.Turn).
		Str("cause", string(c.state.Cause)).
		Msg("Game over")
	c.renderer.GameOver(c.Frame())
}

func (c *Controller) restart() {
	c.state.Reset()
	c.gameID = uuid.NewString()
	c.games++
	c.logger.Info().Str("game_id", c.gameID).Int("game", c.games).Msg("Game restarted")
	c.renderer.Draw(c.Frame())
}

func (c *Controller) result() Result {
	best := c.best
	if c.state.Score > best {
		best = c.state.Score
	}
	return Result{
		GameID: c.gameID,
		Score:  c.state.Score,
		Turns:  c.state.Turn,
		Cause:  c.state.Cause,
		Ticks:  c.ticks,
		Games:  c.games,
		Best:   best,
	}
}
