package controller

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brensch/snekweb/convert"
	"github.com/brensch/snekweb/game"
	"github.com/brensch/snekweb/inference"
	"github.com/brensch/snekweb/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	draws    []game.Frame
	gameOver []game.Frame
}

func (r *recorder) Draw(f game.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draws = append(r.draws, f)
}

func (r *recorder) GameOver(f game.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gameOver = append(r.gameOver, f)
}

// fixedPredictor always prefers one direction, optionally failing the first
// failFirst calls.
type fixedPredictor struct {
	dir       game.Direction
	failFirst int
	delay     time.Duration

	calls       atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (p *fixedPredictor) Predict(ctx context.Context, in convert.Input) ([]float32, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		cur := p.maxInFlight.Load()
		if n <= cur || p.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	call := p.calls.Add(1)
	if int(call) <= p.failFirst {
		return nil, errors.New("provider hiccup")
	}
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	scores := make([]float32, game.NumDirections)
	scores[p.dir] = 1
	return scores, nil
}

type blockingPredictor struct{}

func (blockingPredictor) Predict(ctx context.Context, in convert.Input) ([]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type shortPredictor struct{}

func (shortPredictor) Predict(ctx context.Context, in convert.Input) ([]float32, error) {
	return []float32{1, 2, 3}, nil
}

type memTrace struct {
	rows []store.TickRow
}

func (m *memTrace) Record(row store.TickRow) error {
	m.rows = append(m.rows, row)
	return nil
}

func newState(size int, boundary game.BoundaryPolicy) *game.GameState {
	return game.New(game.Config{Size: size, Boundary: boundary}, rand.New(rand.NewSource(1)))
}

func fastConfig() Config {
	return Config{TickInterval: time.Millisecond, DecisionTimeout: time.Second}
}

func testLogger(t *testing.T) Option {
	return WithLogger(zerolog.New(zerolog.NewTestWriter(t)))
}

func TestTick_AdvancesAndDraws(t *testing.T) {
	s := newState(15, game.Wrap)
	r := &recorder{}
	c := New(fastConfig(), s, &fixedPredictor{dir: game.Up}, r, testLogger(t))

	res, err := c.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, game.Up, res.Action)
	assert.True(t, res.Outcome.Alive)
	assert.False(t, res.Frozen)
	assert.Equal(t, game.Point{X: 7, Y: 6}, s.Head())
	assert.Equal(t, game.Up, s.Direction)

	require.Len(t, r.draws, 1)
	assert.Equal(t, c.GameID(), r.draws[0].GameID)
	assert.Equal(t, 1, r.draws[0].Turn)
}

func TestTick_FreezesOnDecisionFailure(t *testing.T) {
	s := newState(15, game.Wrap)
	before := s.Snapshot()
	r := &recorder{}
	p := &fixedPredictor{dir: game.Down, failFirst: 2}
	c := New(fastConfig(), s, p, r, testLogger(t))

	for i := 0; i < 2; i++ {
		res, err := c.Tick(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDecisionUnavailable)
		assert.True(t, res.Frozen)
		assert.Equal(t, before, s.Snapshot(), "state must not move while frozen")
	}
	assert.Empty(t, r.draws)

	res, err := c.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Frozen)
	assert.Equal(t, game.Point{X: 7, Y: 8}, s.Head())
	assert.Len(t, r.draws, 1)
}

func TestTick_DecisionTimeout(t *testing.T) {
	s := newState(15, game.Wrap)
	cfg := fastConfig()
	cfg.DecisionTimeout = 10 * time.Millisecond
	c := New(cfg, s, blockingPredictor{}, &recorder{}, testLogger(t))

	_, err := c.Tick(context.Background())
	assert.ErrorIs(t, err, ErrDecisionUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, s.Turn)
}

func TestTick_InvalidScoresFreeze(t *testing.T) {
	s := newState(15, game.Wrap)
	c := New(fastConfig(), s, shortPredictor{}, &recorder{}, testLogger(t))

	_, err := c.Tick(context.Background())
	assert.ErrorIs(t, err, ErrDecisionUnavailable)
	assert.ErrorIs(t, err, convert.ErrInvalidScores)
	assert.Equal(t, 0, s.Turn)
}

func TestTick_NilPredictorIsNotReady(t *testing.T) {
	s := newState(15, game.Wrap)
	c := New(fastConfig(), s, nil, &recorder{}, testLogger(t))

	_, err := c.Tick(context.Background())
	assert.ErrorIs(t, err, ErrDecisionUnavailable)
	assert.ErrorIs(t, err, inference.ErrNotReady)
}

func TestTick_CancelledContextIsNotAFreeze(t *testing.T) {
	s := newState(15, game.Wrap)
	c := New(fastConfig(), s, blockingPredictor{}, &recorder{}, testLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Tick(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrDecisionUnavailable)
}

func TestTick_TerminalIsNoop(t *testing.T) {
	s := newState(5, game.Wall)
	p := &fixedPredictor{dir: game.Right}
	c := New(fastConfig(), s, p, &recorder{}, testLogger(t))

	for s.Alive() {
		_, err := c.Tick(context.Background())
		require.NoError(t, err)
	}
	calls := p.calls.Load()
	turn := s.Turn

	res, err := c.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Outcome.Alive)
	assert.Equal(t, game.CauseWall, res.Outcome.Cause)
	assert.Equal(t, calls, p.calls.Load(), "no decision requested for a finished game")
	assert.Equal(t, turn, s.Turn)
}

func TestRun_StopsOnTerminal(t *testing.T) {
	// Center of a 5x5 wall grid is (2,2); three moves right hit the wall.
	s := newState(5, game.Wall)
	r := &recorder{}
	c := New(fastConfig(), s, &fixedPredictor{dir: game.Right}, r, testLogger(t), WithGameID("g-1"))

	res, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "g-1", res.GameID)
	assert.Equal(t, game.CauseWall, res.Cause)
	assert.Equal(t, 3, res.Ticks)
	assert.Equal(t, 1, res.Games)

	require.Len(t, r.gameOver, 1)
	assert.Equal(t, "terminal", r.gameOver[0].Phase)
	assert.Equal(t, "g-1", r.gameOver[0].GameID)
	// Initial frame plus the two surviving ticks.
	assert.Len(t, r.draws, 3)
}

func TestRun_AutoRestart(t *testing.T) {
	s := newState(5, game.Wall)
	r := &recorder{}
	cfg := fastConfig()
	cfg.AutoRestart = true
	cfg.MaxTicks = 7
	c := New(cfg, s, &fixedPredictor{dir: game.Right}, r, testLogger(t))
	first := c.GameID()

	res, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 7, res.Ticks)
	assert.Equal(t, 3, res.Games)
	require.Len(t, r.gameOver, 2)
	assert.Equal(t, first, r.gameOver[0].GameID)
	assert.NotEqual(t, r.gameOver[0].GameID, r.gameOver[1].GameID)
	assert.Equal(t, res.GameID, r.draws[len(r.draws)-1].GameID)
	assert.True(t, s.Alive())
	assert.Equal(t, 1, s.Turn)
}

func TestRun_FreezeKeepsRunning(t *testing.T) {
	s := newState(15, game.Wrap)
	cfg := fastConfig()
	cfg.MaxTicks = 5
	p := &fixedPredictor{dir: game.Left, failFirst: 3}
	c := New(cfg, s, p, &recorder{}, testLogger(t))

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Ticks)
	assert.Equal(t, 2, s.Turn, "only the ticks with a decision move the snake")
}

func TestRun_TicksNeverOverlap(t *testing.T) {
	s := newState(15, game.Wrap)
	cfg := fastConfig()
	cfg.MaxTicks = 6
	p := &fixedPredictor{dir: game.Down, delay: 5 * time.Millisecond}
	c := New(cfg, s, p, &recorder{}, testLogger(t))

	_, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(6), p.calls.Load())
	assert.Equal(t, int32(1), p.maxInFlight.Load())
}

func TestRun_CancelStops(t *testing.T) {
	s := newState(15, game.Wrap)
	cfg := fastConfig()
	cfg.TickInterval = time.Hour
	r := &recorder{}
	c := New(cfg, s, &fixedPredictor{dir: game.Up}, r, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Run(ctx)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 0, s.Turn)
}

func TestRun_RecordsTrace(t *testing.T) {
	s := newState(5, game.Wall)
	trace := &memTrace{}
	c := New(fastConfig(), s, &fixedPredictor{dir: game.Right}, &recorder{}, testLogger(t), WithTrace(trace), WithGameID("traced"))

	_, err := c.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, trace.rows, 3)
	for i, row := range trace.rows {
		assert.Equal(t, "traced", row.GameID)
		assert.Equal(t, int32(i), row.Turn)
		assert.Equal(t, int32(game.Right), row.Action)
	}
	assert.Equal(t, []game.Point{{X: 2, Y: 2}}, trace.rows[0].Body())
	assert.False(t, trace.rows[2].Alive)
	assert.Equal(t, string(game.CauseWall), trace.rows[2].Cause)
}
