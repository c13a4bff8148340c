package render

import (
	"github.com/brensch/snekweb/game"
	"github.com/rs/zerolog"
)

// Log is a headless renderer. Frames go to the debug level, game over to info.
type Log struct {
	logger zerolog.Logger
	// Layers adds the encoded model input to every debug frame.
	Layers bool
}

func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("component", "render").Logger()}
}

func (l *Log) Draw(f game.Frame) {
	e := l.logger.Debug()
	if !e.Enabled() {
		return
	}
	board := Board(f)
	if l.Layers {
		board += Layers(f)
	}
	e.Str("game_id", f.GameID).
		Int("turn", f.Turn).
		Int("score", f.Score).
		Str("direction", f.Direction).
		Msg("\n" + board)
}

func (l *Log) GameOver(f game.Frame) {
	l.logger.Info().
		Str("game_id", f.GameID).
		Int("score", f.Score).
		Int("turns", f.Turn).
		Str("cause", string(f.Cause)).
		Msg("Game over\n" + Board(f))
}
