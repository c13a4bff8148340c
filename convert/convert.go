// Package convert translates between GameState and the decision model's
// tensors.
//
// Input layout is NHWC: [1, Size, Size, Channels], float32, row-major, the
// same layout the browser model was trained on.
package convert

import (
	"errors"
	"fmt"
	"math"

	"github.com/brensch/snekweb/game"
)

const (
	// Channel layout (3 total):
	// 0: Food
	// 1: Snake body (every segment, head included)
	// 2: Snake head
	ChannelFood = 0
	ChannelBody = 1
	ChannelHead = 2
	Channels    = 3
)

// ErrInvalidScores is returned when a model output cannot be turned into an action.
var ErrInvalidScores = errors.New("invalid action scores")

// Input is one encoded observation, batch size 1.
type Input struct {
	Size int
	Data []float32
}

// FloatSize is the number of float32 values for an n×n grid.
func FloatSize(n int) int {
	return n * n * Channels
}

// Index returns the flat offset of (x, y, c) in an n×n input.
func Index(n, x, y, c int) int {
	return (y*n+x)*Channels + c
}

// Shape is the tensor shape including the batch dimension.
func (in Input) Shape() []int64 {
	return []int64{1, int64(in.Size), int64(in.Size), Channels}
}

// At reads one cell value; out-of-range reads return 0.
func (in Input) At(x, y, c int) float32 {
	if x < 0 || x >= in.Size || y < 0 || y >= in.Size || c < 0 || c >= Channels {
		return 0
	}
	return in.Data[Index(in.Size, x, y, c)]
}

// Encode allocates a fresh Input for state.
func Encode(state *game.GameState) Input {
	data := make([]float32, FloatSize(state.Size))
	EncodeInto(data, state)
	return Input{Size: state.Size, Data: data}
}

// EncodeInto writes state into dst, which must hold FloatSize(state.Size)
// values. dst is cleared first so buffers can be reused across ticks.
func EncodeInto(dst []float32, state *game.GameState) Input {
	n := state.Size
	if len(dst) < FloatSize(n) {
		panic(fmt.Sprintf("convert: buffer holds %d floats, need %d", len(dst), FloatSize(n)))
	}
	data := dst[:FloatSize(n)]
	clear(data)

	set := func(p game.Point, c int) {
		if p.X < 0 || p.X >= n || p.Y < 0 || p.Y >= n {
			return
		}
		data[Index(n, p.X, p.Y, c)] = 1
	}

	for _, p := range state.Snake {
		set(p, ChannelBody)
	}
	set(state.Food, ChannelFood)
	if len(state.Snake) > 0 {
		set(state.Snake[0], ChannelHead)
	}

	return Input{Size: n, Data: data}
}

// Argmax returns the index of the highest score. Ties resolve to the lowest index.
func Argmax(scores []float32) (int, error) {
	if len(scores) == 0 {
		return 0, fmt.Errorf("%w: empty", ErrInvalidScores)
	}
	best := -1
	for i, v := range scores {
		if math.IsNaN(float64(v)) {
			return 0, fmt.Errorf("%w: NaN at index %d", ErrInvalidScores, i)
		}
		if best < 0 || v > scores[best] {
			best = i
		}
	}
	return best, nil
}

// DecodeAction maps the model's 4-way output to a Direction
// ({0: up, 1: right, 2: down, 3: left}).
func DecodeAction(scores []float32) (game.Direction, error) {
	if len(scores) != game.NumDirections {
		return 0, fmt.Errorf("%w: got %d scores, want %d", ErrInvalidScores, len(scores), game.NumDirections)
	}
	idx, err := Argmax(scores)
	if err != nil {
		return 0, err
	}
	return game.DirectionFromAction(idx)
}
