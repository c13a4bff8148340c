package inference

import (
	"context"
	"errors"
	"math"

	"github.com/brensch/snekweb/convert"
	"github.com/brensch/snekweb/game"
)

var errNoHead = errors.New("input has no head marker")

// Heuristic is a model-free Predictor. Like the network it sees only the
// encoded tensor: it steers toward the food marker and scores moves into the
// body (or off a walled grid) as -Inf.
type Heuristic struct {
	Boundary game.BoundaryPolicy
}

func (h Heuristic) Predict(ctx context.Context, in convert.Input) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := in.Size

	head, ok := findMarker(in, convert.ChannelHead)
	if !ok {
		return nil, errNoHead
	}
	food, hasFood := findMarker(in, convert.ChannelFood)

	scores := make([]float32, game.NumDirections)
	for a := 0; a < game.NumDirections; a++ {
		next, ok := h.step(head, game.Direction(a), n)
		if !ok || in.At(next.X, next.Y, convert.ChannelBody) != 0 {
			scores[a] = float32(math.Inf(-1))
			continue
		}

		var score float32
		if hasFood {
			score = -float32(h.distance(next, food, n))
		}
		// Prefer cells with room to keep moving.
		score += 0.1 * float32(h.freeNeighbours(in, next, n))
		scores[a] = score
	}
	return scores, nil
}

func (h Heuristic) step(p game.Point, d game.Direction, n int) (game.Point, bool) {
	next := game.Next(p, d)
	if h.Boundary == game.Wrap {
		next.X = (next.X + n) % n
		next.Y = (next.Y + n) % n
		return next, true
	}
	if next.X < 0 || next.X >= n || next.Y < 0 || next.Y >= n {
		return next, false
	}
	return next, true
}

func (h Heuristic) distance(a, b game.Point, n int) int {
	dx := absInt(a.X - b.X)
	dy := absInt(a.Y - b.Y)
	if h.Boundary == game.Wrap {
		dx = min(dx, n-dx)
		dy = min(dy, n-dy)
	}
	return dx + dy
}

func (h Heuristic) freeNeighbours(in convert.Input, p game.Point, n int) int {
	free := 0
	for a := 0; a < game.NumDirections; a++ {
		q, ok := h.step(p, game.Direction(a), n)
		if ok && in.At(q.X, q.Y, convert.ChannelBody) == 0 {
			free++
		}
	}
	return free
}

func findMarker(in convert.Input, c int) (game.Point, bool) {
	for y := 0; y < in.Size; y++ {
		for x := 0; x < in.Size; x++ {
			if in.At(x, y, c) != 0 {
				return game.Point{X: x, Y: y}, true
			}
		}
	}
	return game.Point{}, false
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
