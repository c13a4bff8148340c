// Package game defines the core game state for single-player Snake.
//
// A GameState owns the snake body, the food position, the current direction
// and the score. It is mutated only through Reset and Advance and is owned by
// exactly one controller; it is not safe for concurrent use.
package game

import (
	"fmt"
	"math/rand"
	"strings"
)

// Point is a grid coordinate.
// (0,0) is the top-left cell; Up decreases Y.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (p Point) String() string {
	return fmt.Sprintf("(%d,%d)", p.X, p.Y)
}

// Direction doubles as the action index produced by the decision model.
type Direction int

const (
	Up Direction = iota
	Right
	Down
	Left
)

// NumDirections is the size of the model's action space.
const NumDirections = 4

var directionNames = [NumDirections]string{"up", "right", "down", "left"}

func (d Direction) String() string {
	if d < 0 || int(d) >= NumDirections {
		return fmt.Sprintf("direction(%d)", int(d))
	}
	return directionNames[d]
}

// Valid reports whether d is one of the four moves.
func (d Direction) Valid() bool {
	return d >= Up && d <= Left
}

// Delta returns the unit vector for d.
func (d Direction) Delta() (dx, dy int) {
	switch d {
	case Up:
		return 0, -1
	case Right:
		return 1, 0
	case Down:
		return 0, 1
	case Left:
		return -1, 0
	}
	return 0, 0
}

// DirectionFromAction maps a model action index to a Direction.
func DirectionFromAction(action int) (Direction, error) {
	d := Direction(action)
	if !d.Valid() {
		return 0, fmt.Errorf("action %d out of range [0,%d)", action, NumDirections)
	}
	return d, nil
}

// BoundaryPolicy decides what happens when the head leaves the grid.
// A GameState uses one policy for its whole life.
type BoundaryPolicy int

const (
	// Wrap treats the grid as a torus.
	Wrap BoundaryPolicy = iota
	// Wall ends the game when the head leaves the grid.
	Wall
)

func (b BoundaryPolicy) String() string {
	switch b {
	case Wrap:
		return "wrap"
	case Wall:
		return "wall"
	}
	return fmt.Sprintf("boundary(%d)", int(b))
}

// ParseBoundaryPolicy accepts "wrap" or "wall" (case-insensitive).
func ParseBoundaryPolicy(s string) (BoundaryPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "wrap", "torus":
		return Wrap, nil
	case "wall", "walls":
		return Wall, nil
	}
	return 0, fmt.Errorf("unknown boundary policy %q (want wrap or wall)", s)
}

type Phase int

const (
	Alive Phase = iota
	Terminal
)

func (p Phase) String() string {
	if p == Terminal {
		return "terminal"
	}
	return "alive"
}

// Config fixes the shape of a game.
type Config struct {
	Size     int
	Boundary BoundaryPolicy
}

// DefaultConfig is the 15x15 torus the browser demo ships with.
var DefaultConfig = Config{Size: 15, Boundary: Wrap}

// Validate rejects configurations the simulation cannot represent.
func (c Config) Validate() error {
	if c.Size < 2 {
		return fmt.Errorf("grid size must be at least 2, got %d", c.Size)
	}
	if c.Boundary != Wrap && c.Boundary != Wall {
		return fmt.Errorf("invalid boundary policy %d", int(c.Boundary))
	}
	return nil
}

// GameState is the complete mutable state of one game.
type GameState struct {
	Size     int
	Boundary BoundaryPolicy

	Snake     []Point
	Food      Point
	Direction Direction
	Score     int
	Phase     Phase
	Cause     DeathCause
	Turn      int

	rng *rand.Rand
}

// New builds a fresh game. An invalid cfg is a programming error and panics;
// callers validate user input with Config.Validate first.
// A nil rng falls back to a time-independent fixed seed, which keeps tests reproducible.
func New(cfg Config, rng *rand.Rand) *GameState {
	if err := cfg.Validate(); err != nil {
		panic("game: " + err.Error())
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	s := &GameState{
		Size:     cfg.Size,
		Boundary: cfg.Boundary,
		rng:      rng,
	}
	s.Reset()
	return s
}

// Reset places a single segment at the grid center heading right, clears the
// score and generates new food.
func (s *GameState) Reset() {
	c := s.Size / 2
	s.Snake = []Point{{X: c, Y: c}}
	s.Direction = Right
	s.Score = 0
	s.Phase = Alive
	s.Cause = CauseNone
	s.Turn = 0
	s.Food, _ = s.GenerateFood()
}

// Config returns the shape this state was built with.
func (s *GameState) Config() Config {
	return Config{Size: s.Size, Boundary: s.Boundary}
}

// Head returns the first segment.
func (s *GameState) Head() Point {
	return s.Snake[0]
}

func (s *GameState) Alive() bool {
	return s.Phase == Alive
}

// SetDirection records the direction the next Step will use.
func (s *GameState) SetDirection(d Direction) {
	if d.Valid() {
		s.Direction = d
	}
}

// Occupied reports whether p is covered by any snake segment.
func (s *GameState) Occupied(p Point) bool {
	for _, seg := range s.Snake {
		if seg == p {
			return true
		}
	}
	return false
}

// InBounds reports whether p lies on the grid.
func (s *GameState) InBounds(p Point) bool {
	return p.X >= 0 && p.X < s.Size && p.Y >= 0 && p.Y < s.Size
}

// Clone performs a deep copy. The clone shares the RNG.
func (s *GameState) Clone() *GameState {
	if s == nil {
		return nil
	}
	out := *s
	out.Snake = make([]Point, len(s.Snake))
	copy(out.Snake, s.Snake)
	return &out
}

// Frame is an immutable view of a state for renderers.
type Frame struct {
	GameID    string     `json:"game_id,omitempty"`
	Size      int        `json:"size"`
	Boundary  string     `json:"boundary"`
	Snake     []Point    `json:"snake"`
	Food      Point      `json:"food"`
	Direction string     `json:"direction"`
	Score     int        `json:"score"`
	Turn      int        `json:"turn"`
	Phase     string     `json:"phase"`
	Cause     DeathCause `json:"cause,omitempty"`
}

// Snapshot copies the renderable parts of s.
func (s *GameState) Snapshot() Frame {
	body := make([]Point, len(s.Snake))
	copy(body, s.Snake)
	return Frame{
		Size:      s.Size,
		Boundary:  s.Boundary.String(),
		Snake:     body,
		Food:      s.Food,
		Direction: s.Direction.String(),
		Score:     s.Score,
		Turn:      s.Turn,
		Phase:     s.Phase.String(),
		Cause:     s.Cause,
	}
}
