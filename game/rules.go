package game

// DeathCause records why a game reached the Terminal phase.
type DeathCause string

const (
	CauseNone      DeathCause = ""
	CauseWall      DeathCause = "wall"
	CauseSelf      DeathCause = "self"
	CauseBoardFull DeathCause = "board_full"
)

// Outcome summarises one Advance call.
type Outcome struct {
	Alive bool
	Ate   bool
	Cause DeathCause
}

// Next returns the cell one step from p in direction d, before any boundary
// handling.
func Next(p Point, d Direction) Point {
	dx, dy := d.Delta()
	return Point{X: p.X + dx, Y: p.Y + dy}
}

// wrap folds p back onto an n×n torus.
func wrap(p Point, n int) Point {
	p.X = ((p.X % n) + n) % n
	p.Y = ((p.Y % n) + n) % n
	return p
}

// Advance moves the snake one cell in direction d.
//
// Terminal is absorbing: once the game is over Advance does nothing and
// reports Alive=false until Reset is called.
func (s *GameState) Advance(d Direction) Outcome {
	if s.Phase == Terminal {
		return Outcome{Alive: false, Cause: s.Cause}
	}
	s.SetDirection(d)

	head := Next(s.Head(), s.Direction)
	switch s.Boundary {
	case Wrap:
		head = wrap(head, s.Size)
	case Wall:
		if !s.InBounds(head) {
			return s.die(CauseWall)
		}
	}

	// The tail still counts: moving onto it is a collision.
	if s.Occupied(head) {
		return s.die(CauseSelf)
	}

	s.Turn++
	s.Snake = append(s.Snake, Point{})
	copy(s.Snake[1:], s.Snake)
	s.Snake[0] = head

	if head != s.Food {
		s.Snake = s.Snake[:len(s.Snake)-1]
		return Outcome{Alive: true}
	}

	s.Score++
	food, ok := s.GenerateFood()
	if !ok {
		out := s.die(CauseBoardFull)
		out.Ate = true
		return out
	}
	s.Food = food
	return Outcome{Alive: true, Ate: true}
}

// Step advances in the currently set direction.
func (s *GameState) Step() Outcome {
	return s.Advance(s.Direction)
}

func (s *GameState) die(cause DeathCause) Outcome {
	s.Phase = Terminal
	s.Cause = cause
	return Outcome{Alive: false, Cause: cause}
}
