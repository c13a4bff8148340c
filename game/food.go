// food.go implements food placement.

package game

// GenerateFood picks a cell uniformly at random among the cells not covered
// by the snake. It returns false only when the snake fills the grid.
//
// Free cells are enumerated rather than rejection-sampled so the call always
// terminates, even on a nearly full board.
func (s *GameState) GenerateFood() (Point, bool) {
	occupied := make(map[Point]struct{}, len(s.Snake))
	for _, p := range s.Snake {
		occupied[p] = struct{}{}
	}

	free := make([]Point, 0, s.Size*s.Size-len(occupied))
	for y := 0; y < s.Size; y++ {
		for x := 0; x < s.Size; x++ {
			p := Point{X: x, Y: y}
			if _, ok := occupied[p]; ok {
				continue
			}
			free = append(free, p)
		}
	}
	if len(free) == 0 {
		return Point{}, false
	}
	return free[s.rng.Intn(len(free))], true
}
