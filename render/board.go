// Package render holds the non-browser renderers: a bubbletea terminal UI and
// a headless renderer that writes frames to the log.
package render

import (
	"fmt"
	"strings"

	"github.com/brensch/snekweb/convert"
	"github.com/brensch/snekweb/game"
)

// Cell glyphs used by the ASCII board.
const (
	glyphEmpty = '.'
	glyphFood  = 'F'
	glyphBody  = 'o'
	glyphHead  = 'O'
)

// Grid lays a frame out row by row, top row first (y grows downward).
func Grid(f game.Frame) [][]rune {
	grid := make([][]rune, f.Size)
	for y := range grid {
		grid[y] = make([]rune, f.Size)
		for x := range grid[y] {
			grid[y][x] = glyphEmpty
		}
	}
	put := func(p game.Point, r rune) {
		if p.X >= 0 && p.X < f.Size && p.Y >= 0 && p.Y < f.Size {
			grid[p.Y][p.X] = r
		}
	}

	put(f.Food, glyphFood)
	for i, p := range f.Snake {
		if i == 0 {
			put(p, glyphHead)
			continue
		}
		put(p, glyphBody)
	}
	return grid
}

// Board renders a frame as space separated ASCII rows.
func Board(f game.Frame) string {
	var sb strings.Builder
	for _, row := range Grid(f) {
		for x, r := range row {
			if x > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteRune(r)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Layers prints the three input channels the model sees for f.
func Layers(f game.Frame) string {
	var sb strings.Builder
	sb.WriteString("--- Encoded input layers (H,W,C) ---\n")
	if f.Size < 1 {
		fmt.Fprintf(&sb, "(no grid: size %d)\n", f.Size)
		return sb.String()
	}
	// Encoding only reads the grid, the body and the food.
	in := convert.Encode(&game.GameState{Size: f.Size, Snake: f.Snake, Food: f.Food})

	names := [convert.Channels]string{"food", "body", "head"}
	for c := 0; c < convert.Channels; c++ {
		fmt.Fprintf(&sb, "Layer %d (%s):\n", c, names[c])
		for y := 0; y < in.Size; y++ {
			for x := 0; x < in.Size; x++ {
				if v := in.At(x, y, c); v != 0 {
					fmt.Fprintf(&sb, "%4.2f ", v)
					continue
				}
				sb.WriteString("   . ")
			}
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}
