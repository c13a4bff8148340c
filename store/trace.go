// Package store writes per-tick traces of controller runs to Parquet so a run
// can be replayed and the model's choices inspected offline.
//
// Only the observation, the chosen action and the model's scores are kept;
// game scores are not stored.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/brensch/snekweb/game"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"
)

const traceSchema = "snek_tick_v1"

// TickRow is one (game, turn) decision.
//
// Body and Food describe the grid the model observed; Action is the decoded
// direction (0=Up, 1=Right, 2=Down, 3=Left) and Scores the raw model output.
type TickRow struct {
	GameID   string `parquet:"game_id,dict"`
	Turn     int32  `parquet:"turn"`
	Size     int32  `parquet:"size"`
	Boundary string `parquet:"boundary,dict"`

	BodyX []int32 `parquet:"body_x"`
	BodyY []int32 `parquet:"body_y"`
	FoodX int32   `parquet:"food_x"`
	FoodY int32   `parquet:"food_y"`

	Action int32     `parquet:"action"`
	Scores []float32 `parquet:"scores"`

	Alive bool   `parquet:"alive"`
	Ate   bool   `parquet:"ate"`
	Cause string `parquet:"cause,dict"`
}

// NewTickRow captures the observation in state before the action is applied.
func NewTickRow(gameID string, state *game.GameState, action game.Direction, scores []float32) TickRow {
	row := TickRow{
		GameID:   gameID,
		Turn:     int32(state.Turn),
		Size:     int32(state.Size),
		Boundary: state.Boundary.String(),
		BodyX:    make([]int32, len(state.Snake)),
		BodyY:    make([]int32, len(state.Snake)),
		FoodX:    int32(state.Food.X),
		FoodY:    int32(state.Food.Y),
		Action:   int32(action),
		Scores:   append([]float32(nil), scores...),
	}
	for i, p := range state.Snake {
		row.BodyX[i] = int32(p.X)
		row.BodyY[i] = int32(p.Y)
	}
	return row
}

// Body rebuilds the snake body.
func (r TickRow) Body() []game.Point {
	n := min(len(r.BodyX), len(r.BodyY))
	out := make([]game.Point, n)
	for i := 0; i < n; i++ {
		out[i] = game.Point{X: int(r.BodyX[i]), Y: int(r.BodyY[i])}
	}
	return out
}

// TraceWriter streams TickRows into outDir/tmp and moves the file into
// outDir on Finalize, so readers never observe a partial file.
type TraceWriter struct {
	mu sync.Mutex

	tmpPath string
	outPath string

	file   *os.File
	writer *parquet.GenericWriter[TickRow]

	rows int
}

func NewTraceWriter(outDir string) (*TraceWriter, error) {
	if outDir == "" {
		return nil, fmt.Errorf("outDir is required")
	}

	absOut, err := filepath.Abs(outDir)
	if err != nil {
		absOut = outDir
	}
	tmpDir := filepath.Join(absOut, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("create tmp dir: %w", err)
	}

	name := fmt.Sprintf("trace_%d.parquet", time.Now().UnixNano())
	tmpPath := filepath.Join(tmpDir, name)
	outPath := filepath.Join(absOut, name)

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open tmp parquet: %w", err)
	}

	w := parquet.NewGenericWriter[TickRow](
		f,
		parquet.Compression(&zstd.Codec{Level: zstd.SpeedBetterCompression}),
	)
	w.SetKeyValueMetadata("schema", traceSchema)

	return &TraceWriter{
		tmpPath: tmpPath,
		outPath: outPath,
		file:    f,
		writer:  w,
	}, nil
}

func (t *TraceWriter) OutPath() string { return t.outPath }

func (t *TraceWriter) Rows() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rows
}

// Record appends one row.
func (t *TraceWriter) Record(row TickRow) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writer == nil {
		return fmt.Errorf("trace writer is closed")
	}
	if _, err := t.writer.Write([]TickRow{row}); err != nil {
		return fmt.Errorf("write trace row: %w", err)
	}
	t.rows++
	return nil
}

// Finalize closes the writer and publishes the file. With no rows written
// the temp file is removed and outPath is empty.
func (t *TraceWriter) Finalize() (outPath string, rows int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writer == nil && t.file == nil {
		return "", 0, nil
	}

	rows = t.rows
	closeErr := t.writer.Close()
	t.writer = nil
	_ = t.file.Sync()
	fileErr := t.file.Close()
	t.file = nil

	if closeErr != nil {
		return "", 0, fmt.Errorf("close parquet writer: %w", closeErr)
	}
	if fileErr != nil {
		return "", 0, fmt.Errorf("close parquet file: %w", fileErr)
	}
	if rows == 0 {
		_ = os.Remove(t.tmpPath)
		return "", 0, nil
	}
	if err := os.Rename(t.tmpPath, t.outPath); err != nil {
		return "", 0, fmt.Errorf("rename parquet: %w", err)
	}
	return t.outPath, rows, nil
}

// ReadTrace loads every row of a trace file.
func ReadTrace(path string) ([]TickRow, error) {
	rows, err := parquet.ReadFile[TickRow](path)
	if err != nil {
		return nil, fmt.Errorf("read trace %s: %w", path, err)
	}
	return rows, nil
}
