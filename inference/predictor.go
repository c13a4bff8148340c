// Package inference provides the decision providers that pick the snake's
// next move from an encoded grid.
package inference

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/brensch/snekweb/convert"
	"github.com/brensch/snekweb/game"
)

// Predictor scores the four actions for one encoded observation.
// The caller takes the argmax.
type Predictor interface {
	Predict(ctx context.Context, in convert.Input) ([]float32, error)
}

// ProviderKind names a Predictor implementation.
type ProviderKind string

const (
	ProviderOnnx      ProviderKind = "onnx"
	ProviderHeuristic ProviderKind = "heuristic"
)

// ParseProviderKind accepts "onnx" or "heuristic".
func ParseProviderKind(s string) (ProviderKind, error) {
	switch k := ProviderKind(strings.ToLower(strings.TrimSpace(s))); k {
	case ProviderOnnx, ProviderHeuristic:
		return k, nil
	}
	return "", fmt.Errorf("unknown provider %q (want onnx or heuristic)", s)
}

// ProviderConfig selects and configures a Predictor.
type ProviderConfig struct {
	Kind     ProviderKind
	Onnx     OnnxConfig
	Boundary game.BoundaryPolicy
}

// Open builds the configured Predictor. It blocks while the model loads and
// is meant to run under a Loader.
func Open(ctx context.Context, cfg ProviderConfig) (Predictor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case ProviderOnnx:
		return NewOnnxClient(cfg.Onnx)
	case ProviderHeuristic:
		return Heuristic{Boundary: cfg.Boundary}, nil
	}
	return nil, fmt.Errorf("unknown provider %q", cfg.Kind)
}

// RuntimeStats summarises predictor usage.
type RuntimeStats struct {
	Calls      int64
	Failures   int64
	TotalNanos int64
	AvgMs      float64
}

// Instrumented wraps a Predictor and counts calls, failures and latency.
type Instrumented struct {
	Predictor

	calls    atomic.Int64
	failures atomic.Int64
	nanos    atomic.Int64
}

func NewInstrumented(p Predictor) *Instrumented {
	return &Instrumented{Predictor: p}
}

func (c *Instrumented) Predict(ctx context.Context, in convert.Input) ([]float32, error) {
	start := time.Now()
	scores, err := c.Predictor.Predict(ctx, in)
	c.calls.Add(1)
	c.nanos.Add(time.Since(start).Nanoseconds())
	if err != nil {
		c.failures.Add(1)
	}
	return scores, err
}

func (c *Instrumented) Stats() RuntimeStats {
	st := RuntimeStats{
		Calls:      c.calls.Load(),
		Failures:   c.failures.Load(),
		TotalNanos: c.nanos.Load(),
	}
	if st.Calls > 0 {
		st.AvgMs = (float64(st.TotalNanos) / 1e6) / float64(st.Calls)
	}
	return st
}

// Close closes the wrapped predictor when it owns resources.
func (c *Instrumented) Close() error {
	return closePredictor(c.Predictor)
}

func closePredictor(p Predictor) error {
	if cl, ok := p.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}
