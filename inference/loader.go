package inference

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// ErrNotReady is returned while the provider is still loading or failed to load.
var ErrNotReady = errors.New("decision provider not ready")

type LoadState int

const (
	Loading LoadState = iota
	Ready
	Failed
)

func (s LoadState) String() string {
	switch s {
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	}
	return "loading"
}

// LoadFunc produces a Predictor, possibly slowly.
type LoadFunc func(ctx context.Context) (Predictor, error)

// Loader loads a Predictor in the background. A failed load is logged once
// and never retried; callers keep their start control disabled.
type Loader struct {
	mu    sync.RWMutex
	state LoadState
	pred  Predictor
	err   error

	ready chan struct{}
	done  chan struct{}
}

// Load starts fn in a new goroutine and returns immediately.
func Load(ctx context.Context, fn LoadFunc, logger zerolog.Logger) *Loader {
	l := &Loader{
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}

	go func() {
		defer close(l.done)
		logger.Info().Msg("Attempting to load decision provider")
		p, err := fn(ctx)
		if err == nil && p == nil {
			err = errors.New("loader returned no predictor")
		}

		l.mu.Lock()
		defer l.mu.Unlock()
		if err != nil {
			l.state = Failed
			l.err = err
			logger.Error().Err(err).Msg("Failed to load decision provider")
			return
		}
		l.state = Ready
		l.pred = p
		close(l.ready)
		logger.Info().Msg("Decision provider loaded")
	}()

	return l
}

// Ready is closed once the provider loaded successfully. It stays open forever on failure.
func (l *Loader) Ready() <-chan struct{} { return l.ready }

// Done is closed when loading finished, successfully or not.
func (l *Loader) Done() <-chan struct{} { return l.done }

func (l *Loader) State() LoadState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Loader) Err() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.err
}

// Predictor returns the loaded provider or ErrNotReady.
func (l *Loader) Predictor() (Predictor, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.state != Ready {
		return nil, ErrNotReady
	}
	return l.pred, nil
}

// Wait blocks until loading finished or ctx is done.
func (l *Loader) Wait(ctx context.Context) (Predictor, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.state != Ready {
		return nil, errors.Join(ErrNotReady, l.err)
	}
	return l.pred, nil
}

// Close waits for loading to finish and releases the provider.
func (l *Loader) Close() error {
	<-l.done
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pred == nil {
		return nil
	}
	err := closePredictor(l.pred)
	l.pred = nil
	l.state = Failed
	l.err = ErrNotReady
	return err
}
