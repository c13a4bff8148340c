// Package server serves the browser renderer: an embedded page, a small JSON
// API to start games, and a websocket feed of frames.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/brensch/snekweb/controller"
	"github.com/brensch/snekweb/game"
	"github.com/brensch/snekweb/inference"
	"github.com/rs/zerolog"
)

//go:embed static/index.html
var static embed.FS

// Options fixes how the server builds each game.
type Options struct {
	Game       game.Config
	Controller controller.Config
	// Seed drives food placement. Zero seeds from the clock.
	Seed  int64
	Trace controller.TraceSink
}

// Status is the body of GET /api/status and of websocket status events.
type Status struct {
	Provider string `json:"provider"`
	Error    string `json:"error,omitempty"`
	Ready    bool   `json:"ready"`
	Running  bool   `json:"running"`
	GameID   string `json:"game_id,omitempty"`
	Score    int    `json:"score"`
	Turn     int    `json:"turn"`
	Best     int    `json:"best"`
	Viewers  int    `json:"viewers"`
}

type Server struct {
	ctx    context.Context
	loader *inference.Loader
	hub    *Hub
	logger zerolog.Logger
	mux    *http.ServeMux

	// mu serialises Start and Stop.
	mu   sync.Mutex
	opts Options
	rng  *rand.Rand

	// runMu guards the current game's lifecycle. done closes when its
	// goroutine exits; running clears as soon as the game itself ends.
	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	frameMu sync.RWMutex
	frame   game.Frame
	best    int
}

// New builds the server and starts its websocket hub. Everything stops
// when ctx is cancelled.
func New(ctx context.Context, loader *inference.Loader, opts Options, logger zerolog.Logger) *Server {
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s := &Server{
		ctx:    ctx,
		loader: loader,
		hub:    NewHub(logger.With().Str("component", "hub").Logger()),
		logger: logger,
		opts:   opts,
		rng:    rand.New(rand.NewSource(seed)),
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/start", s.handleStart)
	s.mux.HandleFunc("POST /api/stop", s.handleStop)
	s.mux.HandleFunc("GET /ws", s.hub.ServeWS)

	go s.hub.Run(ctx)
	go s.watchLoader()
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) watchLoader() {
	s.hub.Broadcast(EventStatus, s.Status())
	select {
	case <-s.loader.Done():
	case <-s.ctx.Done():
		return
	}
	s.hub.Broadcast(EventStatus, s.Status())
}

// SetControllerConfig replaces the loop settings used by the next game.
func (s *Server) SetControllerConfig(cfg controller.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.Controller = cfg
}

func (s *Server) Status() Status {
	state := s.loader.State()
	st := Status{Provider: state.String(), Ready: state == inference.Ready}
	if err := s.loader.Err(); err != nil {
		st.Error = err.Error()
	}
	st.Viewers = s.hub.Clients()

	s.runMu.Lock()
	st.Running = s.running
	s.runMu.Unlock()

	s.frameMu.RLock()
	st.GameID = s.frame.GameID
	st.Score = s.frame.Score
	st.Turn = s.frame.Turn
	st.Best = s.best
	s.frameMu.RUnlock()
	return st
}

// Start cancels any running game and begins a fresh one. It returns
// inference.ErrNotReady until the provider has loaded.
func (s *Server) Start() (string, error) {
	pred, err := s.loader.Predictor()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()

	state := game.New(s.opts.Game, s.rng)
	opts := []controller.Option{
		controller.WithLogger(s.logger.With().Str("component", "controller").Logger()),
	}
	if s.opts.Trace != nil {
		opts = append(opts, controller.WithTrace(s.opts.Trace))
	}
	ctrl := controller.New(s.opts.Controller, state, pred, frameTracker{s}, opts...)

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	s.runMu.Lock()
	s.cancel = cancel
	s.done = done
	s.running = true
	s.runMu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		res, err := ctrl.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Str("game_id", res.GameID).Msg("Game loop failed")
		}
		// A newer game may already own the lifecycle fields.
		s.runMu.Lock()
		if s.done == done {
			s.running = false
		}
		s.runMu.Unlock()
		s.hub.Broadcast(EventStatus, s.Status())
	}()

	s.logger.Info().Str("game_id", ctrl.GameID()).Msg("Game requested")
	return ctrl.GameID(), nil
}

// Stop cancels the running game, if any, and waits for it to finish.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Server) stopLocked() {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.running = false
	s.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// frameTracker keeps the latest frame for /api/status and forwards to the hub.
type frameTracker struct{ s *Server }

func (t frameTracker) Draw(f game.Frame) {
	t.record(f)
	t.s.hub.Draw(f)
}

func (t frameTracker) GameOver(f game.Frame) {
	t.record(f)
	t.s.hub.GameOver(f)
}

func (t frameTracker) record(f game.Frame) {
	t.s.frameMu.Lock()
	defer t.s.frameMu.Unlock()
	t.s.frame = f
	if f.Score > t.s.best {
		t.s.best = f.Score
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	http.ServeFileFS(w, r, static, "static/index.html")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id, err := s.Start()
	if errors.Is(err, inference.ErrNotReady) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.hub.Broadcast(EventStatus, s.Status())
	writeJSON(w, http.StatusOK, map[string]string{"game_id": id})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.Stop()
	s.hub.Broadcast(EventStatus, s.Status())
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("Listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
