package inference

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/brensch/snekweb/convert"
	"github.com/brensch/snekweb/game"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	ort "github.com/yalue/onnxruntime_go"
)

// OnnxConfig locates the exported model and the runtime library.
type OnnxConfig struct {
	ModelPath string
	// InputName and OutputName default to the model's first input and output.
	InputName  string
	OutputName string
	// SharedLibraryPath overrides ORT_SHARED_LIBRARY_PATH and the working-directory search.
	SharedLibraryPath string
	IntraOpThreads    int
	UseCUDA           bool
}

var (
	// ErrBusy is returned while an earlier forward pass is still running.
	ErrBusy = errors.New("previous inference still running")
	// ErrClosed is returned by Predict after Close.
	ErrClosed = errors.New("onnx client closed")
)

// OnnxClient runs the pretrained policy network through ONNX Runtime.
// Each Predict call is a batch of one, and at most one forward pass is in
// flight at a time.
type OnnxClient struct {
	session    *ort.DynamicAdvancedSession
	inputName  string
	outputName string
	logger     zerolog.Logger

	run func(shape []int64, data []float32) ([]float32, error)

	mu       sync.Mutex
	inFlight bool
	closed   bool
	runs     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

var ortInitOnce sync.Once
var ortInitErr error

func NewOnnxClient(cfg OnnxConfig) (*OnnxClient, error) {
	logger := log.With().Str("component", "onnx").Logger()

	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("model path is required")
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}
	if cfg.IntraOpThreads <= 0 {
		cfg.IntraOpThreads = 1
	}

	if p := resolveSharedLibrary(cfg.SharedLibraryPath); p != "" {
		logger.Debug().Str("path", p).Msg("Using ONNX Runtime shared library")
		ort.SetSharedLibraryPath(p)
	}

	ortInitOnce.Do(func() {
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("failed to init ort: %w", ortInitErr)
	}

	inputName, outputName := cfg.InputName, cfg.OutputName
	if inputName == "" || outputName == "" {
		inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
		if err != nil {
			return nil, fmt.Errorf("read model io info: %w", err)
		}
		if len(inputs) == 0 || len(outputs) == 0 {
			return nil, fmt.Errorf("model %s declares %d inputs and %d outputs", cfg.ModelPath, len(inputs), len(outputs))
		}
		if inputName == "" {
			inputName = inputs[0].Name
		}
		if outputName == "" {
			outputName = outputs[0].Name
		}
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
		return nil, fmt.Errorf("set intra-op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("set inter-op threads: %w", err)
	}

	if cfg.UseCUDA {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to create CUDA options, using CPU")
		} else {
			defer cudaOptions.Destroy()
			if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
				logger.Warn().Err(err).Msg("Failed to append CUDA provider, using CPU")
			} else {
				logger.Info().Msg("CUDA provider enabled")
			}
		}
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, []string{inputName}, []string{outputName}, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	logger.Info().
		Str("model", cfg.ModelPath).
		Str("input", inputName).
		Str("output", outputName).
		Msg("ONNX model loaded")

	c := &OnnxClient{
		session:    session,
		inputName:  inputName,
		outputName: outputName,
		logger:     logger,
	}
	c.run = c.runSession
	return c, nil
}

// resolveSharedLibrary returns the first runtime library found, or "" to let
// onnxruntime_go use its platform default.
func resolveSharedLibrary(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv("ORT_SHARED_LIBRARY_PATH"); p != "" {
		return p
	}

	var candidates []string
	switch runtime.GOOS {
	case "linux":
		candidates = []string{"libonnxruntime.so", "libonnxruntime.so.1"}
	case "darwin":
		candidates = []string{"libonnxruntime.dylib"}
	case "windows":
		candidates = []string{"onnxruntime.dll"}
	}

	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	// Tests run from the package directory; walk up to the repo root.
	dir := cwd
	for up := 0; up < 4; up++ {
		for _, name := range candidates {
			abs := filepath.Join(dir, name)
			if _, err := os.Stat(abs); err == nil {
				return abs
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// Close waits for an abandoned forward pass to finish before destroying the
// session.
func (c *OnnxClient) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.runs.Wait()
		if c.session != nil {
			c.closeErr = c.session.Destroy()
		}
	})
	return c.closeErr
}

type runResult struct {
	scores []float32
	err    error
}

// Predict runs one forward pass. ORT cannot abort a running session, so a
// cancelled ctx abandons the result rather than the computation. Until that
// computation ends further calls fail with ErrBusy.
func (c *OnnxClient) Predict(ctx context.Context, in convert.Input) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(in.Data) != convert.FloatSize(in.Size) {
		return nil, fmt.Errorf("input holds %d floats, want %d", len(in.Data), convert.FloatSize(in.Size))
	}

	// The session reads the tensor asynchronously from our point of view, so
	// it gets its own copy of the caller's reusable buffer.
	data := make([]float32, len(in.Data))
	copy(data, in.Data)
	shape := in.Shape()

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return nil, ErrClosed
	case c.inFlight:
		c.mu.Unlock()
		return nil, ErrBusy
	}
	c.inFlight = true
	c.runs.Add(1)
	c.mu.Unlock()

	done := make(chan runResult, 1)
	go func() {
		defer c.runs.Done()
		scores, err := c.run(shape, data)
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
		done <- runResult{scores: scores, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		return res.scores, res.err
	}
}

func (c *OnnxClient) runSession(shape []int64, data []float32) ([]float32, error) {
	inputTensor, err := ort.NewTensor(ort.NewShape(shape...), data)
	if err != nil {
		return nil, fmt.Errorf("input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, game.NumDirections))
	if err != nil {
		return nil, fmt.Errorf("output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := c.session.Run([]ort.Value{inputTensor}, []ort.Value{outputTensor}); err != nil {
		return nil, fmt.Errorf("run session: %w", err)
	}

	scores := make([]float32, game.NumDirections)
	copy(scores, outputTensor.GetData())
	return scores, nil
}
