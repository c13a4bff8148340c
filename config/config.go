// Package config loads settings from defaults, an optional YAML file and
// SNEK_* environment variables, and can hot-reload the file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/brensch/snekweb/controller"
	"github.com/brensch/snekweb/game"
	"github.com/brensch/snekweb/inference"
	"github.com/brensch/snekweb/logging"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// SNEK_GAME_GRID_SIZE or SNEK_CONTROLLER_TICK_INTERVAL.
const EnvPrefix = "SNEK"

type Config struct {
	Game       GameConfig       `mapstructure:"game"`
	Controller ControllerConfig `mapstructure:"controller"`
	Model      ModelConfig      `mapstructure:"model"`
	Server     ServerConfig     `mapstructure:"server"`
	Trace      TraceConfig      `mapstructure:"trace"`
	Log        LogConfig        `mapstructure:"log"`
}

type GameConfig struct {
	GridSize int    `mapstructure:"grid_size"`
	Boundary string `mapstructure:"boundary"`
	// Seed fixes food placement. Zero seeds from the clock.
	Seed int64 `mapstructure:"seed"`
}

type ControllerConfig struct {
	TickInterval    time.Duration `mapstructure:"tick_interval"`
	DecisionTimeout time.Duration `mapstructure:"decision_timeout"`
	AutoRestart     bool          `mapstructure:"auto_restart"`
	MaxTicks        int           `mapstructure:"max_ticks"`
}

type ModelConfig struct {
	Provider       string `mapstructure:"provider"`
	Path           string `mapstructure:"path"`
	InputName      string `mapstructure:"input_name"`
	OutputName     string `mapstructure:"output_name"`
	SharedLibrary  string `mapstructure:"shared_library"`
	IntraOpThreads int    `mapstructure:"intra_op_threads"`
	UseCUDA        bool   `mapstructure:"use_cuda"`
}

type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

type TraceConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("game.grid_size", game.DefaultConfig.Size)
	v.SetDefault("game.boundary", game.DefaultConfig.Boundary.String())
	v.SetDefault("game.seed", 0)

	v.SetDefault("controller.tick_interval", controller.DefaultConfig.TickInterval)
	v.SetDefault("controller.decision_timeout", controller.DefaultConfig.DecisionTimeout)
	v.SetDefault("controller.auto_restart", false)
	v.SetDefault("controller.max_ticks", 0)

	v.SetDefault("model.provider", string(inference.ProviderOnnx))
	v.SetDefault("model.path", "models/snake_ai.onnx")
	v.SetDefault("model.input_name", "")
	v.SetDefault("model.output_name", "")
	v.SetDefault("model.shared_library", "")
	v.SetDefault("model.intra_op_threads", 1)
	v.SetDefault("model.use_cuda", false)

	v.SetDefault("server.listen", ":8080")

	v.SetDefault("trace.enabled", false)
	v.SetDefault("trace.dir", "data/traces")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logging.FormatConsole)
}

// Loader owns the viper instance and the current Config.
type Loader struct {
	v *viper.Viper

	mu  sync.RWMutex
	cfg Config
}

// Load reads defaults, then path (when non-empty, or ./snek.yaml and
// ./config/snek.yaml when it exists), then SNEK_* environment variables.
func Load(path string) (*Loader, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("snek")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	l := &Loader{v: v}
	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.cfg = cfg
	return l, nil
}

func (l *Loader) decode() (Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Config returns the current settings.
func (l *Loader) Config() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Set overrides one key, e.g. from a command line flag, and re-decodes.
func (l *Loader) Set(key string, value any) error {
	l.v.Set(key, value)
	cfg, err := l.decode()
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
	return nil
}

// File returns the config file in use, if any.
func (l *Loader) File() string {
	return l.v.ConfigFileUsed()
}

// Watch reloads the file whenever it changes. An invalid edit is logged and
// the previous settings stay in effect.
func (l *Loader) Watch(onChange func(Config)) {
	if l.File() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			log.Error().Err(err).Str("file", e.Name).Msg("Ignoring config change")
			return
		}
		l.mu.Lock()
		l.cfg = cfg
		l.mu.Unlock()
		log.Info().Str("file", e.Name).Msg("Config reloaded")
		if onChange != nil {
			onChange(cfg)
		}
	})
	l.v.WatchConfig()
}

// Validate checks every value that would otherwise fail later.
func (c Config) Validate() error {
	if _, err := c.GameConfig(); err != nil {
		return err
	}
	if c.Controller.TickInterval <= 0 {
		return fmt.Errorf("controller.tick_interval must be positive")
	}
	if c.Controller.DecisionTimeout < 0 {
		return fmt.Errorf("controller.decision_timeout must be non-negative")
	}
	if c.Controller.MaxTicks < 0 {
		return fmt.Errorf("controller.max_ticks must be non-negative")
	}
	kind, err := inference.ParseProviderKind(c.Model.Provider)
	if err != nil {
		return fmt.Errorf("model.provider: %w", err)
	}
	if kind == inference.ProviderOnnx && c.Model.Path == "" {
		return fmt.Errorf("model.path is required for the onnx provider")
	}
	if c.Model.IntraOpThreads < 0 {
		return fmt.Errorf("model.intra_op_threads must be non-negative")
	}
	if c.Trace.Enabled && c.Trace.Dir == "" {
		return fmt.Errorf("trace.dir is required when tracing is enabled")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", logging.FormatConsole, logging.FormatJSON:
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

// GameConfig converts the game section.
func (c Config) GameConfig() (game.Config, error) {
	b, err := game.ParseBoundaryPolicy(c.Game.Boundary)
	if err != nil {
		return game.Config{}, fmt.Errorf("game.boundary: %w", err)
	}
	gc := game.Config{Size: c.Game.GridSize, Boundary: b}
	if err := gc.Validate(); err != nil {
		return game.Config{}, fmt.Errorf("game.grid_size: %w", err)
	}
	return gc, nil
}

func (c Config) ControllerConfig() controller.Config {
	return controller.Config{
		TickInterval:    c.Controller.TickInterval,
		DecisionTimeout: c.Controller.DecisionTimeout,
		AutoRestart:     c.Controller.AutoRestart,
		MaxTicks:        c.Controller.MaxTicks,
	}
}

func (c Config) ProviderConfig() (inference.ProviderConfig, error) {
	kind, err := inference.ParseProviderKind(c.Model.Provider)
	if err != nil {
		return inference.ProviderConfig{}, err
	}
	gc, err := c.GameConfig()
	if err != nil {
		return inference.ProviderConfig{}, err
	}
	return inference.ProviderConfig{
		Kind:     kind,
		Boundary: gc.Boundary,
		Onnx: inference.OnnxConfig{
			ModelPath:         c.Model.Path,
			InputName:         c.Model.InputName,
			OutputName:        c.Model.OutputName,
			SharedLibraryPath: c.Model.SharedLibrary,
			IntraOpThreads:    c.Model.IntraOpThreads,
			UseCUDA:           c.Model.UseCUDA,
		},
	}, nil
}
