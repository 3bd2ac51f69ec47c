package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	LogLevel   string           `mapstructure:"log_level"`
	Paths      PathsConfig      `mapstructure:"paths"`
	Runtime    RuntimeConfig    `mapstructure:"runtime"`
	Model      ModelConfig      `mapstructure:"model"`
	Tokenizer  TokenizerConfig  `mapstructure:"tokenizer"`
	Generation GenerationConfig `mapstructure:"generation"`
	Vocoder    VocoderConfig    `mapstructure:"vocoder"`
	Server     ServerConfig     `mapstructure:"server"`
}

type PathsConfig struct {
	ModelDir  string `mapstructure:"model_dir"`
	VoicesDir string `mapstructure:"voices_dir"`
}

type RuntimeConfig struct {
	Device         string `mapstructure:"device"`
	Threads        int    `mapstructure:"threads"`
	ConvWorkers    int    `mapstructure:"conv_workers"`
	ORTLibraryPath string `mapstructure:"ort_library_path"`
	ORTVersion     string `mapstructure:"ort_version"`
}

type ModelConfig struct {
	Repo         string `mapstructure:"repo"`
	Revision     string `mapstructure:"revision"`
	AutoDownload bool   `mapstructure:"auto_download"`
	HFToken      string `mapstructure:"hf_token"`
}

type TokenizerConfig struct {
	UnknownPolicy string `mapstructure:"unknown_policy"`
}

// GenerationConfig holds the default controls, their accepted ranges and the
// stop-policy knobs of the token generator.
type GenerationConfig struct {
	Exaggeration      float64 `mapstructure:"exaggeration"`
	CFGWeight         float64 `mapstructure:"cfg_weight"`
	Temperature       float64 `mapstructure:"temperature"`
	TopP              float64 `mapstructure:"top_p"`
	MinP              float64 `mapstructure:"min_p"`
	RepetitionPenalty float64 `mapstructure:"repetition_penalty"`
	RepetitionWindow  int     `mapstructure:"repetition_window"`
	Seed              int64   `mapstructure:"seed"`
	MaxSteps          int     `mapstructure:"max_steps"`
	PromptTokens      int     `mapstructure:"prompt_tokens"`
	// EmbedReference and PromptReference cap how much of a reference clip
	// feeds the speaker embedding and the prompt tokens.
	EmbedReference  time.Duration `mapstructure:"embed_reference"`
	PromptReference time.Duration `mapstructure:"prompt_reference"`
	EOSSuppressSteps  int     `mapstructure:"eos_suppress_steps"`
	BestEffort        bool    `mapstructure:"best_effort"`

	Ranges    RangesConfig    `mapstructure:"ranges"`
	Alignment AlignmentConfig `mapstructure:"alignment"`
}

type Range struct {
	Min float64 `mapstructure:"min"`
	Max float64 `mapstructure:"max"`
}

type RangesConfig struct {
	Exaggeration      Range `mapstructure:"exaggeration"`
	CFGWeight         Range `mapstructure:"cfg_weight"`
	Temperature       Range `mapstructure:"temperature"`
	TopP              Range `mapstructure:"top_p"`
	MinP              Range `mapstructure:"min_p"`
	RepetitionPenalty Range `mapstructure:"repetition_penalty"`
	MaxSteps          Range `mapstructure:"max_steps"`
}

type AlignmentConfig struct {
	Enabled            bool    `mapstructure:"enabled"`
	StuckSteps         int     `mapstructure:"stuck_steps"`
	TailSteps          int     `mapstructure:"tail_steps"`
	CompleteMargin     int     `mapstructure:"complete_margin"`
	RepeatBack         int     `mapstructure:"repeat_back"`
	FramesPerToken     float64 `mapstructure:"frames_per_token"`
	EarlyFinalFraction float64 `mapstructure:"early_final_fraction"`
	EarlyTailSteps     int     `mapstructure:"early_tail_steps"`
}

type VocoderConfig struct {
	FlowSteps int   `mapstructure:"flow_steps"`
	FlowSeed  int64 `mapstructure:"flow_seed"`
}

type ServerConfig struct {
	ListenAddr      string `mapstructure:"listen_addr"`
	Workers         int    `mapstructure:"workers"`
	RequestTimeout  int    `mapstructure:"request_timeout"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
	MaxTextBytes    int    `mapstructure:"max_text_bytes"`
	MaxUploadBytes  int64  `mapstructure:"max_upload_bytes"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Paths: PathsConfig{
			ModelDir:  "models/chatterbox",
			VoicesDir: "voices",
		},
		Runtime: RuntimeConfig{
			Device:      DeviceCPU,
			Threads:     4,
			ConvWorkers: 1,
		},
		Model: ModelConfig{
			Repo:         "voiceclone/chatterbox-bundle",
			Revision:     "main",
			AutoDownload: false,
		},
		Tokenizer: TokenizerConfig{
			UnknownPolicy: "reject",
		},
		Generation: GenerationConfig{
			Exaggeration:      0.5,
			CFGWeight:         0.5,
			Temperature:       0.8,
			TopP:              1.0,
			MinP:              0.05,
			RepetitionPenalty: 1.2,
			RepetitionWindow:  64,
			Seed:              0,
			MaxSteps:          1000,
			PromptTokens:      150,
			EmbedReference:    6 * time.Second,
			PromptReference:   10 * time.Second,
			EOSSuppressSteps:  250,
			Ranges: RangesConfig{
				Exaggeration:      Range{Min: 0.25, Max: 2.0},
				CFGWeight:         Range{Min: 0, Max: 1},
				Temperature:       Range{Min: 0, Max: 5},
				TopP:              Range{Min: 0, Max: 1},
				MinP:              Range{Min: 0, Max: 1},
				RepetitionPenalty: Range{Min: 1, Max: 2},
				MaxSteps:          Range{Min: 1, Max: 4096},
			},
			Alignment: AlignmentConfig{
				Enabled:            true,
				StuckSteps:         50,
				TailSteps:          10,
				CompleteMargin:     3,
				RepeatBack:         4,
				FramesPerToken:     2,
				EarlyFinalFraction: 0.5,
				EarlyTailSteps:     4,
			},
		},
		Vocoder: VocoderConfig{
			FlowSteps: 10,
			FlowSeed:  0,
		},
		Server: ServerConfig{
			ListenAddr:      ":8080",
			Workers:         2,
			RequestTimeout:  120,
			ShutdownTimeout: 30,
			MaxTextBytes:    4096,
			MaxUploadBytes:  16 << 20,
		},
	}
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
	fs.String("paths-model-dir", defaults.Paths.ModelDir, "Directory holding bundle.yaml and checkpoints")
	fs.String("paths-voices-dir", defaults.Paths.VoicesDir, "Directory holding exported voice files")
	fs.String("runtime-device", defaults.Runtime.Device, "Compute device (cpu)")
	fs.Int("runtime-threads", defaults.Runtime.Threads, "Goroutines used by tensor kernels")
	fs.Int("runtime-conv-workers", defaults.Runtime.ConvWorkers, "Goroutines used by convolution kernels")
	fs.String("runtime-ort-library-path", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library")
	fs.String("ort-lib", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library (alias for --runtime-ort-library-path)")
	fs.String("runtime-ort-version", defaults.Runtime.ORTVersion, "Expected ONNX Runtime version")
	fs.String("model-repo", defaults.Model.Repo, "Hugging Face repo used by model download")
	fs.String("model-revision", defaults.Model.Revision, "Hugging Face revision used by model download")
	fs.Bool("model-auto-download", defaults.Model.AutoDownload, "Download the bundle when it is missing")
	fs.String("tokenizer-unknown-policy", defaults.Tokenizer.UnknownPolicy, "Unknown character policy (reject|substitute)")
	fs.Int("generation-max-steps", defaults.Generation.MaxSteps, "Maximum acoustic tokens per request")
	fs.Bool("generation-best-effort", defaults.Generation.BestEffort, "Vocode partial tokens when generation diverges")
	fs.Int("vocoder-flow-steps", defaults.Vocoder.FlowSteps, "Euler steps of the flow-matching vocoder")
	fs.String("server-listen-addr", defaults.Server.ListenAddr, "HTTP listen address")
	fs.Int("server-workers", defaults.Server.Workers, "Concurrent synthesis requests")
	fs.Int("server-request-timeout", defaults.Server.RequestTimeout, "Per-request timeout in seconds")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := v.BindPFlags(opts.Cmd.Flags()); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}
	registerAliases(v)

	v.SetEnvPrefix("VOICECLONE")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)
	if err := v.BindEnv("runtime.ort_library_path", "VOICECLONE_ORT_LIB", "ORT_LIBRARY_PATH"); err != nil {
		return Config{}, fmt.Errorf("bind ort env vars: %w", err)
	}
	if err := v.BindEnv("model.hf_token", "VOICECLONE_HF_TOKEN", "HF_TOKEN"); err != nil {
		return Config{}, fmt.Errorf("bind hf token env vars: %w", err)
	}
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("voiceclone")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	device, err := NormalizeDevice(cfg.Runtime.Device)
	if err != nil {
		return Config{}, err
	}
	cfg.Runtime.Device = device

	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("log_level", c.LogLevel)
	v.SetDefault("paths.model_dir", c.Paths.ModelDir)
	v.SetDefault("paths.voices_dir", c.Paths.VoicesDir)
	v.SetDefault("runtime.device", c.Runtime.Device)
	v.SetDefault("runtime.threads", c.Runtime.Threads)
	v.SetDefault("runtime.conv_workers", c.Runtime.ConvWorkers)
	v.SetDefault("runtime.ort_library_path", c.Runtime.ORTLibraryPath)
	v.SetDefault("runtime.ort_version", c.Runtime.ORTVersion)
	v.SetDefault("model.repo", c.Model.Repo)
	v.SetDefault("model.revision", c.Model.Revision)
	v.SetDefault("model.auto_download", c.Model.AutoDownload)
	v.SetDefault("model.hf_token", c.Model.HFToken)
	v.SetDefault("tokenizer.unknown_policy", c.Tokenizer.UnknownPolicy)

	g := c.Generation
	v.SetDefault("generation.exaggeration", g.Exaggeration)
	v.SetDefault("generation.cfg_weight", g.CFGWeight)
	v.SetDefault("generation.temperature", g.Temperature)
	v.SetDefault("generation.top_p", g.TopP)
	v.SetDefault("generation.min_p", g.MinP)
	v.SetDefault("generation.repetition_penalty", g.RepetitionPenalty)
	v.SetDefault("generation.repetition_window", g.RepetitionWindow)
	v.SetDefault("generation.seed", g.Seed)
	v.SetDefault("generation.max_steps", g.MaxSteps)
	v.SetDefault("generation.prompt_tokens", g.PromptTokens)
	v.SetDefault("generation.embed_reference", g.EmbedReference)
	v.SetDefault("generation.prompt_reference", g.PromptReference)
	v.SetDefault("generation.eos_suppress_steps", g.EOSSuppressSteps)
	v.SetDefault("generation.best_effort", g.BestEffort)

	for name, r := range map[string]Range{
		"exaggeration":       g.Ranges.Exaggeration,
		"cfg_weight":         g.Ranges.CFGWeight,
		"temperature":        g.Ranges.Temperature,
		"top_p":              g.Ranges.TopP,
		"min_p":              g.Ranges.MinP,
		"repetition_penalty": g.Ranges.RepetitionPenalty,
		"max_steps":          g.Ranges.MaxSteps,
	} {
		v.SetDefault("generation.ranges."+name+".min", r.Min)
		v.SetDefault("generation.ranges."+name+".max", r.Max)
	}

	a := g.Alignment
	v.SetDefault("generation.alignment.enabled", a.Enabled)
	v.SetDefault("generation.alignment.stuck_steps", a.StuckSteps)
	v.SetDefault("generation.alignment.tail_steps", a.TailSteps)
	v.SetDefault("generation.alignment.complete_margin", a.CompleteMargin)
	v.SetDefault("generation.alignment.repeat_back", a.RepeatBack)
	v.SetDefault("generation.alignment.frames_per_token", a.FramesPerToken)
	v.SetDefault("generation.alignment.early_final_fraction", a.EarlyFinalFraction)
	v.SetDefault("generation.alignment.early_tail_steps", a.EarlyTailSteps)

	v.SetDefault("vocoder.flow_steps", c.Vocoder.FlowSteps)
	v.SetDefault("vocoder.flow_seed", c.Vocoder.FlowSeed)

	v.SetDefault("server.listen_addr", c.Server.ListenAddr)
	v.SetDefault("server.workers", c.Server.Workers)
	v.SetDefault("server.request_timeout", c.Server.RequestTimeout)
	v.SetDefault("server.shutdown_timeout", c.Server.ShutdownTimeout)
	v.SetDefault("server.max_text_bytes", c.Server.MaxTextBytes)
	v.SetDefault("server.max_upload_bytes", c.Server.MaxUploadBytes)
}

func registerAliases(v *viper.Viper) {
	v.RegisterAlias("log_level", "log-level")
	v.RegisterAlias("paths.model_dir", "paths-model-dir")
	v.RegisterAlias("paths.voices_dir", "paths-voices-dir")
	v.RegisterAlias("runtime.device", "runtime-device")
	v.RegisterAlias("runtime.threads", "runtime-threads")
	v.RegisterAlias("runtime.conv_workers", "runtime-conv-workers")
	v.RegisterAlias("runtime.ort_library_path", "runtime-ort-library-path")
	v.RegisterAlias("runtime.ort_library_path", "ort-lib")
	v.RegisterAlias("runtime.ort_version", "runtime-ort-version")
	v.RegisterAlias("model.repo", "model-repo")
	v.RegisterAlias("model.revision", "model-revision")
	v.RegisterAlias("model.auto_download", "model-auto-download")
	v.RegisterAlias("tokenizer.unknown_policy", "tokenizer-unknown-policy")
	v.RegisterAlias("generation.max_steps", "generation-max-steps")
	v.RegisterAlias("generation.best_effort", "generation-best-effort")
	v.RegisterAlias("vocoder.flow_steps", "vocoder-flow-steps")
	v.RegisterAlias("server.listen_addr", "server-listen-addr")
	v.RegisterAlias("server.workers", "server-workers")
	v.RegisterAlias("server.request_timeout", "server-request-timeout")
}
