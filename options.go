package gatekeep

import (
	"log/slog"
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/lang"
)

// Logger is an interface for logging.
// *slog.Logger implements it, as does any logger with the same method set.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config contains service configuration. Every field can be set from an
// environment variable; zero values fall back to the defaults below.
type Config struct {
	// Token is the Telegram bot token.
	Token string `yaml:"token" env:"BOT_TOKEN"`

	// Chats is the allowlist of moderated chat ids. Empty means every chat
	// the bot is added to.
	Chats []int64 `yaml:"chats" env:"CHATS" env-separator:","`

	// DataDir holds the document files and the deletion overflow log.
	// Default is ./data.
	DataDir string `yaml:"data_dir" env:"DATA_DIR"`

	// Debug enables debug level logging.
	Debug bool `yaml:"debug" env:"DEBUG"`

	// EnableLogging enables logging, default is true.
	EnableLogging *bool `yaml:"enable_logging" env:"ENABLE_LOGGING"`

	// ChallengeTimeout is how long a user has to answer a challenge.
	// Default is 90s.
	ChallengeTimeout time.Duration `yaml:"challenge_timeout" env:"CHALLENGE_TIMEOUT"`

	// PromptDeleteAfter is the delay before service messages (challenge
	// prompts, notices) are deleted. Default is 30s.
	PromptDeleteAfter time.Duration `yaml:"prompt_delete_after" env:"PROMPT_DELETE_AFTER"`

	// FailureThreshold is the number of counted failures that escalates to a
	// restriction. Default is 5.
	FailureThreshold int `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`

	// FailureCooldown is the minimum spacing between counted failures.
	// Failures arriving faster are dropped. Default is 15s.
	FailureCooldown time.Duration `yaml:"failure_cooldown" env:"FAILURE_COOLDOWN"`

	// FailureWindow is the trailing window failures are counted in.
	// Default is 20m.
	FailureWindow time.Duration `yaml:"failure_window" env:"FAILURE_WINDOW"`

	// RestrictFor is how long an escalated user loses posting rights.
	// Default is 24h; a negative value restricts permanently.
	RestrictFor time.Duration `yaml:"restrict_for" env:"RESTRICT_FOR"`

	// AppealContact is shown in the restriction notice.
	AppealContact string `yaml:"appeal_contact" env:"APPEAL_CONTACT"`

	// SettleDelay postpones evaluation of a non-trusted message, giving
	// other moderation bots a chance to act first. Default is 2s.
	SettleDelay time.Duration `yaml:"settle_delay" env:"SETTLE_DELAY"`

	// AdMaxLen is the maximum text length for the link-ad heuristic.
	// Default is 10.
	AdMaxLen int `yaml:"ad_max_len" env:"AD_MAX_LEN"`

	// SweepInterval is how often the deletion queue sweep runs. Default is 60s.
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`

	// Workers sizes the inbound event worker pool. Default is 16.
	Workers int `yaml:"workers" env:"WORKERS"`

	Queue     DeletionQueueConfig `yaml:"queue"`
	Profile   ProfileCacheConfig  `yaml:"profile"`
	Telemetry TelemetryConfig     `yaml:"telemetry"`
	Database  DatabaseConfig      `yaml:"database"`
}

// ReadConfigFromFile reads configuration from a file (yaml or json),
// filling the gaps from environment variables.
func ReadConfigFromFile(path string) (Config, error) {
	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return cfg, errm.Wrap(err, "read config")
	}
	return cfg, nil
}

// ReadConfigFromEnv reads configuration from environment variables only.
func ReadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return cfg, errm.Wrap(err, "read env")
	}
	return cfg, nil
}

func (cfg *Config) prepareAndValidate() error {
	cfg.DataDir = lang.Check(cfg.DataDir, "./data")
	cfg.EnableLogging = lang.Ptr(lang.CheckPtr(cfg.EnableLogging, true))
	cfg.ChallengeTimeout = lang.Check(cfg.ChallengeTimeout, 90*time.Second)
	cfg.PromptDeleteAfter = lang.Check(cfg.PromptDeleteAfter, 30*time.Second)
	cfg.FailureThreshold = lang.Check(cfg.FailureThreshold, 5)
	cfg.FailureCooldown = lang.Check(cfg.FailureCooldown, 15*time.Second)
	cfg.FailureWindow = lang.Check(cfg.FailureWindow, 20*time.Minute)
	cfg.RestrictFor = lang.Check(cfg.RestrictFor, 24*time.Hour)
	cfg.SettleDelay = lang.Check(cfg.SettleDelay, 2*time.Second)
	cfg.AdMaxLen = lang.Check(cfg.AdMaxLen, 10)
	cfg.SweepInterval = lang.Check(cfg.SweepInterval, time.Minute)
	cfg.Workers = lang.Check(cfg.Workers, 16)

	if cfg.Queue.OverflowPath == "" {
		cfg.Queue.OverflowPath = cfg.DataDir + "/delete_overflow.jsonl"
	}
	cfg.Queue = cfg.Queue.prepare()
	cfg.Profile = cfg.Profile.prepare()

	err := validation.ValidateStruct(cfg,
		validation.Field(&cfg.FailureThreshold, validation.Min(1)),
		validation.Field(&cfg.ChallengeTimeout, validation.Required),
		validation.Field(&cfg.FailureWindow, validation.Min(cfg.FailureCooldown)),
	)
	if err != nil {
		return errm.Wrap(err, "validate config")
	}

	return cfg.Database.Validate()
}

// Options contains optional dependencies of the service.
type Options struct {
	// Config is the service configuration.
	Config Config

	// Logger is a logger. It uses a JSON slog logger by default.
	Logger Logger

	// Store persists documents. File store in Config.DataDir by default,
	// MongoDB when Config.Database is enabled.
	Store DocumentStore

	// Sink receives telemetry events. The JSONL telemetry stream built from
	// Config.Telemetry by default.
	Sink EventSink

	// Metrics configures Prometheus registration. Nil registry disables metrics.
	Metrics MetricsConfig
}

// WithConfig returns an option that sets the service configuration.
func WithConfig(cfg Config) func(opts *Options) {
	return func(opts *Options) {
		opts.Config = cfg
	}
}

// WithLogger returns an option that sets the logger.
func WithLogger(logger Logger) func(opts *Options) {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithStore returns an option that sets the document store.
func WithStore(store DocumentStore) func(opts *Options) {
	return func(opts *Options) {
		opts.Store = store
	}
}

// WithEventSink returns an option that sets the telemetry sink.
func WithEventSink(sink EventSink) func(opts *Options) {
	return func(opts *Options) {
		opts.Sink = sink
	}
}

// WithMetrics returns an option that sets Prometheus metrics configuration.
func WithMetrics(cfg MetricsConfig) func(opts *Options) {
	return func(opts *Options) {
		opts.Metrics = cfg
	}
}

func prepareOpts(opts Options) (Options, error) {
	err := opts.Config.prepareAndValidate()
	if err != nil {
		return opts, errm.Wrap(err, "prepare and validate config")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: lang.If(opts.Config.Debug, slog.LevelDebug, slog.LevelInfo),
		}))
	}
	if !*opts.Config.EnableLogging {
		opts.Logger = noopLogger{}
	}
	return opts, nil
}
