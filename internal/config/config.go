// Package config loads fieldsync settings from fieldsync.yaml, FIELDSYNC_*
// environment variables and optional .env files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/retry"
)

// EnvPrefix prefixes environment overrides: FIELDSYNC_CLIENT_BRANCH etc.
const EnvPrefix = "FIELDSYNC"

// Config is the full settings tree.
type Config struct {
	Log     Log     `mapstructure:"log" yaml:"log"`
	Client  Client  `mapstructure:"client" yaml:"client"`
	Server  Server  `mapstructure:"server" yaml:"server"`
	Metrics Metrics `mapstructure:"metrics" yaml:"metrics"`
}

type Log struct {
	Env   string `mapstructure:"env" yaml:"env"`
	Level string `mapstructure:"level" yaml:"level"`
	File  string `mapstructure:"file" yaml:"file"`
}

// Client configures a device.
type Client struct {
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	// Backend is the local record store: "sqlite" or "badger".
	Backend   string `mapstructure:"backend" yaml:"backend"`
	ServerURL string `mapstructure:"server_url" yaml:"server_url"`
	// PushURL defaults to ServerURL with a ws scheme and /ws path.
	PushURL string `mapstructure:"push_url" yaml:"push_url"`
	Token   string `mapstructure:"token" yaml:"token"`
	Branch  string `mapstructure:"branch" yaml:"branch"`
	Inbox   string `mapstructure:"inbox" yaml:"inbox"`

	Concurrency       int           `mapstructure:"concurrency" yaml:"concurrency"`
	DispatchRate      float64       `mapstructure:"dispatch_rate" yaml:"dispatch_rate"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval" yaml:"reconcile_interval"`
	ProbeInterval     time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`

	Retry Retry `mapstructure:"retry" yaml:"retry"`
}

// Retry mirrors retry.Policy in config form.
type Retry struct {
	Mode        string        `mapstructure:"mode" yaml:"mode"`
	Initial     time.Duration `mapstructure:"initial" yaml:"initial"`
	Max         time.Duration `mapstructure:"max" yaml:"max"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// Policy converts r to a retry.Policy.
func (r Retry) Policy() retry.Policy {
	return retry.NewPolicy(retry.Mode(r.Mode), r.Initial, r.Max, r.MaxAttempts)
}

// Server configures the authority and push hub.
type Server struct {
	Addr           string        `mapstructure:"addr" yaml:"addr"`
	DB             string        `mapstructure:"db" yaml:"db"`
	JWTSecret      string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	Issuer         string        `mapstructure:"issuer" yaml:"issuer"`
	AdminSubjects  []string      `mapstructure:"admin_subjects" yaml:"admin_subjects"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl" yaml:"idempotency_ttl"`
	InstanceID     string        `mapstructure:"instance_id" yaml:"instance_id"`
	RedisAddr      string        `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisChannel   string        `mapstructure:"redis_channel" yaml:"redis_channel"`
}

type Metrics struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Addr is where a device serves /metrics. Empty keeps device metrics
	// unexposed; the server always serves them on its own address.
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Default returns the built-in settings.
func Default() Config {
	p := retry.DefaultPolicy()
	return Config{
		Log: Log{Env: "dev", Level: "info"},
		Client: Client{
			DataDir:           ".fieldsync",
			Backend:           "sqlite",
			ServerURL:         "http://localhost:8080",
			Inbox:             ".fieldsync/inbox",
			Concurrency:       4,
			DispatchRate:      20,
			ReconcileInterval: 5 * time.Minute,
			ProbeInterval:     10 * time.Second,
			Retry: Retry{
				Mode:        string(p.Mode),
				Initial:     p.Initial,
				Max:         p.Max,
				MaxAttempts: p.MaxAttempts,
			},
		},
		Server: Server{
			Addr:           ":8080",
			DB:             "fieldsync-server.db",
			Issuer:         "fieldsync",
			IdempotencyTTL: 24 * time.Hour,
			RedisChannel:   "fieldsync:push",
		},
		Metrics: Metrics{Enabled: true},
	}
}

// LoggingConfig returns the logger settings for service.
func (c Config) LoggingConfig(service string) logging.Config {
	return logging.Config{Env: c.Log.Env, Level: c.Log.Level, File: c.Log.File, Service: service}
}

// Validate checks settings that would otherwise fail late.
func (c Config) Validate() error {
	switch c.Client.Backend {
	case "sqlite", "badger":
	default:
		return fmt.Errorf("client.backend must be sqlite or badger (got %q)", c.Client.Backend)
	}
	if c.Client.Concurrency <= 0 {
		return fmt.Errorf("client.concurrency must be positive (got %d)", c.Client.Concurrency)
	}
	if err := c.Client.Retry.Policy().Validate(); err != nil {
		return fmt.Errorf("client.retry: %w", err)
	}
	return nil
}

// Loader reads settings and keeps the viper instance for reloads.
type Loader struct {
	v *viper.Viper
}

// Load reads settings. path may be empty, in which case fieldsync.yaml is
// looked up in the working directory and a missing file is not an error.
// envFiles are loaded into the process environment first; missing ones are
// skipped.
func Load(path string, envFiles ...string) (*Loader, Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, Config{}, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fieldsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	l := &Loader{v: v}
	cfg, err := l.decode()
	if err != nil {
		return nil, Config{}, err
	}
	return l, cfg, nil
}

// File returns the config file in use, or "".
func (l *Loader) File() string {
	return l.v.ConfigFileUsed()
}

func (l *Loader) decode() (Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Watch applies log.level changes from the config file to level without a
// restart. When onChange is non-nil it receives every config that decodes
// and validates; other settings are the caller's business.
func (l *Loader) Watch(level zap.AtomicLevel, logger *zap.Logger, onChange func(Config)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	logger = logging.OrNop(logger)
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if next := logging.ParseLevel(l.v.GetString("log.level")); next != level.Level() {
			level.SetLevel(next)
			logger.Info("log level changed", zap.String("file", e.Name), zap.Stringer("level", next))
		}
		if onChange == nil {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			logger.Warn("ignoring invalid config change", zap.String("file", e.Name), zap.Error(err))
			return
		}
		onChange(cfg)
	})
	l.v.WatchConfig()
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("log.env", d.Log.Env)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)

	v.SetDefault("client.data_dir", d.Client.DataDir)
	v.SetDefault("client.backend", d.Client.Backend)
	v.SetDefault("client.server_url", d.Client.ServerURL)
	v.SetDefault("client.push_url", d.Client.PushURL)
	v.SetDefault("client.token", d.Client.Token)
	v.SetDefault("client.branch", d.Client.Branch)
	v.SetDefault("client.inbox", d.Client.Inbox)
	v.SetDefault("client.concurrency", d.Client.Concurrency)
	v.SetDefault("client.dispatch_rate", d.Client.DispatchRate)
	v.SetDefault("client.reconcile_interval", d.Client.ReconcileInterval)
	v.SetDefault("client.probe_interval", d.Client.ProbeInterval)
	v.SetDefault("client.retry.mode", d.Client.Retry.Mode)
	v.SetDefault("client.retry.initial", d.Client.Retry.Initial)
	v.SetDefault("client.retry.max", d.Client.Retry.Max)
	v.SetDefault("client.retry.max_attempts", d.Client.Retry.MaxAttempts)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.db", d.Server.DB)
	v.SetDefault("server.jwt_secret", d.Server.JWTSecret)
	v.SetDefault("server.issuer", d.Server.Issuer)
	v.SetDefault("server.admin_subjects", d.Server.AdminSubjects)
	v.SetDefault("server.idempotency_ttl", d.Server.IdempotencyTTL)
	v.SetDefault("server.instance_id", d.Server.InstanceID)
	v.SetDefault("server.redis_addr", d.Server.RedisAddr)
	v.SetDefault("server.redis_channel", d.Server.RedisChannel)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
}
