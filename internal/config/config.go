package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr      = ":8080"
	defaultDBPath          = "hearth.db"
	defaultHost            = "hearth 0.1"
	defaultThreads         = 1
	defaultTaskTimeout     = 7 * time.Second
	defaultAbortTimeout    = 1500 * time.Millisecond
	defaultQueueLimit      = 256
	defaultTickInterval    = 50 * time.Millisecond
	defaultTickBudget      = 10 * time.Millisecond
	defaultMainThreadLimit = 256
	defaultCoroutineIdle   = 5 * time.Minute

	envConfigFile           = "HEARTH_CONFIG"
	envListenAddr           = "HEARTH_LISTEN_ADDR"
	envDBPath               = "HEARTH_DB_PATH"
	envLogLevel             = "HEARTH_LOG_LEVEL"
	envHost                 = "HEARTH_HOST"
	envDebug                = "HEARTH_DEBUG"
	envThreads              = "HEARTH_COMPUTER_THREADS"
	envTaskTimeout          = "HEARTH_TASK_TIMEOUT"
	envAbortTimeout         = "HEARTH_ABORT_TIMEOUT"
	envQueueLimit           = "HEARTH_QUEUE_LIMIT"
	envTickInterval         = "HEARTH_MAINTHREAD_TICK"
	envTickBudget           = "HEARTH_MAINTHREAD_BUDGET"
	envMainThreadQueueLimit = "HEARTH_MAINTHREAD_QUEUE_LIMIT"
	envCoroutineIdle        = "HEARTH_COROUTINE_IDLE"
)

// Config holds application configuration. Values come from defaults, then an
// optional YAML file named by HEARTH_CONFIG, then environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level
	Host       string
	Debug      bool

	// Computer scheduling.
	Threads      int
	TaskTimeout  time.Duration
	AbortTimeout time.Duration
	QueueLimit   int

	// Main thread executor.
	TickInterval         time.Duration
	TickBudget           time.Duration
	MainThreadQueueLimit int

	CoroutineIdle time.Duration
}

type fileConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`
	LogLevel   string `yaml:"log_level"`
	Host       string `yaml:"host"`
	Debug      *bool  `yaml:"debug"`
	Computer   struct {
		Threads      int           `yaml:"threads"`
		TaskTimeout  time.Duration `yaml:"task_timeout"`
		AbortTimeout time.Duration `yaml:"abort_timeout"`
		QueueLimit   int           `yaml:"queue_limit"`
	} `yaml:"computer"`
	MainThread struct {
		TickInterval time.Duration `yaml:"tick_interval"`
		TickBudget   time.Duration `yaml:"tick_budget"`
		QueueLimit   int           `yaml:"queue_limit"`
	} `yaml:"main_thread"`
	CoroutineIdle time.Duration `yaml:"coroutine_idle"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		ListenAddr:           defaultListenAddr,
		DBPath:               defaultDBPath,
		LogLevel:             slog.LevelInfo,
		Host:                 defaultHost,
		Threads:              defaultThreads,
		TaskTimeout:          defaultTaskTimeout,
		AbortTimeout:         defaultAbortTimeout,
		QueueLimit:           defaultQueueLimit,
		TickInterval:         defaultTickInterval,
		TickBudget:           defaultTickBudget,
		MainThreadQueueLimit: defaultMainThreadLimit,
		CoroutineIdle:        defaultCoroutineIdle,
	}
}

// Load reads configuration from the optional config file and environment
// variables on top of the defaults.
func Load() (Config, error) {
	cfg := Defaults()

	if path := os.Getenv(envConfigFile); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&c.ListenAddr, f.ListenAddr)
	setString(&c.DBPath, f.DBPath)
	setString(&c.Host, f.Host)
	if f.LogLevel != "" {
		c.LogLevel = parseLogLevel(f.LogLevel)
	}
	if f.Debug != nil {
		c.Debug = *f.Debug
	}
	setInt(&c.Threads, f.Computer.Threads)
	setDuration(&c.TaskTimeout, f.Computer.TaskTimeout)
	setDuration(&c.AbortTimeout, f.Computer.AbortTimeout)
	setInt(&c.QueueLimit, f.Computer.QueueLimit)
	setDuration(&c.TickInterval, f.MainThread.TickInterval)
	setDuration(&c.TickBudget, f.MainThread.TickBudget)
	setInt(&c.MainThreadQueueLimit, f.MainThread.QueueLimit)
	setDuration(&c.CoroutineIdle, f.CoroutineIdle)
	return nil
}

func (c *Config) loadEnv() error {
	setString(&c.ListenAddr, os.Getenv(envListenAddr))
	setString(&c.DBPath, os.Getenv(envDBPath))
	setString(&c.Host, os.Getenv(envHost))
	if v := os.Getenv(envLogLevel); v != "" {
		c.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envDebug); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envDebug, err)
		}
		c.Debug = b
	}

	ints := []struct {
		env string
		dst *int
	}{
		{envThreads, &c.Threads},
		{envQueueLimit, &c.QueueLimit},
		{envMainThreadQueueLimit, &c.MainThreadQueueLimit},
	}
	for _, i := range ints {
		v := os.Getenv(i.env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", i.env, err)
		}
		*i.dst = n
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{envTaskTimeout, &c.TaskTimeout},
		{envAbortTimeout, &c.AbortTimeout},
		{envTickInterval, &c.TickInterval},
		{envTickBudget, &c.TickBudget},
		{envCoroutineIdle, &c.CoroutineIdle},
	}
	for _, d := range durations {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.env, err)
		}
		*d.dst = parsed
	}
	return nil
}

func (c *Config) validate() error {
	switch {
	case c.Threads < 1:
		return fmt.Errorf("computer threads must be at least 1, got %d", c.Threads)
	case c.TaskTimeout <= 0 || c.AbortTimeout <= 0:
		return errors.New("task and abort timeouts must be positive")
	case c.QueueLimit < 1 || c.MainThreadQueueLimit < 1:
		return errors.New("queue limits must be at least 1")
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
