// Package config loads process configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/schedule"
)

// Environment variables read by Parse.
const (
	EnvDatabaseURL       = "DOCPIPE_DATABASE_URL"
	EnvWorkerConcurrency = "DOCPIPE_WORKER_CONCURRENCY"
	EnvPollInterval      = "DOCPIPE_POLL_INTERVAL"
	EnvJobTimeout        = "DOCPIPE_JOB_TIMEOUT"
	EnvRetention         = "DOCPIPE_RETENTION"
	EnvRetentionCron     = "DOCPIPE_RETENTION_CRON"
	EnvListenAddr        = "DOCPIPE_LISTEN_ADDR"
	EnvLogLevel          = "LOG_LEVEL"
	EnvLogFormat         = "LOG_FORMAT"
)

// Config is the process configuration of the docpipe binary.
type Config struct {
	DatabaseURL       string
	WorkerConcurrency int
	PollInterval      time.Duration
	JobTimeout        time.Duration
	Retention         time.Duration
	RetentionCron     string
	ListenAddr        string
	LogLevel          slog.Level
	// LogFormat is "text" or "json".
	LogFormat string
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		DatabaseURL:       "docpipe.db",
		WorkerConcurrency: 10,
		PollInterval:      100 * time.Millisecond,
		JobTimeout:        30 * time.Minute,
		Retention:         720 * time.Hour,
		RetentionCron:     "0 3 * * *",
		ListenAddr:        ":8080",
		LogLevel:          slog.LevelInfo,
		LogFormat:         "text",
	}
}

// Load reads the given .env files (".env" when none are named) into the
// process environment and parses it. Missing files are ignored; variables
// already set are not overridden.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return Parse(os.LookupEnv)
}

// Parse builds a Config from lookup. Unset or empty variables keep their
// defaults; invalid values are a ValidationError naming the variable.
func Parse(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvDatabaseURL); ok {
		cfg.DatabaseURL = v
	}
	if v, ok := get(EnvWorkerConcurrency); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, core.Validation(EnvWorkerConcurrency, "must be a positive integer")
		}
		cfg.WorkerConcurrency = n
	}
	for key, dst := range map[string]*time.Duration{
		EnvPollInterval: &cfg.PollInterval,
		EnvJobTimeout:   &cfg.JobTimeout,
		EnvRetention:    &cfg.Retention,
	} {
		v, ok := get(key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, core.Validation(key, "must be a positive duration")
		}
		*dst = d
	}
	if v, ok := get(EnvRetentionCron); ok {
		if _, err := schedule.ParseCron(v); err != nil {
			return Config{}, core.Validation(EnvRetentionCron, err.Error())
		}
		cfg.RetentionCron = v
	}
	if v, ok := get(EnvListenAddr); ok {
		cfg.ListenAddr = v
	}
	if v, ok := get(EnvLogLevel); ok {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return Config{}, core.Validation(EnvLogLevel, "must be debug, info, warn or error")
		}
	}
	if v, ok := get(EnvLogFormat); ok {
		v = strings.ToLower(v)
		if v != "text" && v != "json" {
			return Config{}, core.Validation(EnvLogFormat, "must be text or json")
		}
		cfg.LogFormat = v
	}
	return cfg, nil
}

// Logger builds the process logger writing to w.
func (c Config) Logger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
