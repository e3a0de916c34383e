// Package config loads the ambient configuration tree for the scheduler:
// which models are registered, their limiter chains, and a handful of
// process-wide knobs. It follows llmcmd/internal/cli/config.go's shape: a
// plain JSON-serializable struct tree with a Default() constructor and
// environment-variable overrides layered on top.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Ganzzi/llm-queue/internal/request"
)

// LimiterDefinition is the JSON-facing shape of one request.LimiterConfig
// entry.
type LimiterDefinition struct {
	Type          string `json:"type"`
	Limit         int64  `json:"limit"`
	WindowSeconds int64  `json:"window_seconds,omitempty"`
}

// ModelDefinition is the JSON-facing shape of one request.ModelConfig.
type ModelDefinition struct {
	ModelID  string              `json:"model_id"`
	Limiters []LimiterDefinition `json:"limiters"`
}

// Config is the root configuration tree.
type Config struct {
	Models []ModelDefinition `json:"models"`

	// ShutdownDeadlineSeconds bounds manager.ShutdownAll's wait for queues
	// to drain before force-cancelling outstanding work. Zero means wait
	// indefinitely.
	ShutdownDeadlineSeconds int `json:"shutdown_deadline_seconds"`

	// Verbose toggles debug-level logging, mirroring llmcmd's -verbose flag.
	Verbose bool `json:"verbose"`
}

// Default returns conservative defaults: no models registered, wait
// indefinitely on shutdown, non-verbose logging.
func Default() *Config {
	return &Config{
		Models:                  nil,
		ShutdownDeadlineSeconds: 0,
		Verbose:                 false,
	}
}

// Load reads and parses a JSON config file at path, starting from Default()
// so any field the file omits keeps its default value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnvOverrides overlays a small set of environment variables onto cfg,
// mirroring llmcmd/internal/cli/config.go's OPENAI_*/LLMCMD_* overrides.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LLMQUEUE_SHUTDOWN_DEADLINE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ShutdownDeadlineSeconds = n
		}
	}
	if v := os.Getenv("LLMQUEUE_VERBOSE"); v != "" {
		cfg.Verbose = v == "1" || v == "true"
	}
}

// ShutdownDeadline converts ShutdownDeadlineSeconds to a time.Duration, with
// zero meaning "wait indefinitely" (passed straight through to
// manager.ShutdownAll, which treats <=0 the same way).
func (c *Config) ShutdownDeadline() time.Duration {
	if c.ShutdownDeadlineSeconds <= 0 {
		return 0
	}
	return time.Duration(c.ShutdownDeadlineSeconds) * time.Second
}

// ModelConfigs converts every ModelDefinition to a request.ModelConfig,
// resolving each LimiterDefinition's Type string against the known
// request.LimiterType values. An unrecognized type is an InvalidConfiguration
// error, surfaced at load time rather than deferred to first registration.
func (c *Config) ModelConfigs() ([]request.ModelConfig, error) {
	out := make([]request.ModelConfig, 0, len(c.Models))
	for _, md := range c.Models {
		limiters := make([]request.LimiterConfig, 0, len(md.Limiters))
		for _, ld := range md.Limiters {
			typ, err := parseLimiterType(ld.Type)
			if err != nil {
				return nil, fmt.Errorf("model %s: %w", md.ModelID, err)
			}
			limiters = append(limiters, request.LimiterConfig{
				Type:          typ,
				Limit:         ld.Limit,
				WindowSeconds: ld.WindowSeconds,
			})
		}
		out = append(out, request.ModelConfig{ModelID: md.ModelID, Limiters: limiters})
	}
	return out, nil
}

// parseLimiterType resolves s case-insensitively against the known
// request.LimiterType values, so config files can write "rpm" or "RPM"
// interchangeably.
func parseLimiterType(s string) (request.LimiterType, error) {
	for _, t := range []request.LimiterType{
		request.RPM, request.RPD, request.TPM, request.TPD,
		request.ITPM, request.OTPM, request.Concurrent,
	} {
		if strings.EqualFold(string(t), s) {
			return t, nil
		}
	}
	return "", request.NewError(request.ErrInvalidConfiguration,
		fmt.Sprintf("unknown limiter type %q", s))
}
