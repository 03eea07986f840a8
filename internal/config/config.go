// Package config assembles run settings from defaults, an optional YAML file and
// ENRICHER_* environment variables. Command-line flags are applied on top by
// the CLI.
package config

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/shpitdev/reviewer-profile-enricher/internal/browser"
	"github.com/shpitdev/reviewer-profile-enricher/internal/pipeline"
	"github.com/shpitdev/reviewer-profile-enricher/internal/resolve"
)

const (
	BackendRod    = "rod"
	BackendStatic = "static"
)

// EnvPrefix prefixes every environment variable the config reads.
const EnvPrefix = "ENRICHER_"

type Config struct {
	Workers        int           `yaml:"workers"`
	MinBatch       int           `yaml:"min_batch"`
	Concurrency    int           `yaml:"concurrency"`
	DelayMin       time.Duration `yaml:"delay_min"`
	DelayMax       time.Duration `yaml:"delay_max"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
	SessionRetries int           `yaml:"session_retries"`
	// Seed fixes the random source; 0 seeds from the clock.
	Seed uint64 `yaml:"seed"`

	Backend           string        `yaml:"backend"`
	Headless          bool          `yaml:"headless"`
	ChromeBin         string        `yaml:"chrome_bin"`
	ProxyURL          string        `yaml:"proxy_url"`
	PageLoadTimeout   time.Duration `yaml:"page_load_timeout"`
	InputWaitTimeout  time.Duration `yaml:"input_wait_timeout"`
	ResultWaitTimeout time.Duration `yaml:"result_wait_timeout"`
	SearchURL         string        `yaml:"search_url"`
	ProfileDomain     string        `yaml:"profile_domain"`

	MaxFiles  int    `yaml:"max_files"`
	OutputDir string `yaml:"output_dir"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns the built-in settings.
func Default() Config {
	po := pipeline.DefaultOptions()
	rc := resolve.DefaultConfig()
	bc := browser.DefaultConfig()
	return Config{
		Workers:           po.Workers,
		MinBatch:          po.MinBatch,
		Concurrency:       po.Concurrency,
		DelayMin:          po.DelayMin,
		DelayMax:          po.DelayMax,
		SessionRetries:    po.SessionRetries,
		Backend:           BackendRod,
		Headless:          bc.Headless,
		PageLoadTimeout:   bc.PageLoadTimeout,
		InputWaitTimeout:  rc.InputTimeout,
		ResultWaitTimeout: rc.ResultTimeout,
		SearchURL:         rc.SearchURL,
		ProfileDomain:     rc.ProfileDomain,
		MaxFiles:          10,
		OutputDir:         "/tmp/clutch_data",
		LogLevel:          "info",
	}
}

// Load starts from Default, overlays the YAML file at path (if any) and then the
// environment read through getenv (os.Getenv when nil).
func Load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		err = cfg.decodeYAML(f)
		_ = f.Close()
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) decodeYAML(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	e := envReader{getenv: getenv}
	c.Workers = e.asInt("WORKERS", c.Workers)
	c.MinBatch = e.asInt("MIN_BATCH", c.MinBatch)
	c.Concurrency = e.asInt("CONCURRENCY", c.Concurrency)
	c.DelayMin = e.asDuration("DELAY_MIN", c.DelayMin)
	c.DelayMax = e.asDuration("DELAY_MAX", c.DelayMax)
	c.RateLimitRPS = e.asFloat("RATE_LIMIT_RPS", c.RateLimitRPS)
	c.SessionRetries = e.asInt("SESSION_RETRIES", c.SessionRetries)
	c.Seed = e.asUint("SEED", c.Seed)
	c.Backend = e.asString("BACKEND", c.Backend)
	c.Headless = e.asBool("HEADLESS", c.Headless)
	c.ChromeBin = e.asString("CHROME_BIN", c.ChromeBin)
	c.ProxyURL = e.asString("PROXY_URL", c.ProxyURL)
	c.PageLoadTimeout = e.asDuration("PAGE_LOAD_TIMEOUT", c.PageLoadTimeout)
	c.InputWaitTimeout = e.asDuration("INPUT_WAIT_TIMEOUT", c.InputWaitTimeout)
	c.ResultWaitTimeout = e.asDuration("RESULT_WAIT_TIMEOUT", c.ResultWaitTimeout)
	c.SearchURL = e.asString("SEARCH_URL", c.SearchURL)
	c.ProfileDomain = e.asString("PROFILE_DOMAIN", c.ProfileDomain)
	c.MaxFiles = e.asInt("MAX_FILES", c.MaxFiles)
	c.OutputDir = e.asString("OUTPUT_DIR", c.OutputDir)
	c.LogLevel = e.asString("LOG_LEVEL", c.LogLevel)
	c.LogJSON = e.asBool("LOG_JSON", c.LogJSON)
	return e.err
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be >= 1, got %d", c.Workers))
	}
	if c.MinBatch < 1 {
		errs = append(errs, fmt.Errorf("min batch must be >= 1, got %d", c.MinBatch))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be >= 1, got %d", c.Concurrency))
	}
	if c.DelayMin < 0 || c.DelayMax < c.DelayMin {
		errs = append(errs, fmt.Errorf("delay range [%s, %s] is invalid", c.DelayMin, c.DelayMax))
	}
	if c.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("rate limit must be >= 0, got %g", c.RateLimitRPS))
	}
	if c.SessionRetries < 0 {
		errs = append(errs, fmt.Errorf("session retries must be >= 0, got %d", c.SessionRetries))
	}
	if c.MaxFiles < 1 {
		errs = append(errs, fmt.Errorf("max files must be >= 1, got %d", c.MaxFiles))
	}
	switch c.Backend {
	case BackendRod, BackendStatic:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendRod, BackendStatic))
	}
	if strings.TrimSpace(c.SearchURL) == "" {
		errs = append(errs, errors.New("search url is required"))
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		errs = append(errs, errors.New("output dir is required"))
	}
	return errors.Join(errs...)
}

// BrowserConfig returns the launcher settings.
func (c Config) BrowserConfig() browser.Config {
	bc := browser.DefaultConfig()
	bc.Headless = c.Headless
	bc.PageLoadTimeout = c.PageLoadTimeout
	bc.ChromeBin = c.ChromeBin
	bc.ProxyURL = c.ProxyURL
	return bc
}

// ResolveConfig returns the resolver settings.
func (c Config) ResolveConfig() resolve.Config {
	return resolve.Config{
		SearchURL:     c.SearchURL,
		ProfileDomain: c.ProfileDomain,
		InputTimeout:  c.InputWaitTimeout,
		ResultTimeout: c.ResultWaitTimeout,
	}
}

// PipelineOptions returns orchestrator options logging to logger.
func (c Config) PipelineOptions(logger *zap.Logger) pipeline.Options {
	po := pipeline.DefaultOptions()
	po.Workers = c.Workers
	po.MinBatch = c.MinBatch
	po.Concurrency = c.Concurrency
	po.DelayMin = c.DelayMin
	po.DelayMax = c.DelayMax
	po.RateLimitRPS = c.RateLimitRPS
	po.SessionRetries = c.SessionRetries
	po.Logger = logger
	if c.Seed != 0 {
		po.Rand = rand.New(rand.NewPCG(c.Seed, c.Seed))
	}
	return po
}

// envReader reads ENRICHER_* variables, keeping the first parse error.
type envReader struct {
	getenv func(string) string
	err    error
}

func (e *envReader) lookup(name string) (string, string, bool) {
	key := EnvPrefix + name
	v := strings.TrimSpace(e.getenv(key))
	return key, v, v != "" && e.err == nil
}

func (e *envReader) fail(key, v string, err error) {
	e.err = fmt.Errorf("invalid %s=%q: %w", key, v, err)
}

func (e *envReader) asString(name, fallback string) string {
	if _, v, ok := e.lookup(name); ok {
		return v
	}
	return fallback
}

func (e *envReader) asInt(name string, fallback int) int {
	key, v, ok := e.lookup(name)
	if !ok {
		return fallback
	}
	out, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return fallback
	}
	return out
}

func (e *envReader) asUint(name string, fallback uint64) uint64 {
	key, v, ok := e.lookup(name)
	if !ok {
		return fallback
	}
	out, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		e.fail(key, v, err)
		return fallback
	}
	return out
}

func (e *envReader) asFloat(name string, fallback float64) float64 {
	key, v, ok := e.lookup(name)
	if !ok {
		return fallback
	}
	out, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, v, err)
		return fallback
	}
	return out
}

func (e *envReader) asDuration(name string, fallback time.Duration) time.Duration {
	key, v, ok := e.lookup(name)
	if !ok {
		return fallback
	}
	out, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return fallback
	}
	return out
}

func (e *envReader) asBool(name string, fallback bool) bool {
	key, v, ok := e.lookup(name)
	if !ok {
		return fallback
	}
	out, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return fallback
	}
	return out
}
