package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Quota backends.
const (
	QuotaBackendFile   = "file"
	QuotaBackendRedis  = "redis"
	QuotaBackendMemory = "memory"
)

// OCR engines.
const (
	OCREngineCLI       = "cli"
	OCREngineGosseract = "gosseract"
)

// Config holds every tunable of the screenshot server.
type Config struct {
	DailyLimit        int           `yaml:"daily_limit"`
	CaptureTimeout    time.Duration `yaml:"capture_timeout"`
	ProcessingTimeout time.Duration `yaml:"processing_timeout"`
	OCRTimeout        time.Duration `yaml:"ocr_timeout"`
	AnalysisTimeout   time.Duration `yaml:"analysis_timeout"`
	Workers           int           `yaml:"workers"`
	TempDir           string        `yaml:"temp_dir"`
	RetainArtifacts   bool          `yaml:"retain_artifacts"`
	CaptureCommand    string        `yaml:"capture_command"`
	OCREngine         string        `yaml:"ocr_engine"`
	OCRLanguage       string        `yaml:"ocr_language"`
	LogLevel          string        `yaml:"log_level"`
	HTTPAddr          string        `yaml:"http_addr"`

	Crop     CropConfig     `yaml:"crop"`
	Quota    QuotaConfig    `yaml:"quota"`
	Analysis AnalysisConfig `yaml:"analysis"`
}

// CropConfig is the margin, in pixels, removed from each edge of a capture.
type CropConfig struct {
	Top    int `yaml:"top"`
	Right  int `yaml:"right"`
	Bottom int `yaml:"bottom"`
	Left   int `yaml:"left"`
}

// QuotaConfig selects where the daily counter lives.
type QuotaConfig struct {
	Backend     string `yaml:"backend"`
	File        string `yaml:"file"`
	RedisURL    string `yaml:"redis_url"`
	RedisPrefix string `yaml:"redis_prefix"`
}

// AnalysisConfig configures the inference API client.
type AnalysisConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// Default returns the built-in configuration.
func Default() *Config {
	tmp := os.TempDir()
	return &Config{
		DailyLimit:        1000,
		CaptureTimeout:    10 * time.Second,
		ProcessingTimeout: 15 * time.Second,
		OCRTimeout:        30 * time.Second,
		AnalysisTimeout:   60 * time.Second,
		Workers:           4,
		TempDir:           tmp,
		CaptureCommand:    "scrot -u {output}",
		OCREngine:         OCREngineCLI,
		OCRLanguage:       "eng",
		LogLevel:          "info",
		HTTPAddr:          "127.0.0.1:8080",
		Crop:              CropConfig{Top: 60, Right: 20},
		Quota: QuotaConfig{
			Backend:     QuotaBackendFile,
			File:        filepath.Join(tmp, "screenshot_daily_count.json"),
			RedisPrefix: "screenshot-mcp:",
		},
		Analysis: AnalysisConfig{
			BaseURL: "https://api.x.ai/v1",
			Model:   "grok-4",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in that order, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var err error
	if c.DailyLimit, err = intFromEnv("SCREENSHOT_DAILY_LIMIT", c.DailyLimit); err != nil {
		return err
	}
	if c.Workers, err = intFromEnv("SCREENSHOT_MAX_WORKERS", c.Workers); err != nil {
		return err
	}

	// SCREENSHOT_SUBPROCESS_TIMEOUT is the older name for the capture timeout.
	if c.CaptureTimeout, err = durationFromEnv("SCREENSHOT_SUBPROCESS_TIMEOUT", c.CaptureTimeout); err != nil {
		return err
	}
	if c.CaptureTimeout, err = durationFromEnv("SCREENSHOT_CAPTURE_TIMEOUT", c.CaptureTimeout); err != nil {
		return err
	}
	if c.ProcessingTimeout, err = durationFromEnv("SCREENSHOT_PROCESSING_TIMEOUT", c.ProcessingTimeout); err != nil {
		return err
	}
	if c.OCRTimeout, err = durationFromEnv("SCREENSHOT_OCR_TIMEOUT", c.OCRTimeout); err != nil {
		return err
	}
	if c.AnalysisTimeout, err = durationFromEnv("SCREENSHOT_API_TIMEOUT", c.AnalysisTimeout); err != nil {
		return err
	}

	if v, ok := lookup("SCREENSHOT_RETAIN_ARTIFACTS"); ok {
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			return fmt.Errorf("invalid SCREENSHOT_RETAIN_ARTIFACTS %q: %w", v, perr)
		}
		c.RetainArtifacts = b
	}

	for _, crop := range []struct {
		key string
		dst *int
	}{
		{"SCREENSHOT_CROP_TOP", &c.Crop.Top},
		{"SCREENSHOT_CROP_RIGHT", &c.Crop.Right},
		{"SCREENSHOT_CROP_BOTTOM", &c.Crop.Bottom},
		{"SCREENSHOT_CROP_LEFT", &c.Crop.Left},
	} {
		if *crop.dst, err = intFromEnv(crop.key, *crop.dst); err != nil {
			return err
		}
	}

	stringFromEnv("SCREENSHOT_TEMP_DIR", &c.TempDir)
	stringFromEnv("SCREENSHOT_CAPTURE_COMMAND", &c.CaptureCommand)
	stringFromEnv("SCREENSHOT_OCR_ENGINE", &c.OCREngine)
	stringFromEnv("SCREENSHOT_OCR_LANGUAGE", &c.OCRLanguage)
	stringFromEnv("SCREENSHOT_LOG_LEVEL", &c.LogLevel)
	stringFromEnv("SCREENSHOT_HTTP_ADDR", &c.HTTPAddr)
	stringFromEnv("SCREENSHOT_COUNT_FILE", &c.Quota.File)
	stringFromEnv("SCREENSHOT_QUOTA_BACKEND", &c.Quota.Backend)
	stringFromEnv("SCREENSHOT_REDIS_URL", &c.Quota.RedisURL)
	stringFromEnv("SCREENSHOT_REDIS_PREFIX", &c.Quota.RedisPrefix)
	stringFromEnv("XAI_API_KEY", &c.Analysis.APIKey)
	stringFromEnv("SCREENSHOT_API_BASE_URL", &c.Analysis.BaseURL)
	stringFromEnv("SCREENSHOT_MODEL", &c.Analysis.Model)
	return nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.DailyLimit <= 0 {
		return fmt.Errorf("daily limit must be > 0 (got %d)", c.DailyLimit)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be > 0 (got %d)", c.Workers)
	}
	if c.CaptureTimeout <= 0 || c.ProcessingTimeout <= 0 || c.OCRTimeout <= 0 || c.AnalysisTimeout <= 0 {
		return fmt.Errorf("timeouts must be > 0 (got capture=%s, processing=%s, ocr=%s, analysis=%s)",
			c.CaptureTimeout, c.ProcessingTimeout, c.OCRTimeout, c.AnalysisTimeout)
	}
	if c.Crop.Top < 0 || c.Crop.Right < 0 || c.Crop.Bottom < 0 || c.Crop.Left < 0 {
		return fmt.Errorf("crop margins must be >= 0 (got %+v)", c.Crop)
	}
	if strings.TrimSpace(c.CaptureCommand) == "" {
		return fmt.Errorf("capture command must not be empty")
	}
	if !strings.Contains(c.CaptureCommand, "{output}") {
		return fmt.Errorf("capture command %q has no {output} placeholder", c.CaptureCommand)
	}
	switch c.OCREngine {
	case OCREngineCLI, OCREngineGosseract:
	default:
		return fmt.Errorf("unknown ocr engine %q", c.OCREngine)
	}
	switch c.Quota.Backend {
	case QuotaBackendFile:
		if c.Quota.File == "" {
			return fmt.Errorf("quota file path must be set for the file backend")
		}
	case QuotaBackendRedis:
		if c.Quota.RedisURL == "" {
			return fmt.Errorf("redis url must be set for the redis quota backend")
		}
	case QuotaBackendMemory:
	default:
		return fmt.Errorf("unknown quota backend %q", c.Quota.Backend)
	}
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func stringFromEnv(key string, dst *string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func intFromEnv(key string, def int) (int, error) {
	v, ok := lookup(key)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

// durationFromEnv accepts Go duration strings ("15s") and plain seconds ("15", "2.5").
func durationFromEnv(key string, def time.Duration) (time.Duration, error) {
	v, ok := lookup(key)
	if !ok {
		return def, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: want a duration or seconds", key, v)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
