package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/cwmaguire/screenshot-mcp/internal/analysis"
	"github.com/cwmaguire/screenshot-mcp/internal/capture"
	"github.com/cwmaguire/screenshot-mcp/internal/command"
	"github.com/cwmaguire/screenshot-mcp/internal/config"
	"github.com/cwmaguire/screenshot-mcp/internal/imaging"
	"github.com/cwmaguire/screenshot-mcp/internal/metrics"
	"github.com/cwmaguire/screenshot-mcp/internal/ocr"
	"github.com/cwmaguire/screenshot-mcp/internal/pipeline"
	"github.com/cwmaguire/screenshot-mcp/internal/quota"
	"github.com/cwmaguire/screenshot-mcp/internal/server"
	"github.com/cwmaguire/screenshot-mcp/internal/tempfiles"
	"github.com/cwmaguire/screenshot-mcp/internal/workerpool"
)

// app holds every long-lived component built from the configuration.
type app struct {
	cfg     *config.Config
	limiter *quota.Limiter
	pool    *workerpool.Pool
	files   *tempfiles.Registry
	metrics *metrics.Collector
	orch    *pipeline.Orchestrator
	server  *server.Server

	closers []io.Closer
}

// openStore builds the quota store selected by cfg.
func openStore(cfg *config.Config, log logrus.FieldLogger) (quota.Store, io.Closer, error) {
	switch cfg.Quota.Backend {
	case config.QuotaBackendFile:
		s, err := quota.NewFileStore(cfg.Quota.File, log)
		return s, nil, err
	case config.QuotaBackendRedis:
		s, err := quota.OpenRedisStore(quota.RedisConfig{URL: cfg.Quota.RedisURL, Prefix: cfg.Quota.RedisPrefix})
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case config.QuotaBackendMemory:
		return quota.NewMemoryStore(quota.State{}), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown quota backend %q", cfg.Quota.Backend)
	}
}

func newLimiter(cfg *config.Config, log logrus.FieldLogger) (*quota.Limiter, io.Closer, error) {
	store, closer, err := openStore(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("open quota store: %w", err)
	}
	lim, err := quota.NewLimiter(store, cfg.DailyLimit, quota.WithLogger(log))
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, nil, err
	}
	return lim, closer, nil
}

func newApp(cfg *config.Config, log *logrus.Logger, version string) (_ *app, err error) {
	a := &app{cfg: cfg, metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	lim, closer, err := newLimiter(cfg, log)
	if err != nil {
		return nil, err
	}
	a.limiter = lim
	if closer != nil {
		a.closers = append(a.closers, closer)
	}

	a.files, err = tempfiles.NewRegistry(cfg.TempDir, cfg.RetainArtifacts, log)
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}

	engine, err := ocr.NewEngine(cfg.OCREngine)
	if err != nil {
		return nil, err
	}

	a.pool = workerpool.New(cfg.Workers)
	a.pool.Start()

	runner := &command.ExecRunner{}
	provider := analysis.New(analysis.Config{
		APIKey:  cfg.Analysis.APIKey,
		BaseURL: cfg.Analysis.BaseURL,
		Model:   cfg.Analysis.Model,
	})
	a.orch, err = pipeline.New(pipeline.Config{
		Limiter: lim,
		Capture: capture.NewCommandBackend(cfg.CaptureCommand, runner, log),
		Processor: imaging.NewProcessor(imaging.Margins{
			Top:    cfg.Crop.Top,
			Right:  cfg.Crop.Right,
			Bottom: cfg.Crop.Bottom,
			Left:   cfg.Crop.Left,
		}, log),
		Extractor: ocr.NewExtractor(engine, cfg.OCRLanguage, log),
		Analyzer:  provider,
		Sampler:   provider,
		Pool:      a.pool,
		Files:     a.files,
		Timeouts: pipeline.Timeouts{
			Capture:    cfg.CaptureTimeout,
			Processing: cfg.ProcessingTimeout,
			OCR:        cfg.OCRTimeout,
			Analysis:   cfg.AnalysisTimeout,
		},
		Observer: a.metrics,
		Log:      log,
	})
	if err != nil {
		return nil, err
	}

	a.server = server.New(a.orch, lim,
		server.WithLogger(log),
		server.WithVersion(version),
		server.WithStats(a.stats),
		server.WithSampler(a.orch),
	)

	if cfg.Analysis.APIKey == "" {
		log.Warn("XAI_API_KEY not set, analysis replies are simulated")
	}
	log.WithFields(logrus.Fields{
		"quota_backend": cfg.Quota.Backend,
		"daily_limit":   cfg.DailyLimit,
		"workers":       a.pool.Size(),
		"ocr_engine":    engine.Name(),
		"temp_dir":      a.files.Dir(),
	}).Info("screenshot server configured")
	return a, nil
}

// stats is the /metrics payload.
func (a *app) stats() interface{} {
	return map[string]interface{}{
		"runs":     a.metrics.Snapshot(),
		"pool":     a.pool.Stats(),
		"inFlight": a.server.InFlight(),
	}
}

// Close releases the pool, outstanding temp files and the quota store.
func (a *app) Close() error {
	var errs []error
	if a.pool != nil {
		a.pool.Close()
	}
	if a.files != nil {
		errs = append(errs, a.files.Close())
	}
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
