// Package pipeline runs one screenshot request end to end: validate, check
// quota, capture, process, OCR and analyze, releasing the run's temp files on
// every exit path.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cwmaguire/screenshot-mcp/internal/analysis"
	"github.com/cwmaguire/screenshot-mcp/internal/capture"
	"github.com/cwmaguire/screenshot-mcp/internal/imaging"
	"github.com/cwmaguire/screenshot-mcp/internal/quota"
	"github.com/cwmaguire/screenshot-mcp/internal/tempfiles"
)

// Default stage timeouts.
const (
	DefaultCaptureTimeout    = 10 * time.Second
	DefaultProcessingTimeout = 15 * time.Second
	DefaultOCRTimeout        = 30 * time.Second
	DefaultAnalysisTimeout   = 60 * time.Second
)

// Limiter is the quota gate consulted before capture and before analysis.
type Limiter interface {
	Check(ctx context.Context) (quota.Decision, error)
	CheckAndReserve(ctx context.Context) (quota.Decision, error)
	MarkExhausted(ctx context.Context) error
}

// Processor turns a raw capture into the delivered image and an OCR copy.
type Processor interface {
	Process(ctx context.Context, rawPath string, files imaging.PathAllocator) (*imaging.ProcessResult, error)
}

// TextExtractor reads text from an image file.
type TextExtractor interface {
	Extract(ctx context.Context, path string) (string, error)
}

// Executor runs CPU-bound work off the dispatch path.
type Executor interface {
	Do(ctx context.Context, fn func(context.Context) error) error
}

// Observer is told about every finished run.
type Observer interface {
	ObserveRun(res *Result, err error)
}

// Timeouts bounds each stage. Zero values use the defaults.
type Timeouts struct {
	Capture    time.Duration
	Processing time.Duration
	OCR        time.Duration
	Analysis   time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Capture <= 0 {
		t.Capture = DefaultCaptureTimeout
	}
	if t.Processing <= 0 {
		t.Processing = DefaultProcessingTimeout
	}
	if t.OCR <= 0 {
		t.OCR = DefaultOCRTimeout
	}
	if t.Analysis <= 0 {
		t.Analysis = DefaultAnalysisTimeout
	}
	return t
}

// Config wires an Orchestrator. Sampler, Observer, Log and Now are optional.
type Config struct {
	Limiter   Limiter
	Capture   capture.Backend
	Processor Processor
	Extractor TextExtractor
	Analyzer  analysis.Client
	Sampler   analysis.Completer
	Pool      Executor
	Files     *tempfiles.Registry
	Timeouts  Timeouts
	Observer  Observer
	Log       logrus.FieldLogger
	Now       func() time.Time
}

// Request is one take_screenshot call.
type Request struct {
	Mode     string
	Question string

	// RunID names the run's temp files and log entries. Empty means a
	// generated id.
	RunID string
}

// Timings records how long each stage took.
type Timings struct {
	Started    time.Time     `json:"started"`
	Capture    time.Duration `json:"capture"`
	Processing time.Duration `json:"processing"`
	OCR        time.Duration `json:"ocr"`
	Analysis   time.Duration `json:"analysis"`
	Total      time.Duration `json:"total"`
}

// Result is a successful or degraded run.
type Result struct {
	RunID    string
	Mode     analysis.Mode
	Image    []byte
	MIMEType string
	Width    int
	Height   int
	Cropped  bool
	Blank    bool

	// OCRText is empty when OCR found nothing or failed.
	OCRText  string
	OCRError error

	Analysis    string
	HasAnalysis bool

	// AnalysisError is set, with kind QuotaExceeded or AnalysisFailed, when
	// the run degraded to image and text only.
	AnalysisError *Error

	// Quota is the state after this run's reservation, if one was attempted.
	Quota *QuotaInfo

	Timings       Timings
	RetainedPaths []string
}

// Degraded reports whether analysis was requested but not delivered.
func (r *Result) Degraded() bool { return r != nil && r.AnalysisError != nil }

// Orchestrator runs requests. It is safe for concurrent use.
type Orchestrator struct {
	limiter   Limiter
	capture   capture.Backend
	processor Processor
	extractor TextExtractor
	analyzer  analysis.Client
	sampler   analysis.Completer
	pool      Executor
	files     *tempfiles.Registry
	timeouts  Timeouts
	observer  Observer
	log       logrus.FieldLogger
	now       func() time.Time
}

// New validates cfg and returns an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Limiter == nil:
		return nil, errors.New("pipeline: limiter is required")
	case cfg.Capture == nil:
		return nil, errors.New("pipeline: capture backend is required")
	case cfg.Processor == nil:
		return nil, errors.New("pipeline: processor is required")
	case cfg.Extractor == nil:
		return nil, errors.New("pipeline: text extractor is required")
	case cfg.Analyzer == nil:
		return nil, errors.New("pipeline: analysis client is required")
	case cfg.Pool == nil:
		return nil, errors.New("pipeline: worker pool is required")
	case cfg.Files == nil:
		return nil, errors.New("pipeline: temp file registry is required")
	}
	o := &Orchestrator{
		limiter:   cfg.Limiter,
		capture:   cfg.Capture,
		processor: cfg.Processor,
		extractor: cfg.Extractor,
		analyzer:  cfg.Analyzer,
		sampler:   cfg.Sampler,
		pool:      cfg.Pool,
		files:     cfg.Files,
		timeouts:  cfg.Timeouts.withDefaults(),
		observer:  cfg.Observer,
		log:       cfg.Log,
		now:       cfg.Now,
	}
	if o.log == nil {
		o.log = logrus.StandardLogger()
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// Validate checks the mode/question pairing without side effects.
func Validate(req Request) (analysis.Mode, error) {
	mode, err := analysis.ParseMode(req.Mode)
	if err != nil {
		return "", &Error{Kind: KindInvalidRequest, Stage: StageValidate, Message: err.Error()}
	}
	if mode.NeedsQuestion() && strings.TrimSpace(req.Question) == "" {
		return "", &Error{
			Kind:    KindInvalidRequest,
			Stage:   StageValidate,
			Message: "Question required for 'question' or 'both' mode.",
		}
	}
	return mode, nil
}

// Run executes one request. A non-nil error is always a *Error and no image
// data is returned with it. Analysis problems are reported on the Result.
func (o *Orchestrator) Run(ctx context.Context, req Request) (res *Result, err error) {
	started := o.now()
	log := o.log

	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logrus.Fields{
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			}).Error("pipeline run panicked")
			res, err = nil, internalError("run", fmt.Errorf("panic: %v", r))
		}
		if res != nil {
			res.Timings.Total = o.now().Sub(started)
		}
		if err != nil {
			fields := logrus.Fields{"kind": KindOf(err)}
			var pe *Error
			if errors.As(err, &pe) {
				fields["stage"] = pe.Stage
				fields["timed_out"] = pe.TimedOut
			}
			log.WithFields(fields).WithError(err).Warn("screenshot run failed")
		}
		if o.observer != nil {
			o.observer.ObserveRun(res, err)
		}
	}()

	mode, err := Validate(req)
	if err != nil {
		return nil, err
	}

	if err := o.precheck(ctx); err != nil {
		return nil, err
	}

	scope, err := o.files.NewScope(req.RunID)
	if err != nil {
		return nil, internalError(StageCapture, err)
	}
	log = log.WithFields(logrus.Fields{"run_id": scope.ID(), "mode": mode})

	var tasks taskSet
	defer func() {
		// pool tasks may still be writing into the scope
		tasks.wait()
		if rerr := scope.Release(); rerr != nil {
			log.WithError(rerr).Warn("failed to release run artifacts")
		}
	}()

	res = &Result{RunID: scope.ID(), Mode: mode, MIMEType: "image/png"}
	res.Timings.Started = started

	rawPath, err := o.runCapture(ctx, scope, &res.Timings)
	if err != nil {
		return nil, err
	}

	processed, err := o.runProcessing(ctx, rawPath, scope, &tasks, &res.Timings)
	if err != nil {
		return nil, err
	}
	res.Image = processed.PNG
	res.Width = processed.Width
	res.Height = processed.Height
	res.Cropped = processed.Cropped
	res.Blank = processed.Blank

	res.OCRText, res.OCRError = o.runOCR(ctx, processed.WorkingCopyPath, &tasks, &res.Timings, log)

	o.runAnalysis(ctx, res, req.Question, log)

	if scope.Retained() {
		res.RetainedPaths = existing(scope.Paths())
	}

	log.WithFields(logrus.Fields{
		"width":        res.Width,
		"height":       res.Height,
		"ocr_chars":    len(res.OCRText),
		"has_analysis": res.HasAnalysis,
		"degraded":     res.Degraded(),
		"duration_ms":  o.now().Sub(started).Milliseconds(),
	}).Info("screenshot run complete")
	return res, nil
}

// precheck fails fast when no analysis call could be made today.
func (o *Orchestrator) precheck(ctx context.Context) error {
	d, err := o.limiter.Check(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return &Error{Kind: KindInternal, Stage: StageQuota, Message: "request cancelled", Err: err}
		}
		return internalError(StageQuota, err)
	}
	if !d.Allowed {
		return quotaError(StageQuota, d)
	}
	return nil
}

func (o *Orchestrator) runCapture(ctx context.Context, scope *tempfiles.Scope, t *Timings) (string, error) {
	rawPath, err := scope.Path(".png")
	if err != nil {
		return "", internalError(StageCapture, err)
	}

	stageCtx, cancel := context.WithTimeout(ctx, o.timeouts.Capture)
	defer cancel()

	begin := o.now()
	err = o.capture.Capture(stageCtx, rawPath)
	t.Capture = o.now().Sub(begin)
	if err == nil {
		return rawPath, nil
	}

	// a partial capture is never kept, even when artifacts are retained
	if rmErr := os.Remove(rawPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		o.log.WithError(rmErr).WithField("path", rawPath).Warn("failed to remove partial capture")
	}
	if stageCtx.Err() != nil && !errors.Is(err, stageCtx.Err()) {
		err = errors.Join(stageCtx.Err(), err)
	}
	return "", stageError(KindCaptureFailed, StageCapture, "screen capture failed", err)
}

func (o *Orchestrator) runProcessing(ctx context.Context, rawPath string, scope *tempfiles.Scope, tasks *taskSet, t *Timings) (*imaging.ProcessResult, error) {
	stageCtx, cancel := context.WithTimeout(ctx, o.timeouts.Processing)
	defer cancel()

	var out *imaging.ProcessResult
	begin := o.now()
	err := tasks.offload(stageCtx, o.pool, func(ctx context.Context) error {
		r, err := o.processor.Process(ctx, rawPath, scope)
		out = r
		return err
	})
	t.Processing = o.now().Sub(begin)
	if err != nil {
		return nil, stageError(KindProcessingFailed, StageProcess, "image processing failed", err)
	}
	if out == nil || len(out.PNG) == 0 {
		return nil, &Error{Kind: KindProcessingFailed, Stage: StageProcess, Message: "image processing produced no image"}
	}
	return out, nil
}

// runOCR never fails the run; errors come back alongside an empty string.
func (o *Orchestrator) runOCR(ctx context.Context, path string, tasks *taskSet, t *Timings, log logrus.FieldLogger) (string, error) {
	if path == "" {
		return "", nil
	}
	stageCtx, cancel := context.WithTimeout(ctx, o.timeouts.OCR)
	defer cancel()

	var text string
	begin := o.now()
	err := tasks.offload(stageCtx, o.pool, func(ctx context.Context) error {
		s, err := o.extractor.Extract(ctx, path)
		text = s
		return err
	})
	t.OCR = o.now().Sub(begin)
	if err != nil {
		log.WithError(err).WithField("timed_out", errors.Is(err, context.DeadlineExceeded)).
			Warn("OCR failed, continuing without text")
		return "", err
	}
	return text, nil
}

// runAnalysis fills the analysis fields of res. Every failure here degrades
// the result instead of failing the run.
func (o *Orchestrator) runAnalysis(ctx context.Context, res *Result, question string, log logrus.FieldLogger) {
	if err := ctx.Err(); err != nil {
		res.AnalysisError = &Error{Kind: KindAnalysisFailed, Stage: StageAnalysis, Message: "request cancelled", Err: err}
		return
	}

	d, err := o.limiter.CheckAndReserve(ctx)
	if err != nil {
		log.WithError(err).Error("quota reservation failed, skipping analysis")
		res.AnalysisError = &Error{Kind: KindAnalysisFailed, Stage: StageQuota, Message: "quota unavailable", Err: err}
		return
	}
	info := quotaInfo(d)
	res.Quota = &info
	if !d.Allowed {
		res.AnalysisError = quotaError(StageAnalysis, d)
		return
	}

	stageCtx, cancel := context.WithTimeout(ctx, o.timeouts.Analysis)
	defer cancel()

	begin := o.now()
	text, err := o.analyzer.Analyze(stageCtx, analysis.Input{
		Image:    res.Image,
		MIMEType: res.MIMEType,
		OCRText:  res.OCRText,
		Mode:     res.Mode,
		Question: strings.TrimSpace(question),
	})
	res.Timings.Analysis = o.now().Sub(begin)

	switch {
	case err == nil:
		res.Analysis = text
		res.HasAnalysis = true
	case errors.Is(err, analysis.ErrQuotaExhausted):
		// the run context may be ending; the flag must still be recorded
		if merr := o.limiter.MarkExhausted(context.WithoutCancel(ctx)); merr != nil {
			log.WithError(merr).Error("failed to record provider exhaustion")
		}
		info.Remaining = 0
		info.Reason = quota.ReasonExhausted
		res.AnalysisError = &Error{
			Kind:    KindQuotaExceeded,
			Stage:   StageAnalysis,
			Message: "analysis provider quota exhausted",
			Quota:   &info,
			Err:     err,
		}
		log.WithError(err).Warn("analysis provider reported exhausted quota")
	default:
		res.AnalysisError = stageError(KindAnalysisFailed, StageAnalysis, "analysis failed", err)
		log.WithError(err).WithField("timed_out", res.AnalysisError.TimedOut).Warn("analysis failed, returning capture only")
	}
}

func quotaInfo(d quota.Decision) QuotaInfo {
	return QuotaInfo{Date: d.Date, Count: d.Count, Limit: d.Limit, Remaining: d.Remaining, Reason: d.Reason}
}

func quotaError(stage string, d quota.Decision) *Error {
	info := quotaInfo(d)
	msg := fmt.Sprintf("daily analysis quota reached (%d/%d used)", d.Count, d.Limit)
	if d.Reason == quota.ReasonExhausted {
		msg = "analysis provider quota exhausted for today"
	}
	return &Error{Kind: KindQuotaExceeded, Stage: stage, Message: msg, Quota: &info}
}

func existing(paths []string) []string {
	var out []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// taskSet tracks pool tasks started for one run so cleanup can wait for
// them. A task that has not started when its caller gives up never runs.
type taskSet struct {
	pending []*task
}

type task struct {
	state    atomic.Int32 // 0 queued, 1 running, 2 abandoned
	finished chan struct{}
}

func (s *taskSet) offload(ctx context.Context, pool Executor, fn func(context.Context) error) error {
	tk := &task{finished: make(chan struct{})}
	s.pending = append(s.pending, tk)
	return pool.Do(ctx, func(ctx context.Context) error {
		if !tk.state.CompareAndSwap(0, 1) {
			return ctx.Err()
		}
		defer close(tk.finished)
		return fn(ctx)
	})
}

func (s *taskSet) wait() {
	for _, tk := range s.pending {
		if tk.state.CompareAndSwap(0, 2) {
			continue
		}
		<-tk.finished
	}
}
