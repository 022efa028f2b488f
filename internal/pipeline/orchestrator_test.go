package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/cwmaguire/screenshot-mcp/internal/analysis"
	"github.com/cwmaguire/screenshot-mcp/internal/imaging"
	"github.com/cwmaguire/screenshot-mcp/internal/logger"
	"github.com/cwmaguire/screenshot-mcp/internal/quota"
	"github.com/cwmaguire/screenshot-mcp/internal/tempfiles"
	"github.com/cwmaguire/screenshot-mcp/internal/workerpool"
)

var today = time.Date(2026, 5, 2, 9, 30, 0, 0, time.Local)

func screenPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 200, 150))
	for y := 0; y < 150; y++ {
		for x := 0; x < 200; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: uint8(x ^ y), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// fakeCapture writes a fixed PNG, or runs fn if set.
type fakeCapture struct {
	png   []byte
	calls atomic.Int32
	fn    func(ctx context.Context, out string) error
}

func (c *fakeCapture) Capture(ctx context.Context, out string) error {
	c.calls.Add(1)
	if c.fn != nil {
		return c.fn(ctx, out)
	}
	return os.WriteFile(out, c.png, 0o600)
}

type fakeExtractor struct {
	text string
	err  error
}

func (e fakeExtractor) Extract(ctx context.Context, path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	return e.text, e.err
}

type fakeAnalyzer struct {
	mu    sync.Mutex
	calls int
	last  analysis.Input
	reply string
	err   error
	block bool
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, in analysis.Input) (string, error) {
	a.mu.Lock()
	a.calls++
	a.last = in
	a.mu.Unlock()
	if a.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return a.reply, a.err
}

func (a *fakeAnalyzer) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type harness struct {
	orch     *Orchestrator
	dir      string
	limiter  *quota.Limiter
	capture  *fakeCapture
	analyzer *fakeAnalyzer
}

type harnessOpts struct {
	start     int
	limit     int
	retain    bool
	extractor TextExtractor
	timeouts  Timeouts
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	if o.limit == 0 {
		o.limit = 1000
	}
	if o.extractor == nil {
		o.extractor = fakeExtractor{text: "File Edit View"}
	}
	log := logger.Discard()

	lim, err := quota.NewLimiter(
		quota.NewMemoryStore(quota.State{Date: today.Format("2006-01-02"), Count: o.start}),
		o.limit,
		quota.WithClock(func() time.Time { return today }),
		quota.WithLogger(log),
	)
	require.NoError(t, err)

	dir := t.TempDir()
	reg, err := tempfiles.NewRegistry(dir, o.retain, log)
	require.NoError(t, err)

	pool := workerpool.New(4)
	t.Cleanup(pool.Close)

	h := &harness{
		dir:      dir,
		limiter:  lim,
		capture:  &fakeCapture{png: screenPNG(t)},
		analyzer: &fakeAnalyzer{reply: "A code editor with a Go file open."},
	}
	h.orch, err = New(Config{
		Limiter:   lim,
		Capture:   h.capture,
		Processor: imaging.NewProcessor(imaging.DefaultMargins, log),
		Extractor: o.extractor,
		Analyzer:  h.analyzer,
		Pool:      pool,
		Files:     reg,
		Timeouts:  o.timeouts,
		Log:       log,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) count(t *testing.T) int {
	t.Helper()
	n, err := h.limiter.CurrentCount(context.Background())
	require.NoError(t, err)
	return n
}

func (h *harness) files(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestRun_DescriptionSuccess(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	res, err := h.orch.Run(context.Background(), Request{Mode: "description"})
	require.NoError(t, err)

	assert.NotEmpty(t, res.Image)
	assert.Equal(t, "image/png", res.MIMEType)
	assert.Equal(t, 180, res.Width)
	assert.Equal(t, 90, res.Height)
	assert.True(t, res.Cropped)
	assert.Equal(t, "File Edit View", res.OCRText)
	assert.True(t, res.HasAnalysis)
	assert.Equal(t, "A code editor with a Go file open.", res.Analysis)
	assert.Nil(t, res.AnalysisError)
	require.NotNil(t, res.Quota)
	assert.Equal(t, 999, res.Quota.Remaining)
	assert.Positive(t, res.Timings.Total)

	assert.Equal(t, 1, h.count(t))
	assert.Equal(t, "File Edit View", h.analyzer.last.OCRText)
	assert.Empty(t, h.files(t), "artifacts must be released")
}

func TestRun_EmptyModeDefaultsToDescription(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	res, err := h.orch.Run(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, analysis.ModeDescription, res.Mode)
}

func TestRun_QuestionPassedThrough(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	_, err := h.orch.Run(context.Background(), Request{Mode: "both", Question: "  what is this?  "})
	require.NoError(t, err)
	assert.Equal(t, analysis.ModeBoth, h.analyzer.last.Mode)
	assert.Equal(t, "what is this?", h.analyzer.last.Question)
}

func TestRun_InvalidRequest(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"question without question", Request{Mode: "question", Question: ""}},
		{"both with blank question", Request{Mode: "both", Question: "   "}},
		{"unknown mode", Request{Mode: "summarize"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOpts{})

			res, err := h.orch.Run(context.Background(), tt.req)
			assert.Nil(t, res)
			assert.Equal(t, KindInvalidRequest, KindOf(err))
			assert.Zero(t, h.capture.calls.Load(), "capture must not run")
			assert.Equal(t, 0, h.count(t))
			assert.Empty(t, h.files(t))
		})
	}
}

func TestRun_QuotaExhaustedBeforeCapture(t *testing.T) {
	h := newHarness(t, harnessOpts{start: 1000})

	res, err := h.orch.Run(context.Background(), Request{Mode: "both", Question: "what is this?"})
	assert.Nil(t, res)
	require.Equal(t, KindQuotaExceeded, KindOf(err))

	var pe *Error
	require.ErrorAs(t, err, &pe)
	require.NotNil(t, pe.Quota)
	assert.Equal(t, 0, pe.Quota.Remaining)
	assert.Equal(t, 1000, pe.Quota.Limit)
	assert.Equal(t, quota.ReasonLimitReached, pe.Quota.Reason)

	assert.Zero(t, h.capture.calls.Load())
	assert.Equal(t, 1000, h.count(t))
	assert.Zero(t, h.analyzer.Calls())
}

func TestRun_ProviderExhaustionFlagBlocksNextRun(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.analyzer.err = analysis.ErrQuotaExhausted

	res, err := h.orch.Run(context.Background(), Request{Mode: "description"})
	require.NoError(t, err)
	require.NotNil(t, res.AnalysisError)
	assert.Equal(t, KindQuotaExceeded, res.AnalysisError.Kind)
	assert.NotEmpty(t, res.Image)
	assert.Equal(t, "File Edit View", res.OCRText)
	assert.False(t, res.HasAnalysis)
	assert.Equal(t, 1, h.count(t), "attempts are metered")

	_, err = h.orch.Run(context.Background(), Request{Mode: "description"})
	assert.Equal(t, KindQuotaExceeded, KindOf(err))
	assert.Equal(t, int32(1), h.capture.calls.Load())
}

func TestRun_AnalysisFailureIsDegraded(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.analyzer.err = &analysis.APIError{StatusCode: 500, Body: "boom"}

	res, err := h.orch.Run(context.Background(), Request{Mode: "question", Question: "any errors?"})
	require.NoError(t, err)
	require.NotNil(t, res.AnalysisError)
	assert.Equal(t, KindAnalysisFailed, res.AnalysisError.Kind)
	assert.False(t, res.AnalysisError.Timeout())
	assert.NotEmpty(t, res.Image)
	assert.Equal(t, 1, h.count(t), "failed attempts are not refunded")
}

func TestRun_AnalysisTimeoutIsDegraded(t *testing.T) {
	h := newHarness(t, harnessOpts{timeouts: Timeouts{Analysis: 20 * time.Millisecond}})
	h.analyzer.block = true

	res, err := h.orch.Run(context.Background(), Request{Mode: "description"})
	require.NoError(t, err)
	require.NotNil(t, res.AnalysisError)
	assert.Equal(t, KindAnalysisFailed, res.AnalysisError.Kind)
	assert.True(t, res.AnalysisError.Timeout())
	assert.NotEmpty(t, res.Image)
}

func TestRun_OCRFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, harnessOpts{extractor: fakeExtractor{err: errors.New("tesseract: not found")}})

	res, err := h.orch.Run(context.Background(), Request{Mode: "description"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Image)
	assert.Equal(t, "", res.OCRText)
	assert.Error(t, res.OCRError)
	assert.True(t, res.HasAnalysis)
}

type slowExtractor struct{}

func (slowExtractor) Extract(ctx context.Context, path string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestRun_OCRTimeoutIsNotFatal(t *testing.T) {
	h := newHarness(t, harnessOpts{extractor: slowExtractor{}, timeouts: Timeouts{OCR: 20 * time.Millisecond}})

	res, err := h.orch.Run(context.Background(), Request{Mode: "description"})
	require.NoError(t, err)
	assert.Equal(t, "", res.OCRText)
	assert.ErrorIs(t, res.OCRError, context.DeadlineExceeded)
	assert.True(t, res.HasAnalysis)
	assert.Empty(t, h.files(t))
}

func TestRun_CaptureTimeoutLeavesNoArtifacts(t *testing.T) {
	for _, retain := range []bool{false, true} {
		h := newHarness(t, harnessOpts{retain: retain, timeouts: Timeouts{Capture: 20 * time.Millisecond}})
		h.capture.fn = func(ctx context.Context, out string) error {
			// partial write, then hang
			if err := os.WriteFile(out, []byte("\x89PNG"), 0o600); err != nil {
				return err
			}
			<-ctx.Done()
			return ctx.Err()
		}

		res, err := h.orch.Run(context.Background(), Request{Mode: "description"})
		assert.Nil(t, res)
		require.Equal(t, KindCaptureFailed, KindOf(err))

		var pe *Error
		require.ErrorAs(t, err, &pe)
		assert.True(t, pe.Timeout())
		assert.Empty(t, h.files(t), "retain=%v", retain)
		assert.Equal(t, 0, h.count(t))
	}
}

func TestRun_CaptureFailure(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.capture.fn = func(ctx context.Context, out string) error {
		return errors.New("scrot: Can't open X display")
	}

	_, err := h.orch.Run(context.Background(), Request{Mode: "description"})
	assert.Equal(t, KindCaptureFailed, KindOf(err))
	assert.Zero(t, h.analyzer.Calls())
}

func TestRun_ProcessingFailure(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.capture.fn = func(ctx context.Context, out string) error {
		return os.WriteFile(out, []byte("not an image"), 0o600)
	}

	res, err := h.orch.Run(context.Background(), Request{Mode: "description"})
	assert.Nil(t, res)
	assert.Equal(t, KindProcessingFailed, KindOf(err))
	assert.Empty(t, h.files(t))
	assert.Equal(t, 0, h.count(t))
}

func TestRun_CallerCancellationCleansUp(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx, cancel := context.WithCancel(context.Background())
	h.capture.fn = func(cctx context.Context, out string) error {
		if err := os.WriteFile(out, []byte("partial"), 0o600); err != nil {
			return err
		}
		cancel()
		<-cctx.Done()
		return cctx.Err()
	}

	_, err := h.orch.Run(ctx, Request{Mode: "description"})
	require.Equal(t, KindCaptureFailed, KindOf(err))
	assert.ErrorIs(t, err, context.Canceled)

	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.False(t, pe.Timeout())
	assert.Empty(t, h.files(t))
}

func TestRun_RetainReportsPaths(t *testing.T) {
	h := newHarness(t, harnessOpts{retain: true})

	res, err := h.orch.Run(context.Background(), Request{Mode: "description"})
	require.NoError(t, err)
	assert.Len(t, res.RetainedPaths, 2)
	assert.Len(t, h.files(t), 2)
}

func TestRun_PanicBecomesInternalError(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.capture.fn = func(ctx context.Context, out string) error {
		if err := os.WriteFile(out, []byte("x"), 0o600); err != nil {
			return err
		}
		panic("backend bug")
	}

	res, err := h.orch.Run(context.Background(), Request{Mode: "description"})
	assert.Nil(t, res)
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Empty(t, h.files(t))
}

func TestRun_ConcurrentRequestsRespectLimit(t *testing.T) {
	h := newHarness(t, harnessOpts{start: 990})

	const n = 50
	var analyzed, denied atomic.Int32
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			res, err := h.orch.Run(context.Background(), Request{Mode: "description"})
			switch {
			case err != nil:
				if KindOf(err) != KindQuotaExceeded {
					return err
				}
				denied.Add(1)
			case res.HasAnalysis:
				analyzed.Add(1)
			case res.AnalysisError != nil && res.AnalysisError.Kind == KindQuotaExceeded:
				denied.Add(1)
			default:
				return errors.New("unexpected outcome")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.EqualValues(t, 10, analyzed.Load())
	assert.EqualValues(t, 40, denied.Load())
	assert.Equal(t, 1000, h.count(t))
	assert.Equal(t, 10, h.analyzer.Calls())
	assert.Empty(t, h.files(t))
}

type recordingObserver struct {
	mu   sync.Mutex
	errs []error
	runs int
}

func (r *recordingObserver) ObserveRun(res *Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs++
	if err != nil {
		r.errs = append(r.errs, err)
	}
}

func TestRun_ObserverSeesEveryRun(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	obs := &recordingObserver{}
	h.orch.observer = obs

	_, _ = h.orch.Run(context.Background(), Request{Mode: "description"})
	_, _ = h.orch.Run(context.Background(), Request{Mode: "question"})

	assert.Equal(t, 2, obs.runs)
	require.Len(t, obs.errs, 1)
	assert.Equal(t, KindInvalidRequest, KindOf(obs.errs[0]))
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.Equal(t, KindCaptureFailed, KindOf(&Error{Kind: KindCaptureFailed}))
}

func TestStageError_Timeout(t *testing.T) {
	e := stageError(KindProcessingFailed, StageProcess, "image processing failed", context.DeadlineExceeded)
	assert.True(t, e.Timeout())
	assert.Equal(t, "process timed out", e.Message)
	assert.ErrorIs(t, e, context.DeadlineExceeded)
}
