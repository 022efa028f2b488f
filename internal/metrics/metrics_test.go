package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwmaguire/screenshot-mcp/internal/pipeline"
)

func TestCollector_ObserveRun(t *testing.T) {
	c := New()

	c.ObserveRun(&pipeline.Result{
		HasAnalysis: true,
		Timings:     pipeline.Timings{Capture: 120 * time.Millisecond, Processing: 40 * time.Millisecond, Total: 300 * time.Millisecond},
	}, nil)
	c.ObserveRun(&pipeline.Result{
		OCRError: errors.New("tesseract missing"),
		AnalysisError: &pipeline.Error{
			Kind:     pipeline.KindAnalysisFailed,
			Stage:    pipeline.StageAnalysis,
			TimedOut: true,
		},
		Timings: pipeline.Timings{Capture: 80 * time.Millisecond},
	}, nil)
	c.ObserveRun(nil, &pipeline.Error{Kind: pipeline.KindCaptureFailed, Stage: pipeline.StageCapture, TimedOut: true, Err: context.DeadlineExceeded})
	c.ObserveRun(nil, errors.New("unexpected"))

	s := c.Snapshot()
	assert.EqualValues(t, 4, s.Runs)
	assert.EqualValues(t, 1, s.Succeeded)
	assert.EqualValues(t, 1, s.Degraded)
	assert.EqualValues(t, 1, s.OCRFailures)
	assert.EqualValues(t, 1, s.Failed["CaptureFailed"])
	assert.EqualValues(t, 1, s.Failed["InternalError"])
	assert.EqualValues(t, 1, s.AnalysisError["AnalysisFailed"])
	assert.EqualValues(t, 1, s.Timeouts["capture"])
	assert.EqualValues(t, 1, s.Timeouts["analysis"])

	capture := s.Stages["capture"]
	assert.EqualValues(t, 2, capture.Count)
	assert.InDelta(t, 120, capture.MaxMs, 0.001)
	assert.InDelta(t, 100, capture.MeanMs(), 0.001)

	_, hasOCR := s.Stages["ocr"]
	assert.False(t, hasOCR, "stages never observed are omitted")
	assert.Equal(t, []string{"capture", "process", "total"}, s.StageNames())
}

func TestCollector_SnapshotIsACopy(t *testing.T) {
	c := New()
	c.ObserveRun(nil, &pipeline.Error{Kind: pipeline.KindQuotaExceeded})
	s := c.Snapshot()
	s.Failed["QuotaExceeded"] = 99

	assert.EqualValues(t, 1, c.Snapshot().Failed["QuotaExceeded"])
}

func TestCollector_Reset(t *testing.T) {
	c := New()
	c.ObserveRun(&pipeline.Result{}, nil)
	c.Reset()
	assert.Zero(t, c.Snapshot().Runs)
}

func TestCollector_Concurrent(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.ObserveRun(&pipeline.Result{Timings: pipeline.Timings{Total: time.Millisecond}}, nil)
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	require.Contains(t, s.Stages, "total")
	assert.EqualValues(t, 20, s.Stages["total"].Count)
	assert.EqualValues(t, 20, s.Succeeded)
}
