// Package metrics keeps in-process counters and stage timings for screenshot
// runs. The HTTP transport serves a snapshot at /metrics.
package metrics

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cwmaguire/screenshot-mcp/internal/pipeline"
)

// Timer aggregates durations for one stage.
type Timer struct {
	Count   int64   `json:"count"`
	TotalMs float64 `json:"totalMs"`
	MaxMs   float64 `json:"maxMs"`
}

// MeanMs is the average duration, or zero before the first observation.
func (t Timer) MeanMs() float64 {
	if t.Count == 0 {
		return 0
	}
	return t.TotalMs / float64(t.Count)
}

func (t *Timer) observe(d time.Duration) {
	if d <= 0 {
		return
	}
	ms := float64(d) / float64(time.Millisecond)
	t.Count++
	t.TotalMs += ms
	if ms > t.MaxMs {
		t.MaxMs = ms
	}
}

// Snapshot is a copy of the collector's state.
type Snapshot struct {
	Since         time.Time        `json:"since"`
	Runs          int64            `json:"runs"`
	Succeeded     int64            `json:"succeeded"`
	Degraded      int64            `json:"degraded"`
	Failed        map[string]int64 `json:"failed"`
	AnalysisError map[string]int64 `json:"analysisErrors"`
	OCRFailures   int64            `json:"ocrFailures"`
	Timeouts      map[string]int64 `json:"timeouts"`
	Stages        map[string]Timer `json:"stages"`
}

// Collector implements pipeline.Observer.
type Collector struct {
	mu   sync.Mutex
	snap Snapshot
}

// New returns an empty collector.
func New() *Collector {
	c := &Collector{}
	c.Reset()
	return c
}

// Reset clears all counters.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = Snapshot{
		Since:         time.Now(),
		Failed:        map[string]int64{},
		AnalysisError: map[string]int64{},
		Timeouts:      map[string]int64{},
		Stages:        map[string]Timer{},
	}
}

// ObserveRun records one finished run.
func (c *Collector) ObserveRun(res *pipeline.Result, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.snap.Runs++
	if err != nil {
		c.snap.Failed[string(pipeline.KindOf(err))]++
		var pe *pipeline.Error
		if errors.As(err, &pe) && pe.Timeout() {
			c.snap.Timeouts[pe.Stage]++
		}
	}
	if res == nil {
		return
	}

	if res.Degraded() {
		c.snap.Degraded++
		c.snap.AnalysisError[string(res.AnalysisError.Kind)]++
		if res.AnalysisError.Timeout() {
			c.snap.Timeouts[res.AnalysisError.Stage]++
		}
	} else {
		c.snap.Succeeded++
	}
	if res.OCRError != nil {
		c.snap.OCRFailures++
	}

	c.stage(pipeline.StageCapture, res.Timings.Capture)
	c.stage(pipeline.StageProcess, res.Timings.Processing)
	c.stage(pipeline.StageOCR, res.Timings.OCR)
	c.stage(pipeline.StageAnalysis, res.Timings.Analysis)
	c.stage("total", res.Timings.Total)
}

func (c *Collector) stage(name string, d time.Duration) {
	t := c.snap.Stages[name]
	t.observe(d)
	if t.Count > 0 {
		c.snap.Stages[name] = t
	}
}

// Snapshot returns a copy safe to encode.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.snap
	out.Failed = copyCounts(c.snap.Failed)
	out.AnalysisError = copyCounts(c.snap.AnalysisError)
	out.Timeouts = copyCounts(c.snap.Timeouts)
	out.Stages = make(map[string]Timer, len(c.snap.Stages))
	for k, v := range c.snap.Stages {
		out.Stages[k] = v
	}
	return out
}

// StageNames lists stages with at least one observation, sorted.
func (s Snapshot) StageNames() []string {
	names := make([]string, 0, len(s.Stages))
	for k := range s.Stages {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
