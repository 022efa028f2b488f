package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the machine-readable category of a pipeline failure.
type Kind string

const (
	KindInvalidRequest   Kind = "InvalidRequest"
	KindQuotaExceeded    Kind = "QuotaExceeded"
	KindCaptureFailed    Kind = "CaptureFailed"
	KindProcessingFailed Kind = "ProcessingFailed"
	KindAnalysisFailed   Kind = "AnalysisFailed"
	KindInternal         Kind = "InternalError"
)

// Stage names used in errors, logs and timings.
const (
	StageValidate = "validate"
	StageQuota    = "quota"
	StageCapture  = "capture"
	StageProcess  = "process"
	StageOCR      = "ocr"
	StageAnalysis = "analysis"
)

// QuotaInfo is the quota context attached to QuotaExceeded errors.
type QuotaInfo struct {
	Date      string `json:"date"`
	Count     int    `json:"count"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	Reason    string `json:"reason,omitempty"`
}

// Error is a fatal pipeline failure. Only Kind and Message are meant for
// callers; Err carries the underlying cause for logs.
type Error struct {
	Kind     Kind       `json:"kind"`
	Stage    string     `json:"stage"`
	Message  string     `json:"message"`
	TimedOut bool       `json:"timedOut,omitempty"`
	Quota    *QuotaInfo `json:"quota,omitempty"`
	Err      error      `json:"-"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Stage, e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf returns the kind of a pipeline error, or KindInternal for anything
// else.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// stageError builds the error for a failed hard stage. Deadline expiry of
// the stage's own timeout is flagged as a timeout.
func stageError(kind Kind, stage, msg string, err error) *Error {
	e := &Error{Kind: kind, Stage: stage, Message: msg, Err: err}
	if errors.Is(err, context.DeadlineExceeded) {
		e.TimedOut = true
		e.Message = stage + " timed out"
	}
	return e
}

func internalError(stage string, err error) *Error {
	return &Error{Kind: KindInternal, Stage: stage, Message: "internal error", Err: err}
}

// Timeout reports whether the stage's own deadline expired.
func (e *Error) Timeout() bool { return e != nil && e.TimedOut }
