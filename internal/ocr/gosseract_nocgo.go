//go:build !cgo

package ocr

import (
	"context"
	"errors"
)

var errNoCgo = errors.New("gosseract engine requires a cgo build; use the cli engine")

// GosseractEngine is unavailable without cgo.
type GosseractEngine struct{}

// NewGosseractEngine always fails in builds without cgo.
func NewGosseractEngine() (*GosseractEngine, error) {
	return nil, errNoCgo
}

// Name implements Engine.
func (g *GosseractEngine) Name() string { return "gosseract" }

// Recognize implements Engine.
func (g *GosseractEngine) Recognize(context.Context, string, string) (string, error) {
	return "", errNoCgo
}
