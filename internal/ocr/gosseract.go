//go:build cgo

package ocr

import (
	"context"
	"fmt"

	"github.com/otiai10/gosseract/v2"
)

// GosseractEngine runs libtesseract in-process.
//
// The underlying call cannot be interrupted; ctx is checked before and after
// it, and the worker running it stays busy until Tesseract returns.
type GosseractEngine struct{}

// NewGosseractEngine returns the in-process engine.
func NewGosseractEngine() (*GosseractEngine, error) {
	return &GosseractEngine{}, nil
}

// Name implements Engine.
func (g *GosseractEngine) Name() string { return "gosseract" }

// Recognize implements Engine.
func (g *GosseractEngine) Recognize(ctx context.Context, imagePath, language string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(language); err != nil {
		return "", fmt.Errorf("failed to set language: %w", err)
	}

	if err := client.SetImage(imagePath); err != nil {
		return "", fmt.Errorf("failed to set image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return "", fmt.Errorf("OCR failed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return text, nil
}
