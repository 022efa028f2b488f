package ocr

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultLanguage is the Tesseract language code used when none is set.
const DefaultLanguage = "eng"

// Engine recognises the text in one image file.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, imagePath, language string) (string, error)
}

// NewEngine returns the engine registered under name: "cli" or "gosseract".
func NewEngine(name string) (Engine, error) {
	switch name {
	case "", "cli":
		return NewCLIEngine("", nil), nil
	case "gosseract":
		g, err := NewGosseractEngine()
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unknown ocr engine %q", name)
	}
}

// Extractor runs an Engine and normalises its output.
type Extractor struct {
	engine   Engine
	language string
	log      logrus.FieldLogger
}

// NewExtractor returns an extractor using engine for language.
func NewExtractor(engine Engine, language string, log logrus.FieldLogger) *Extractor {
	if language == "" {
		language = DefaultLanguage
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Extractor{engine: engine, language: language, log: log}
}

// Extract returns the trimmed text found in the image at path.
func (e *Extractor) Extract(ctx context.Context, path string) (string, error) {
	start := time.Now()
	text, err := e.engine.Recognize(ctx, path, e.language)
	if err != nil {
		return "", fmt.Errorf("%s ocr: %w", e.engine.Name(), err)
	}
	text = normalize(text)
	e.log.WithFields(logrus.Fields{
		"engine":   e.engine.Name(),
		"chars":    len(text),
		"duration": time.Since(start).String(),
	}).Debug("ocr complete")
	return text, nil
}

// normalize trims every line and collapses runs of blank lines.
func normalize(text string) string {
	text = strings.ReplaceAll(text, "\f", "")
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	out := make([]string, 0, len(lines))
	blank := false
	for _, l := range lines {
		l = strings.TrimRight(l, " \t")
		if strings.TrimSpace(l) == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
