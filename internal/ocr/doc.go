// Package ocr extracts text from the processed capture using Tesseract.
//
// Two engines are available:
//
//   - CLIEngine runs the tesseract binary as a subprocess. It is the default
//     because a timed-out run can be terminated like any other process.
//   - GosseractEngine calls libtesseract in-process through gosseract/v2. It
//     is only compiled with cgo; without cgo NewGosseractEngine returns an
//     error.
//
// # Prerequisites
//
// Tesseract must be installed on the system:
//   - Ubuntu/Debian: apt-get install tesseract-ocr
//   - macOS: brew install tesseract
//
// Language data files are required for each language:
//   - Ubuntu/Debian: apt-get install tesseract-ocr-eng (for English)
//   - Other languages: tesseract-ocr-<lang> packages
//
// # Failure Semantics
//
// Text extraction never decides the outcome of a capture. Extractor.Extract
// reports errors, and the caller substitutes an empty string.
package ocr
