// Package ocr extracts text from PDF payloads, either through the local
// pdftotext binary or the Mistral OCR API for scanned documents.
package ocr

import (
	"context"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
)

// Extractor extracts text content from a PDF payload.
type Extractor interface {
	ExtractText(ctx context.Context, pdf []byte) (string, error)
}

// Options selects and configures an extractor.
type Options struct {
	Provider      string `yaml:"provider" mapstructure:"provider"` // local | mistral
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
	MistralAPIKey string `yaml:"-" mapstructure:"-"`
	MistralModel  string `yaml:"mistral_model" mapstructure:"mistral_model"`
}

// NewExtractor creates an Extractor for the configured provider.
func NewExtractor(opts Options) (Extractor, error) {
	switch opts.Provider {
	case "local", "":
		return NewPdfToText(opts.PdfToTextPath), nil
	case "mistral":
		if opts.MistralAPIKey == "" {
			return nil, eris.New("ocr: mistral provider requires mistral_api_key")
		}
		return NewMistralOCR(opts.MistralAPIKey, opts.MistralModel), nil
	default:
		return nil, eris.Errorf("ocr: unknown provider %q", opts.Provider)
	}
}

// QualityGate rejects OCR output too thin or too noisy to trust.
type QualityGate struct {
	MinChars      int     `yaml:"min_chars" mapstructure:"min_chars"`
	MinLines      int     `yaml:"min_lines" mapstructure:"min_lines"`
	MinAlphaRatio float64 `yaml:"min_alpha_ratio" mapstructure:"min_alpha_ratio"`
}

// DefaultQualityGate returns the production gate.
func DefaultQualityGate() QualityGate {
	return QualityGate{MinChars: 200, MinLines: 5, MinAlphaRatio: 0.5}
}

// Accept reports whether extracted text clears the gate.
func (g QualityGate) Accept(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < g.MinChars {
		return false
	}
	lines := 0
	for _, l := range strings.Split(trimmed, "\n") {
		if strings.TrimSpace(l) != "" {
			lines++
		}
	}
	if lines < g.MinLines {
		return false
	}
	if g.MinAlphaRatio > 0 {
		var alpha, total int
		for _, r := range trimmed {
			if unicode.IsSpace(r) {
				continue
			}
			total++
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				alpha++
			}
		}
		if total == 0 || float64(alpha)/float64(total) < g.MinAlphaRatio {
			return false
		}
	}
	return true
}
