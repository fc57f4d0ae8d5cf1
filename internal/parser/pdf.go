package parser

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/spec-harvester/internal/contract"
	"github.com/sells-group/spec-harvester/internal/ocr"
)

// PDFParser mines spec lines from PDF documents: the native text layer
// first, then budgeted OCR for scanned files. Both passes must clear
// the quality gate before their text is trusted.
type PDFParser struct {
	native   ocr.Extractor
	fallback ocr.Extractor // nil disables the OCR rung
	gate     ocr.QualityGate
}

// NewPDFParser creates a PDFParser. native handles text-layer
// extraction; fallback (may be nil) handles scanned documents.
func NewPDFParser(native, fallback ocr.Extractor, gate ocr.QualityGate) *PDFParser {
	if native == nil {
		native = ocr.NewPdfToText("")
	}
	return &PDFParser{native: native, fallback: fallback, gate: gate}
}

func (d *PDFParser) Name() string { return "pdf" }

func (d *PDFParser) Accepts(p *Page) bool { return p.IsPDF() }

func (d *PDFParser) Extract(ctx context.Context, c *contract.Contract, p *Page) ([]RawAssertion, error) {
	text, err := d.native.ExtractText(ctx, p.Body)
	if err == nil && d.gate.Accept(text) {
		if out := dedupeRaw(scanLabeledLines(c, text, d.Name())); len(out) > 0 {
			return out, nil
		}
	}
	if err != nil {
		zap.L().Debug("pdf: native text layer failed", zap.String("url", p.URL), zap.Error(err))
	}

	if d.fallback == nil {
		if err != nil {
			return nil, eris.Wrap(err, "pdf: extract text")
		}
		return nil, nil
	}

	// Scanned document; spend the OCR budget.
	text, err = d.fallback.ExtractText(ctx, p.Body)
	if err != nil {
		return nil, eris.Wrap(err, "pdf: ocr fallback")
	}
	if !d.gate.Accept(text) {
		zap.L().Debug("pdf: ocr output below quality gate", zap.String("url", p.URL))
		return nil, nil
	}
	return dedupeRaw(scanLabeledLines(c, text, "ocr")), nil
}
