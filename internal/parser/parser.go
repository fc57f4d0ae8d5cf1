// Package parser turns fetched artifacts into raw assertions. Parsers
// form a ladder: structured metadata first, OCR last; the first parser
// that yields anything wins the artifact.
package parser

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/spec-harvester/internal/contract"
	"github.com/sells-group/spec-harvester/internal/model"
)

// Page is one fetched artifact handed to the ladder.
type Page struct {
	URL    string
	Kind   model.ArtifactKind
	MIME   string
	Body   []byte
	Method model.FetchMethod
}

// IsHTML reports whether the payload is markup.
func (p *Page) IsHTML() bool {
	return p.Kind == model.ArtifactHTML || p.Kind == model.ArtifactDOM ||
		strings.Contains(p.MIME, "html")
}

// IsPDF reports whether the payload is a PDF document.
func (p *Page) IsPDF() bool {
	return p.Kind == model.ArtifactPDF || strings.Contains(p.MIME, "pdf") ||
		strings.HasPrefix(string(p.Body), "%PDF")
}

// RawAssertion is one extracted field/value tuple before normalization.
type RawAssertion struct {
	FieldKey    string
	ContextKind model.ContextKind
	ContextRef  string
	Value       string
	Unit        string
	Quote       string
	Method      string
}

// Parser extracts raw assertions from one kind of artifact.
type Parser interface {
	Name() string
	Accepts(p *Page) bool
	Extract(ctx context.Context, c *contract.Contract, p *Page) ([]RawAssertion, error)
}

// Bank runs the parser ladder over an artifact.
type Bank struct {
	parsers []Parser
}

// NewBank creates a Bank with parsers in ladder order.
func NewBank(parsers ...Parser) *Bank {
	return &Bank{parsers: parsers}
}

// Parsers returns the ladder in order.
func (b *Bank) Parsers() []Parser {
	return b.parsers
}

// DefaultBank assembles the production ladder: structured metadata,
// embedded state, DOM selectors, tables, article text, then PDFs.
func DefaultBank(registry *AdapterRegistry, pdf *PDFParser) *Bank {
	parsers := []Parser{
		&JSONLDParser{},
		&EmbeddedStateParser{},
		NewDOMParser(registry),
		&TableParser{},
		&ArticleParser{},
	}
	if pdf != nil {
		parsers = append(parsers, pdf)
	}
	return NewBank(parsers...)
}

// Extract walks the ladder until a parser yields at least one
// assertion. Parser errors are structural, not fatal: the ladder keeps
// descending. Returns the winning parser's name with the assertions.
func (b *Bank) Extract(ctx context.Context, c *contract.Contract, p *Page) ([]RawAssertion, string, error) {
	var lastErr error
	for _, parser := range b.parsers {
		if !parser.Accepts(p) {
			continue
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		assertions, err := parser.Extract(ctx, c, p)
		if err != nil {
			zap.L().Debug("parser: rung failed",
				zap.String("parser", parser.Name()),
				zap.String("url", p.URL),
				zap.Error(err))
			lastErr = err
			continue
		}
		if len(assertions) > 0 {
			return assertions, parser.Name(), nil
		}
	}
	if lastErr != nil {
		return nil, "", eris.Wrap(lastErr, "parser: ladder exhausted")
	}
	return nil, "", nil
}

// quoteOf trims and collapses a source line into an evidence quote.
func quoteOf(s string) string {
	q := strings.Join(strings.Fields(s), " ")
	if len(q) > 300 {
		q = q[:300]
	}
	return q
}
