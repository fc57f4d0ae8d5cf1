package parser

import (
	"bytes"
	"context"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/sells-group/spec-harvester/internal/contract"
)

// ArticleParser reduces a page to its readable main content and mines
// "Label: value" lines from it. The catch-all HTML rung before PDFs;
// reader-fetched markdown is scanned as-is.
type ArticleParser struct{}

func (a *ArticleParser) Name() string { return "article" }

func (a *ArticleParser) Accepts(p *Page) bool {
	return p.IsHTML() || strings.Contains(p.MIME, "markdown") || strings.Contains(p.MIME, "text/plain")
}

func (a *ArticleParser) Extract(_ context.Context, c *contract.Contract, p *Page) ([]RawAssertion, error) {
	text := string(p.Body)
	if p.IsHTML() {
		var err error
		text, err = a.readableText(p.Body)
		if err != nil {
			return nil, err
		}
	}
	return dedupeRaw(scanLabeledLines(c, text, a.Name())), nil
}

// readableText strips chrome elements and converts what remains to
// markdown.
func (a *ArticleParser) readableText(body []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", eris.Wrap(err, "article: parse html")
	}
	doc.Find("script, style, nav, footer, header, aside, form").Remove()

	html, err := doc.Html()
	if err != nil {
		return "", eris.Wrap(err, "article: serialize html")
	}
	md, err := htmltomarkdown.ConvertString(html)
	if err != nil {
		return "", eris.Wrap(err, "article: convert to markdown")
	}
	return md, nil
}

// scanLabeledLines mines "Label: value" lines from plain text or
// markdown. Shared by the article and pdf rungs.
func scanLabeledLines(c *contract.Contract, text, method string) []RawAssertion {
	var out []RawAssertion
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.Trim(line, "|*-# "))
		if line == "" || len(line) > 160 {
			continue
		}
		label, value, ok := strings.Cut(line, ":")
		if !ok {
			// Markdown tables separate with pipes instead.
			label, value, ok = strings.Cut(line, "|")
			if !ok {
				continue
			}
		}
		emitLabeled(c, label, strings.Trim(value, "| "), method, &out)
	}
	return out
}
