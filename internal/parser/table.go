package parser

import (
	"bytes"
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/sells-group/spec-harvester/internal/contract"
)

// TableParser extracts label/value pairs from spec tables: two-column
// rows, th/td rows, and header-row tables where one column per field.
type TableParser struct{}

func (t *TableParser) Name() string { return "table" }

func (t *TableParser) Accepts(p *Page) bool { return p.IsHTML() }

func (t *TableParser) Extract(_ context.Context, c *contract.Contract, p *Page) ([]RawAssertion, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(p.Body))
	if err != nil {
		return nil, eris.Wrap(err, "table: parse html")
	}

	var out []RawAssertion
	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		if t.extractPairRows(c, table, &out) {
			return
		}
		t.extractHeaderTable(c, table, &out)
	})
	return dedupeRaw(out), nil
}

// extractPairRows handles the dominant spec-sheet shape: each row is a
// label cell followed by a value cell. Returns true when it matched.
func (t *TableParser) extractPairRows(c *contract.Contract, table *goquery.Selection, out *[]RawAssertion) bool {
	matched := false
	table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		cells := tr.Find("th, td")
		if cells.Length() != 2 {
			return
		}
		label := strings.TrimSpace(cells.Eq(0).Text())
		value := strings.TrimSpace(cells.Eq(1).Text())
		before := len(*out)
		emitLabeled(c, label, value, t.Name(), out)
		if len(*out) > before {
			matched = true
		}
	})
	return matched
}

// extractHeaderTable handles comparison-style tables: a header row of
// field labels over a single data row.
func (t *TableParser) extractHeaderTable(c *contract.Contract, table *goquery.Selection, out *[]RawAssertion) {
	rows := table.Find("tr")
	if rows.Length() < 2 {
		return
	}
	headers := rows.Eq(0).Find("th, td")
	values := rows.Eq(1).Find("th, td")
	if headers.Length() < 2 || headers.Length() != values.Length() {
		return
	}
	headers.Each(func(i int, h *goquery.Selection) {
		emitLabeled(c, strings.TrimSpace(h.Text()), strings.TrimSpace(values.Eq(i).Text()), t.Name(), out)
	})
}
