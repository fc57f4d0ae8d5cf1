package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/sells-group/spec-harvester/internal/contract"
)

// stateMarkers are the framework globals that hold hydration state.
var stateMarkers = []string{
	"window.__INITIAL_STATE__",
	"window.__PRELOADED_STATE__",
	"window.__NUXT__",
	"__APOLLO_STATE__",
}

// EmbeddedStateParser extracts assertions from framework hydration
// blobs: __NEXT_DATA__ scripts and window-global state assignments.
type EmbeddedStateParser struct{}

func (e *EmbeddedStateParser) Name() string { return "embedded" }

func (e *EmbeddedStateParser) Accepts(p *Page) bool { return p.IsHTML() }

func (e *EmbeddedStateParser) Extract(_ context.Context, c *contract.Contract, p *Page) ([]RawAssertion, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(p.Body))
	if err != nil {
		return nil, eris.Wrap(err, "embedded: parse html")
	}

	var out []RawAssertion

	// Next.js ships state as a plain JSON script.
	doc.Find("script#__NEXT_DATA__").Each(func(_ int, s *goquery.Selection) {
		var node any
		if err := json.Unmarshal([]byte(s.Text()), &node); err != nil {
			return
		}
		walkJSON(c, "", node, e.Name(), &out, 0)
	})

	// Window-global assignments need the object literal carved out.
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		text := s.Text()
		for _, marker := range stateMarkers {
			idx := strings.Index(text, marker)
			if idx < 0 {
				continue
			}
			blob := carveJSONObject(text[idx+len(marker):])
			if blob == "" {
				continue
			}
			var node any
			if err := json.Unmarshal([]byte(blob), &node); err != nil {
				continue
			}
			walkJSON(c, "", node, e.Name(), &out, 0)
		}
	})

	return dedupeRaw(out), nil
}

// carveJSONObject returns the first balanced {...} literal after an
// assignment, respecting strings and escapes. Empty when none closes.
func carveJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			escaped = inString
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}
