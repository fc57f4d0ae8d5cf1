package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/sells-group/spec-harvester/internal/contract"
)

const maxWalkDepth = 8

// JSONLDParser extracts structured product metadata: JSON-LD blocks,
// Open Graph meta tags, and schema.org microdata attributes.
type JSONLDParser struct{}

func (j *JSONLDParser) Name() string { return "jsonld" }

func (j *JSONLDParser) Accepts(p *Page) bool { return p.IsHTML() }

func (j *JSONLDParser) Extract(_ context.Context, c *contract.Contract, p *Page) ([]RawAssertion, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(p.Body))
	if err != nil {
		return nil, eris.Wrap(err, "jsonld: parse html")
	}

	var out []RawAssertion
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var node any
		if err := json.Unmarshal([]byte(s.Text()), &node); err != nil {
			return // malformed blocks are common; skip quietly
		}
		walkJSON(c, "", node, j.Name(), &out, 0)
	})

	// Open Graph and product meta tags.
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		key, _ := s.Attr("property")
		if key == "" {
			key, _ = s.Attr("name")
		}
		content, _ := s.Attr("content")
		if key == "" || content == "" {
			return
		}
		key = strings.TrimPrefix(strings.TrimPrefix(key, "og:"), "product:")
		emitAlias(c, key, content, j.Name(), &out)
	})

	// Microdata itemprop attributes.
	doc.Find("[itemprop]").Each(func(_ int, s *goquery.Selection) {
		key, _ := s.Attr("itemprop")
		value, ok := s.Attr("content")
		if !ok {
			value = strings.TrimSpace(s.Text())
		}
		if key == "" || value == "" || len(value) > 200 {
			return
		}
		emitAlias(c, key, value, j.Name(), &out)
	})

	return dedupeRaw(out), nil
}

// walkJSON descends a decoded JSON tree and emits assertions for keys
// that resolve to contract fields. schema.org additionalProperty rows
// carry their own name/value/unit triple and are handled first.
func walkJSON(c *contract.Contract, key string, node any, method string, out *[]RawAssertion, depth int) {
	if depth > maxWalkDepth {
		return
	}
	switch v := node.(type) {
	case map[string]any:
		// additionalProperty-style rows carry their own name/value/unit.
		if name, ok := v["name"].(string); ok {
			if value, has := scalarOf(v["value"]); has {
				unit, _ := v["unitText"].(string)
				if unit == "" {
					unit, _ = v["unitCode"].(string)
				}
				if f := c.FieldByAlias(name); f != nil {
					*out = append(*out, RawAssertion{
						FieldKey:    f.Key,
						ContextKind: f.ContextKind,
						Value:       value,
						Unit:        unit,
						Quote:       quoteOf(name + ": " + value + " " + unit),
						Method:      method,
					})
				}
				return
			}
		}
		for k, child := range v {
			if strings.HasPrefix(k, "@") {
				continue
			}
			if value, ok := scalarOf(child); ok {
				emitAlias(c, k, value, method, out)
				continue
			}
			// Named entities collapse to their name, e.g.
			// brand: {"@type": "Brand", "name": "Razer"}.
			if m, ok := child.(map[string]any); ok && isNamedEntity(m) {
				name, _ := m["name"].(string)
				emitAlias(c, k, name, method, out)
				continue
			}
			walkJSON(c, k, child, method, out, depth+1)
		}
	case []any:
		for _, child := range v {
			walkJSON(c, key, child, method, out, depth+1)
		}
	}
}

// isNamedEntity reports whether a map is a bare schema.org entity, a
// name with only identity metadata around it.
func isNamedEntity(m map[string]any) bool {
	if _, ok := m["name"].(string); !ok {
		return false
	}
	for k := range m {
		switch k {
		case "name", "url", "logo", "@type", "@id", "@context":
		default:
			return false
		}
	}
	return true
}

// emitAlias appends an assertion when the key matches a contract field.
func emitAlias(c *contract.Contract, key, value, method string, out *[]RawAssertion) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	f := c.FieldByAlias(key)
	if f == nil {
		return
	}
	*out = append(*out, RawAssertion{
		FieldKey:    f.Key,
		ContextKind: f.ContextKind,
		Value:       value,
		Quote:       quoteOf(key + ": " + value),
		Method:      method,
	})
}

// scalarOf renders a JSON leaf as text.
func scalarOf(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), t != ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		if t {
			return "true", true
		}
		return "false", true
	default:
		return "", false
	}
}

// dedupeRaw drops exact (field, value, context) repeats.
func dedupeRaw(in []RawAssertion) []RawAssertion {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, a := range in {
		k := a.FieldKey + "\x1f" + strings.ToLower(a.Value) + "\x1f" + a.ContextRef
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, a)
	}
	return out
}
