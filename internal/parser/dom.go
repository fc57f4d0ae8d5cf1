package parser

import (
	"bytes"
	"context"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/sells-group/spec-harvester/internal/contract"
	"github.com/sells-group/spec-harvester/internal/model"
)

// SelectorRule targets one field with a CSS selector on a known host.
type SelectorRule struct {
	FieldKey string `yaml:"field_key"`
	Selector string `yaml:"selector"`
	// Attr reads an attribute instead of the element text.
	Attr string `yaml:"attr,omitempty"`
}

// AdapterRegistry holds per-host selector adapters. Hosts without an
// adapter fall back to the generic definition-list walk.
type AdapterRegistry struct {
	mu       sync.RWMutex
	adapters map[string][]SelectorRule
}

// NewAdapterRegistry creates an empty registry.
func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{adapters: make(map[string][]SelectorRule)}
}

// Register installs the selector rules for a host, replacing any prior.
func (r *AdapterRegistry) Register(host string, rules []SelectorRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[strings.ToLower(host)] = rules
}

// Rules returns the adapter for a host, or nil.
func (r *AdapterRegistry) Rules(host string) []SelectorRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[strings.ToLower(host)]
}

// DOMParser extracts assertions from static markup: a registered
// per-host adapter when one exists, otherwise definition lists and
// label-colon spec rows.
type DOMParser struct {
	registry *AdapterRegistry
}

// NewDOMParser creates a DOMParser over a registry. A nil registry
// means generic extraction only.
func NewDOMParser(registry *AdapterRegistry) *DOMParser {
	if registry == nil {
		registry = NewAdapterRegistry()
	}
	return &DOMParser{registry: registry}
}

func (d *DOMParser) Name() string { return "dom" }

func (d *DOMParser) Accepts(p *Page) bool { return p.IsHTML() }

func (d *DOMParser) Extract(_ context.Context, c *contract.Contract, p *Page) ([]RawAssertion, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(p.Body))
	if err != nil {
		return nil, eris.Wrap(err, "dom: parse html")
	}

	var out []RawAssertion
	if rules := d.registry.Rules(model.HostOf(p.URL)); rules != nil {
		d.applyAdapter(c, doc, rules, &out)
	}
	if len(out) == 0 {
		d.genericExtract(c, doc, &out)
	}
	return dedupeRaw(out), nil
}

func (d *DOMParser) applyAdapter(c *contract.Contract, doc *goquery.Document, rules []SelectorRule, out *[]RawAssertion) {
	for _, rule := range rules {
		f := c.ByKey(rule.FieldKey)
		if f == nil {
			continue
		}
		doc.Find(rule.Selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			value := ""
			if rule.Attr != "" {
				value, _ = s.Attr(rule.Attr)
			} else {
				value = s.Text()
			}
			value = strings.TrimSpace(value)
			if value == "" {
				return true
			}
			*out = append(*out, RawAssertion{
				FieldKey:    f.Key,
				ContextKind: f.ContextKind,
				Value:       value,
				Quote:       quoteOf(f.Key + ": " + value),
				Method:      d.Name(),
			})
			return false // first match per rule
		})
	}
}

// genericExtract walks definition lists and "Label: value" list items,
// the two shapes spec pages use most.
func (d *DOMParser) genericExtract(c *contract.Contract, doc *goquery.Document, out *[]RawAssertion) {
	doc.Find("dl").Each(func(_ int, dl *goquery.Selection) {
		terms := dl.Find("dt")
		defs := dl.Find("dd")
		if terms.Length() == 0 || terms.Length() != defs.Length() {
			return
		}
		terms.Each(func(i int, dt *goquery.Selection) {
			label := strings.TrimSpace(dt.Text())
			value := strings.TrimSpace(defs.Eq(i).Text())
			emitLabeled(c, label, value, d.Name(), out)
		})
	})

	doc.Find("li, p").Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if len(text) > 160 || !strings.Contains(text, ":") {
			return
		}
		label, value, _ := strings.Cut(text, ":")
		emitLabeled(c, label, value, d.Name(), out)
	})
}

// emitLabeled appends an assertion when the label resolves to a field.
func emitLabeled(c *contract.Contract, label, value, method string, out *[]RawAssertion) {
	label = strings.TrimSpace(label)
	value = strings.TrimSpace(value)
	if label == "" || value == "" {
		return
	}
	f := c.FieldByAlias(label)
	if f == nil {
		return
	}
	*out = append(*out, RawAssertion{
		FieldKey:    f.Key,
		ContextKind: f.ContextKind,
		Value:       value,
		Quote:       quoteOf(label + ": " + value),
		Method:      method,
	})
}
