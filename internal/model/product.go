// Package model defines the core entities of the harvesting pipeline:
// product identities, runs, sources, assertions, candidates, review keys
// and automation jobs.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ProductIdentity identifies the product a run harvests specs for.
// Immutable within a run.
type ProductIdentity struct {
	Category string `json:"category"`
	Brand    string `json:"brand"`
	Model    string `json:"model"`
	Variant  string `json:"variant,omitempty"`
}

// ProductID returns the deterministic identifier for this identity.
// The same (category, brand, model, variant) tuple always maps to the
// same id, regardless of casing or surrounding whitespace.
func (p ProductIdentity) ProductID() string {
	parts := []string{p.Category, p.Brand, p.Model, p.Variant}
	for i, s := range parts {
		parts[i] = strings.ToLower(strings.TrimSpace(s))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])[:16]
}

// Slug returns a filesystem-friendly name for output directories.
func (p ProductIdentity) Slug() string {
	raw := p.Brand + "-" + p.Model
	if p.Variant != "" {
		raw += "-" + p.Variant
	}
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range strings.ToLower(raw) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// IdentityTokens returns the lowercase tokens of brand and model, used by
// discovery triage and retrieval identity scoring.
func (p ProductIdentity) IdentityTokens() []string {
	var toks []string
	for _, field := range []string{p.Brand, p.Model, p.Variant} {
		for _, t := range strings.Fields(strings.ToLower(field)) {
			if len(t) > 1 {
				toks = append(toks, t)
			}
		}
	}
	return toks
}
