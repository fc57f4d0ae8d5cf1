// Package contract loads category field contracts: the declared fields of
// a category, their required levels, tier preferences, units and enums.
// Contracts are compiled externally and arrive as YAML files.
package contract

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/spec-harvester/internal/model"
)

// RequiredLevel orders how strongly a field is needed.
type RequiredLevel string

const (
	LevelIdentity RequiredLevel = "identity"
	LevelCritical RequiredLevel = "critical"
	LevelRequired RequiredLevel = "required"
	LevelExpected RequiredLevel = "expected"
	LevelOptional RequiredLevel = "optional"
)

// Weight returns the need-score weight of a level.
func (l RequiredLevel) Weight() float64 {
	switch l {
	case LevelIdentity:
		return 1.0
	case LevelCritical:
		return 0.9
	case LevelRequired:
		return 0.7
	case LevelExpected:
		return 0.4
	case LevelOptional:
		return 0.2
	default:
		return 0.2
	}
}

// UnitRule normalizes raw units into a canonical unit with a multiplier.
type UnitRule struct {
	From       string  `yaml:"from"`
	To         string  `yaml:"to"`
	Multiplier float64 `yaml:"multiplier"`
}

// FieldRule is the contract for one declared field of a category.
type FieldRule struct {
	Key           string            `yaml:"key"`
	Label         string            `yaml:"label,omitempty"`
	RequiredLevel RequiredLevel     `yaml:"required_level"`
	ContextKind   model.ContextKind `yaml:"context_kind"`
	Unit          string            `yaml:"unit,omitempty"`
	UnitRules     []UnitRule        `yaml:"unit_rules,omitempty"`
	Enum          []string          `yaml:"enum,omitempty"`
	// Aliases are the phrases discovery and parsers match against.
	Aliases       []string `yaml:"aliases,omitempty"`
	PreferredTier int      `yaml:"preferred_tier,omitempty"` // 1..4; 0 = any
	MinRefs       int      `yaml:"min_refs,omitempty"`       // distinct sources required
	// FreshnessDays is the half-life used by need-score decay; 0 disables.
	FreshnessDays int `yaml:"freshness_days,omitempty"`
}

// IsIdentity reports whether this field participates in identity locking.
func (f *FieldRule) IsIdentity() bool {
	return f.RequiredLevel == LevelIdentity
}

// MatchesAlias reports whether a header or label matches this field.
func (f *FieldRule) MatchesAlias(text string) bool {
	t := normalizeAlias(text)
	if t == "" {
		return false
	}
	if t == normalizeAlias(f.Key) || t == normalizeAlias(f.Label) {
		return true
	}
	for _, a := range f.Aliases {
		if t == normalizeAlias(a) {
			return true
		}
	}
	return false
}

func normalizeAlias(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Trim(s, ":")
	return strings.Join(strings.Fields(strings.NewReplacer("_", " ", "-", " ").Replace(s)), " ")
}

// Contract is the full declared contract for a category.
type Contract struct {
	Category string `yaml:"category"`
	// TierDomains maps root domains to trust tiers (1 = manufacturer).
	TierDomains map[string]int `yaml:"tier_domains,omitempty"`
	// LabDomains are known review-lab root domains (tier 2).
	LabDomains []string    `yaml:"lab_domains,omitempty"`
	Fields     []FieldRule `yaml:"fields"`

	byKey    map[string]*FieldRule
	identity []*FieldRule
	required []*FieldRule
}

// Load reads a category contract from a YAML file and indexes it.
func Load(path string) (*Contract, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "contract: read %s", path)
	}
	var c Contract
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, eris.Wrapf(err, "contract: parse %s", path)
	}
	if c.Category == "" {
		return nil, eris.Errorf("contract: %s has no category", path)
	}
	c.index()
	return &c, nil
}

// New builds a contract from in-memory rules (tests, fixtures).
func New(category string, fields []FieldRule) *Contract {
	c := &Contract{Category: category, Fields: fields}
	c.index()
	return c
}

func (c *Contract) index() {
	c.byKey = make(map[string]*FieldRule, len(c.Fields))
	for i := range c.Fields {
		f := &c.Fields[i]
		c.byKey[f.Key] = f
		if f.IsIdentity() {
			c.identity = append(c.identity, f)
		}
		switch f.RequiredLevel {
		case LevelIdentity, LevelCritical, LevelRequired:
			c.required = append(c.required, f)
		}
	}
}

// ByKey returns the rule for a field key, or nil.
func (c *Contract) ByKey(key string) *FieldRule {
	return c.byKey[key]
}

// IdentityFields returns the identity-level rules.
func (c *Contract) IdentityFields() []*FieldRule {
	return c.identity
}

// RequiredFields returns identity, critical and required rules.
func (c *Contract) RequiredFields() []*FieldRule {
	return c.required
}

// FieldByAlias resolves a label or header to a field rule, or nil.
func (c *Contract) FieldByAlias(text string) *FieldRule {
	for i := range c.Fields {
		if c.Fields[i].MatchesAlias(text) {
			return &c.Fields[i]
		}
	}
	return nil
}

// TierFor returns the trust tier for a root domain: explicit mapping
// first, then the lab list, then unverified (4).
func (c *Contract) TierFor(rootDomain string) int {
	rootDomain = strings.ToLower(rootDomain)
	if t, ok := c.TierDomains[rootDomain]; ok && t >= 1 && t <= 4 {
		return t
	}
	for _, d := range c.LabDomains {
		if strings.EqualFold(d, rootDomain) {
			return 2
		}
	}
	return 4
}
