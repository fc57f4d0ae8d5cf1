package contract

import (
	"regexp"
	"strconv"
	"strings"
)

var numberUnitRe = regexp.MustCompile(`^([+-]?\d+(?:[.,]\d+)?)\s*([a-zA-Zµ%/]+)?$`)

// Normalize converts a raw extracted value into its canonical normalized
// form for this field: numbers are unit-converted to the contract unit,
// enum values snap to the declared spelling, and free text is collapsed.
// The returned unit is the canonical unit when a conversion applied.
func (f *FieldRule) Normalize(raw string) (norm string, unit string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return "", ""
	}

	if len(f.Enum) > 0 {
		folded := foldValue(v)
		for _, e := range f.Enum {
			if foldValue(e) == folded {
				return e, ""
			}
		}
		return v, ""
	}

	if m := numberUnitRe.FindStringSubmatch(strings.ReplaceAll(v, " ", " ")); m != nil {
		numText := strings.ReplaceAll(m[1], ",", ".")
		num, err := strconv.ParseFloat(numText, 64)
		if err == nil {
			rawUnit := strings.ToLower(m[2])
			for _, r := range f.UnitRules {
				if strings.ToLower(r.From) == rawUnit && r.Multiplier != 0 {
					num *= r.Multiplier
					rawUnit = strings.ToLower(r.To)
					break
				}
			}
			if f.Unit != "" && (rawUnit == "" || rawUnit == strings.ToLower(f.Unit)) {
				return formatNumber(num), f.Unit
			}
			if rawUnit != "" {
				return formatNumber(num), rawUnit
			}
			return formatNumber(num), ""
		}
	}

	return foldValue(v), ""
}

// foldValue lowercases and collapses whitespace for comparison.
func foldValue(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// formatNumber renders a float without a trailing ".0" for integral values.
func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
