package intelligence

import "strings"

// DefaultThreshold applies to top-level categories without an entry.
const DefaultThreshold = 0.80

// Thresholds maps top-level category names to merge similarity thresholds.
type Thresholds struct {
	Default    float64
	ByCategory map[string]float64
}

// DefaultThresholds returns the built-in table. Qualities need a close match,
// anecdotes merge more eagerly.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Default: DefaultThreshold,
		ByCategory: map[string]float64{
			"gustos":                0.80,
			"cualidades":            0.90,
			"cualidades_personales": 0.90,
			"anecdotas":             0.75,
			"sexualidad":            0.85,
			"relaciones":            0.85,
			"historia_personal":     0.80,
			"emociones":             0.85,
		},
	}
}

// For returns the threshold of a top-level category name.
func (t Thresholds) For(root string) float64 {
	if v, ok := t.ByCategory[strings.ToLower(strings.TrimSpace(root))]; ok {
		return v
	}
	if t.Default > 0 {
		return t.Default
	}
	return DefaultThreshold
}

// With returns a copy with the threshold of root set to v.
func (t Thresholds) With(root string, v float64) Thresholds {
	out := Thresholds{Default: t.Default, ByCategory: make(map[string]float64, len(t.ByCategory)+1)}
	for k, val := range t.ByCategory {
		out.ByCategory[k] = val
	}
	out.ByCategory[strings.ToLower(strings.TrimSpace(root))] = v
	return out
}
