// Package stats compares variant success rates with a two-proportion
// z-test at the 95% confidence level.
package stats

import (
	"math"

	"splitsend/internal/store"
)

const (
	// MinTrials is the per-variant sample floor below which the test
	// reports insufficient data instead of a verdict.
	MinTrials = 30

	// zCritical is the two-sided critical value at 95% confidence.
	zCritical = 1.96
)

type VariantRates struct {
	VariantID string  `json:"variantId"`
	Name      string  `json:"name"`
	Trials    int     `json:"trials"`
	Successes int     `json:"successes"`
	Rate      float64 `json:"rate"`
}

type Comparison struct {
	A              VariantRates `json:"a"`
	B              VariantRates `json:"b"`
	SufficientData bool         `json:"sufficientData"`
	Z              float64      `json:"z"`
	Significant    bool         `json:"significant"`
	Winner         string       `json:"winner,omitempty"`
	// ImprovementPP is the winner's absolute lead in percentage points.
	ImprovementPP float64 `json:"improvementPp,omitempty"`
}

// Rates derives the per-variant success rate from raw counts.
func Rates(m store.VariantMetrics) VariantRates {
	r := VariantRates{VariantID: m.VariantID, Name: m.Name, Trials: m.Trials, Successes: m.Successes}
	if m.Trials > 0 {
		r.Rate = float64(m.Successes) / float64(m.Trials)
	}
	return r
}

// Compare runs the z-test on one pair of variants.
func Compare(a, b store.VariantMetrics) Comparison {
	c := Comparison{A: Rates(a), B: Rates(b)}
	if a.Trials < MinTrials || b.Trials < MinTrials {
		return c
	}
	c.SufficientData = true

	n1, n2 := float64(a.Trials), float64(b.Trials)
	p1, p2 := c.A.Rate, c.B.Rate

	pooled := (float64(a.Successes) + float64(b.Successes)) / (n1 + n2)
	se := math.Sqrt(pooled * (1 - pooled) * (1/n1 + 1/n2))
	if se == 0 {
		// Identical all-success or all-failure rates; nothing to separate.
		return c
	}

	c.Z = math.Abs(p1-p2) / se
	if c.Z <= zCritical {
		return c
	}

	c.Significant = true
	if p1 >= p2 {
		c.Winner = a.Name
	} else {
		c.Winner = b.Name
	}
	c.ImprovementPP = math.Abs(p1-p2) * 100
	return c
}

// CompareAll runs the pairwise test across every variant combination, in
// the order the variants were given.
func CompareAll(ms []store.VariantMetrics) []Comparison {
	var out []Comparison
	for i := 0; i < len(ms); i++ {
		for j := i + 1; j < len(ms); j++ {
			out = append(out, Compare(ms[i], ms[j]))
		}
	}
	return out
}
