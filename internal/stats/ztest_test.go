package stats

import (
	"math"
	"testing"

	"splitsend/internal/store"
)

func TestCompareSignificant(t *testing.T) {
	a := store.VariantMetrics{Name: "A", Trials: 100, Successes: 90}
	b := store.VariantMetrics{Name: "B", Trials: 100, Successes: 60}

	c := Compare(a, b)
	if !c.SufficientData {
		t.Fatal("expected sufficient data")
	}
	if !c.Significant {
		t.Fatalf("expected significance, z = %v", c.Z)
	}
	if c.Z <= zCritical {
		t.Fatalf("z = %v, want well above %v", c.Z, zCritical)
	}
	// pooled p = 0.75, se = sqrt(0.75*0.25*0.02) ~ 0.06124, z ~ 4.899
	if math.Abs(c.Z-4.899) > 0.01 {
		t.Fatalf("z = %v, want ~4.899", c.Z)
	}
	if c.Winner != "A" {
		t.Fatalf("winner = %q, want A", c.Winner)
	}
	if math.Abs(c.ImprovementPP-30) > 1e-9 {
		t.Fatalf("improvement = %v pp, want 30", c.ImprovementPP)
	}
}

func TestCompareInsufficientData(t *testing.T) {
	a := store.VariantMetrics{Name: "A", Trials: 20, Successes: 20}
	b := store.VariantMetrics{Name: "B", Trials: 20, Successes: 0}

	c := Compare(a, b)
	if c.SufficientData {
		t.Fatal("expected insufficient data below the sample floor")
	}
	if c.Significant || c.Winner != "" {
		t.Fatalf("verdict leaked: %+v", c)
	}
	// Raw metrics are still reported.
	if c.A.Rate != 1 || c.B.Rate != 0 {
		t.Fatalf("rates = %v/%v", c.A.Rate, c.B.Rate)
	}
}

func TestCompareNotSignificant(t *testing.T) {
	a := store.VariantMetrics{Name: "A", Trials: 100, Successes: 52}
	b := store.VariantMetrics{Name: "B", Trials: 100, Successes: 48}

	c := Compare(a, b)
	if !c.SufficientData {
		t.Fatal("expected sufficient data")
	}
	if c.Significant {
		t.Fatalf("z = %v should not be significant", c.Z)
	}
}

func TestCompareDegenerateRates(t *testing.T) {
	a := store.VariantMetrics{Name: "A", Trials: 50, Successes: 50}
	b := store.VariantMetrics{Name: "B", Trials: 50, Successes: 50}

	c := Compare(a, b)
	if c.Significant || c.Z != 0 {
		t.Fatalf("identical perfect rates: %+v", c)
	}
}

func TestCompareAllPairs(t *testing.T) {
	ms := []store.VariantMetrics{
		{Name: "A", Trials: 100, Successes: 90},
		{Name: "B", Trials: 100, Successes: 60},
		{Name: "C", Trials: 100, Successes: 58},
	}
	cs := CompareAll(ms)
	if len(cs) != 3 {
		t.Fatalf("got %d comparisons, want 3", len(cs))
	}
	if cs[0].A.Name != "A" || cs[0].B.Name != "B" {
		t.Fatalf("first pair = %s vs %s", cs[0].A.Name, cs[0].B.Name)
	}
	if !cs[0].Significant || cs[0].Winner != "A" {
		t.Fatalf("A vs B: %+v", cs[0])
	}
	// B vs C is a 2pp gap, nowhere near significant at n=100.
	if cs[2].Significant {
		t.Fatalf("B vs C should not be significant: %+v", cs[2])
	}
}
