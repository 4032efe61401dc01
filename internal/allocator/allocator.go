// Package allocator assigns recipients to variants at experiment creation.
//
// Two strategies coexist: the caller either pre-groups recipients per
// variant, or supplies a flat list plus allocation percentages and lets
// the weighted split partition it.
package allocator

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"splitsend/internal/domain"
)

var (
	ErrEmptyPhone          = errors.New("recipient phone must not be empty")
	ErrNoRecipients        = errors.New("experiment has no recipients")
	ErrPercentagesMismatch = errors.New("allocation percentages must sum to 100")
	ErrDuplicateRecipient  = errors.New("duplicate recipient within variant")
)

// Assignment maps a variant name to its recipient set, deduplicated.
type Assignment map[string][]domain.RecipientInput

// Preassigned validates and groups recipients already attached to their
// variants. Duplicate phones within a variant are rejected; duplicates
// across the whole payload are dropped, first occurrence wins.
func Preassigned(variants []domain.VariantInput) (Assignment, error) {
	out := make(Assignment, len(variants))
	seenGlobal := make(map[string]bool)

	for _, v := range variants {
		seenVariant := make(map[string]bool, len(v.Recipients))
		for _, r := range v.Recipients {
			phone := strings.TrimSpace(r.Phone)
			if phone == "" {
				return nil, fmt.Errorf("variant %s: %w", v.Name, ErrEmptyPhone)
			}
			if seenVariant[phone] {
				return nil, fmt.Errorf("variant %s: %w: %s", v.Name, ErrDuplicateRecipient, phone)
			}
			seenVariant[phone] = true
			if seenGlobal[phone] {
				continue
			}
			seenGlobal[phone] = true
			out[v.Name] = append(out[v.Name], domain.RecipientInput{Phone: phone, Name: r.Name})
		}
	}

	total := 0
	for _, rs := range out {
		total += len(rs)
	}
	if total == 0 {
		return nil, ErrNoRecipients
	}
	return out, nil
}

// SplitByPercentage shuffles the flat list uniformly, then walks variants
// by descending percentage handing each floor(pct/100*N) recipients. The
// flooring remainder goes entirely to the highest-percentage variant, so
// every recipient lands in exactly one variant.
func SplitByPercentage(recipients []domain.RecipientInput, variants []domain.VariantInput, rng *rand.Rand) (Assignment, error) {
	deduped := dedupe(recipients)
	if len(deduped) == 0 {
		return nil, ErrNoRecipients
	}
	sum := 0
	for _, v := range variants {
		if v.AllocationPercentage < 0 {
			return nil, ErrPercentagesMismatch
		}
		sum += v.AllocationPercentage
	}
	if sum != 100 {
		return nil, ErrPercentagesMismatch
	}

	shuffled := make([]domain.RecipientInput, len(deduped))
	copy(shuffled, deduped)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	order := make([]domain.VariantInput, len(variants))
	copy(order, variants)
	sort.SliceStable(order, func(i, j int) bool {
		return order[i].AllocationPercentage > order[j].AllocationPercentage
	})

	n := len(shuffled)
	takes := make([]int, len(order))
	taken := 0
	for i, v := range order {
		takes[i] = v.AllocationPercentage * n / 100
		taken += takes[i]
	}
	// Flooring remainder goes to the largest share.
	takes[0] += n - taken

	out := make(Assignment, len(order))
	pos := 0
	for i, v := range order {
		out[v.Name] = shuffled[pos : pos+takes[i] : pos+takes[i]]
		pos += takes[i]
	}
	return out, nil
}

func dedupe(recipients []domain.RecipientInput) []domain.RecipientInput {
	seen := make(map[string]bool, len(recipients))
	out := make([]domain.RecipientInput, 0, len(recipients))
	for _, r := range recipients {
		phone := strings.TrimSpace(r.Phone)
		if phone == "" || seen[phone] {
			continue
		}
		seen[phone] = true
		out = append(out, domain.RecipientInput{Phone: phone, Name: r.Name})
	}
	return out
}
