package util

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ULIDs are sortable, which keeps recipient and result ordering stable
// under the created_at,id sort the dispatcher relies on.
func newID(prefix string) string {
	t := time.Now().UTC()
	return prefix + "_" + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NewExperimentID() string { return newID("exp") }
func NewVariantID() string    { return newID("var") }
func NewRecipientID() string  { return newID("rcp") }
func NewBatchID() string      { return newID("bat") }
func NewResultID() string     { return newID("res") }

func NowUTC() time.Time {
	return time.Now().UTC()
}

// RenderTemplate does simple {var} replacement for per-recipient
// personalization.
func RenderTemplate(body string, vars map[string]string) string {
	out := body
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}
