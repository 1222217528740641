// Package entity resolves extracted names to stable per-owner entities and
// links them to notes.
package entity

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var folder = cases.Fold()

// Normalize maps name variants to one key: NFC, Unicode case fold, trimmed,
// internal whitespace collapsed. "  ACME   Corp " and "acme corp" normalize equally.
func Normalize(name string) string {
	folded := folder.String(norm.NFC.String(name))
	return strings.Join(strings.Fields(folded), " ")
}

// DisplayName trims and collapses whitespace but keeps the original casing.
func DisplayName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}
