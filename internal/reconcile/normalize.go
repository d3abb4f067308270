package reconcile

import (
	"regexp"
	"strings"
)

var multiSpaceRe = regexp.MustCompile(`\s{2,}`)

// trailingPackPunct strips dangling punctuation left behind by OCR at the end
// of a product name ("Organic Tofu 300g ." or "Spelt Flour 1kg -").
var trailingPackPunct = regexp.MustCompile(`[\s.,;:*-]+$`)

// NormalizeName standardizes a raw product name into the link identity key:
//  1. Trim whitespace
//  2. Lower-case
//  3. Collapse internal runs of whitespace
//  4. Strip trailing punctuation noise
//
// Deliberately gentle: pack sizes and descriptors stay ("300g", "Organic"),
// because for grocery products they distinguish real variants. The similarity
// match absorbs spelling drift; normalization only canonicalizes formatting.
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}

	name = strings.ToLower(name)
	name = multiSpaceRe.ReplaceAllString(name, " ")
	name = trailingPackPunct.ReplaceAllString(name, "")

	return name
}
