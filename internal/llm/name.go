// SPDX-License-Identifier: MIT

package llm

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	wrappingStars  = regexp.MustCompile(`^\*+\s*|\s*\*+$`)
	parenthetical  = regexp.MustCompile(`\s*\([^)]*\)`)
	disallowedRune = regexp.MustCompile(`[^a-zA-Z0-9_]`)
	multiScore     = regexp.MustCompile(`_{2,}`)
)

// SanitizeImageName turns a model-suggested image name into a safe filename
// stem: markdown stars and parentheticals stripped, non-ASCII and punctuation
// replaced with underscores, capped at 35 characters, and prefixed with the
// HHMM minute stamp so repeated scenes in one session stay distinct.
func SanitizeImageName(raw string, now time.Time) string {
	name := wrappingStars.ReplaceAllString(strings.TrimSpace(raw), "")
	name = parenthetical.ReplaceAllString(name, "")

	// Compose accented characters first so each becomes one underscore.
	name = norm.NFC.String(name)
	name = strings.Map(func(r rune) rune {
		if r > unicode.MaxASCII {
			return '_'
		}
		return r
	}, name)

	name = disallowedRune.ReplaceAllString(name, "_")
	name = multiScore.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")

	if len(name) < 3 {
		name = GenericName
	}
	if len(name) > 35 {
		name = strings.TrimRight(name[:35], "_")
	}
	return now.Format("1504") + "_" + name
}
