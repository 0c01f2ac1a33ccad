package reconcile

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// only a lowercase v counts as a version marker
var versionSuffix = regexp.MustCompile(`v\d+$`)

// Normalize reduces a template name to the key used by the name fallback:
// everything but letters and digits dropped, one trailing "v<n>" removed,
// lowercased. Separators go first, so "Welcome v2" and "Welcomev2" both
// become "welcome".
func Normalize(name string) string {
	s := versionSuffix.ReplaceAllString(alnum(name), "")
	// a Caser is stateful, so one per call
	return alnum(cases.Lower(language.Und).String(s))
}

func alnum(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}
