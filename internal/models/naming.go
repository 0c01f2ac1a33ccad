package models

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// RemoteName builds the provider friendly name of a version, for example
// "welcome_message_v2". Every run of runes that are not letters or digits
// becomes one underscore.
func RemoteName(name string, version int) string {
	lower := cases.Lower(language.Und).String(name)

	var b strings.Builder
	sep := false
	for _, r := range lower {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if sep && b.Len() > 0 {
				b.WriteByte('_')
			}
			sep = false
			b.WriteRune(r)
			continue
		}
		sep = true
	}
	if b.Len() == 0 {
		b.WriteString("template")
	}
	b.WriteString("_v")
	b.WriteString(strconv.Itoa(version))
	return b.String()
}
