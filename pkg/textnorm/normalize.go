// Package textnorm cleans raw test-step text before it is embedded.
package textnorm

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	// (1) / 1); parentheses are already half-width when these run
	parenPrefix = regexp.MustCompile(`^\(\d+\)`)
	closePrefix = regexp.MustCompile(`^\d+\)`)
	// 1. / 1、 / 1: (full-width colons are half-width by now)
	dotPrefix = regexp.MustCompile(`^\d+[.、:]`)
	// Step 1: / step 2 / STEP3、
	stepPrefix = regexp.MustCompile(`(?i)^step\s*\d+[.、:：\s]`)

	prefixSeparators = regexp.MustCompile(`^[.、:：\s]*`)
	trailingPunct    = regexp.MustCompile(`[;；。.]+$`)
)

// Normalize cleans a step operation text:
//
//  1. trims and collapses whitespace runs (full-width space included) to one space
//  2. maps full-width ASCII variants (U+FF01..U+FF5E, U+3000) to half-width
//  3. strips a leading step-numbering prefix such as "1.", "1:", "(1)", "1)", "1、" or "Step 1:"
//  4. strips trailing terminal punctuation (; ； 。 .)
//
// The rules are applied until the text stops changing, so Normalize is idempotent.
// Normalize never fails; empty or unusable input yields "".
func Normalize(text string) string {
	text = strings.ToValidUTF8(text, "")
	for {
		next := normalizeOnce(text)
		if next == text {
			return next
		}
		text = next
	}
}

func normalizeOnce(text string) string {
	text = collapseSpace(text)
	text = toHalfWidth(text)
	text = collapseSpace(text)
	text = stripNumbering(text)
	text = strings.TrimSpace(trailingPunct.ReplaceAllString(text, ""))
	return text
}

func collapseSpace(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func toHalfWidth(text string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 0xFF01 && r <= 0xFF5E:
			return r - 0xFEE0
		case r == 0x3000:
			return ' '
		}
		return r
	}, text)
}

func stripNumbering(text string) string {
	var prefix string
	switch {
	case parenPrefix.MatchString(text):
		prefix = parenPrefix.FindString(text)
	case closePrefix.MatchString(text):
		prefix = closePrefix.FindString(text)
	case stepPrefix.MatchString(text):
		prefix = stepPrefix.FindString(text)
	case dotPrefix.MatchString(text):
		prefix = dotPrefix.FindString(text)
		// "1.5 kg" is a decimal and "10:30" a time, not numbered steps
		if rest := text[len(prefix):]; rest != "" && !strings.HasSuffix(prefix, "、") && unicode.IsDigit(rune(rest[0])) {
			return text
		}
	default:
		return text
	}

	rest := text[len(prefix):]
	rest = rest[len(prefixSeparators.FindString(rest)):]
	return strings.TrimSpace(rest)
}
