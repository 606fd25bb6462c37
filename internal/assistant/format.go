package assistant

import (
	"fmt"
	"regexp"
	"strings"
)

// Model output arrives in a markdown-like dialect; WhatsApp uses single-char
// delimiters. Code spans are shielded first so their contents survive the
// delimiter rewrite untouched.
var (
	fencedCodeRe = regexp.MustCompile("(?s)```.*?```")
	inlineCodeRe = regexp.MustCompile("`[^`\n]+`")
	boldStarRe   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	boldUnderRe  = regexp.MustCompile(`__(.+?)__`)
	italicStarRe = regexp.MustCompile(`\*(.+?)\*`)
	strikeRe     = regexp.MustCompile(`~~(.+?)~~`)
)

// FormatForWhatsApp remaps markdown emphasis delimiters to WhatsApp's
// lightweight formatting: **bold**→*bold*, *italic*→_italic_,
// ~~strike~~→~strike~. Monospace spans pass through unchanged.
func FormatForWhatsApp(text string) string {
	if text == "" {
		return ""
	}

	var shielded []string
	shield := func(s string) string {
		shielded = append(shielded, s)
		return fmt.Sprintf("\x00%d\x00", len(shielded)-1)
	}

	out := fencedCodeRe.ReplaceAllStringFunc(text, shield)
	out = inlineCodeRe.ReplaceAllStringFunc(out, shield)

	// Bold goes through a placeholder so the italic pass cannot re-match the
	// single stars it produces.
	out = boldStarRe.ReplaceAllString(out, "\x01$1\x01")
	out = boldUnderRe.ReplaceAllString(out, "\x01$1\x01")
	out = italicStarRe.ReplaceAllString(out, "_${1}_")
	out = strings.ReplaceAll(out, "\x01", "*")
	out = strikeRe.ReplaceAllString(out, "~$1~")

	for i := len(shielded) - 1; i >= 0; i-- {
		out = strings.Replace(out, fmt.Sprintf("\x00%d\x00", i), shielded[i], 1)
	}
	return out
}
