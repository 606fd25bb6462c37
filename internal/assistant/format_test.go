package assistant

import "testing"

func TestFormatForWhatsApp(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain", "hello there", "hello there"},
		{"bold stars", "this is **important** now", "this is *important* now"},
		{"bold underscores", "this is __important__ now", "this is *important* now"},
		{"italic", "a *subtle* hint", "a _subtle_ hint"},
		{"strike", "price ~~100~~ 80", "price ~100~ 80"},
		{"bold and italic mixed", "**bold** and *italic*", "*bold* and _italic_"},
		{"bold not re-italicized", "**only bold**", "*only bold*"},
		{"inline code untouched", "run `ls **flags**` to list", "run `ls **flags**` to list"},
		{"fenced code untouched", "```\n**not bold**\n*not italic*\n```", "```\n**not bold**\n*not italic*\n```"},
		{"code plus emphasis", "use `*ptr*` for **deref**", "use `*ptr*` for *deref*"},
		{"multiple bold spans", "**a** then **b**", "*a* then *b*"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := FormatForWhatsApp(tc.in); got != tc.want {
				t.Fatalf("FormatForWhatsApp(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
