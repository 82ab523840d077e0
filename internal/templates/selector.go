// Package templates holds the fixed catalog of manifestation scenarios and
// the keyword selector that maps a free-text prompt onto one of them.
package templates

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
)

const (
	Beach           = "beach"
	WorkAbroad      = "work-abroad"
	WildlifeRetreat = "wildlife-retreat"
)

// Template is a static scenario profile. AssetPrefix is the object store
// folder holding the shared intro and outro clips.
type Template struct {
	Name        string
	AssetPrefix string
	BasePrompt  string
}

// IntroPath is the object key of the template's intro clip.
func (t Template) IntroPath() string { return t.AssetPrefix + "/intro.mp4" }

// OutroPath is the object key of the template's outro clip.
func (t Template) OutroPath() string { return t.AssetPrefix + "/outro.mp4" }

// BuildPrompt appends the requester's action clause to the base prompt.
func (t Template) BuildPrompt(action string) string {
	return t.BasePrompt + " Action: " + strings.TrimSpace(action)
}

var catalog = []Template{
	{
		Name:        Beach,
		AssetPrefix: "beach_manifestation",
		BasePrompt:  "Cinematic video of the character from the reference image relaxing on a luxury tropical beach. Smiling, linen clothes. Golden hour lighting, 4k.",
	},
	{
		Name:        WorkAbroad,
		AssetPrefix: "work_abroad_manifestation",
		BasePrompt:  "Cinematic video of the character from the reference image walking through an old European city. Wearing business attire. Cobblestone streets. Vintage style, warm lighting, 4k.",
	},
	{
		Name:        WildlifeRetreat,
		AssetPrefix: "wildlife_manifestation",
		BasePrompt:  "Cinematic video of the character from the reference image hiking in a green forest. Wearing technical hiking gear and a backpack. Nature atmosphere, 4k.",
	},
}

// rules are checked in order; the first rule with a matching keyword wins.
var rules = []struct {
	template string
	keywords []string
}{
	{Beach, []string{"beach", "ocean", "sea"}},
	{WorkAbroad, []string{"work", "job", "abroad"}},
}

var folder = cases.Fold()

// Select returns the template for prompt. It is total and deterministic;
// prompts matching no keyword get the wildlife retreat.
func Select(prompt string) Template {
	tokens := tokenize(folder.String(prompt))
	for _, rule := range rules {
		for _, kw := range rule.keywords {
			if containsKeyword(tokens, kw) {
				t, _ := Lookup(rule.template)
				return t
			}
		}
	}
	t, _ := Lookup(WildlifeRetreat)
	return t
}

// Lookup finds a template by name.
func Lookup(name string) (Template, bool) {
	for _, t := range catalog {
		if t.Name == name {
			return t, true
		}
	}
	return Template{}, false
}

// All returns a copy of the catalog.
func All() []Template {
	out := make([]Template, len(catalog))
	copy(out, catalog)
	return out
}

func tokenize(s string) map[string]struct{} {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		out[f] = struct{}{}
	}
	return out
}

// compoundTails are the second halves of closed compounds that still name
// the keyword's scenario, as in "seaside", "oceanfront" and "workplace".
var compoundTails = []string{"side", "shore", "front", "view", "scape", "place"}

// containsKeyword matches whole tokens only: the bare keyword, a plain
// inflection ("beaches", "working") or a closed compound ("seaside",
// "beachfronts"). "seattle" and "season" do not match "sea".
func containsKeyword(tokens map[string]struct{}, kw string) bool {
	forms := []string{kw, kw + "s", kw + "es", kw + "ing"}
	for _, tail := range compoundTails {
		forms = append(forms, kw+tail, kw+tail+"s")
	}
	for _, form := range forms {
		if _, ok := tokens[form]; ok {
			return true
		}
	}
	return false
}
