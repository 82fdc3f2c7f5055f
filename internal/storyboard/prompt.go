// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storyboard

import (
	"sort"
	"strings"
)

// quotePairs maps opening quotation marks to their closing mark. Text
// inside quotes is exempt from character-name substitution.
var quotePairs = map[rune]rune{
	'"':  '"',
	'\'': '\'',
	'“':  '”',
	'‘':  '’',
	'「':  '」',
	'『':  '』',
}

// AssemblePrompt builds the provider-facing prompt for a segment:
// character names outside quotation marks are rewritten to their
// bracketed reference form, scene and props are appended, then the
// director note. Whitespace is collapsed at the end, so the result is
// deterministic for a given segment.
func AssemblePrompt(seg *Segment) string {
	text := seg.PromptText
	if seg.Asset != nil && len(seg.Asset.Characters) > 0 {
		text = substituteCharacters(text, seg.Asset.Characters)
	}

	var b strings.Builder
	b.WriteString(text)

	if seg.Asset != nil {
		if ann := assetAnnotation(seg.Asset); ann != "" {
			b.WriteString(" ")
			b.WriteString(ann)
		}
	}
	if note := strings.TrimSpace(seg.DirectorIntent); note != "" {
		b.WriteString(" (Director Note: ")
		b.WriteString(note)
		b.WriteString(")")
	}

	return strings.Join(strings.Fields(b.String()), " ")
}

func assetAnnotation(a *Asset) string {
	scene := strings.TrimSpace(a.Scene)
	props := make([]string, 0, len(a.Props))
	for _, p := range a.Props {
		if p = strings.TrimSpace(p); p != "" {
			props = append(props, p)
		}
	}
	switch {
	case scene != "" && len(props) > 0:
		return "[Scene: " + scene + " | Props: " + strings.Join(props, ", ") + "]"
	case scene != "":
		return "[Scene: " + scene + "]"
	case len(props) > 0:
		return "[Props: " + strings.Join(props, ", ") + "]"
	}
	return ""
}

// substituteCharacters rewrites each character-name occurrence outside
// quotation marks to its bracketed form. Names are tried longest first
// so "Alice Smith" wins over "Alice"; each match is consumed in one
// pass, so replacements are never re-scanned.
func substituteCharacters(text string, characters []CharacterItem) string {
	chars := make([]CharacterItem, 0, len(characters))
	for _, c := range characters {
		if strings.TrimSpace(c.Name) != "" {
			chars = append(chars, c)
		}
	}
	if len(chars) == 0 {
		return text
	}
	sort.SliceStable(chars, func(i, j int) bool {
		return len(chars[i].Name) > len(chars[j].Name)
	})

	var b strings.Builder
	runes := []rune(text)
	var closing rune
	inQuote := false

	for i := 0; i < len(runes); {
		r := runes[i]

		if inQuote {
			b.WriteRune(r)
			if r == closing {
				inQuote = false
			}
			i++
			continue
		}
		if closer, ok := quotePairs[r]; ok {
			inQuote = true
			closing = closer
			b.WriteRune(r)
			i++
			continue
		}

		if name, ref, n := matchCharacter(runes[i:], chars); n > 0 {
			b.WriteString(bracketedForm(name, ref))
			i += n
			continue
		}

		b.WriteRune(r)
		i++
	}
	return b.String()
}

// matchCharacter tries each character name at the head of the rune
// slice and returns the consumed rune count of the first (longest) hit.
func matchCharacter(text []rune, chars []CharacterItem) (name, id string, consumed int) {
	for _, c := range chars {
		nameRunes := []rune(c.Name)
		if len(nameRunes) > len(text) {
			continue
		}
		if string(text[:len(nameRunes)]) == c.Name {
			return c.Name, c.ID, len(nameRunes)
		}
	}
	return "", "", 0
}

func bracketedForm(name, id string) string {
	if id != "" {
		return "[" + name + " " + id + "]"
	}
	return "[" + name + "]"
}
