package pipeline

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"comicstudio/internal/domain"
)

// composePrompt renders the text sent with a unit's job. Every unit of a run
// gets the same style and character block.
func composePrompt(style domain.StyleContext, description string, continuity bool) string {
	var b strings.Builder
	if label := styleLabel(style.Style()); label != "" {
		fmt.Fprintf(&b, "%s style illustration. ", label)
	}
	b.WriteString("Scene: ")
	b.WriteString(strings.TrimSpace(description))
	if chars := style.Characters(); len(chars) > 0 {
		b.WriteString("\nCharacters:")
		for _, c := range chars {
			b.WriteString("\n- ")
			b.WriteString(c.Name)
			if c.Description != "" {
				b.WriteString(": ")
				b.WriteString(c.Description)
			}
		}
	}
	if continuity {
		b.WriteString("\nKeep characters, palette and setting consistent with the reference image of the previous scene.")
	}
	return b.String()
}

// styleLabel title-cases a style key such as "cute" or "noir_comic".
func styleLabel(style string) string {
	style = strings.TrimSpace(strings.NewReplacer("_", " ", "-", " ").Replace(style))
	if style == "" {
		return ""
	}
	// Casers keep state; build one per call.
	return cases.Title(language.Und).String(style)
}

// references lists the character reference images followed by the optional
// continuity reference.
func references(style domain.StyleContext, previous string) []string {
	var refs []string
	for _, c := range style.Characters() {
		if c.ReferenceURL != "" {
			refs = append(refs, c.ReferenceURL)
		}
	}
	if previous != "" {
		refs = append(refs, previous)
	}
	return refs
}
