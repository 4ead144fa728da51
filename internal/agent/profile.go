// Package agent wraps an LLM session with the mortality-aware bookkeeping
// every agent needs: an immutable profile, an append-only diary, and the
// lifecycle transitions a countdown timer drives it through.
package agent

import "strings"

// Profile is an agent's immutable identity, set at spawn and never
// mutated afterward.
type Profile struct {
	ID          string
	DisplayName string
	Archetype   string
	Summary     string
	Goals       []string
	Traits      []string
}

// AgentID satisfies bus.Profile so a Profile can be registered on the
// shared bus directly.
func (p Profile) AgentID() string { return p.ID }

// SystemPrompt renders the persona seed used to open every session.
func (p Profile) SystemPrompt() string {
	var b strings.Builder
	b.WriteString("You are ")
	b.WriteString(p.DisplayName)
	b.WriteString(", a ")
	b.WriteString(p.Archetype)
	b.WriteString(".\nPersona: ")
	b.WriteString(p.Summary)
	b.WriteString(".\n")
	if len(p.Goals) > 0 {
		b.WriteString("Goals:\n")
		for _, g := range p.Goals {
			b.WriteString("- ")
			b.WriteString(g)
			b.WriteString("\n")
		}
	}
	if len(p.Traits) > 0 {
		b.WriteString("Traits: ")
		b.WriteString(strings.Join(p.Traits, ", "))
		b.WriteString(".\n")
	}
	b.WriteString("Stay aware that your remaining lifetime is streamed via tool ticks.")
	return b.String()
}
