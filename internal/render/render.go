// Package render produces the Markdown note and the HTML card for a
// structured note. Both are pure functions of their input.
package render

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/notepipe/internal/note"
)

// Meta carries the per-note facts that are not part of the structured note.
type Meta struct {
	NoteID             string
	SourcePath         string
	CreatedAt          time.Time
	TranscriptionModel string
	DurationSeconds    float64
	RawTranscript      string
}

// Renderer turns a structured note into its human-readable forms.
type Renderer interface {
	Markdown(n note.StructuredNote, meta Meta) ([]byte, error)
	HTMLCard(n note.StructuredNote, meta Meta) ([]byte, error)
}

// Default renders Markdown with YAML front matter and a self-contained
// HTML card.
type Default struct {
	card *cardTemplate
}

// New creates the default renderer.
func New() *Default {
	return &Default{card: newCardTemplate()}
}

type frontMatter struct {
	ID       string   `yaml:"id"`
	Title    string   `yaml:"title"`
	Category string   `yaml:"category"`
	Tags     []string `yaml:"tags,flow"`
	Summary  string   `yaml:"summary,omitempty"`
	Created  string   `yaml:"created"`
	Source   string   `yaml:"source,omitempty"`
	Model    string   `yaml:"transcription_model,omitempty"`
}

// Markdown renders the note as Markdown.
func (d *Default) Markdown(n note.StructuredNote, meta Meta) ([]byte, error) {
	fm, err := yaml.Marshal(frontMatter{
		ID:       meta.NoteID,
		Title:    n.Title,
		Category: n.Category,
		Tags:     n.Tags,
		Summary:  n.SummaryShort,
		Created:  meta.CreatedAt.UTC().Format(time.RFC3339),
		Source:   meta.SourcePath,
		Model:    meta.TranscriptionModel,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding front matter: %w", err)
	}

	var b bytes.Buffer
	b.WriteString("---\n")
	b.Write(fm)
	b.WriteString("---\n\n")

	fmt.Fprintf(&b, "# %s\n\n", n.Title)
	fmt.Fprintf(&b, "**Category:** %s\n", n.Category)
	fmt.Fprintf(&b, "**Tags:** %s\n", strings.Join(n.Tags, ", "))
	if n.SummaryShort != "" {
		fmt.Fprintf(&b, "**Summary:** %s\n", n.SummaryShort)
	}
	b.WriteString("\n---\n\n")

	b.WriteString("## Cleaned Transcript\n\n")
	transcript := n.CleanedTranscript
	if transcript == "" {
		transcript = meta.RawTranscript
	}
	b.WriteString(strings.TrimSpace(transcript))
	b.WriteString("\n")

	writeList(&b, "Key Points", n.KeyPoints)

	if len(n.ActionItems) > 0 {
		b.WriteString("\n## Action Items\n\n")
		for _, item := range n.ActionItems {
			fmt.Fprintf(&b, "- [ ] %s (Priority: %s)", item.Description, item.Priority)
			if item.Due != "" {
				fmt.Fprintf(&b, " (Due: %s)", item.Due)
			}
			b.WriteString("\n")
		}
	}

	writeList(&b, "Decisions", n.Decisions)
	writeList(&b, "Open Questions", n.Questions)
	writeList(&b, "People", n.People)

	if len(n.Entities) > 0 {
		b.WriteString("\n## Entities\n\n")
		for _, e := range n.Entities {
			fmt.Fprintf(&b, "- %s (%s)\n", e.Text, e.Type)
		}
	}
	if len(n.TimeExtractions) > 0 {
		b.WriteString("\n## Dates & Times\n\n")
		for _, te := range n.TimeExtractions {
			fmt.Fprintf(&b, "- %s", te.Text)
			if te.Normalized != "" {
				fmt.Fprintf(&b, " → %s", te.Normalized)
			}
			fmt.Fprintf(&b, " (%s)\n", te.Kind)
		}
	}
	return b.Bytes(), nil
}

// MinimalMarkdown is written when full rendering fails, so every persisted
// note still has a readable file.
func MinimalMarkdown(n note.StructuredNote) []byte {
	return []byte(fmt.Sprintf("# %s\n\n**Category:** %s\n", n.Title, n.Category))
}

// HTMLCard renders the note as a standalone HTML page.
func (d *Default) HTMLCard(n note.StructuredNote, meta Meta) ([]byte, error) {
	return d.card.render(n, meta)
}

func writeList(b *bytes.Buffer, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n## %s\n\n", heading)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}
