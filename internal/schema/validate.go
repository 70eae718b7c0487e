// Package schema turns free-form language model output into a validated
// StructuredNote. Model output is untrusted: it may wrap JSON in prose or
// code fences, omit fields, or use loose spellings for enums.
package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/notepipe/internal/note"
)

// Reason classifies a validation failure.
type Reason string

const (
	ReasonNoJSON        Reason = "NO_JSON"
	ReasonMissingFields Reason = "MISSING_REQUIRED_FIELDS"
)

const snippetRunes = 200

// Failure is returned when the model output cannot be turned into a note.
type Failure struct {
	Reason  Reason
	Missing []string // required fields absent, for ReasonMissingFields
	Snippet string   // leading part of the raw response
}

func (f *Failure) Error() string {
	if len(f.Missing) > 0 {
		return fmt.Sprintf("%s: missing %s", f.Reason, strings.Join(f.Missing, ", "))
	}
	return string(f.Reason)
}

// Correction is the note sent back to the model when asking it to fix its
// previous output.
func (f *Failure) Correction() string {
	switch f.Reason {
	case ReasonMissingFields:
		return fmt.Sprintf("Your previous output was missing required fields: %s. "+
			"Respond again with a single JSON object that includes every required field as a non-empty string.",
			strings.Join(f.Missing, ", "))
	default:
		return "Your previous output did not contain a JSON object. " +
			"Respond again with a single JSON object only, without prose or code fences."
	}
}

// Validator checks and normalises model output.
type Validator struct {
	categories map[string]string // lower-cased -> canonical
}

// New creates a Validator. Categories returned by the model are mapped onto
// the given set case-insensitively; anything else becomes Uncategorized.
// An empty set accepts any non-empty category.
func New(categories []string) *Validator {
	v := &Validator{categories: make(map[string]string, len(categories))}
	for _, c := range categories {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		v.categories[strings.ToLower(c)] = c
	}
	return v
}

// Validate parses raw and returns the normalised note, or a *Failure.
func (v *Validator) Validate(raw string) (note.StructuredNote, error) {
	obj, ok := FirstObject(raw)
	if !ok {
		return note.StructuredNote{}, &Failure{Reason: ReasonNoJSON, Snippet: Snippet(raw)}
	}

	var fields map[string]any
	if err := json.Unmarshal(obj, &fields); err != nil {
		return note.StructuredNote{}, &Failure{Reason: ReasonNoJSON, Snippet: Snippet(raw)}
	}

	n := note.StructuredNote{
		Title:             str(lookup(fields, "title")),
		CleanedTranscript: str(lookup(fields, "cleaned_transcript", "cleanedTranscript")),
		Category:          str(lookup(fields, "category")),
		SummaryShort:      str(lookup(fields, "summary_short", "summaryShort", "summary")),
		Tags:              normalizeTags(strList(lookup(fields, "tags"))),
		KeyPoints:         strList(lookup(fields, "key_points", "keyPoints")),
		Decisions:         strList(lookup(fields, "decisions")),
		Questions:         strList(lookup(fields, "questions")),
		People:            strList(lookup(fields, "people")),
		ActionItems:       actionItems(lookup(fields, "action_items", "actionItems")),
		Entities:          entities(lookup(fields, "entities")),
		TimeExtractions:   timeExtractions(lookup(fields, "time_extractions", "timeExtractions")),
	}

	var missing []string
	if n.Title == "" {
		missing = append(missing, "title")
	}
	if n.Category == "" {
		missing = append(missing, "category")
	}
	if len(missing) > 0 {
		return note.StructuredNote{}, &Failure{Reason: ReasonMissingFields, Missing: missing, Snippet: Snippet(raw)}
	}

	n.Category = v.canonicalCategory(n.Category)
	return n, nil
}

// RerunFunc asks the model again, with correction appended to the
// conversation, and returns its new raw output.
type RerunFunc func(ctx context.Context, correction string) (string, error)

// ValidateWithRepair validates raw and, on failure, asks for exactly one
// corrected response. The second failure is final. Errors from rerun itself
// are returned unchanged so callers can classify them.
func (v *Validator) ValidateWithRepair(ctx context.Context, raw string, rerun RerunFunc) (note.StructuredNote, error) {
	n, err := v.Validate(raw)
	if err == nil {
		return n, nil
	}
	failure, ok := err.(*Failure)
	if !ok || rerun == nil {
		return note.StructuredNote{}, err
	}

	repaired, err := rerun(ctx, failure.Correction())
	if err != nil {
		return note.StructuredNote{}, err
	}
	return v.Validate(repaired)
}

func (v *Validator) canonicalCategory(c string) string {
	if len(v.categories) == 0 {
		return c
	}
	if canonical, ok := v.categories[strings.ToLower(c)]; ok {
		return canonical
	}
	return note.Uncategorized
}

// FirstObject returns the first well-formed JSON object embedded in s.
func FirstObject(s string) (json.RawMessage, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(s[i:]))
		var obj json.RawMessage
		if err := dec.Decode(&obj); err == nil {
			return obj, true
		}
	}
	return nil, false
}

// Snippet returns the first 200 runes of s.
func Snippet(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= snippetRunes {
		return s
	}
	return string([]rune(s)[:snippetRunes])
}

func lookup(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64, bool:
		return strings.TrimSpace(fmt.Sprint(t))
	default:
		return ""
	}
}

// strList accepts a JSON array of strings or a comma-separated string.
func strList(v any) []string {
	out := []string{}
	switch t := v.(type) {
	case []any:
		for _, e := range t {
			if s := str(e); s != "" {
				out = append(out, s)
			}
		}
	case string:
		for _, part := range strings.Split(t, ",") {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func objects(v any) []map[string]any {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(arr))
	for _, e := range arr {
		if m, ok := e.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func actionItems(v any) []note.ActionItem {
	out := []note.ActionItem{}
	for _, m := range objects(v) {
		desc := str(lookup(m, "description", "task", "text"))
		if desc == "" {
			continue
		}
		out = append(out, note.ActionItem{
			Description: desc,
			Due:         str(lookup(m, "due", "due_date", "dueDate")),
			Priority:    priority(str(lookup(m, "priority"))),
		})
	}
	return out
}

func priority(s string) note.Priority {
	switch strings.ToLower(s) {
	case "h", "high":
		return note.PriorityHigh
	case "l", "low":
		return note.PriorityLow
	default:
		return note.PriorityMedium
	}
}

func entities(v any) []note.Entity {
	out := []note.Entity{}
	for _, m := range objects(v) {
		text := str(lookup(m, "text", "name"))
		if text == "" {
			continue
		}
		out = append(out, note.Entity{Text: text, Type: entityType(str(lookup(m, "type")))})
	}
	return out
}

func entityType(s string) note.EntityType {
	switch strings.ToUpper(s) {
	case "PERSON", "PER", "PEOPLE":
		return note.EntityPerson
	case "ORG", "ORGANIZATION", "ORGANISATION", "COMPANY":
		return note.EntityOrg
	case "LOCATION", "LOC", "PLACE", "GPE":
		return note.EntityLocation
	case "PRODUCT":
		return note.EntityProduct
	case "EVENT":
		return note.EntityEvent
	default:
		return note.EntityOther
	}
}

func timeExtractions(v any) []note.TimeExtraction {
	out := []note.TimeExtraction{}
	for _, m := range objects(v) {
		text := str(lookup(m, "text"))
		if text == "" {
			continue
		}
		out = append(out, note.TimeExtraction{
			Text:       text,
			Normalized: str(lookup(m, "normalized", "value")),
			Kind:       timeKind(str(lookup(m, "kind", "type"))),
		})
	}
	return out
}

func timeKind(s string) note.TimeKind {
	switch k := note.TimeKind(strings.ToUpper(s)); k {
	case note.TimeDate, note.TimeTime, note.TimeDuration, note.TimeDateTime, note.TimeRelative:
		return k
	default:
		return note.TimeOther
	}
}
