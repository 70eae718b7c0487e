package extract

import (
	"fmt"
	"strings"

	"github.com/kalambet/notepipe/internal/llm"
)

const systemPromptTemplate = `You are a note structuring engine. The user message contains a raw speech-to-text transcript of an audio note between <RAW> and </RAW> tags. Your output must be ONLY a single valid JSON object. Do not include any other text, prose, or markdown.

JSON fields:
- "title" (string, required): concise, descriptive title.
- "cleaned_transcript" (string): the transcript with transcription errors, punctuation and verbal fillers ("um", "uh") fixed. Do not summarise.
- "category" (string, required): exactly one of: %s.
- "tags" (array of strings): a few lower-case topic tags.
- "summary_short" (string): one or two sentences.
- "key_points" (array of strings)
- "action_items" (array of objects): {"description": string, "due": ISO date or omitted, "priority": "H" | "M" | "L"}
- "decisions" (array of strings)
- "questions" (array of strings): open questions raised.
- "people" (array of strings): names of people mentioned.
- "entities" (array of objects): {"text": string, "type": "PERSON" | "ORG" | "LOCATION" | "PRODUCT" | "EVENT" | "OTHER"}
- "time_extractions" (array of objects): {"text": string, "normalized": ISO date or omitted, "kind": "DATE" | "TIME" | "DURATION" | "DATETIME" | "RELATIVE" | "OTHER"}

Rules:
- Use empty arrays when nothing applies.
- Never invent facts that are not in the transcript.`

// BuildPrompt constructs the chat messages for structuring a transcript.
func BuildPrompt(rawText string, categories []string) []llm.Message {
	return []llm.Message{
		{Role: "system", Content: systemPrompt(categories)},
		{Role: "user", Content: Envelope(rawText)},
	}
}

// BuildCorrectionPrompt extends the original conversation with the model's
// previous answer and a correction note.
func BuildCorrectionPrompt(rawText string, categories []string, previous, correction string) []llm.Message {
	messages := BuildPrompt(rawText, categories)
	return append(messages,
		llm.Message{Role: "assistant", Content: previous},
		llm.Message{Role: "user", Content: correction},
	)
}

// Envelope wraps a transcript in the delimiter convention the model expects.
func Envelope(rawText string) string {
	return "<RAW>" + rawText + "</RAW>"
}

func systemPrompt(categories []string) string {
	list := "any short category name"
	if len(categories) > 0 {
		quoted := make([]string, len(categories))
		for i, c := range categories {
			quoted[i] = fmt.Sprintf("%q", c)
		}
		list = strings.Join(quoted, ", ")
	}
	return fmt.Sprintf(systemPromptTemplate, list)
}
