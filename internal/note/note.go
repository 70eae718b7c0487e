// Package note holds the data model shared by the ingestion pipeline:
// work items, transcripts, structured notes and persisted records.
package note

import (
	"time"
)

// Status is the lifecycle stage of a work item. Values are stored verbatim
// in the notes table.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusTranscribing Status = "TRANSCRIBING"
	StatusExtracting   Status = "EXTRACTING"
	StatusValidating   Status = "VALIDATING"
	StatusRendering    Status = "RENDERING"
	StatusPersisted    Status = "PERSISTED"
	StatusFailed       Status = "FAILED"
)

var stageOrder = map[Status]int{
	StatusPending:      0,
	StatusTranscribing: 1,
	StatusExtracting:   2,
	StatusValidating:   3,
	StatusRendering:    4,
	StatusPersisted:    5,
	StatusFailed:       6,
}

// Terminal reports whether no further advancement is possible.
func (s Status) Terminal() bool {
	return s == StatusPersisted || s == StatusFailed
}

// Next returns the stage that follows s on the success path. Terminal
// statuses return themselves.
func (s Status) Next() Status {
	switch s {
	case StatusPending:
		return StatusTranscribing
	case StatusTranscribing:
		return StatusExtracting
	case StatusExtracting:
		return StatusValidating
	case StatusValidating:
		return StatusRendering
	case StatusRendering:
		return StatusPersisted
	default:
		return s
	}
}

// Before reports whether s comes strictly before other in the lifecycle.
func (s Status) Before(other Status) bool {
	return stageOrder[s] < stageOrder[other]
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := stageOrder[s]
	return ok
}

// WorkItem is a single detected audio file travelling through the pipeline.
type WorkItem struct {
	SourcePath string    `json:"source_path"`
	DetectedAt time.Time `json:"detected_at"`
	NoteID     string    `json:"note_id"`
}

// NewWorkItem builds a WorkItem with a note ID derived from the file name
// and detection time.
func NewWorkItem(sourcePath string, detectedAt time.Time) WorkItem {
	return WorkItem{
		SourcePath: sourcePath,
		DetectedAt: detectedAt,
		NoteID:     DeriveID(sourcePath, detectedAt),
	}
}

// Segment is a timed span of a transcript, in seconds.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// RawTranscript is the output of a transcription backend.
type RawTranscript struct {
	Text            string    `json:"text"`
	Segments        []Segment `json:"segments,omitempty"`
	ModelUsed       string    `json:"model_used"`
	DurationSeconds float64   `json:"duration_seconds"`
}

// Priority of an action item.
type Priority string

const (
	PriorityHigh   Priority = "H"
	PriorityMedium Priority = "M"
	PriorityLow    Priority = "L"
)

// ActionItem is a task extracted from a note.
type ActionItem struct {
	Description string   `json:"description"`
	Due         string   `json:"due,omitempty"`
	Priority    Priority `json:"priority"`
}

// EntityType classifies a named entity.
type EntityType string

const (
	EntityPerson   EntityType = "PERSON"
	EntityOrg      EntityType = "ORG"
	EntityLocation EntityType = "LOCATION"
	EntityProduct  EntityType = "PRODUCT"
	EntityEvent    EntityType = "EVENT"
	EntityOther    EntityType = "OTHER"
)

// Entity is a named entity mentioned in a note.
type Entity struct {
	Text string     `json:"text"`
	Type EntityType `json:"type"`
}

// TimeKind classifies a time expression.
type TimeKind string

const (
	TimeDate     TimeKind = "DATE"
	TimeTime     TimeKind = "TIME"
	TimeDuration TimeKind = "DURATION"
	TimeDateTime TimeKind = "DATETIME"
	TimeRelative TimeKind = "RELATIVE"
	TimeOther    TimeKind = "OTHER"
)

// TimeExtraction is a time expression found in a note, optionally
// normalized to an ISO date.
type TimeExtraction struct {
	Text       string   `json:"text"`
	Normalized string   `json:"normalized,omitempty"`
	Kind       TimeKind `json:"kind"`
}

// Uncategorized is the fallback category.
const Uncategorized = "Uncategorized"

// StructuredNote is the validated result of extraction.
type StructuredNote struct {
	Title             string           `json:"title"`
	CleanedTranscript string           `json:"cleaned_transcript"`
	Category          string           `json:"category"`
	Tags              []string         `json:"tags"`
	SummaryShort      string           `json:"summary_short"`
	KeyPoints         []string         `json:"key_points"`
	ActionItems       []ActionItem     `json:"action_items"`
	Decisions         []string         `json:"decisions"`
	Questions         []string         `json:"questions"`
	People            []string         `json:"people"`
	Entities          []Entity         `json:"entities"`
	TimeExtractions   []TimeExtraction `json:"time_extractions"`
}

// Record is the persisted row for a note. One record exists per note ID.
type Record struct {
	ID                   string
	Title                string
	SourceAudioPath      string
	TranscriptPath       string
	StructuredDataPath   string
	MarkdownPath         string
	HTMLCardPath         string // empty when the card could not be rendered
	Category             string
	Tags                 []string
	SummaryShort         string
	Status               Status
	FailureReason        string
	LastError            string
	TranscriptionModel   string
	TranscriptionSeconds float64
	ExtractionSeconds    float64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}
