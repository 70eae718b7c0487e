package storage

import (
	"errors"
	"time"

	"github.com/kalambet/notepipe/internal/note"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Filter narrows ListNotes. Zero values match everything.
type Filter struct {
	Category string
	Tag      string
	Status   note.Status
	Since    time.Time // created_at >= Since
	Until    time.Time // created_at < Until
	Limit    int
}

// CategoryCount is the number of persisted notes in a category.
type CategoryCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}
