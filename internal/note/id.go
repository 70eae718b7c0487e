package note

import (
	"path/filepath"
	"strings"
	"time"
)

const (
	idTimeLayout = "2006-01-02_150405"
	maxSlugLen   = 50
)

// DeriveID returns the note ID for an audio file detected at detectedAt,
// in the form "2006-01-02_150405_<slug>". The detection time is rendered
// in UTC so the ID does not depend on the host time zone.
func DeriveID(sourcePath string, detectedAt time.Time) string {
	base := filepath.Base(sourcePath)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return detectedAt.UTC().Format(idTimeLayout) + "_" + Slugify(name)
}

// Slugify lower-cases s and collapses every run of characters outside
// [a-z0-9] into a single hyphen. The result is at most 50 bytes and never
// empty.
func Slugify(s string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
			continue
		}
		pendingDash = true
	}
	slug := b.String()
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-")
	}
	if slug == "" {
		return "note"
	}
	return slug
}
