// Package library owns the canonical persistence of books, segments,
// narration markers, reading progress, and voices for one reader instance.
package library

import (
	"errors"
	"fmt"
)

// SourceFormat enumerates supported source document formats.
type SourceFormat string

const (
	SourceFormatEpub     SourceFormat = "epub"
	SourceFormatMarkdown SourceFormat = "markdown"
	SourceFormatTxt      SourceFormat = "txt"
	SourceFormatPdf      SourceFormat = "pdf"
)

// NarrationStatus enumerates the narration lifecycle of a book.
type NarrationStatus string

const (
	NarrationNone       NarrationStatus = "none"
	NarrationGenerating NarrationStatus = "generating"
	NarrationReady      NarrationStatus = "ready"
)

var (
	// ErrUnknownSourceFormat indicates a source format value outside the closed enumeration.
	ErrUnknownSourceFormat = errors.New("library: unknown source format")
	// ErrUnknownNarrationStatus indicates a narration status value outside the closed enumeration.
	ErrUnknownNarrationStatus = errors.New("library: unknown narration status")
)

// ParseSourceFormat validates a raw source format value. Unrecognized values
// are an error, never silently coerced to a default.
func ParseSourceFormat(raw string) (SourceFormat, error) {
	switch SourceFormat(raw) {
	case SourceFormatEpub, SourceFormatMarkdown, SourceFormatTxt, SourceFormatPdf:
		return SourceFormat(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSourceFormat, raw)
}

// ParseNarrationStatus validates a raw narration status value.
func ParseNarrationStatus(raw string) (NarrationStatus, error) {
	switch NarrationStatus(raw) {
	case NarrationNone, NarrationGenerating, NarrationReady:
		return NarrationStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownNarrationStatus, raw)
}

// String returns the canonical stored representation.
func (f SourceFormat) String() string { return string(f) }

// String returns the canonical stored representation.
func (s NarrationStatus) String() string { return string(s) }

// Book models one library entry.
type Book struct {
	ID                string          `gorm:"column:id;primaryKey;size:190;not null"`
	Title             string          `gorm:"column:title;not null"`
	Author            *string         `gorm:"column:author"`
	SourceFormat      SourceFormat    `gorm:"column:source_format;size:32;not null"`
	SourcePath        string          `gorm:"column:source_path;not null"`
	NarrationStatus   NarrationStatus `gorm:"column:narration_status;size:32;not null;default:none"`
	NarrationPath     *string         `gorm:"column:narration_path"`
	CreatedAtSeconds  int64           `gorm:"column:created_at;not null"`
	UpdatedAtSeconds  int64           `gorm:"column:updated_at;not null"`
	LastOpenedSeconds *int64          `gorm:"column:last_opened_at;index:idx_books_last_opened"`
}

// TableName provides the explicit table binding for GORM.
func (Book) TableName() string { return "books" }

func (b Book) validateStored() error {
	if _, err := ParseSourceFormat(string(b.SourceFormat)); err != nil {
		return fmt.Errorf("book %s: %w", b.ID, err)
	}
	if _, err := ParseNarrationStatus(string(b.NarrationStatus)); err != nil {
		return fmt.Errorf("book %s: %w", b.ID, err)
	}
	return nil
}

// Segment models one narratable unit of a book's content. Ordinal, not
// insertion order, is authoritative for reading order.
type Segment struct {
	ID      string  `gorm:"column:id;primaryKey;size:190;not null"`
	BookID  string  `gorm:"column:book_id;size:190;not null;index:idx_segments_book;uniqueIndex:idx_segments_book_ordinal,priority:1"`
	Ordinal int     `gorm:"column:idx;not null;uniqueIndex:idx_segments_book_ordinal,priority:2"`
	Content string  `gorm:"column:content;type:text;not null"`
	HTML    *string `gorm:"column:html;type:text"`
}

// TableName provides the explicit table binding for GORM.
func (Segment) TableName() string { return "segments" }

// Marker binds one segment to a [start, end) offset in the book's narration
// audio. At most one marker exists per segment.
type Marker struct {
	ID           string  `gorm:"column:id;primaryKey;size:190;not null"`
	BookID       string  `gorm:"column:book_id;size:190;not null;index:idx_markers_book"`
	SegmentID    string  `gorm:"column:segment_id;size:190;not null;uniqueIndex:idx_markers_segment"`
	StartSeconds float64 `gorm:"column:start_time;not null"`
	EndSeconds   float64 `gorm:"column:end_time;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Marker) TableName() string { return "markers" }

// Progress records how far through a book the user has read, at most one row
// per book. Writes follow last-writer-wins by updated_at.
type Progress struct {
	BookID           string   `gorm:"column:book_id;primaryKey;size:190;not null"`
	SegmentOrdinal   int      `gorm:"column:segment_index;not null"`
	AudioTimeSeconds *float64 `gorm:"column:audio_time"`
	UpdatedAtSeconds int64    `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Progress) TableName() string { return "progress" }

// Voice models a narration voice profile. At most one voice is the default.
type Voice struct {
	ID         string  `gorm:"column:id;primaryKey;size:190;not null"`
	Name       string  `gorm:"column:name;not null"`
	Engine     string  `gorm:"column:engine;not null"`
	SamplePath *string `gorm:"column:sample_path"`
	IsDefault  bool    `gorm:"column:is_default;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Voice) TableName() string { return "voices" }
