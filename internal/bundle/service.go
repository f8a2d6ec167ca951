package bundle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/actualreader/backend/internal/library"
	"github.com/actualreader/backend/internal/storage"
	"go.uber.org/zap"
)

var errMissingLibrary = errors.New("library service is required")

// ServiceConfig bundles the dependencies of the import/export pipeline.
type ServiceConfig struct {
	Library *library.Service
	Layout  storage.Layout
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Service orchestrates conversion between the library store and bundle
// archives, including identifier remapping on import.
type Service struct {
	library *library.Service
	layout  storage.Layout
	clock   func() time.Time
	logger  *zap.Logger
}

// NewService validates the configuration and constructs the pipeline.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Library == nil {
		return nil, errMissingLibrary
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{library: cfg.Library, layout: cfg.Layout, clock: clock, logger: logger}, nil
}

// Export builds bundle bytes for a narration-ready book. It fails with
// ErrNotReady when narration has not been generated and with ErrMissingAsset
// when the store claims readiness but the audio file is gone.
func (s *Service) Export(ctx context.Context, id library.BookID) ([]byte, error) {
	book, err := s.library.GetBook(ctx, id)
	if err != nil {
		return nil, err
	}
	if book.NarrationStatus != library.NarrationReady {
		return nil, fmt.Errorf("%w: book %s has status %q", ErrNotReady, book.ID, book.NarrationStatus)
	}

	segments, err := s.library.Segments(ctx, id)
	if err != nil {
		return nil, err
	}
	markers, err := s.library.Markers(ctx, id)
	if err != nil {
		return nil, err
	}

	audioPath := s.layout.NarrationAudioPath(book.ID)
	audio, err := os.ReadFile(audioPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrMissingAsset, audioPath)
	}
	if err != nil {
		return nil, fmt.Errorf("bundle: read narration audio: %w", err)
	}

	data, err := Encode(book, segments, markers, audio)
	if err != nil {
		return nil, err
	}

	s.logger.Info("bundle exported",
		zap.String("book_id", book.ID),
		zap.Int("segments", len(segments)),
		zap.Int("bytes", len(data)))
	return data, nil
}

// ExportToFile writes a book's bundle to path. The archive is staged to a
// temporary file and renamed so a failure never leaves a partial bundle at
// the target location.
func (s *Service) ExportToFile(ctx context.Context, id library.BookID, path string) error {
	data, err := s.Export(ctx, id)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	staging, err := os.CreateTemp(dir, ".actualbook-*")
	if err != nil {
		return fmt.Errorf("bundle: stage export: %w", err)
	}
	stagingPath := staging.Name()
	if _, err := staging.Write(data); err != nil {
		staging.Close()
		os.Remove(stagingPath)
		return fmt.Errorf("bundle: write export: %w", err)
	}
	if err := staging.Close(); err != nil {
		os.Remove(stagingPath)
		return fmt.Errorf("bundle: close export: %w", err)
	}
	if err := os.Rename(stagingPath, path); err != nil {
		os.Remove(stagingPath)
		return fmt.Errorf("bundle: finalize export: %w", err)
	}
	return nil
}

// Import decodes bundle bytes and inserts the book into the library under
// fresh, instance-unique identifiers. The bundle's own ids are treated as
// untrusted and are never reused; every marker reference is rewritten through
// the segment id mapping, and a reference outside the mapping aborts the
// import with nothing inserted. Provenance is recorded as the new book's
// source path.
func (s *Service) Import(ctx context.Context, data []byte, provenance string) (library.Book, error) {
	payload, err := Decode(data)
	if err != nil {
		return library.Book{}, err
	}

	if payload.Manifest.Version != FormatVersion {
		s.logger.Warn("importing bundle with unexpected format version",
			zap.String("version", payload.Manifest.Version))
	}

	sourceFormat, err := library.ParseSourceFormat(payload.Manifest.SourceFormat)
	if err != nil {
		return library.Book{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	ids := s.library.IDs()
	bookID, err := ids.NewID()
	if err != nil {
		return library.Book{}, fmt.Errorf("bundle: generate book id: %w", err)
	}

	segmentIDs := make(map[string]string, len(payload.Segments))
	segments := make([]library.Segment, 0, len(payload.Segments))
	for _, entry := range payload.Segments {
		newID, err := ids.NewID()
		if err != nil {
			return library.Book{}, fmt.Errorf("bundle: generate segment id: %w", err)
		}
		segmentID := "seg_" + newID
		segmentIDs[entry.ID] = segmentID
		segments = append(segments, library.Segment{
			ID:      segmentID,
			BookID:  bookID,
			Ordinal: entry.Index,
			Content: entry.Content,
			HTML:    entry.HTML,
		})
	}

	markers := make([]library.Marker, 0, len(payload.Markers))
	for _, entry := range payload.Markers {
		segmentID, ok := segmentIDs[entry.SegmentID]
		if !ok {
			return library.Book{}, fmt.Errorf("%w: %s", ErrDanglingReference, entry.SegmentID)
		}
		newID, err := ids.NewID()
		if err != nil {
			return library.Book{}, fmt.Errorf("bundle: generate marker id: %w", err)
		}
		markers = append(markers, library.Marker{
			ID:           "mrk_" + newID,
			BookID:       bookID,
			SegmentID:    segmentID,
			StartSeconds: entry.Start,
			EndSeconds:   entry.End,
		})
	}

	// Audio lands in a directory keyed by the new id, so repeated imports of
	// the same logical book never collide. A transaction failure below leaves
	// an orphaned narration directory, which is harmless and prunable; the
	// reverse order would risk a dangling database reference.
	narrationDir := s.layout.NarrationDir(bookID)
	if err := os.MkdirAll(narrationDir, 0o755); err != nil {
		return library.Book{}, fmt.Errorf("bundle: create narration directory: %w", err)
	}
	if err := os.WriteFile(s.layout.NarrationAudioPath(bookID), payload.Audio, 0o644); err != nil {
		return library.Book{}, fmt.Errorf("bundle: write narration audio: %w", err)
	}

	now := s.clock().Unix()
	book := library.Book{
		ID:               bookID,
		Title:            payload.Manifest.Title,
		Author:           payload.Manifest.Author,
		SourceFormat:     sourceFormat,
		SourcePath:       provenance,
		NarrationStatus:  library.NarrationReady,
		NarrationPath:    &narrationDir,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}

	if err := s.library.InsertNarratedBook(ctx, book, segments, markers); err != nil {
		return library.Book{}, err
	}

	s.logger.Info("bundle imported",
		zap.String("book_id", bookID),
		zap.String("title", book.Title),
		zap.Int("segments", len(segments)),
		zap.Int("markers", len(markers)))
	return book, nil
}

// ImportMirrored decodes bundle bytes and writes the book under the bundle's
// own book and segment identifiers, replacing any prior copy. Keeping the
// origin identity is what lets a later sync against the same peer recognize
// the book as already present; manual imports use Import, which remaps.
// Marker references are still validated against the bundle's segment list
// and marker rows get fresh local ids.
func (s *Service) ImportMirrored(ctx context.Context, data []byte, provenance string) (library.Book, error) {
	payload, err := Decode(data)
	if err != nil {
		return library.Book{}, err
	}

	if payload.Manifest.Version != FormatVersion {
		s.logger.Warn("importing bundle with unexpected format version",
			zap.String("version", payload.Manifest.Version))
	}

	sourceFormat, err := library.ParseSourceFormat(payload.Manifest.SourceFormat)
	if err != nil {
		return library.Book{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	bookID, err := library.NewBookID(payload.Manifest.ID)
	if err != nil {
		return library.Book{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	segmentIDs := make(map[string]struct{}, len(payload.Segments))
	segments := make([]library.Segment, 0, len(payload.Segments))
	for _, entry := range payload.Segments {
		segmentIDs[entry.ID] = struct{}{}
		segments = append(segments, library.Segment{
			ID:      entry.ID,
			BookID:  bookID.String(),
			Ordinal: entry.Index,
			Content: entry.Content,
			HTML:    entry.HTML,
		})
	}

	ids := s.library.IDs()
	markers := make([]library.Marker, 0, len(payload.Markers))
	for _, entry := range payload.Markers {
		if _, ok := segmentIDs[entry.SegmentID]; !ok {
			return library.Book{}, fmt.Errorf("%w: %s", ErrDanglingReference, entry.SegmentID)
		}
		newID, err := ids.NewID()
		if err != nil {
			return library.Book{}, fmt.Errorf("bundle: generate marker id: %w", err)
		}
		markers = append(markers, library.Marker{
			ID:           "mrk_" + newID,
			BookID:       bookID.String(),
			SegmentID:    entry.SegmentID,
			StartSeconds: entry.Start,
			EndSeconds:   entry.End,
		})
	}

	narrationDir := s.layout.NarrationDir(bookID.String())
	if err := os.MkdirAll(narrationDir, 0o755); err != nil {
		return library.Book{}, fmt.Errorf("bundle: create narration directory: %w", err)
	}
	if err := os.WriteFile(s.layout.NarrationAudioPath(bookID.String()), payload.Audio, 0o644); err != nil {
		return library.Book{}, fmt.Errorf("bundle: write narration audio: %w", err)
	}

	now := s.clock().Unix()
	book := library.Book{
		ID:               bookID.String(),
		Title:            payload.Manifest.Title,
		Author:           payload.Manifest.Author,
		SourceFormat:     sourceFormat,
		SourcePath:       provenance,
		NarrationStatus:  library.NarrationReady,
		NarrationPath:    &narrationDir,
		CreatedAtSeconds: payload.Manifest.CreatedAt,
		UpdatedAtSeconds: now,
	}

	if err := s.library.UpsertNarratedBook(ctx, book, segments, markers); err != nil {
		return library.Book{}, err
	}

	s.logger.Info("bundle mirrored",
		zap.String("book_id", bookID.String()),
		zap.String("title", book.Title),
		zap.Int("segments", len(segments)),
		zap.Int("markers", len(markers)))
	return book, nil
}

// Validate summarizes the bundle at path without mutating any state.
func (s *Service) Validate(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, fmt.Errorf("bundle: read %s: %w", path, err)
	}
	return Inspect(data)
}
