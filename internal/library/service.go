package library

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrBookNotFound indicates the requested book does not exist.
	ErrBookNotFound = errors.New("library: book not found")
	// ErrVoiceNotFound indicates the requested voice does not exist.
	ErrVoiceNotFound = errors.New("library: voice not found")
	// ErrNoSegments indicates a book draft without any narratable content.
	ErrNoSegments = errors.New("library: book has no segments")
)

// ServiceError wraps a failure with a dotted operation code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error { return e.err }

// Code returns the dotted operation code for the failure.
func (e *ServiceError) Code() string { return e.code }

const (
	opServiceNew      = "library.service.new"
	opGetBook         = "library.get_book"
	opOpenBook        = "library.open_book"
	opListBooks       = "library.list_books"
	opCreateBook      = "library.create_book"
	opInsertNarrated  = "library.insert_narrated_book"
	opUpsertNarrated  = "library.upsert_narrated_book"
	opDeleteBook      = "library.delete_book"
	opSegments        = "library.segments"
	opMarkers         = "library.markers"
	opReadyBooks      = "library.ready_books"
	opBookIDs         = "library.book_ids"
	opProgress        = "library.progress"
	opSetStatus       = "library.set_narration_status"
	opAttachNarration = "library.attach_narration"
	opVoices          = "library.voices"
	opSetDefaultVoice = "library.set_default_voice"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig bundles the dependencies of a library Service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service exposes the transactional store operations for one instance's
// library. All multi-row writes run inside a single transaction so that a
// reader never observes a partially populated book.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider, logger: logger}, nil
}

// IDs exposes the identifier provider so collaborating pipelines mint ids
// from the same source.
func (s *Service) IDs() IDProvider { return s.idProvider }

// GetBook fetches a single book by id.
func (s *Service) GetBook(ctx context.Context, id BookID) (Book, error) {
	var book Book
	err := s.db.WithContext(ctx).First(&book, "id = ?", id.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Book{}, newServiceError(opGetBook, "not_found", ErrBookNotFound)
	}
	if err != nil {
		return Book{}, newServiceError(opGetBook, "query_failed", err)
	}
	if err := book.validateStored(); err != nil {
		return Book{}, newServiceError(opGetBook, "corrupt_record", err)
	}
	return book, nil
}

// OpenBook records that the book was opened and returns it.
func (s *Service) OpenBook(ctx context.Context, id BookID) (Book, error) {
	now := s.clock().Unix()
	result := s.db.WithContext(ctx).Model(&Book{}).
		Where("id = ?", id.String()).
		Update("last_opened_at", now)
	if result.Error != nil {
		return Book{}, newServiceError(opOpenBook, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return Book{}, newServiceError(opOpenBook, "not_found", ErrBookNotFound)
	}
	return s.GetBook(ctx, id)
}

// ListBooks returns every book, most recently opened first.
func (s *Service) ListBooks(ctx context.Context) ([]Book, error) {
	var books []Book
	err := s.db.WithContext(ctx).
		Order("last_opened_at IS NULL").
		Order("last_opened_at DESC").
		Order("created_at DESC").
		Find(&books).Error
	if err != nil {
		return nil, newServiceError(opListBooks, "query_failed", err)
	}
	for _, book := range books {
		if err := book.validateStored(); err != nil {
			return nil, newServiceError(opListBooks, "corrupt_record", err)
		}
	}
	return books, nil
}

// NewSegment describes one segment of a book draft.
type NewSegment struct {
	Content string
	HTML    *string
}

// NewBook describes a book to be created from a parsed source document.
type NewBook struct {
	Title        string
	Author       *string
	SourceFormat SourceFormat
	SourcePath   string
	Segments     []NewSegment
}

// CreateBook inserts a book and its segments in one transaction. Segment
// ordinals follow the draft order.
func (s *Service) CreateBook(ctx context.Context, draft NewBook) (Book, error) {
	if len(draft.Segments) == 0 {
		return Book{}, newServiceError(opCreateBook, "no_segments", ErrNoSegments)
	}
	if _, err := ParseSourceFormat(string(draft.SourceFormat)); err != nil {
		return Book{}, newServiceError(opCreateBook, "invalid_source_format", err)
	}

	bookID, err := s.idProvider.NewID()
	if err != nil {
		return Book{}, newServiceError(opCreateBook, "id_generation_failed", err)
	}

	now := s.clock().Unix()
	book := Book{
		ID:               bookID,
		Title:            draft.Title,
		Author:           draft.Author,
		SourceFormat:     draft.SourceFormat,
		SourcePath:       draft.SourcePath,
		NarrationStatus:  NarrationNone,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}

	segments := make([]Segment, 0, len(draft.Segments))
	for ordinal, seg := range draft.Segments {
		segmentID, err := s.idProvider.NewID()
		if err != nil {
			return Book{}, newServiceError(opCreateBook, "id_generation_failed", err)
		}
		segments = append(segments, Segment{
			ID:      "seg_" + segmentID,
			BookID:  bookID,
			Ordinal: ordinal,
			Content: seg.Content,
			HTML:    seg.HTML,
		})
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&book).Error; err != nil {
			return err
		}
		return tx.Create(&segments).Error
	})
	if txErr != nil {
		return Book{}, newServiceError(opCreateBook, "transaction_failed", txErr)
	}

	s.logger.Info("book created", zap.String("book_id", bookID), zap.String("title", book.Title))
	return book, nil
}

// InsertNarratedBook inserts a fully narrated book with its segments and
// markers in one transaction. The caller is responsible for having minted
// instance-unique identifiers; any failure rolls the whole insert back.
func (s *Service) InsertNarratedBook(ctx context.Context, book Book, segments []Segment, markers []Marker) error {
	if err := book.validateStored(); err != nil {
		return newServiceError(opInsertNarrated, "invalid_book", err)
	}
	if len(segments) == 0 {
		return newServiceError(opInsertNarrated, "no_segments", ErrNoSegments)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&book).Error; err != nil {
			return err
		}
		if err := tx.Create(&segments).Error; err != nil {
			return err
		}
		if len(markers) == 0 {
			return nil
		}
		return tx.Create(&markers).Error
	})
	if txErr != nil {
		return newServiceError(opInsertNarrated, "transaction_failed", txErr)
	}

	s.logger.Info("narrated book inserted",
		zap.String("book_id", book.ID),
		zap.Int("segments", len(segments)),
		zap.Int("markers", len(markers)))
	return nil
}

// UpsertNarratedBook writes a narrated book under its existing identifiers,
// replacing any prior copy of the book, its segments, and its markers in one
// transaction. Peer sync uses this to keep a book's identity stable across
// instances so repeated runs recognize it as already present.
func (s *Service) UpsertNarratedBook(ctx context.Context, book Book, segments []Segment, markers []Marker) error {
	if err := book.validateStored(); err != nil {
		return newServiceError(opUpsertNarrated, "invalid_book", err)
	}
	if len(segments) == 0 {
		return newServiceError(opUpsertNarrated, "no_segments", ErrNoSegments)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&book).Error; err != nil {
			return err
		}
		if err := tx.Where("book_id = ?", book.ID).Delete(&Marker{}).Error; err != nil {
			return err
		}
		if err := tx.Where("book_id = ?", book.ID).Delete(&Segment{}).Error; err != nil {
			return err
		}
		if err := tx.Create(&segments).Error; err != nil {
			return err
		}
		if len(markers) == 0 {
			return nil
		}
		return tx.Create(&markers).Error
	})
	if txErr != nil {
		return newServiceError(opUpsertNarrated, "transaction_failed", txErr)
	}

	s.logger.Info("narrated book mirrored",
		zap.String("book_id", book.ID),
		zap.Int("segments", len(segments)),
		zap.Int("markers", len(markers)))
	return nil
}

// DeleteBook removes a book with its segments, markers, and progress, then
// deletes the on-disk source file and narration directory.
func (s *Service) DeleteBook(ctx context.Context, id BookID) error {
	book, err := s.GetBook(ctx, id)
	if err != nil {
		return err
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("book_id = ?", book.ID).Delete(&Marker{}).Error; err != nil {
			return err
		}
		if err := tx.Where("book_id = ?", book.ID).Delete(&Segment{}).Error; err != nil {
			return err
		}
		if err := tx.Where("book_id = ?", book.ID).Delete(&Progress{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Book{}, "id = ?", book.ID).Error
	})
	if txErr != nil {
		return newServiceError(opDeleteBook, "transaction_failed", txErr)
	}

	if book.SourcePath != "" {
		if err := os.Remove(book.SourcePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return newServiceError(opDeleteBook, "source_file_removal_failed", err)
		}
	}
	if book.NarrationPath != nil {
		if err := os.RemoveAll(*book.NarrationPath); err != nil {
			return newServiceError(opDeleteBook, "narration_removal_failed", err)
		}
	}

	s.logger.Info("book deleted", zap.String("book_id", book.ID))
	return nil
}

// Segments returns the book's segments in ordinal order.
func (s *Service) Segments(ctx context.Context, id BookID) ([]Segment, error) {
	var segments []Segment
	err := s.db.WithContext(ctx).
		Where("book_id = ?", id.String()).
		Order("idx ASC").
		Find(&segments).Error
	if err != nil {
		return nil, newServiceError(opSegments, "query_failed", err)
	}
	return segments, nil
}

// Markers returns the book's narration markers ordered by start time.
func (s *Service) Markers(ctx context.Context, id BookID) ([]Marker, error) {
	var markers []Marker
	err := s.db.WithContext(ctx).
		Where("book_id = ?", id.String()).
		Order("start_time ASC").
		Find(&markers).Error
	if err != nil {
		return nil, newServiceError(opMarkers, "query_failed", err)
	}
	return markers, nil
}

// CountReadyBooks returns the number of narration-ready books.
func (s *Service) CountReadyBooks(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Book{}).
		Where("narration_status = ?", NarrationReady).
		Count(&count).Error
	if err != nil {
		return 0, newServiceError(opReadyBooks, "count_failed", err)
	}
	return count, nil
}

// ListReadyBooks returns the narration-ready books sorted by title.
func (s *Service) ListReadyBooks(ctx context.Context) ([]Book, error) {
	var books []Book
	err := s.db.WithContext(ctx).
		Where("narration_status = ?", NarrationReady).
		Order("title ASC").
		Find(&books).Error
	if err != nil {
		return nil, newServiceError(opReadyBooks, "query_failed", err)
	}
	for _, book := range books {
		if err := book.validateStored(); err != nil {
			return nil, newServiceError(opReadyBooks, "corrupt_record", err)
		}
	}
	return books, nil
}

// BookIDs returns the set of book identifiers present in the library.
func (s *Service) BookIDs(ctx context.Context) (map[string]struct{}, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&Book{}).Pluck("id", &ids).Error
	if err != nil {
		return nil, newServiceError(opBookIDs, "query_failed", err)
	}
	present := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		present[id] = struct{}{}
	}
	return present, nil
}

// GetProgress returns the saved progress for a book, or nil when none exists.
func (s *Service) GetProgress(ctx context.Context, id BookID) (*Progress, error) {
	var progress Progress
	err := s.db.WithContext(ctx).First(&progress, "book_id = ?", id.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, newServiceError(opProgress, "query_failed", err)
	}
	return &progress, nil
}

// SaveProgress upserts a progress record with last-writer-wins semantics: an
// incoming record older than the stored one is ignored.
func (s *Service) SaveProgress(ctx context.Context, progress Progress) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Progress
		err := tx.First(&existing, "book_id = ?", progress.BookID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&progress).Error
		case err != nil:
			return err
		case existing.UpdatedAtSeconds > progress.UpdatedAtSeconds:
			return nil
		default:
			return tx.Save(&progress).Error
		}
	})
	if txErr != nil {
		return newServiceError(opProgress, "upsert_failed", txErr)
	}
	return nil
}

// SetNarrationStatus transitions a book's narration lifecycle and records the
// narration asset directory, if any.
func (s *Service) SetNarrationStatus(ctx context.Context, id BookID, status NarrationStatus, narrationPath *string) error {
	if _, err := ParseNarrationStatus(string(status)); err != nil {
		return newServiceError(opSetStatus, "invalid_status", err)
	}
	updates := map[string]any{
		"narration_status": string(status),
		"narration_path":   narrationPath,
		"updated_at":       s.clock().Unix(),
	}
	result := s.db.WithContext(ctx).Model(&Book{}).Where("id = ?", id.String()).Updates(updates)
	if result.Error != nil {
		return newServiceError(opSetStatus, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opSetStatus, "not_found", ErrBookNotFound)
	}
	return nil
}

// AttachNarration replaces a book's markers and marks it narration-ready in
// one transaction. Used when narration generation finishes and its markers
// are final.
func (s *Service) AttachNarration(ctx context.Context, id BookID, markers []Marker, narrationPath string) error {
	if len(markers) == 0 {
		return newServiceError(opAttachNarration, "no_markers", errors.New("narration produced no markers"))
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("book_id = ?", id.String()).Delete(&Marker{}).Error; err != nil {
			return err
		}
		if err := tx.Create(&markers).Error; err != nil {
			return err
		}
		updates := map[string]any{
			"narration_status": string(NarrationReady),
			"narration_path":   narrationPath,
			"updated_at":       s.clock().Unix(),
		}
		result := tx.Model(&Book{}).Where("id = ?", id.String()).Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrBookNotFound
		}
		return nil
	})
	if txErr != nil {
		if errors.Is(txErr, ErrBookNotFound) {
			return newServiceError(opAttachNarration, "not_found", txErr)
		}
		return newServiceError(opAttachNarration, "transaction_failed", txErr)
	}

	s.logger.Info("narration attached",
		zap.String("book_id", id.String()),
		zap.Int("markers", len(markers)))
	return nil
}

// GetVoice fetches a narration voice by id.
func (s *Service) GetVoice(ctx context.Context, id VoiceID) (Voice, error) {
	var voice Voice
	err := s.db.WithContext(ctx).First(&voice, "id = ?", id.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Voice{}, newServiceError(opVoices, "not_found", ErrVoiceNotFound)
	}
	if err != nil {
		return Voice{}, newServiceError(opVoices, "query_failed", err)
	}
	return voice, nil
}

// ListVoices returns all narration voices sorted by name.
func (s *Service) ListVoices(ctx context.Context) ([]Voice, error) {
	var voices []Voice
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&voices).Error; err != nil {
		return nil, newServiceError(opVoices, "query_failed", err)
	}
	return voices, nil
}

// SaveVoice inserts or updates a narration voice.
func (s *Service) SaveVoice(ctx context.Context, voice Voice) error {
	if err := s.db.WithContext(ctx).Save(&voice).Error; err != nil {
		return newServiceError(opVoices, "save_failed", err)
	}
	return nil
}

// SetDefaultVoice marks one voice as default, clearing every other default
// flag in the same transaction.
func (s *Service) SetDefaultVoice(ctx context.Context, id VoiceID) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Voice{}).Where("is_default = ?", true).Update("is_default", false).Error; err != nil {
			return err
		}
		result := tx.Model(&Voice{}).Where("id = ?", id.String()).Update("is_default", true)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrVoiceNotFound
		}
		return nil
	})
	if txErr != nil {
		if errors.Is(txErr, ErrVoiceNotFound) {
			return newServiceError(opSetDefaultVoice, "not_found", txErr)
		}
		return newServiceError(opSetDefaultVoice, "transaction_failed", txErr)
	}
	return nil
}
