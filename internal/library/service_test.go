package library

import (
	"context"
	"errors"
	"testing"
)

func TestCreateBookInsertsSegmentsInDraftOrder(t *testing.T) {
	service, _ := newTestService(t)

	book, err := service.CreateBook(context.Background(), NewBook{
		Title:        "First Book",
		Author:       strPtr("Anna"),
		SourceFormat: SourceFormatEpub,
		SourcePath:   "/data/sources/first.epub",
		Segments: []NewSegment{
			{Content: "Intro"},
			{Content: "Body", HTML: strPtr("<p>Body</p>")},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if book.NarrationStatus != NarrationNone {
		t.Fatalf("expected narration status none, got %q", book.NarrationStatus)
	}

	segments, err := service.Segments(context.Background(), mustBookID(t, book.ID))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segments))
	}
	if segments[0].Ordinal != 0 || segments[0].Content != "Intro" {
		t.Fatalf("unexpected first segment: %+v", segments[0])
	}
	if segments[1].Ordinal != 1 || segments[1].HTML == nil {
		t.Fatalf("unexpected second segment: %+v", segments[1])
	}
}

func TestCreateBookRejectsEmptyDraft(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.CreateBook(context.Background(), NewBook{
		Title:        "Empty",
		SourceFormat: SourceFormatTxt,
	})
	if !errors.Is(err, ErrNoSegments) {
		t.Fatalf("expected ErrNoSegments, got %v", err)
	}
}

func TestGetBookNotFound(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.GetBook(context.Background(), mustBookID(t, "missing"))
	if !errors.Is(err, ErrBookNotFound) {
		t.Fatalf("expected ErrBookNotFound, got %v", err)
	}
}

func TestGetBookRejectsCorruptNarrationStatus(t *testing.T) {
	service, db := newTestDatabaseAndService(t)

	seedReadyBook(t, db, "book-1", "Broken")
	if err := db.Exec("UPDATE books SET narration_status = 'finished' WHERE id = 'book-1'").Error; err != nil {
		t.Fatalf("failed to corrupt row: %v", err)
	}

	_, err := service.GetBook(context.Background(), mustBookID(t, "book-1"))
	if !errors.Is(err, ErrUnknownNarrationStatus) {
		t.Fatalf("expected ErrUnknownNarrationStatus, got %v", err)
	}
}

func TestSegmentsReturnOrdinalOrderNotInsertionOrder(t *testing.T) {
	service, db := newTestDatabaseAndService(t)

	seedReadyBook(t, db, "book-1", "Shuffled")
	rows := []Segment{
		{ID: "seg-b", BookID: "book-1", Ordinal: 2, Content: "third"},
		{ID: "seg-c", BookID: "book-1", Ordinal: 0, Content: "first"},
		{ID: "seg-a", BookID: "book-1", Ordinal: 1, Content: "second"},
	}
	if err := db.Create(&rows).Error; err != nil {
		t.Fatalf("failed to seed segments: %v", err)
	}

	segments, err := service.Segments(context.Background(), mustBookID(t, "book-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"first", "second", "third"}
	for i, content := range want {
		if segments[i].Content != content {
			t.Fatalf("expected segment %d to be %q, got %q", i, content, segments[i].Content)
		}
	}
}

func TestDeleteBookRemovesDependents(t *testing.T) {
	service, db := newTestDatabaseAndService(t)

	seedReadyBook(t, db, "book-1", "Doomed")
	seedNarration(t, db, "book-1")
	if err := db.Create(&Progress{BookID: "book-1", SegmentOrdinal: 1, UpdatedAtSeconds: 100}).Error; err != nil {
		t.Fatalf("failed to seed progress: %v", err)
	}

	if err := service.DeleteBook(context.Background(), mustBookID(t, "book-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, model := range []any{&Book{}, &Segment{}, &Marker{}, &Progress{}} {
		var count int64
		if err := db.Model(model).Count(&count).Error; err != nil {
			t.Fatalf("count failed: %v", err)
		}
		if count != 0 {
			t.Fatalf("expected %T rows to be gone, found %d", model, count)
		}
	}
}

func TestListReadyBooksSortsByTitle(t *testing.T) {
	service, db := newTestDatabaseAndService(t)

	seedReadyBook(t, db, "book-b", "Zebra Stories")
	seedReadyBook(t, db, "book-a", "Aardvark Tales")
	if err := db.Create(&Book{
		ID: "book-c", Title: "Not Ready", SourceFormat: SourceFormatTxt,
		NarrationStatus: NarrationNone, CreatedAtSeconds: 1, UpdatedAtSeconds: 1,
	}).Error; err != nil {
		t.Fatalf("failed to seed book: %v", err)
	}

	ready, err := service.ListReadyBooks(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ready) != 2 {
		t.Fatalf("expected 2 ready books, got %d", len(ready))
	}
	if ready[0].Title != "Aardvark Tales" || ready[1].Title != "Zebra Stories" {
		t.Fatalf("unexpected order: %q, %q", ready[0].Title, ready[1].Title)
	}

	count, err := service.CountReadyBooks(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected count 2, got %d", count)
	}
}

func TestSaveProgressLastWriterWins(t *testing.T) {
	service, db := newTestDatabaseAndService(t)
	seedReadyBook(t, db, "book-1", "Tracked")

	newer := Progress{BookID: "book-1", SegmentOrdinal: 5, UpdatedAtSeconds: 200}
	if err := service.SaveProgress(context.Background(), newer); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stale := Progress{BookID: "book-1", SegmentOrdinal: 1, UpdatedAtSeconds: 100}
	if err := service.SaveProgress(context.Background(), stale); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stored, err := service.GetProgress(context.Background(), mustBookID(t, "book-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored == nil || stored.SegmentOrdinal != 5 {
		t.Fatalf("expected the newer record to survive, got %+v", stored)
	}
}

func TestSetDefaultVoiceClearsPreviousDefault(t *testing.T) {
	service, db := newTestDatabaseAndService(t)

	voices := []Voice{
		{ID: "voice-1", Name: "Calm", Engine: "chatterbox", IsDefault: true},
		{ID: "voice-2", Name: "Bright", Engine: "chatterbox"},
	}
	if err := db.Create(&voices).Error; err != nil {
		t.Fatalf("failed to seed voices: %v", err)
	}

	if err := service.SetDefaultVoice(context.Background(), mustVoiceID(t, "voice-2")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	all, err := service.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defaults := 0
	for _, voice := range all {
		if voice.IsDefault {
			defaults++
			if voice.ID != "voice-2" {
				t.Fatalf("expected voice-2 to be default, got %s", voice.ID)
			}
		}
	}
	if defaults != 1 {
		t.Fatalf("expected exactly one default voice, got %d", defaults)
	}
}

func TestSetDefaultVoiceUnknownVoice(t *testing.T) {
	service, _ := newTestService(t)

	err := service.SetDefaultVoice(context.Background(), mustVoiceID(t, "ghost"))
	if !errors.Is(err, ErrVoiceNotFound) {
		t.Fatalf("expected ErrVoiceNotFound, got %v", err)
	}
}
