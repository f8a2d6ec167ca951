package bundle

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/actualreader/backend/internal/library"
	"github.com/actualreader/backend/internal/storage"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var databaseSequence atomic.Int64

func newTestLibrary(t *testing.T) *library.Service {
	t.Helper()
	dsn := fmt.Sprintf("file:%s-%d?mode=memory&cache=shared", t.Name(), databaseSequence.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.AutoMigrate(&library.Book{}, &library.Segment{}, &library.Marker{}, &library.Progress{}, &library.Voice{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	service, err := library.NewService(library.ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1705334400, 0).UTC() },
		IDProvider: library.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build library service: %v", err)
	}
	return service
}

func newTestPipeline(t *testing.T) (*Service, *library.Service, storage.Layout) {
	t.Helper()
	lib := newTestLibrary(t)
	layout := storage.NewLayout(t.TempDir())
	if err := layout.EnsureDirs(); err != nil {
		t.Fatalf("failed to create layout: %v", err)
	}
	pipeline, err := NewService(ServiceConfig{
		Library: lib,
		Layout:  layout,
		Clock:   func() time.Time { return time.Unix(1705334400, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to build pipeline: %v", err)
	}
	return pipeline, lib, layout
}

// seedNarratedBook inserts a ready book with two segments and two markers and
// writes its narration audio into the layout.
func seedNarratedBook(t *testing.T, lib *library.Service, layout storage.Layout, audio []byte) library.Book {
	t.Helper()
	author := "Test Author"
	book := library.Book{
		ID:               "origin-book",
		Title:            "Original",
		Author:           &author,
		SourceFormat:     library.SourceFormatEpub,
		SourcePath:       "/data/sources/origin-book.epub",
		NarrationStatus:  library.NarrationReady,
		CreatedAtSeconds: 1705334400,
		UpdatedAtSeconds: 1705334400,
	}
	segments := []library.Segment{
		{ID: "seg-1", BookID: book.ID, Ordinal: 0, Content: "Intro"},
		{ID: "seg-2", BookID: book.ID, Ordinal: 1, Content: "Body"},
	}
	markers := []library.Marker{
		{ID: "mrk-1", BookID: book.ID, SegmentID: "seg-1", StartSeconds: 0.0, EndSeconds: 2.5},
		{ID: "mrk-2", BookID: book.ID, SegmentID: "seg-2", StartSeconds: 2.5, EndSeconds: 8.3},
	}
	if err := lib.InsertNarratedBook(context.Background(), book, segments, markers); err != nil {
		t.Fatalf("failed to seed narrated book: %v", err)
	}
	if err := os.MkdirAll(layout.NarrationDir(book.ID), 0o755); err != nil {
		t.Fatalf("failed to create narration dir: %v", err)
	}
	if err := os.WriteFile(layout.NarrationAudioPath(book.ID), audio, 0o644); err != nil {
		t.Fatalf("failed to write audio: %v", err)
	}
	return book
}

// buildArchive assembles a zip with the given members, for malformed-bundle
// cases the codec would refuse to produce itself.
func buildArchive(t *testing.T, members map[string][]byte) []byte {
	t.Helper()
	var buffer bytes.Buffer
	writer := zip.NewWriter(&buffer)
	for name, data := range members {
		member, err := writer.Create(name)
		if err != nil {
			t.Fatalf("failed to create member %s: %v", name, err)
		}
		if _, err := member.Write(data); err != nil {
			t.Fatalf("failed to write member %s: %v", name, err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to finalize archive: %v", err)
	}
	return buffer.Bytes()
}

func mustBookID(t *testing.T, value string) library.BookID {
	t.Helper()
	id, err := library.NewBookID(value)
	if err != nil {
		t.Fatalf("unexpected book id error: %v", err)
	}
	return id
}
