package library

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDProvider struct {
	prefix string
	next   int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("%s-%03d", p.prefix, p.next), nil
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
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

	if err := db.AutoMigrate(&Book{}, &Segment{}, &Marker{}, &Progress{}, &Voice{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := newTestDatabase(t)
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1705334400, 0).UTC() },
		IDProvider: &sequenceIDProvider{prefix: "id"},
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service, db
}

func newTestDatabaseAndService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	service, db := newTestService(t)
	return service, db
}

func seedReadyBook(t *testing.T, db *gorm.DB, id, title string) {
	t.Helper()
	book := Book{
		ID:               id,
		Title:            title,
		SourceFormat:     SourceFormatEpub,
		SourcePath:       "",
		NarrationStatus:  NarrationReady,
		CreatedAtSeconds: 1705334400,
		UpdatedAtSeconds: 1705334400,
	}
	if err := db.Create(&book).Error; err != nil {
		t.Fatalf("failed to seed book %s: %v", id, err)
	}
}

func seedNarration(t *testing.T, db *gorm.DB, bookID string) {
	t.Helper()
	segment := Segment{ID: "seg-" + bookID, BookID: bookID, Ordinal: 0, Content: "text"}
	if err := db.Create(&segment).Error; err != nil {
		t.Fatalf("failed to seed segment: %v", err)
	}
	marker := Marker{ID: "mrk-" + bookID, BookID: bookID, SegmentID: segment.ID, StartSeconds: 0, EndSeconds: 2.5}
	if err := db.Create(&marker).Error; err != nil {
		t.Fatalf("failed to seed marker: %v", err)
	}
}

func mustBookID(t *testing.T, value string) BookID {
	t.Helper()
	id, err := NewBookID(value)
	if err != nil {
		t.Fatalf("unexpected book id error: %v", err)
	}
	return id
}

func mustVoiceID(t *testing.T, value string) VoiceID {
	t.Helper()
	id, err := NewVoiceID(value)
	if err != nil {
		t.Fatalf("unexpected voice id error: %v", err)
	}
	return id
}

func strPtr(value string) *string { return &value }
