package transfer

import (
	"context"
	"fmt"
	"net"
	"net/http/httptest"
	"os"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/actualreader/backend/internal/bundle"
	"github.com/actualreader/backend/internal/discovery"
	"github.com/actualreader/backend/internal/library"
	"github.com/actualreader/backend/internal/storage"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var databaseSequence atomic.Int64

type instance struct {
	library *library.Service
	bundles *bundle.Service
	layout  storage.Layout
}

func newTestInstance(t *testing.T) instance {
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

	lib, err := library.NewService(library.ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1705334400, 0).UTC() },
		IDProvider: library.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build library service: %v", err)
	}

	layout := storage.NewLayout(t.TempDir())
	if err := layout.EnsureDirs(); err != nil {
		t.Fatalf("failed to create layout: %v", err)
	}
	bundles, err := bundle.NewService(bundle.ServiceConfig{
		Library: lib,
		Layout:  layout,
		Clock:   func() time.Time { return time.Unix(1705334400, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to build pipeline: %v", err)
	}
	return instance{library: lib, bundles: bundles, layout: layout}
}

// seedReadyBook inserts a narration-ready book with one segment, one marker,
// and audio on disk so the fetch endpoint can export it.
func seedReadyBook(t *testing.T, inst instance, id, title string) {
	t.Helper()
	book := library.Book{
		ID:               id,
		Title:            title,
		SourceFormat:     library.SourceFormatTxt,
		SourcePath:       "/data/sources/" + id + ".txt",
		NarrationStatus:  library.NarrationReady,
		CreatedAtSeconds: 1705334400,
		UpdatedAtSeconds: 1705334400,
	}
	segments := []library.Segment{
		{ID: "seg-" + id, BookID: id, Ordinal: 0, Content: "Content of " + title},
	}
	markers := []library.Marker{
		{ID: "mrk-" + id, BookID: id, SegmentID: "seg-" + id, StartSeconds: 0, EndSeconds: 3.5},
	}
	if err := inst.library.InsertNarratedBook(context.Background(), book, segments, markers); err != nil {
		t.Fatalf("failed to seed book %s: %v", id, err)
	}
	if err := os.MkdirAll(inst.layout.NarrationDir(id), 0o755); err != nil {
		t.Fatalf("failed to create narration dir: %v", err)
	}
	if err := os.WriteFile(inst.layout.NarrationAudioPath(id), []byte("AUDIO-"+id), 0o644); err != nil {
		t.Fatalf("failed to write audio: %v", err)
	}
}

// seedDraftBook inserts a book without narration.
func seedDraftBook(t *testing.T, inst instance, id, title string) {
	t.Helper()
	book := library.Book{
		ID:               id,
		Title:            title,
		SourceFormat:     library.SourceFormatTxt,
		NarrationStatus:  library.NarrationNone,
		CreatedAtSeconds: 1705334400,
		UpdatedAtSeconds: 1705334400,
	}
	segments := []library.Segment{
		{ID: "seg-" + id, BookID: id, Ordinal: 0, Content: "Draft " + title},
	}
	if err := inst.library.InsertNarratedBook(context.Background(), book, segments, nil); err != nil {
		t.Fatalf("failed to seed draft %s: %v", id, err)
	}
}

func newTestServer(t *testing.T, inst instance, name string) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	server, err := NewServer(ServerConfig{
		Library:      inst.library,
		Bundles:      inst.bundles,
		InstanceName: name,
		BindAddress:  "127.0.0.1",
		Port:         0,
	})
	if err != nil {
		t.Fatalf("failed to build server: %v", err)
	}
	return server
}

// servePeer exposes an instance's transfer routes over httptest and returns
// a Peer pointing at it.
func servePeer(t *testing.T, inst instance, name string) discovery.Peer {
	t.Helper()
	server := newTestServer(t, inst, name)
	httpServer := httptest.NewServer(server.router())
	t.Cleanup(httpServer.Close)
	return peerFromURL(t, name, httpServer.URL)
}

func peerFromURL(t *testing.T, name, rawURL string) discovery.Peer {
	t.Helper()
	host, portText, err := net.SplitHostPort(rawURL[len("http://"):])
	if err != nil {
		t.Fatalf("unexpected test server url %q: %v", rawURL, err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		t.Fatalf("unexpected test server port %q: %v", portText, err)
	}
	return discovery.Peer{Name: name, Address: host, Port: port}
}

func newTestOrchestrator(t *testing.T, inst instance) *Orchestrator {
	t.Helper()
	orchestrator, err := NewOrchestrator(OrchestratorConfig{
		Library: inst.library,
		Bundles: inst.bundles,
	})
	if err != nil {
		t.Fatalf("failed to build orchestrator: %v", err)
	}
	return orchestrator
}

type stubAdvertiser struct {
	shutdowns atomic.Int64
}

func (s *stubAdvertiser) Shutdown() { s.shutdowns.Add(1) }
