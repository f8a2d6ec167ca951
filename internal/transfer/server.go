// Package transfer exposes the narrated library to peers over HTTP and pulls
// missing books from a peer's transfer endpoint.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/actualreader/backend/internal/bundle"
	"github.com/actualreader/backend/internal/library"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ServerType is the marker string peers check before treating an HTTP
// responder as one of ours.
const ServerType = "actual-reader"

// ProtocolVersion is reported by the info endpoint.
const ProtocolVersion = "1.0.0"

var (
	// ErrAlreadyRunning indicates Start was called on a running server.
	ErrAlreadyRunning = errors.New("transfer: server already running")
	// ErrNotRunning indicates Stop was called on a stopped server.
	ErrNotRunning = errors.New("transfer: server not running")

	errMissingLibrary  = errors.New("library service is required")
	errMissingPipeline = errors.New("bundle pipeline is required")
)

// Advertiser is a live discovery advertisement that Stop retracts.
type Advertiser interface {
	Shutdown()
}

// ServerConfig bundles the dependencies of the transfer server.
type ServerConfig struct {
	Library      *library.Service
	Bundles      *bundle.Service
	InstanceName string
	BindAddress  string
	Port         int
	// Advertise registers the instance with discovery after a successful
	// bind. Nil disables advertisement.
	Advertise func(name string, port int) (Advertiser, error)
	Logger    *zap.Logger
}

// Server serves the info, catalog, and fetch endpoints while running. The
// zero lifecycle state is stopped; Start and Stop guard transitions with a
// mutex so a double start is rejected rather than leaking a listener.
type Server struct {
	library      *library.Service
	bundles      *bundle.Service
	instanceName string
	bindAddress  string
	port         int
	advertise    func(name string, port int) (Advertiser, error)
	logger       *zap.Logger

	mu            sync.Mutex
	httpServer    *http.Server
	advertisement Advertiser
	boundPort     int
}

// NewServer validates the configuration and constructs a stopped server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Library == nil {
		return nil, errMissingLibrary
	}
	if cfg.Bundles == nil {
		return nil, errMissingPipeline
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		library:      cfg.Library,
		bundles:      cfg.Bundles,
		instanceName: cfg.InstanceName,
		bindAddress:  cfg.BindAddress,
		port:         cfg.Port,
		advertise:    cfg.Advertise,
		logger:       logger,
	}, nil
}

// Start binds the listener, begins serving, and then advertises the
// instance. A bind failure is returned to the caller; there is no fallback
// port. Calling Start on a running server returns ErrAlreadyRunning.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return ErrAlreadyRunning
	}

	address := fmt.Sprintf("%s:%d", s.bindAddress, s.port)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("transfer: bind %s: %w", address, err)
	}
	boundPort := listener.Addr().(*net.TCPAddr).Port

	httpServer := &http.Server{Handler: s.router()}
	go func() {
		if serveErr := httpServer.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			s.logger.Error("transfer server stopped unexpectedly", zap.Error(serveErr))
		}
	}()

	if s.advertise != nil {
		advertisement, err := s.advertise(s.instanceName, boundPort)
		if err != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			httpServer.Shutdown(shutdownCtx)
			return fmt.Errorf("transfer: advertise: %w", err)
		}
		s.advertisement = advertisement
	}

	s.httpServer = httpServer
	s.boundPort = boundPort
	s.logger.Info("transfer server started",
		zap.String("instance", s.instanceName),
		zap.Int("port", boundPort))
	return nil
}

// Stop retracts the advertisement and shuts the listener down gracefully,
// letting accepted connections finish. Stopping a stopped server returns
// ErrNotRunning.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer == nil {
		return ErrNotRunning
	}

	if s.advertisement != nil {
		s.advertisement.Shutdown()
		s.advertisement = nil
	}

	err := s.httpServer.Shutdown(ctx)
	s.httpServer = nil
	s.boundPort = 0
	if err != nil {
		return fmt.Errorf("transfer: shutdown: %w", err)
	}
	s.logger.Info("transfer server stopped", zap.String("instance", s.instanceName))
	return nil
}

// Running reports whether the server currently holds a listener.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpServer != nil
}

// Port returns the bound port while running, zero otherwise. Useful when the
// configured port is zero and the OS picked one.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundPort
}

func (s *Server) router() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	router.GET("/info", s.handleInfo)
	router.GET("/books", s.handleCatalog)
	router.GET("/book/:id", s.handleFetch)

	return router
}

type infoPayload struct {
	Name       string `json:"name"`
	BookCount  int64  `json:"bookCount"`
	Version    string `json:"version"`
	ServerType string `json:"serverType"`
}

// CatalogEntry is one narration-ready book as the catalog endpoint reports
// it.
type CatalogEntry struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Author       *string `json:"author"`
	SourceFormat string  `json:"sourceFormat"`
	HasNarration bool    `json:"hasNarration"`
}

type catalogPayload struct {
	Books []CatalogEntry `json:"books"`
}

func (s *Server) handleInfo(c *gin.Context) {
	count, err := s.library.CountReadyBooks(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to count ready books", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "catalog_unavailable"})
		return
	}
	c.JSON(http.StatusOK, infoPayload{
		Name:       s.instanceName,
		BookCount:  count,
		Version:    ProtocolVersion,
		ServerType: ServerType,
	})
}

func (s *Server) handleCatalog(c *gin.Context) {
	books, err := s.library.ListReadyBooks(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to list ready books", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "catalog_unavailable"})
		return
	}

	entries := make([]CatalogEntry, 0, len(books))
	for _, book := range books {
		entries = append(entries, CatalogEntry{
			ID:           book.ID,
			Title:        book.Title,
			Author:       book.Author,
			SourceFormat: book.SourceFormat.String(),
			HasNarration: book.NarrationStatus == library.NarrationReady,
		})
	}
	c.JSON(http.StatusOK, catalogPayload{Books: entries})
}

// handleFetch streams a bundle. Failures respond with an error status and an
// empty body so a peer never mistakes a partial archive for a bundle.
func (s *Server) handleFetch(c *gin.Context) {
	id, err := library.NewBookID(c.Param("id"))
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	data, err := s.bundles.Export(c.Request.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, library.ErrBookNotFound):
			status = http.StatusNotFound
		case errors.Is(err, bundle.ErrNotReady):
			status = http.StatusConflict
		}
		s.logger.Warn("bundle fetch failed",
			zap.String("book_id", id.String()),
			zap.Error(err))
		c.Status(status)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id.String()+".actualbook"))
	c.Data(http.StatusOK, "application/octet-stream", data)
}
