// Package narration drives text-to-speech generation for a book: one audio
// file per book plus timing markers derived from per-segment durations. The
// synthesis engine itself is an external collaborator behind the Engine
// interface.
package narration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/actualreader/backend/internal/library"
	"github.com/actualreader/backend/internal/storage"
	"go.uber.org/zap"
)

var (
	// ErrGenerationInProgress indicates the book already has an active run.
	ErrGenerationInProgress = errors.New("narration: generation already in progress")
	// ErrNotGenerating indicates a cancel for a book with no active run.
	ErrNotGenerating = errors.New("narration: no generation in progress")
	// ErrEngineUnavailable indicates the synthesis engine did not respond.
	ErrEngineUnavailable = errors.New("narration: engine unavailable")
	// ErrNoNarratableText indicates every segment was blank.
	ErrNoNarratableText = errors.New("narration: no narratable text")
	// ErrCancelWait indicates a cancelled run did not stop within the wait
	// bound.
	ErrCancelWait = errors.New("narration: cancelled run did not stop in time")

	errMissingLibrary = errors.New("library service is required")
	errMissingEngine  = errors.New("synthesis engine is required")
)

// Engine synthesizes speech. Implementations are expected to wrap an
// external TTS process or server.
type Engine interface {
	// Available reports whether the engine can take work right now.
	Available(ctx context.Context) error
	// Synthesize renders one segment's text with the given voice sample and
	// returns the audio bytes with their duration in seconds.
	Synthesize(ctx context.Context, text, voiceSample string) ([]byte, float64, error)
	// Concatenate joins per-segment audio into one stream.
	Concatenate(chunks [][]byte) ([]byte, error)
}

// Progress is an advisory snapshot of a running generation.
type Progress struct {
	BookID  string
	Current int
	Total   int
	Message string
}

// ProgressFunc receives progress snapshots. Nil callbacks are allowed.
type ProgressFunc func(Progress)

// GeneratorConfig bundles the dependencies of the narration generator.
type GeneratorConfig struct {
	Library *library.Service
	Layout  storage.Layout
	Engine  Engine
	Logger  *zap.Logger
}

// Generator runs at most one narration generation per book. A run moves the
// book from none to generating and, on success, to ready; failure or
// cancellation resets it to none.
type Generator struct {
	library *library.Service
	layout  storage.Layout
	engine  Engine
	logger  *zap.Logger

	mu     sync.Mutex
	active map[string]*run
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewGenerator validates the configuration and constructs a Generator.
func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.Library == nil {
		return nil, errMissingLibrary
	}
	if cfg.Engine == nil {
		return nil, errMissingEngine
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		library: cfg.Library,
		layout:  cfg.Layout,
		engine:  cfg.Engine,
		logger:  logger,
		active:  make(map[string]*run),
	}, nil
}

// Start validates the request, marks the book generating, and launches the
// run in the background. A second Start for the same book while a run is
// active returns ErrGenerationInProgress.
func (g *Generator) Start(ctx context.Context, bookID library.BookID, voiceID library.VoiceID, progress ProgressFunc) error {
	if progress == nil {
		progress = func(Progress) {}
	}

	voice, err := g.library.GetVoice(ctx, voiceID)
	if err != nil {
		return err
	}
	voiceSample := ""
	if voice.SamplePath != nil {
		voiceSample = *voice.SamplePath
	}
	segments, err := g.library.Segments(ctx, bookID)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return library.ErrNoSegments
	}

	g.mu.Lock()
	if _, busy := g.active[bookID.String()]; busy {
		g.mu.Unlock()
		return ErrGenerationInProgress
	}

	if err := g.library.SetNarrationStatus(ctx, bookID, library.NarrationGenerating, nil); err != nil {
		g.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	current := &run{cancel: cancel, done: make(chan struct{})}
	g.active[bookID.String()] = current
	g.mu.Unlock()

	go func() {
		defer close(current.done)
		defer func() {
			g.mu.Lock()
			delete(g.active, bookID.String())
			g.mu.Unlock()
		}()

		if err := g.generate(runCtx, bookID, voiceSample, segments, progress); err != nil {
			g.logger.Warn("narration generation failed",
				zap.String("book_id", bookID.String()),
				zap.Error(err))
			// Reset under a fresh context so cancellation does not strand
			// the book in generating.
			resetCtx, resetCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer resetCancel()
			if resetErr := g.library.SetNarrationStatus(resetCtx, bookID, library.NarrationNone, nil); resetErr != nil {
				g.logger.Error("failed to reset narration status",
					zap.String("book_id", bookID.String()),
					zap.Error(resetErr))
			}
		}
	}()
	return nil
}

// Cancel signals the book's active run to stop and waits up to the bound for
// it to finish. Returns ErrNotGenerating when no run is active.
func (g *Generator) Cancel(bookID library.BookID, wait time.Duration) error {
	g.mu.Lock()
	current, busy := g.active[bookID.String()]
	g.mu.Unlock()
	if !busy {
		return ErrNotGenerating
	}

	current.cancel()
	select {
	case <-current.done:
		return nil
	case <-time.After(wait):
		return ErrCancelWait
	}
}

// Wait blocks until the book's active run finishes or the context expires.
// Returns immediately when no run is active.
func (g *Generator) Wait(ctx context.Context, bookID library.BookID) error {
	g.mu.Lock()
	current, busy := g.active[bookID.String()]
	g.mu.Unlock()
	if !busy {
		return nil
	}
	select {
	case <-current.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Generating reports whether the book has an active run.
func (g *Generator) Generating(bookID library.BookID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, busy := g.active[bookID.String()]
	return busy
}

func (g *Generator) generate(ctx context.Context, bookID library.BookID, voiceSample string, segments []library.Segment, progress ProgressFunc) error {
	if err := g.engine.Available(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}

	ids := g.library.IDs()
	total := len(segments)
	chunks := make([][]byte, 0, total)
	markers := make([]library.Marker, 0, total)
	elapsed := 0.0

	for index, segment := range segments {
		if err := ctx.Err(); err != nil {
			return err
		}

		text := strings.TrimSpace(segment.Content)
		if text == "" {
			continue
		}

		progress(Progress{
			BookID:  bookID.String(),
			Current: index + 1,
			Total:   total,
			Message: fmt.Sprintf("Generating audio for segment %d of %d", index+1, total),
		})

		audio, duration, err := g.engine.Synthesize(ctx, text, voiceSample)
		if err != nil {
			return fmt.Errorf("narration: synthesize segment %d: %w", index+1, err)
		}

		markerID, err := ids.NewID()
		if err != nil {
			return fmt.Errorf("narration: generate marker id: %w", err)
		}
		markers = append(markers, library.Marker{
			ID:           "mrk_" + markerID,
			BookID:       bookID.String(),
			SegmentID:    segment.ID,
			StartSeconds: elapsed,
			EndSeconds:   elapsed + duration,
		})
		elapsed += duration
		chunks = append(chunks, audio)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return ErrNoNarratableText
	}

	progress(Progress{
		BookID:  bookID.String(),
		Current: total,
		Total:   total,
		Message: "Combining audio segments",
	})

	combined, err := g.engine.Concatenate(chunks)
	if err != nil {
		return fmt.Errorf("narration: concatenate audio: %w", err)
	}

	narrationDir := g.layout.NarrationDir(bookID.String())
	if err := os.MkdirAll(narrationDir, 0o755); err != nil {
		return fmt.Errorf("narration: create directory: %w", err)
	}
	if err := os.WriteFile(g.layout.NarrationAudioPath(bookID.String()), combined, 0o644); err != nil {
		return fmt.Errorf("narration: write audio: %w", err)
	}

	if err := g.library.AttachNarration(ctx, bookID, markers, narrationDir); err != nil {
		return err
	}

	g.logger.Info("narration generated",
		zap.String("book_id", bookID.String()),
		zap.Int("markers", len(markers)),
		zap.Float64("duration_s", elapsed))
	return nil
}
