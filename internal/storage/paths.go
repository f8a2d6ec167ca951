// Package storage defines the on-disk layout of the application data
// directory: the library database, imported source files, generated
// narration assets, and exported bundles.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// AudioFileName is the canonical narration audio file name inside a book's
// narration directory and inside bundles.
const AudioFileName = "audio.mp3"

// BundleExtension is the file extension for exported bundles.
const BundleExtension = ".actualbook"

// Layout resolves paths under the application data directory.
type Layout struct {
	Root      string
	Database  string
	Sources   string
	Narration string
	Bundles   string
}

// NewLayout builds a Layout rooted at the given data directory.
func NewLayout(root string) Layout {
	return Layout{
		Root:      root,
		Database:  filepath.Join(root, "library.db"),
		Sources:   filepath.Join(root, "sources"),
		Narration: filepath.Join(root, "narration"),
		Bundles:   filepath.Join(root, "bundles"),
	}
}

// EnsureDirs creates the data directories if they do not already exist.
func (l Layout) EnsureDirs() error {
	for _, dir := range []string{l.Root, l.Sources, l.Narration, l.Bundles} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// SourcePath returns the stored source file path for a book.
func (l Layout) SourcePath(bookID, extension string) string {
	return filepath.Join(l.Sources, fmt.Sprintf("%s.%s", bookID, extension))
}

// NarrationDir returns the narration asset directory for a book.
func (l Layout) NarrationDir(bookID string) string {
	return filepath.Join(l.Narration, bookID)
}

// NarrationAudioPath returns the narration audio file path for a book.
func (l Layout) NarrationAudioPath(bookID string) string {
	return filepath.Join(l.Narration, bookID, AudioFileName)
}

// MarkersPath returns the narration markers file path for a book.
func (l Layout) MarkersPath(bookID string) string {
	return filepath.Join(l.Narration, bookID, "markers.json")
}

// BundlePath returns the default export location for a book's bundle.
func (l Layout) BundlePath(bookID string) string {
	return filepath.Join(l.Bundles, bookID+BundleExtension)
}
