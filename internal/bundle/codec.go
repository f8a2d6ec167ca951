// Package bundle implements the portable .actualbook archive: a zip container
// holding one book's manifest, segments, narration markers, and narration
// audio, plus the import/export pipeline that moves books between the archive
// form and the library store.
package bundle

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/actualreader/backend/internal/library"
	"github.com/actualreader/backend/internal/storage"
)

// FormatVersion is written into every manifest. Decoding is permissive about
// other versions; the value is surfaced to callers rather than gated on.
const FormatVersion = "1.0"

const (
	memberManifest = "manifest.json"
	memberSegments = "content/segments.json"
	memberMarkers  = "narration/markers.json"
	memberAudio    = "narration/" + storage.AudioFileName
)

var (
	// ErrInvalidArchive indicates the data is not a readable bundle container.
	ErrInvalidArchive = errors.New("bundle: invalid archive")
	// ErrMissingMember indicates a required archive member is absent.
	ErrMissingMember = errors.New("bundle: missing member")
	// ErrInvalidManifest indicates the manifest member does not parse as expected.
	ErrInvalidManifest = errors.New("bundle: invalid manifest")
	// ErrNotReady indicates the book's narration is not ready for export.
	ErrNotReady = errors.New("bundle: narration not ready")
	// ErrMissingAsset indicates the store claims readiness but the narration
	// audio is absent from disk.
	ErrMissingAsset = errors.New("bundle: narration asset missing")
	// ErrDanglingReference indicates a marker referencing a segment the bundle
	// does not contain.
	ErrDanglingReference = errors.New("bundle: marker references unknown segment")
	// ErrEmptyAudio indicates encode was handed no audio bytes.
	ErrEmptyAudio = errors.New("bundle: audio payload is empty")
)

// Manifest is the bundle's metadata member.
type Manifest struct {
	Version      string   `json:"version"`
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Author       *string  `json:"author"`
	SourceFormat string   `json:"sourceFormat"`
	CreatedAt    int64    `json:"createdAt"`
	Duration     *float64 `json:"duration,omitempty"`
	SegmentCount int      `json:"segmentCount"`
}

// SegmentEntry is one segment inside the bundle. Index is the authoritative
// reading-order ordinal, independent of array position.
type SegmentEntry struct {
	ID      string  `json:"id"`
	Index   int     `json:"index"`
	Content string  `json:"content"`
	HTML    *string `json:"html,omitempty"`
}

// MarkerEntry is one timing marker inside the bundle. SegmentID refers to a
// SegmentEntry id within the same bundle.
type MarkerEntry struct {
	SegmentID string  `json:"segmentId"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
}

type segmentsMember struct {
	Segments []SegmentEntry `json:"segments"`
}

type markersMember struct {
	Markers []MarkerEntry `json:"markers"`
}

// Payload is a fully decoded bundle.
type Payload struct {
	Manifest Manifest
	Segments []SegmentEntry
	Markers  []MarkerEntry
	Audio    []byte
}

// Info summarizes a bundle without importing it.
type Info struct {
	Version      string   `json:"version"`
	Title        string   `json:"title"`
	Author       *string  `json:"author"`
	SourceFormat string   `json:"sourceFormat"`
	SegmentCount int      `json:"segmentCount"`
	HasNarration bool     `json:"hasNarration"`
	Duration     *float64 `json:"duration,omitempty"`
}

// Encode serializes a narration-ready book into bundle bytes. The output is a
// pure function of the inputs: member timestamps are fixed, textual members
// are deflated, and the audio member is stored without re-compression.
func Encode(book library.Book, segments []library.Segment, markers []library.Marker, audio []byte) ([]byte, error) {
	if book.NarrationStatus != library.NarrationReady {
		return nil, fmt.Errorf("%w: book %s has status %q", ErrNotReady, book.ID, book.NarrationStatus)
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("bundle: book %s has no segments: %w", book.ID, library.ErrNoSegments)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("%w: book %s", ErrEmptyAudio, book.ID)
	}

	manifest := Manifest{
		Version:      FormatVersion,
		ID:           book.ID,
		Title:        book.Title,
		Author:       book.Author,
		SourceFormat: book.SourceFormat.String(),
		CreatedAt:    book.CreatedAtSeconds,
		Duration:     markerDuration(markers),
		SegmentCount: len(segments),
	}

	segmentEntries := make([]SegmentEntry, 0, len(segments))
	for _, segment := range segments {
		segmentEntries = append(segmentEntries, SegmentEntry{
			ID:      segment.ID,
			Index:   segment.Ordinal,
			Content: segment.Content,
			HTML:    segment.HTML,
		})
	}

	markerEntries := make([]MarkerEntry, 0, len(markers))
	for _, marker := range markers {
		markerEntries = append(markerEntries, MarkerEntry{
			SegmentID: marker.SegmentID,
			Start:     marker.StartSeconds,
			End:       marker.EndSeconds,
		})
	}

	var buffer bytes.Buffer
	writer := zip.NewWriter(&buffer)

	if err := writeJSONMember(writer, memberManifest, manifest); err != nil {
		return nil, err
	}
	if err := writeJSONMember(writer, memberSegments, segmentsMember{Segments: segmentEntries}); err != nil {
		return nil, err
	}
	if err := writeJSONMember(writer, memberMarkers, markersMember{Markers: markerEntries}); err != nil {
		return nil, err
	}

	// Audio is assumed already compressed; store it as-is.
	audioMember, err := writer.CreateHeader(&zip.FileHeader{Name: memberAudio, Method: zip.Store})
	if err != nil {
		return nil, fmt.Errorf("bundle: create %s: %w", memberAudio, err)
	}
	if _, err := audioMember.Write(audio); err != nil {
		return nil, fmt.Errorf("bundle: write %s: %w", memberAudio, err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("bundle: finalize archive: %w", err)
	}
	return buffer.Bytes(), nil
}

func writeJSONMember(writer *zip.Writer, name string, value any) error {
	member, err := writer.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("bundle: create %s: %w", name, err)
	}
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("bundle: serialize %s: %w", name, err)
	}
	if _, err := member.Write(encoded); err != nil {
		return fmt.Errorf("bundle: write %s: %w", name, err)
	}
	return nil
}

func markerDuration(markers []library.Marker) *float64 {
	if len(markers) == 0 {
		return nil
	}
	duration := 0.0
	for _, marker := range markers {
		if marker.EndSeconds > duration {
			duration = marker.EndSeconds
		}
	}
	return &duration
}

// Decode parses full bundle bytes for import. The manifest, segment list,
// marker list, and a non-empty audio member must all be present.
func Decode(data []byte) (Payload, error) {
	reader, err := openArchive(data)
	if err != nil {
		return Payload{}, err
	}

	payload, err := decodeTextMembers(reader, true)
	if err != nil {
		return Payload{}, err
	}

	audio, found, err := readMember(reader, memberAudio)
	if err != nil {
		return Payload{}, err
	}
	if !found {
		return Payload{}, fmt.Errorf("%w: %s", ErrMissingMember, memberAudio)
	}
	if len(audio) == 0 {
		return Payload{}, fmt.Errorf("%w: %s", ErrEmptyAudio, memberAudio)
	}
	payload.Audio = audio
	return payload, nil
}

// Inspect summarizes bundle bytes without importing anything. Narration is
// reported present only when both the audio and marker members exist.
func Inspect(data []byte) (Info, error) {
	reader, err := openArchive(data)
	if err != nil {
		return Info{}, err
	}

	payload, err := decodeTextMembers(reader, false)
	if err != nil {
		return Info{}, err
	}

	hasMarkers := hasMember(reader, memberMarkers)
	hasAudio := hasMember(reader, memberAudio)

	return Info{
		Version:      payload.Manifest.Version,
		Title:        payload.Manifest.Title,
		Author:       payload.Manifest.Author,
		SourceFormat: payload.Manifest.SourceFormat,
		SegmentCount: payload.Manifest.SegmentCount,
		HasNarration: hasAudio && hasMarkers,
		Duration:     payload.Manifest.Duration,
	}, nil
}

func openArchive(data []byte) (*zip.Reader, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	return reader, nil
}

func decodeTextMembers(reader *zip.Reader, requireMarkers bool) (Payload, error) {
	var payload Payload

	manifestBytes, found, err := readMember(reader, memberManifest)
	if err != nil {
		return Payload{}, err
	}
	if !found {
		return Payload{}, fmt.Errorf("%w: %s", ErrMissingMember, memberManifest)
	}
	if err := json.Unmarshal(manifestBytes, &payload.Manifest); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	segmentBytes, found, err := readMember(reader, memberSegments)
	if err != nil {
		return Payload{}, err
	}
	if !found {
		return Payload{}, fmt.Errorf("%w: %s", ErrMissingMember, memberSegments)
	}
	var segments segmentsMember
	if err := json.Unmarshal(segmentBytes, &segments); err != nil {
		return Payload{}, fmt.Errorf("bundle: parse %s: %w", memberSegments, err)
	}
	payload.Segments = segments.Segments

	markerBytes, found, err := readMember(reader, memberMarkers)
	if err != nil {
		return Payload{}, err
	}
	if !found {
		if requireMarkers {
			return Payload{}, fmt.Errorf("%w: %s", ErrMissingMember, memberMarkers)
		}
		return payload, nil
	}
	var markers markersMember
	if err := json.Unmarshal(markerBytes, &markers); err != nil {
		return Payload{}, fmt.Errorf("bundle: parse %s: %w", memberMarkers, err)
	}
	payload.Markers = markers.Markers
	return payload, nil
}

func readMember(reader *zip.Reader, name string) ([]byte, bool, error) {
	file := findMember(reader, name)
	if file == nil {
		return nil, false, nil
	}
	rc, err := file.Open()
	if err != nil {
		return nil, true, fmt.Errorf("bundle: open %s: %w", name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, true, fmt.Errorf("bundle: read %s: %w", name, err)
	}
	return data, true, nil
}

func hasMember(reader *zip.Reader, name string) bool {
	return findMember(reader, name) != nil
}

func findMember(reader *zip.Reader, name string) *zip.File {
	for _, file := range reader.File {
		if file.Name == name {
			return file
		}
	}
	return nil
}
