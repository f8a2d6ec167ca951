package library

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidBookID indicates that a book identifier is empty or exceeds storage bounds.
	ErrInvalidBookID = errors.New("library: invalid book id")
	// ErrInvalidVoiceID indicates that a voice identifier is empty or exceeds storage bounds.
	ErrInvalidVoiceID = errors.New("library: invalid voice id")
)

// BookID represents a validated book identifier. Identifiers are opaque
// strings assigned by the instance that created the book.
type BookID string

// NewBookID validates raw input and returns a BookID.
func NewBookID(rawInput string) (BookID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidBookID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidBookID, maxIdentifierLength)
	}
	return BookID(trimmed), nil
}

// String returns the underlying string identifier.
func (id BookID) String() string { return string(id) }

// VoiceID represents a validated voice identifier.
type VoiceID string

// NewVoiceID validates raw input and returns a VoiceID.
func NewVoiceID(rawInput string) (VoiceID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidVoiceID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidVoiceID, maxIdentifierLength)
	}
	return VoiceID(trimmed), nil
}

// String returns the underlying string identifier.
func (id VoiceID) String() string { return string(id) }

// IDProvider issues instance-unique identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv4 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
