// Package blobstore stores uploaded patient media: dictation audio and
// chart images. It defines the BlobStore interface, per-kind size and
// format validation, a thread-safe in-memory implementation for tests
// and development, and an S3-backed implementation for production.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrInvalidExtension   = errors.New("file extension is not allowed")
	ErrMissingFileName    = errors.New("file name is required")
	ErrUnknownKind        = errors.New("unknown upload kind")
)

// Kind classifies an upload and selects its validation rules.
type Kind string

const (
	KindAudio Kind = "audio"
	KindImage Kind = "image"
)

// Size ceilings per kind. Audio dictations run long; images do not.
const (
	MaxAudioSize = 500 * 1024 * 1024
	MaxImageSize = 10 * 1024 * 1024
)

var allowedAudioTypes = map[string]bool{
	"audio/mpeg": true,
	"audio/mp3":  true,
	"audio/wav":  true,
	"audio/webm": true,
	"audio/aac":  true,
	"audio/ogg":  true,
}

var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
}

var allowedImageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
}

// BlobMetadata describes a stored blob.
type BlobMetadata struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	PatientID   string    `json:"patient_id,omitempty"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
	CreatedBy   string    `json:"created_by"`
}

// Validate checks the metadata against the rules for its kind. Size is
// checked again at upload time once the content length is known.
func (m *BlobMetadata) Validate() error {
	if m.FileName == "" {
		return ErrMissingFileName
	}
	switch m.Kind {
	case KindAudio:
		if !allowedAudioTypes[strings.ToLower(m.ContentType)] {
			return fmt.Errorf("%w: %s", ErrInvalidContentType, m.ContentType)
		}
	case KindImage:
		if !allowedImageTypes[strings.ToLower(m.ContentType)] {
			return fmt.Errorf("%w: %s", ErrInvalidContentType, m.ContentType)
		}
		ext := strings.ToLower(filepath.Ext(m.FileName))
		if !allowedImageExtensions[ext] {
			return fmt.Errorf("%w: %s", ErrInvalidExtension, ext)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	return nil
}

// MaxSize returns the size ceiling for the metadata's kind.
func (m *BlobMetadata) MaxSize() int64 {
	if m.Kind == KindImage {
		return MaxImageSize
	}
	return MaxAudioSize
}

// BlobStore is the contract for blob storage backends.
type BlobStore interface {
	Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error)
	Download(ctx context.Context, id string) (io.ReadCloser, *BlobMetadata, error)
	Delete(ctx context.Context, id string) error
	GetMetadata(ctx context.Context, id string) (*BlobMetadata, error)
}

type storedBlob struct {
	metadata BlobMetadata
	content  []byte
}

// InMemoryBlobStore is a thread-safe, in-memory BlobStore for tests and
// development.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
}

// NewInMemoryBlobStore returns a ready-to-use InMemoryBlobStore.
func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{
		blobs: make(map[string]*storedBlob),
	}
}

// Upload validates the metadata, reads the content, computes a SHA-256
// hash, and stores the blob in memory.
func (s *InMemoryBlobStore) Upload(_ context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}

	max := meta.MaxSize()
	data, err := io.ReadAll(io.LimitReader(content, max+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > max {
		return nil, ErrFileTooLarge
	}

	h := sha256.Sum256(data)

	meta.ID = uuid.New().String()
	meta.Size = int64(len(data))
	meta.Hash = fmt.Sprintf("%x", h)
	meta.CreatedAt = time.Now().UTC()

	s.mu.Lock()
	s.blobs[meta.ID] = &storedBlob{
		metadata: meta,
		content:  data,
	}
	s.mu.Unlock()

	out := meta // copy
	return &out, nil
}

// Download returns an io.ReadCloser over the blob content and its metadata.
func (s *InMemoryBlobStore) Download(_ context.Context, id string) (io.ReadCloser, *BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[id]
	s.mu.RUnlock()

	if !ok {
		return nil, nil, ErrBlobNotFound
	}

	meta := blob.metadata // copy
	return io.NopCloser(bytes.NewReader(blob.content)), &meta, nil
}

// Delete removes a blob by ID.
func (s *InMemoryBlobStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[id]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, id)
	return nil
}

// GetMetadata returns blob metadata without content.
func (s *InMemoryBlobStore) GetMetadata(_ context.Context, id string) (*BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[id]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrBlobNotFound
	}

	meta := blob.metadata // copy
	return &meta, nil
}
