package media

import (
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog"

	"github.com/chartline/chartline/internal/platform/apperr"
	"github.com/chartline/chartline/internal/platform/blobstore"
)

// Service fronts the blob store and translates its failures into the
// application error taxonomy.
type Service struct {
	store blobstore.BlobStore
	log   zerolog.Logger
}

func NewService(store blobstore.BlobStore, log zerolog.Logger) *Service {
	return &Service{store: store, log: log}
}

type UploadInput struct {
	Kind        blobstore.Kind
	FileName    string
	ContentType string
	PatientID   string
	UploadedBy  string
}

func (s *Service) Upload(ctx context.Context, in UploadInput, content io.Reader) (*blobstore.BlobMetadata, error) {
	meta := blobstore.BlobMetadata{
		Kind:        in.Kind,
		FileName:    in.FileName,
		ContentType: in.ContentType,
		PatientID:   in.PatientID,
		CreatedBy:   in.UploadedBy,
	}
	stored, err := s.store.Upload(ctx, meta, content)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return stored, nil
}

func (s *Service) Download(ctx context.Context, id string) (io.ReadCloser, *blobstore.BlobMetadata, error) {
	rc, meta, err := s.store.Download(ctx, id)
	if err != nil {
		return nil, nil, mapStoreErr(err)
	}
	return rc, meta, nil
}

func (s *Service) GetMetadata(ctx context.Context, id string) (*blobstore.BlobMetadata, error) {
	meta, err := s.store.GetMetadata(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return meta, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return mapStoreErr(err)
	}
	return nil
}

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, blobstore.ErrBlobNotFound):
		return apperr.NotFound("file not found")
	case errors.Is(err, blobstore.ErrFileTooLarge),
		errors.Is(err, blobstore.ErrInvalidContentType),
		errors.Is(err, blobstore.ErrInvalidExtension),
		errors.Is(err, blobstore.ErrMissingFileName),
		errors.Is(err, blobstore.ErrUnknownKind):
		return apperr.Validation(err.Error())
	default:
		return apperr.Wrap(apperr.KindDependency, "blob storage", err)
	}
}
