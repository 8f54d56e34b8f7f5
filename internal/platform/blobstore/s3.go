package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

// S3API is the subset of the S3 client the store needs, kept narrow so
// tests can supply a mock.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3BlobStore stores blobs in a single S3 bucket. Metadata rides along
// as a JSON document under object metadata, keyed "blob-meta".
type S3BlobStore struct {
	client S3API
	bucket string
}

// NewS3BlobStore builds an S3BlobStore from the default AWS config chain.
func NewS3BlobStore(ctx context.Context, bucket, region string) (*S3BlobStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3BlobStore{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// NewS3BlobStoreWithClient wires a pre-built client, used by tests.
func NewS3BlobStoreWithClient(client S3API, bucket string) *S3BlobStore {
	return &S3BlobStore{client: client, bucket: bucket}
}

func objectKey(kind Kind, id string) string {
	return fmt.Sprintf("%s/%s", kind, id)
}

// Upload validates and buffers the content, then writes it to S3 with
// the metadata document attached.
func (s *S3BlobStore) Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
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

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey(meta.Kind, meta.ID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(meta.ContentType),
		Metadata:    map[string]string{"blob-meta": string(metaJSON)},
	})
	if err != nil {
		return nil, fmt.Errorf("put object: %w", err)
	}

	out := meta
	return &out, nil
}

// Download fetches the object and its metadata document.
func (s *S3BlobStore) Download(ctx context.Context, id string) (io.ReadCloser, *BlobMetadata, error) {
	for _, kind := range []Kind{KindAudio, KindImage} {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectKey(kind, id)),
		})
		if err != nil {
			if isS3NotFound(err) {
				continue
			}
			return nil, nil, fmt.Errorf("get object: %w", err)
		}
		meta, mErr := metaFromObject(out.Metadata, id, kind)
		if mErr != nil {
			out.Body.Close()
			return nil, nil, mErr
		}
		return out.Body, meta, nil
	}
	return nil, nil, ErrBlobNotFound
}

// GetMetadata reads only the metadata document via HeadObject.
func (s *S3BlobStore) GetMetadata(ctx context.Context, id string) (*BlobMetadata, error) {
	for _, kind := range []Kind{KindAudio, KindImage} {
		out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectKey(kind, id)),
		})
		if err != nil {
			if isS3NotFound(err) {
				continue
			}
			return nil, fmt.Errorf("head object: %w", err)
		}
		return metaFromObject(out.Metadata, id, kind)
	}
	return nil, ErrBlobNotFound
}

// Delete removes the object.
func (s *S3BlobStore) Delete(ctx context.Context, id string) error {
	meta, err := s.GetMetadata(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(meta.Kind, id)),
	})
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func metaFromObject(objMeta map[string]string, id string, kind Kind) (*BlobMetadata, error) {
	raw, ok := objMeta["blob-meta"]
	if !ok {
		// Object written by another tool; synthesize minimal metadata.
		return &BlobMetadata{ID: id, Kind: kind}, nil
	}
	var meta BlobMetadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal blob metadata: %w", err)
	}
	return &meta, nil
}

func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}
