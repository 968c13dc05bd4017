// Package evidencestore implements a write-once object store for finance
// bundle evidence: an object key, once written, may never be overwritten
// with different bytes. Backed by S3-compatible object storage.
package evidencestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
)

// ErrImmutabilityBreach is returned when a caller attempts to write a key
// that already exists with different bytes than what is being written.
var ErrImmutabilityBreach = errors.New("evidencestore: object exists with different content")

// Store is a write-once object store keyed by an opaque object key, e.g.
// "finance-pack/2026-02/<bundleHash>.zip".
type Store struct {
	client *minio.Client
	bucket string
}

func New(client *minio.Client, bucket string) *Store {
	return &Store{client: client, bucket: bucket}
}

// Read fetches an object's full bytes. Returns (nil, nil) if the key does
// not exist.
func (s *Store) Read(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("evidencestore.Read get: %w", err)
	}
	defer obj.Close()

	body, err := io.ReadAll(obj)
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil, nil
		}
		return nil, fmt.Errorf("evidencestore.Read: %w", err)
	}
	return body, nil
}

// PutOnce writes body to key if the key is absent. If the key already
// holds different bytes, returns ErrImmutabilityBreach without writing.
// If the key already holds identical bytes, it is a no-op success.
func (s *Store) PutOnce(ctx context.Context, key string, body []byte, contentType string) error {
	existing, err := s.Read(ctx, key)
	if err != nil {
		return err
	}
	if existing != nil {
		if !bytes.Equal(existing, body) {
			return ErrImmutabilityBreach
		}
		return nil
	}

	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("evidencestore.PutOnce put: %w", err)
	}
	return nil
}
