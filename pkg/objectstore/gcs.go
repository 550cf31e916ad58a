package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/rs/zerolog"

	"github.com/cuemby/harborctl/pkg/log"
)

// GCSStore backs Store with Google Cloud Storage. One bucket serves every
// key; callers distinguish jobs/attempts via key prefixes ("results/<jobID>/...").
type GCSStore struct {
	client *storage.Client
	bucket string
	logger zerolog.Logger
}

// Open creates a GCS-backed Store against bucket. credentialsFile may be
// empty to use application-default credentials.
func Open(ctx context.Context, bucket, credentialsFile string) (*GCSStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	opts = append(opts, option.WithScopes(storage.ScopeReadWrite))

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSStore{
		client: client,
		bucket: bucket,
		logger: log.WithComponent("objectstore"),
	}, nil
}

func (s *GCSStore) objectURL(key string) string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, key)
}

// Close releases the underlying GCS client's connections.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

// Put implements Store.
func (s *GCSStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("failed to write gcs object %q: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close gcs writer for %q: %w", key, err)
	}
	return s.objectURL(key), nil
}

// Get implements Store.
func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open gcs reader for %q: %w", key, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Head implements Store.
func (s *GCSStore) Head(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if err == storage.ErrObjectNotExist {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to fetch gcs attrs for %q: %w", key, err)
	}
	return true, nil
}

// PresignGet implements Store, signing a time-limited GET URL via the
// client's configured service-account credentials.
func (s *GCSStore) PresignGet(ctx context.Context, key string, ttlSeconds int) (string, error) {
	opts := &storage.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(time.Duration(ttlSeconds) * time.Second),
	}
	url, err := s.client.Bucket(s.bucket).SignedURL(key, opts)
	if err != nil {
		return "", fmt.Errorf("failed to presign %q: %w", key, err)
	}
	return url, nil
}

// PutDirectory implements Store: walks localDir recursively, uploading every
// regular file keyed by keyPrefix + its path relative to localDir.
func (s *GCSStore) PutDirectory(ctx context.Context, localDir, keyPrefix string) ([]string, error) {
	var urls []string
	prefix := strings.TrimSuffix(keyPrefix, "/")

	err := filepath.WalkDir(localDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(localDir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %q: %w", path, err)
		}
		key := prefix + "/" + filepath.ToSlash(rel)
		url, err := s.Put(ctx, key, data, contentTypeForExt(path))
		if err != nil {
			return err
		}
		urls = append(urls, url)
		return nil
	})
	if err != nil {
		return urls, fmt.Errorf("putDirectory %q: %w", localDir, err)
	}
	return urls, nil
}

// contentTypeForExt infers content-type from file extension per spec §4.2:
// everything else is left unset rather than guessed.
func contentTypeForExt(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "application/json"
	case ".txt", ".log":
		return "text/plain"
	case ".md":
		return "text/markdown"
	default:
		return ""
	}
}
