// Package objectstore is the Object Store Gateway (spec component C2): a
// small interface over whatever backs zipLocation/logPath URIs, implemented
// here against Google Cloud Storage.
package objectstore

import (
	"context"
)

// Store is the contract every caller in this repo depends on. zipLocation
// and logPath fields elsewhere in the domain are URIs of the shape
// "scheme://bucket/key/..."; ParseURI below is the one place that string is
// taken apart.
type Store interface {
	// Put uploads bytes under key, inferring nothing about contentType --
	// callers supply it, or "" to leave it unset. Returns the object's URL.
	Put(ctx context.Context, key string, data []byte, contentType string) (objectURL string, err error)

	// Get downloads the full contents of key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Head reports whether key exists.
	Head(ctx context.Context, key string) (exists bool, err error)

	// PresignGet returns a time-limited GET URL for key.
	PresignGet(ctx context.Context, key string, ttlSeconds int) (url string, err error)

	// PutDirectory uploads every regular file under localDir, recursively,
	// keyed by keyPrefix + the file's path relative to localDir. Content
	// type is inferred from file extension per contentTypeForExt.
	PutDirectory(ctx context.Context, localDir, keyPrefix string) (objectURLs []string, err error)
}
