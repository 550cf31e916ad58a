package objectstore

import (
	"fmt"
	"strings"
)

// ParseURI implements the "pure string operation" spec.md §4.2 mandates for
// zipLocation/logPath fields of shape "scheme://bucket/key/...": strip the
// scheme and the first path segment (the bucket) to recover the key.
func ParseURI(uri string) (bucket, key string) {
	rest := uri
	if idx := strings.Index(rest, "://"); idx >= 0 {
		rest = rest[idx+len("://"):]
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

// ExtractKey implements spec.md §4.2's "S3 URI parser" law: given a URI of
// shape "scheme://bucket/key/...", strip the scheme and bucket and return
// the remaining key, optionally joined with suffix (e.g.
// extractKey("scheme://bucket/a/b/", "x/y") == "a/b/x/y"). Unlike ParseURI,
// a malformed URI -- missing scheme or missing bucket segment -- is an
// error rather than a best-effort guess, per the law's "malformed input
// throws" clause.
func ExtractKey(uri, suffix string) (string, error) {
	idx := strings.Index(uri, "://")
	if idx < 0 {
		return "", fmt.Errorf("objectstore: malformed uri %q: missing scheme", uri)
	}
	rest := uri[idx+len("://"):]

	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", fmt.Errorf("objectstore: malformed uri %q: missing bucket", uri)
	}

	key := strings.TrimSuffix(parts[1], "/")
	if suffix == "" {
		return key, nil
	}
	if key == "" {
		return suffix, nil
	}
	return key + "/" + suffix, nil
}
