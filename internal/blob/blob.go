// Package blob is the object-store boundary: path-addressed byte blobs with
// an explicit not-found signal. Paths use forward slashes and are relative
// to the store's root.
package blob

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound is returned by Read when nothing is stored at the path.
var ErrNotFound = errors.New("blob: not found")

// Store reads and writes whole objects.
type Store interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
}

// Clean validates p and returns its canonical form. Absolute paths and
// paths escaping the root are rejected.
func Clean(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", errors.New("blob: empty path")
	}
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("blob: absolute path %q", p)
	}
	c := path.Clean(p)
	if c == "." || c == ".." || strings.HasPrefix(c, "../") {
		return "", fmt.Errorf("blob: path %q escapes the store root", p)
	}
	return c, nil
}
