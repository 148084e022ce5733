// Package archive keeps generated images in a local content-addressed
// store so history records can carry a short URL instead of base64.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// RoutePrefix is where the HTTP API serves archived objects.
const RoutePrefix = "/v1/artifacts/"

var namePattern = regexp.MustCompile(`^[0-9a-f]{64}(\.[a-z0-9]+)?$`)

// Store manages the content-addressed archive.
type Store struct {
	BasePath string
	// BaseURL prefixes returned URLs. Empty means RoutePrefix, i.e. URLs
	// relative to the server that serves the archive.
	BaseURL string
}

// NewStore creates a new archive store. An empty basePath selects
// ~/.pixelgate/archive.
func NewStore(basePath, baseURL string) (*Store, error) {
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		basePath = filepath.Join(home, ".pixelgate", "archive")
	}
	if err := os.MkdirAll(filepath.Join(basePath, "objects"), 0755); err != nil {
		return nil, err
	}
	return &Store{BasePath: basePath, BaseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Name returns the object name of data: its SHA256 plus an extension
// derived from mimeType.
func Name(data []byte, mimeType string) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]) + extension(mimeType)
}

// Upload stores data by content hash and returns its URL. Storing the
// same bytes twice writes once.
func (s *Store) Upload(ctx context.Context, data []byte, mimeType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("archive: empty artifact")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := Name(data, mimeType)
	path, err := s.Path(name)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return s.URL(name), nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return s.URL(name), nil
}

// Path maps an object name to its file, sharded by the first two hash
// characters. Names that are not archive object names are rejected.
func (s *Store) Path(name string) (string, error) {
	if !namePattern.MatchString(name) {
		return "", fmt.Errorf("archive: invalid object name %q", name)
	}
	return filepath.Join(s.BasePath, "objects", name[:2], name), nil
}

// URL returns the public URL of an object.
func (s *Store) URL(name string) string {
	if s.BaseURL == "" {
		return RoutePrefix + name
	}
	return s.BaseURL + "/" + name
}

func extension(mimeType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.Split(mimeType, ";")[0])) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".bin"
	}
}
