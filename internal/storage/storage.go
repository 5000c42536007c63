// Package storage persists run reports as JSON artifacts, either under a
// local directory or in an S3 bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ignite/leadengine/internal/config"
)

// ErrInvalidName is returned for artifact names that would escape the root.
var ErrInvalidName = errors.New("storage: invalid artifact name")

// Storage writes artifacts to the configured backend.
type Storage struct {
	config config.ArtifactsConfig
	aws    *AWSStorage
}

// New builds the backend named by cfg.Type. An empty type returns nil,
// which callers treat as "no artifacts".
func New(ctx context.Context, cfg config.ArtifactsConfig) (*Storage, error) {
	s := &Storage{config: cfg}

	switch cfg.Type {
	case "":
		return nil, nil
	case "s3":
		awsStorage, err := NewAWSStorage(ctx, cfg.S3Bucket, cfg.S3Prefix, cfg.S3Region)
		if err != nil {
			return nil, fmt.Errorf("initializing S3 storage: %w", err)
		}
		s.aws = awsStorage
	case "local":
		if err := os.MkdirAll(cfg.LocalPath, 0755); err != nil {
			return nil, fmt.Errorf("creating storage directory: %w", err)
		}
	default:
		return nil, fmt.Errorf("storage: unknown type %q", cfg.Type)
	}
	return s, nil
}

// NewWithS3 wraps an already configured S3 backend.
func NewWithS3(a *AWSStorage) *Storage {
	return &Storage{config: config.ArtifactsConfig{Type: "s3"}, aws: a}
}

// Put stores body under name and returns where it went: a file path for
// local storage, an s3:// URI otherwise.
func (s *Storage) Put(ctx context.Context, name string, body []byte) (string, error) {
	name, err := cleanName(name)
	if err != nil {
		return "", err
	}
	if s.aws != nil {
		return s.aws.Put(ctx, name, body)
	}
	return s.saveToFile(name, body)
}

// Get reads an artifact back.
func (s *Storage) Get(ctx context.Context, name string) ([]byte, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	if s.aws != nil {
		return s.aws.Get(ctx, name)
	}
	return os.ReadFile(filepath.Join(s.config.LocalPath, filepath.FromSlash(name)))
}

func (s *Storage) saveToFile(name string, body []byte) (string, error) {
	p := filepath.Join(s.config.LocalPath, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return "", err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, body, 0644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return p, nil
}

// cleanName keeps artifact names relative and slash-separated.
func cleanName(name string) (string, error) {
	clean := path.Clean(strings.ReplaceAll(name, "\\", "/"))
	if clean == "." || strings.HasPrefix(clean, "/") || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return clean, nil
}
