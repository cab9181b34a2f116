// Package storage archives raw provider payloads referenced from audit rows.
package storage

import (
	"context"
	"fmt"
)

// Archiver stores an immutable payload under key and returns where it went.
// Writing the same key twice must leave the first payload in place.
type Archiver interface {
	Archive(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Nop keeps nothing; audit rows still carry the inline payload and its hash.
type Nop struct{}

func (Nop) Archive(context.Context, string, []byte, string) (string, error) {
	return "", nil
}

type Config struct {
	Backend   string
	LocalPath string

	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
}

// New picks an archiver by backend name: "s3", "local" or "" for none.
func New(cfg Config) (Archiver, error) {
	switch cfg.Backend {
	case "", "none":
		return Nop{}, nil
	case "local":
		return NewLocalArchiver(cfg.LocalPath)
	case "s3":
		return NewS3Archiver(cfg)
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
}
