// Package storage persists the transaction ledger, page fingerprint, subscribers
// and run lease as JSON objects in Cloud Storage or a local directory.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("storage: object doesn't exist")

// errExists is returned by create when the object is already present.
var errExists = errors.New("storage: object already exists")

// Store handles persistence in Cloud Storage, or on the local filesystem when localPath is set.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	now       func() time.Time
	localPath string
	bucket    string
}

// New creates a new storage handler.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
		now:       time.Now,
	}
}

// IsNotFound checks if an error indicates an object was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func (s *Store) retryOptions(ctx context.Context, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", key, "error", err)
		}),
	}
}

// read loads an object. Missing objects return ErrNotFound.
func (s *Store) read(ctx context.Context, key string) ([]byte, error) {
	if s.localPath != "" {
		data, err := os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
		return data, nil
	}

	var data []byte
	err := retry.Do(
		func() error {
			r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
			if err != nil {
				if errors.Is(err, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(ErrNotFound)
				}
				return fmt.Errorf("open storage reader: %w", err)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			data, err = io.ReadAll(r)
			if err != nil {
				return fmt.Errorf("read from storage: %w", err)
			}
			return nil
		},
		s.retryOptions(ctx, "read", key)...,
	)
	if err != nil {
		if IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

// write stores an object, replacing any existing content.
func (s *Store) write(ctx context.Context, key string, data []byte) error {
	if s.localPath != "" {
		return writeFileAtomic(filepath.Join(s.localPath, key), data)
	}

	err := retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			w.ContentType = contentType(key)
			if _, err := w.Write(data); err != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", err)
			}
			if err := w.Close(); err != nil {
				return fmt.Errorf("close storage writer: %w", err)
			}
			return nil
		},
		s.retryOptions(ctx, "write", key)...,
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	return nil
}

// create stores an object only if it does not exist yet; otherwise it returns errExists.
func (s *Store) create(ctx context.Context, key string, data []byte) error {
	if s.localPath != "" {
		f, err := os.OpenFile(filepath.Join(s.localPath, key), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			if os.IsExist(err) {
				return errExists
			}
			return fmt.Errorf("create in local storage: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			return fmt.Errorf("write to local storage: %w", err)
		}
		return f.Close()
	}

	w := s.client.Bucket(s.bucket).Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = contentType(key)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write to storage: %w", err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return errExists
		}
		return fmt.Errorf("close storage writer: %w", err)
	}
	return nil
}

// remove deletes an object. Deleting a missing object is not an error.
func (s *Store) remove(ctx context.Context, key string) error {
	if s.localPath != "" {
		if err := os.Remove(filepath.Join(s.localPath, key)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		return nil
	}

	err := retry.Do(
		func() error {
			if err := s.client.Bucket(s.bucket).Object(key).Delete(ctx); err != nil {
				if errors.Is(err, storage.ErrObjectNotExist) {
					return nil
				}
				return fmt.Errorf("delete from storage: %w", err)
			}
			return nil
		},
		s.retryOptions(ctx, "delete", key)...,
	)
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}
	return nil
}

// keys lists object names with the given prefix and .json suffix.
func (s *Store) keys(ctx context.Context, prefix string) ([]string, error) {
	var out []string

	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			out = append(out, entry.Name())
		}
		return out, nil
	}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		if strings.HasSuffix(attrs.Name, ".json") {
			out = append(out, attrs.Name)
		}
	}
	return out, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write to local storage: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}

func contentType(key string) string {
	if strings.HasSuffix(key, ".json") {
		return "application/json"
	}
	return "text/plain; charset=utf-8"
}
