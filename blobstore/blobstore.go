// Package blobstore persists raw document bytes on the local filesystem
// under a single root and signs time-limited download paths with
// HMAC-SHA256. Blob paths use forward slashes and never escape the root.
package blobstore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by Get for paths with no blob.
	ErrNotFound = errors.New("blobstore: not found")
	// ErrBadPath rejects empty or root-escaping paths.
	ErrBadPath = errors.New("blobstore: bad path")
	// ErrExpired rejects signatures past their expiry.
	ErrExpired = errors.New("blobstore: link expired")
	// ErrBadSignature rejects forged or tampered signatures.
	ErrBadSignature = errors.New("blobstore: bad signature")
)

// Store is a filesystem blob store rooted at a single directory.
type Store struct {
	root   string
	secret []byte
}

// New creates the root directory if needed. secret signs download links.
func New(root string, secret []byte) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore root: %w", err)
	}
	return &Store{root: root, secret: secret}, nil
}

// normalize cleans a blob path and rejects traversal out of the root. An
// internal .. that stays anchored is cleaned; one that climbs past the
// root survives Clean and is rejected.
func normalize(p string) (string, error) {
	clean := path.Clean(strings.TrimLeft(p, "/"))
	if clean == "" || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrBadPath, p)
	}
	return clean, nil
}

func (s *Store) fullPath(p string) (string, error) {
	clean, err := normalize(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// Put writes a blob. The write goes to a temp file first so a concurrent
// Get never sees a partial blob. contentType is recorded by the caller on
// the document row; the filesystem backend does not use it.
func (s *Store) Put(ctx context.Context, p, contentType string, r io.Reader) error {
	full, err := s.fullPath(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("blobstore put %s: %w", p, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".put-*")
	if err != nil {
		return fmt.Errorf("blobstore put %s: %w", p, err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("blobstore put %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("blobstore put %s: %w", p, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("blobstore put %s: %w", p, err)
	}
	return nil
}

// Get opens a blob for reading.
func (s *Store) Get(ctx context.Context, p string) (io.ReadCloser, error) {
	full, err := s.fullPath(p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if err != nil {
		return nil, fmt.Errorf("blobstore get %s: %w", p, err)
	}
	return f, nil
}

// Delete removes a blob. Deleting a missing blob is not an error.
func (s *Store) Delete(ctx context.Context, p string) error {
	full, err := s.fullPath(p)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("blobstore delete %s: %w", p, err)
	}
	return nil
}

// Sign returns a relative download URL of the form
// /blobs/<path>?exp=<unix>&sig=<hex> valid for ttl.
func (s *Store) Sign(p string, ttl time.Duration) (string, error) {
	if len(s.secret) == 0 {
		return "", errors.New("blobstore: signing secret empty")
	}
	clean, err := normalize(p)
	if err != nil {
		return "", err
	}
	exp := time.Now().Add(ttl).Unix()
	u := url.URL{Path: "/blobs/" + clean}
	q := url.Values{}
	q.Set("exp", strconv.FormatInt(exp, 10))
	q.Set("sig", s.signature(clean, exp))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Verify checks a signed path against its expiry and signature.
func (s *Store) Verify(p string, exp int64, sig string) error {
	clean, err := normalize(p)
	if err != nil {
		return err
	}
	if time.Now().Unix() > exp {
		return ErrExpired
	}
	want := s.signature(clean, exp)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrBadSignature
	}
	return nil
}

func (s *Store) signature(p string, exp int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s\n%d", p, exp)
	return hex.EncodeToString(mac.Sum(nil))
}
