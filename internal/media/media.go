// Package media stores copies of inbound attachments.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// sniffLen is how much of the stream is read to detect the content type.
const sniffLen = 3072

// ErrInvalidKey is returned for keys that are empty or escape the store root.
var ErrInvalidKey = errors.New("invalid media key")

// Object describes a stored blob.
type Object struct {
	Ref         string `json:"ref"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Store receives media bytes and returns a reference clients can read.
type Store interface {
	Put(ctx context.Context, key, contentType string, r io.Reader) (Object, error)
}

// LocalStore writes blobs below a directory and serves them under a public
// base URL.
type LocalStore struct {
	dir       string
	publicURL string
	maxBytes  int64
}

// NewLocalStore creates dir if needed. publicURL may be empty, in which case
// references are relative paths.
func NewLocalStore(dir, publicURL string, maxBytes int64) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &LocalStore{dir: dir, publicURL: strings.TrimRight(publicURL, "/"), maxBytes: maxBytes}, nil
}

// Dir returns the root directory.
func (s *LocalStore) Dir() string { return s.dir }

// Put stores r under key. When contentType is empty or generic the type is
// sniffed from the content; the file extension follows the detected type.
func (s *LocalStore) Put(ctx context.Context, key, contentType string, r io.Reader) (Object, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return Object{}, err
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Object{}, fmt.Errorf("read media: %w", err)
	}
	head = head[:n]

	detected := mimetype.Detect(head)
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = detected.String()
	}
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	if path.Ext(clean) == "" {
		clean += detected.Extension()
	}

	target := filepath.Join(s.dir, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Object{}, fmt.Errorf("create media dir: %w", err)
	}
	f, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return Object{}, fmt.Errorf("create media file: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	var body io.Reader = io.MultiReader(bytes.NewReader(head), r)
	if s.maxBytes > 0 {
		body = io.LimitReader(body, s.maxBytes+1)
	}
	size, err := io.Copy(f, readerWithContext(ctx, body))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return Object{}, fmt.Errorf("write media: %w", err)
	}
	if s.maxBytes > 0 && size > s.maxBytes {
		return Object{}, fmt.Errorf("media exceeds %d bytes", s.maxBytes)
	}
	if err := os.Rename(tmp, target); err != nil {
		return Object{}, fmt.Errorf("store media: %w", err)
	}

	ref := clean
	if s.publicURL != "" {
		ref = s.publicURL + "/" + clean
	}
	return Object{Ref: ref, ContentType: contentType, Size: size}, nil
}

// cleanKey normalises a slash-separated key and rejects traversal.
func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrInvalidKey
	}
	clean := path.Clean("/" + strings.ReplaceAll(key, "\\", "/"))
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." {
		return "", ErrInvalidKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", ErrInvalidKey
		}
	}
	return clean, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
