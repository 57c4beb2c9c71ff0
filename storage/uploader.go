// Package storage is the boundary to the external object store that
// holds deal and product images. The store itself lives outside this
// service; DiskUploader is the local implementation used in
// development and tests.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Uploader interface {
	Upload(ctx context.Context, filename string, r io.Reader) (string, error)
}

type DiskUploader struct {
	Dir     string
	BaseURL string
}

func NewDiskUploader(dir, baseURL string) *DiskUploader {
	return &DiskUploader{Dir: dir, BaseURL: strings.TrimRight(baseURL, "/")}
}

// Upload writes the file under a timestamped name and returns the
// URL the stored image is served from.
func (u *DiskUploader) Upload(ctx context.Context, filename string, r io.Reader) (string, error) {
	if err := os.MkdirAll(u.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}

	name := fmt.Sprintf("%d-%s", time.Now().UnixNano(), filepath.Base(filename))
	path := filepath.Join(u.Dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write upload file: %w", err)
	}

	return u.BaseURL + "/" + name, nil
}
