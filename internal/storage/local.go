// internal/storage/local.go
// Local-disk uploader for development environments

package storage

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

type localUploader struct {
	dir     string
	baseURL string
	policy  Policy
}

// NewLocalUploader stores attachments on the local filesystem
func NewLocalUploader(dir, baseURL string, policy Policy) (Uploader, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &localUploader{
		dir:     dir,
		baseURL: baseURL,
		policy:  policy,
	}, nil
}

func (u *localUploader) Upload(ctx context.Context, file multipart.File, header *multipart.FileHeader) (*UploadResult, error) {
	mediaType, err := u.policy.Check(file, header)
	if err != nil {
		return nil, err
	}

	ext := filepath.Ext(header.Filename)
	name := uuid.New().String() + ext
	path := filepath.Join(u.dir, name)

	dst, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, file); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	return &UploadResult{
		URL:       fmt.Sprintf("%s/uploads/%s", u.baseURL, name),
		Name:      header.Filename,
		MediaType: mediaType,
	}, nil
}
