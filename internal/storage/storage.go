// internal/storage/storage.go
// Attachment storage with a size/media-type policy. Uploads that fail
// policy are rejected before any message referencing them can exist.

package storage

import (
	"context"
	"errors"
	"mime/multipart"
	"net/http"
)

var (
	ErrFileTooLarge   = errors.New("file exceeds the maximum allowed size")
	ErrTypeNotAllowed = errors.New("file type not allowed")
)

// UploadResult describes a stored attachment
type UploadResult struct {
	URL       string `json:"url"`
	Name      string `json:"name"`
	MediaType string `json:"mediaType"`
}

// Uploader stores attachment bytes and returns a descriptor
type Uploader interface {
	Upload(ctx context.Context, file multipart.File, header *multipart.FileHeader) (*UploadResult, error)
}

// Policy is the shared size/type gate
type Policy struct {
	MaxBytes     int64
	AllowedTypes []string
}

// Check validates the file against the policy and returns the detected
// media type. The reader is rewound afterwards.
func (p *Policy) Check(file multipart.File, header *multipart.FileHeader) (string, error) {
	if p.MaxBytes > 0 && header.Size > p.MaxBytes {
		return "", ErrFileTooLarge
	}

	// Sniff the real content type instead of trusting the client header
	buffer := make([]byte, 512)
	n, err := file.Read(buffer)
	if err != nil && n == 0 {
		return "", err
	}
	mediaType := http.DetectContentType(buffer[:n])

	if _, err := file.Seek(0, 0); err != nil {
		return "", err
	}

	if len(p.AllowedTypes) > 0 && !p.allows(mediaType) {
		return "", ErrTypeNotAllowed
	}

	return mediaType, nil
}

func (p *Policy) allows(mediaType string) bool {
	for _, allowed := range p.AllowedTypes {
		if allowed == mediaType {
			return true
		}
	}
	return false
}
