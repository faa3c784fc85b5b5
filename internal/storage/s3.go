// internal/storage/s3.go

package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/google/uuid"
)

type s3Uploader struct {
	client  *s3.S3
	bucket  string
	baseURL string
	policy  Policy
}

// NewS3Uploader stores attachments in an S3 bucket
func NewS3Uploader(awsSession *session.Session, bucket, baseURL string, policy Policy) Uploader {
	return &s3Uploader{
		client:  s3.New(awsSession),
		bucket:  bucket,
		baseURL: baseURL,
		policy:  policy,
	}
}

func (u *s3Uploader) Upload(ctx context.Context, file multipart.File, header *multipart.FileHeader) (*UploadResult, error) {
	mediaType, err := u.policy.Check(file, header)
	if err != nil {
		return nil, err
	}

	// Date-partitioned key so buckets stay browsable
	ext := filepath.Ext(header.Filename)
	key := fmt.Sprintf("attachments/%s/%s%s",
		time.Now().Format("2006/01/02"),
		uuid.New().String(),
		ext,
	)

	buf := new(bytes.Buffer)
	size, err := io.Copy(buf, file)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	_, err = u.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentType:   aws.String(mediaType),
		ContentLength: aws.Int64(size),
		ACL:           aws.String("public-read"),
		Metadata: map[string]*string{
			"uploaded-at": aws.String(time.Now().Format(time.RFC3339)),
			"file-name":   aws.String(header.Filename),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload to S3: %w", err)
	}

	return &UploadResult{
		URL:       fmt.Sprintf("%s/%s", u.baseURL, key),
		Name:      header.Filename,
		MediaType: mediaType,
	}, nil
}
