// Package blob stores message attachments. Each attachment is uploaded once
// under a key derived from its message id and shared by both replicas.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"dmserver/internal/models"
	"dmserver/internal/security"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const keyPrefix = "messages"

// Store is the blob contract the engine consumes. Refs are opaque to callers.
type Store interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Copy(ctx context.Context, srcRef, newKey string) (string, error)
	Delete(ctx context.Context, ref string) error
}

// ObjectKey is the deterministic key of a message's attachment.
func ObjectKey(messageID, fileName string) string {
	return keyPrefix + "/" + messageID + "/" + security.SanitizeFileName(fileName)
}

// KeyPrefix is the namespace holding a message's attachments.
func KeyPrefix(messageID string) string {
	return keyPrefix + "/" + messageID + "/"
}

// OwnedBy reports whether ref lives under the message's namespace.
func OwnedBy(ref, messageID string) bool {
	return strings.HasPrefix(ref, KeyPrefix(messageID))
}

// FileNameFromRef returns the last segment of a ref produced by ObjectKey.
func FileNameFromRef(ref string) string {
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
}

func NewS3Store(ctx context.Context, cfg models.BlobConfig) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("blob bucket is required")
	}

	awsConfig, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		// MinIO and other S3 compatible stores
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
	}, nil
}

// Upload stores data under key and returns the key as the ref.
func (s *S3Store) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := security.ValidateRelativePath(key); err != nil {
		return "", fmt.Errorf("invalid blob key: %w", err)
	}

	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return key, nil
}

// Copy duplicates an existing object server side under newKey.
func (s *S3Store) Copy(ctx context.Context, srcRef, newKey string) (string, error) {
	if err := security.ValidateRelativePath(newKey); err != nil {
		return "", fmt.Errorf("invalid blob key: %w", err)
	}

	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(newKey),
		CopySource: aws.String(copySource(s.bucket, srcRef)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to copy %s to %s: %w", srcRef, newKey, err)
	}
	return newKey, nil
}

func (s *S3Store) Delete(ctx context.Context, ref string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", ref, err)
	}
	return nil
}

// copySource builds the URL encoded "bucket/key" CopyObject expects.
func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return bucket + "/" + strings.Join(segments, "/")
}
