// utils/archive.go
package utils

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Attachment archiver: chain transactions can carry opaque attachment bytes;
// anything over AttachmentInlineLimit is parked in an S3-compatible bucket and
// referenced from the ledger by key.

const AttachmentInlineLimit = 4 * 1024

var archiveClient *s3.Client
var archiveBucket string

// InitArchive configures the object-store client from the environment.
// Archiving is optional; when ARCHIVE_BUCKET_NAME is unset large attachments
// simply stay inline.
func InitArchive() error {
	endpoint := os.Getenv("ARCHIVE_ENDPOINT")
	accessKeyID := os.Getenv("ARCHIVE_ACCESS_KEY_ID")
	accessKeySecret := os.Getenv("ARCHIVE_ACCESS_KEY_SECRET")
	archiveBucket = os.Getenv("ARCHIVE_BUCKET_NAME")
	if archiveBucket == "" {
		return nil
	}

	cfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion("auto"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKeyID, accessKeySecret, "",
		)),
		config.WithEndpointResolver(aws.EndpointResolverFunc(
			func(service, region string) (aws.Endpoint, error) {
				return aws.Endpoint{URL: endpoint}, nil
			}),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to load archive config: %w", err)
	}

	archiveClient = s3.NewFromConfig(cfg)
	return nil
}

// ArchiveEnabled reports whether an object store is configured.
func ArchiveEnabled() bool {
	return archiveClient != nil
}

// ArchiveAttachment stores attachment bytes under the given key.
func ArchiveAttachment(ctx context.Context, key string, data []byte) error {
	if archiveClient == nil {
		return fmt.Errorf("attachment archive not configured")
	}
	_, err := archiveClient.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(archiveBucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("failed to archive attachment %s: %w", key, err)
	}
	return nil
}

// FetchAttachment retrieves previously archived attachment bytes.
func FetchAttachment(ctx context.Context, key string) ([]byte, error) {
	if archiveClient == nil {
		return nil, fmt.Errorf("attachment archive not configured")
	}
	out, err := archiveClient.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(archiveBucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch attachment %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}
