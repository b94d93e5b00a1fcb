package network

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/melbahja/got"

	"github.com/episodehub/go-uploader/upload/checksum"
)

// Verify downloads a committed object through a pre-signed URL and compares its MD5 checksum
// with the expected one.
func (b *S3Backend) Verify(ctx context.Context, fileID string, expectedChecksum string, hasher checksum.Hasher) error {
	presigned, err := b.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(fileID),
	}, s3.WithPresignExpires(b.expiry))
	if err != nil {
		return fmt.Errorf("presign get object: %w", classifyS3Error(err))
	}

	tmpDir, err := os.MkdirTemp("", "verify")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			b.logger.Warnf("Failed to remove %s: %s", tmpDir, err)
		}
	}()

	dest := filepath.Join(tmpDir, filepath.Base(fileID))
	client := retryhttp.NewClient(b.logger).StandardClient()
	if err := downloadFile(ctx, client, presigned.URL, dest); err != nil {
		return fmt.Errorf("download object: %w", err)
	}

	actual, err := hasher.SumFile(ctx, dest)
	if err != nil {
		return fmt.Errorf("hash downloaded object: %w", err)
	}
	if !strings.EqualFold(actual, expectedChecksum) {
		return fmt.Errorf("%w: downloaded %s has checksum %s, expected %s", ErrChecksumMismatch, fileID, actual, expectedChecksum)
	}

	b.logger.Donef("Verified %s (md5 %s)", fileID, actual)

	return nil
}

func downloadFile(ctx context.Context, client *http.Client, url string, dest string) error {
	downloader := got.New()
	downloader.Client = client

	return downloader.Do(got.NewDownload(ctx, url, dest))
}
