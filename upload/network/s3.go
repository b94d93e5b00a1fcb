package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

// ChecksumTagKey is the object tag holding the MD5 checksum of a committed upload.
const ChecksumTagKey = "md5"

// ErrChecksumMismatch is returned when the stored object does not match the computed checksum.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// S3Params configures direct uploads to an S3 compatible bucket.
type S3Params struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the AWS endpoint, e.g. for MinIO.
	Endpoint      string
	UsePathStyle  bool
	KeyPrefix     string
	PresignExpiry time.Duration
}

type s3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObjectTagging(ctx context.Context, params *s3.PutObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.PutObjectTaggingOutput, error)
}

type presignAPI interface {
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignUploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Backend implements Backend without an upload service: plans are pre-signed S3 requests
// and the object key doubles as the file id.
type S3Backend struct {
	client    s3API
	presigner presignAPI
	bucket    string
	keyPrefix string
	expiry    time.Duration
	logger    log.Logger
}

// NewS3Backend creates an S3Backend from static or default AWS credentials.
func NewS3Backend(ctx context.Context, params S3Params, logger log.Logger) (*S3Backend, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	cfg, err := loadAWSCredentials(
		ctx,
		params.Region,
		params.AccessKeyID,
		params.SecretAccessKey,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
		}
		o.UsePathStyle = params.UsePathStyle
	})

	return newS3Backend(client, s3.NewPresignClient(client), params, logger), nil
}

func newS3Backend(client s3API, presigner presignAPI, params S3Params, logger log.Logger) *S3Backend {
	expiry := params.PresignExpiry
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &S3Backend{
		client:    client,
		presigner: presigner,
		bucket:    params.Bucket,
		keyPrefix: strings.Trim(params.KeyPrefix, "/"),
		expiry:    expiry,
		logger:    logger,
	}
}

// Prepare pre-signs a PutObject for single-shot plans, or starts a multipart upload and
// pre-signs one UploadPart per part.
func (b *S3Backend) Prepare(ctx context.Context, request PrepareRequest) (*Plan, error) {
	if request.FileName == "" {
		return nil, fmt.Errorf("file name must not be empty")
	}

	key := path.Join(b.keyPrefix, uuid.NewString(), path.Base(request.FileName))
	plan := &Plan{
		FileID:    key,
		ObjectKey: key,
		ExpiresIn: b.expiry,
	}
	expires := s3.WithPresignExpires(b.expiry)

	if request.PartCount == 0 {
		presigned, err := b.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(b.bucket),
			Key:         aws.String(key),
			ContentType: aws.String(request.MimeType),
		}, expires)
		if err != nil {
			return nil, fmt.Errorf("presign put object: %w", classifyS3Error(err))
		}
		plan.UploadURL = presigned.URL
		plan.Headers = signedHeaders(presigned.SignedHeader)
		return plan, nil
	}

	created, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(request.MimeType),
	})
	if err != nil {
		return nil, fmt.Errorf("create multipart upload: %w", classifyS3Error(err))
	}
	plan.UploadID = aws.ToString(created.UploadId)

	for number := 1; number <= request.PartCount; number++ {
		presigned, err := b.presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(b.bucket),
			Key:        aws.String(key),
			UploadId:   aws.String(plan.UploadID),
			PartNumber: aws.Int32(int32(number)),
		}, expires)
		if err != nil {
			return nil, fmt.Errorf("presign part %d: %w", number, classifyS3Error(err))
		}
		plan.Parts = append(plan.Parts, PartURL{
			Number:  number,
			URL:     presigned.URL,
			Method:  presigned.Method,
			Headers: signedHeaders(presigned.SignedHeader),
		})
	}

	b.logger.Debugf("Multipart upload %s created for %s with %d parts", plan.UploadID, key, request.PartCount)

	return plan, nil
}

// Complete commits a multipart upload from its listed parts, or checks the ETag of a single-shot
// object against the checksum. The checksum is stored as an object tag in both cases.
func (b *S3Backend) Complete(ctx context.Context, request CompleteRequest) error {
	if request.FileID == "" {
		return ErrMissingFileID
	}

	if request.UploadID != "" {
		if err := b.completeMultipart(ctx, request); err != nil {
			return err
		}
	} else if err := b.checkSingleObject(ctx, request); err != nil {
		return err
	}

	_, err := b.client.PutObjectTagging(ctx, &s3.PutObjectTaggingInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(request.FileID),
		Tagging: &types.Tagging{
			TagSet: []types.Tag{{Key: aws.String(ChecksumTagKey), Value: aws.String(request.Checksum)}},
		},
	})
	if err != nil {
		return fmt.Errorf("tag object with checksum: %w", classifyS3Error(err))
	}

	return nil
}

func (b *S3Backend) completeMultipart(ctx context.Context, request CompleteRequest) error {
	var completed []types.CompletedPart
	var marker *string
	for {
		out, err := b.client.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(b.bucket),
			Key:              aws.String(request.FileID),
			UploadId:         aws.String(request.UploadID),
			PartNumberMarker: marker,
		})
		if err != nil {
			return fmt.Errorf("list parts: %w", classifyS3Error(err))
		}
		for _, part := range out.Parts {
			completed = append(completed, types.CompletedPart{
				ETag:       part.ETag,
				PartNumber: part.PartNumber,
			})
		}
		if !aws.ToBool(out.IsTruncated) || out.NextPartNumberMarker == nil {
			break
		}
		marker = out.NextPartNumberMarker
	}

	if request.PartCount > 0 && len(completed) != request.PartCount {
		return fmt.Errorf("multipart upload %s has %d part(s), expected %d", request.UploadID, len(completed), request.PartCount)
	}

	_, err := b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(b.bucket),
		Key:             aws.String(request.FileID),
		UploadId:        aws.String(request.UploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return fmt.Errorf("complete multipart upload: %w", classifyS3Error(err))
	}

	b.logger.Debugf("Multipart upload %s completed with %d parts", request.UploadID, len(completed))

	return nil
}

func (b *S3Backend) checkSingleObject(ctx context.Context, request CompleteRequest) error {
	head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(request.FileID),
	})
	if err != nil {
		return fmt.Errorf("head object: %w", classifyS3Error(err))
	}

	etag := strings.Trim(aws.ToString(head.ETag), `"`)
	if !strings.EqualFold(etag, request.Checksum) {
		return fmt.Errorf("%w: object %s has ETag %s, computed %s", ErrChecksumMismatch, request.FileID, etag, request.Checksum)
	}

	return nil
}

var errS3ObjectNotFound = errors.New("object not found in s3 bucket")

func classifyS3Error(err error) error {
	var apiError smithy.APIError
	if errors.As(err, &apiError) {
		switch apiError.(type) {
		case *types.NotFound, *types.NoSuchKey, *types.NoSuchUpload:
			return fmt.Errorf("%w: %s", errS3ObjectNotFound, err)
		default:
			return fmt.Errorf("aws api error %s: %w", apiError.ErrorCode(), err)
		}
	}
	return fmt.Errorf("generic aws error: %w", err)
}

func signedHeaders(header http.Header) map[string]string {
	headers := map[string]string{}
	for k, values := range header {
		if strings.EqualFold(k, "Host") || len(values) == 0 {
			continue
		}
		headers[k] = values[0]
	}
	return headers
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
