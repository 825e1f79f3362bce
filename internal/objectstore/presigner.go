// Package objectstore holds the S3 integration: presigned upload URLs for
// task artifacts and presigned read URLs for the model files pushed to
// devices.
package objectstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// FileType routes an upload to its key prefix. The numeric values are part
// of the intake API.
type FileType int

const (
	FileTypeModel FileType = iota
	FileTypeInput
	FileTypeOutput
)

func (t FileType) Validate() error {
	switch t {
	case FileTypeModel, FileTypeInput, FileTypeOutput:
		return nil
	default:
		return fmt.Errorf("invalid file type %d", int(t))
	}
}

func (t FileType) keyPrefix() string {
	switch t {
	case FileTypeModel:
		return "models"
	case FileTypeInput:
		return "inputs"
	case FileTypeOutput:
		return "outputs"
	default:
		return "misc"
	}
}

const DefaultPresignExpiry = 15 * time.Minute

// Presigner issues presigned S3 URLs. It holds no credentials itself; the
// SDK's default chain resolves them.
type Presigner struct {
	presignClient *s3.PresignClient
	bucket        string
	expiry        time.Duration
}

type PresignerOptions struct {
	Bucket string
	Region string
	Expiry time.Duration
}

func NewPresigner(ctx context.Context, opts PresignerOptions) (*Presigner, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("bucket is required for NewPresigner")
	}
	if opts.Expiry <= 0 {
		opts.Expiry = DefaultPresignExpiry
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &Presigner{
		presignClient: s3.NewPresignClient(s3.NewFromConfig(cfg)),
		bucket:        opts.Bucket,
		expiry:        opts.Expiry,
	}, nil
}

// PresignedUpload is the intake API's response shape for an upload slot.
type PresignedUpload struct {
	UploadURL string    `json:"uploadUrl"`
	ReadURL   string    `json:"readUrl"`
	ObjectKey string    `json:"objectKey"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PresignUpload allocates a fresh object key under the file type's prefix
// and returns a presigned PUT for the upload plus a presigned GET to read it
// back.
func (p *Presigner) PresignUpload(ctx context.Context, fileType FileType, taskID string) (*PresignedUpload, error) {
	if err := fileType.Validate(); err != nil {
		return nil, err
	}
	if taskID == "" {
		return nil, fmt.Errorf("task ID is required")
	}

	objectKey := buildObjectKey(fileType, taskID)

	putRequest, err := p.presignClient.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(objectKey),
	}, s3.WithPresignExpires(p.expiry))
	if err != nil {
		return nil, fmt.Errorf("presigning upload of %s: %w", objectKey, err)
	}

	readURL, err := p.presignGet(ctx, p.bucket, objectKey)
	if err != nil {
		return nil, err
	}

	return &PresignedUpload{
		UploadURL: putRequest.URL,
		ReadURL:   readURL,
		ObjectKey: fmt.Sprintf("s3://%s/%s", p.bucket, objectKey),
		ExpiresAt: time.Now().UTC().Add(p.expiry),
	}, nil
}

// PresignRead turns a stored object reference into a fetchable URL. It
// accepts s3://bucket/key references and bare keys in the default bucket;
// absolute HTTP URLs pass through untouched.
func (p *Presigner) PresignRead(ctx context.Context, objectRef string) (string, error) {
	if strings.HasPrefix(objectRef, "http://") || strings.HasPrefix(objectRef, "https://") {
		return objectRef, nil
	}

	bucket, objectKey, err := parseS3Ref(objectRef, p.bucket)
	if err != nil {
		return "", err
	}

	return p.presignGet(ctx, bucket, objectKey)
}

func (p *Presigner) presignGet(ctx context.Context, bucket, objectKey string) (string, error) {
	getRequest, err := p.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(objectKey),
	}, s3.WithPresignExpires(p.expiry))
	if err != nil {
		return "", fmt.Errorf("presigning read of %s: %w", objectKey, err)
	}
	return getRequest.URL, nil
}

func buildObjectKey(fileType FileType, taskID string) string {
	return fmt.Sprintf("%s/%s/%s", fileType.keyPrefix(), taskID, uuid.NewString())
}

// parseS3Ref splits an s3://bucket/key reference; a bare key falls back to
// the default bucket.
func parseS3Ref(objectRef, defaultBucket string) (bucket, objectKey string, err error) {
	if rest, found := strings.CutPrefix(objectRef, "s3://"); found {
		bucket, objectKey, found = strings.Cut(rest, "/")
		if !found || bucket == "" || objectKey == "" {
			return "", "", fmt.Errorf("malformed object reference %q", objectRef)
		}
		return bucket, objectKey, nil
	}

	if objectRef == "" {
		return "", "", fmt.Errorf("object reference is empty")
	}
	return defaultBucket, objectRef, nil
}
