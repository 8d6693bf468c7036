package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/docchat/api/internal/config"
	"github.com/docchat/api/internal/model"
)

// ErrObjectNotFound is returned when a referenced file does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ErrObjectTooLarge is returned by ReadText for objects above the size cap.
var ErrObjectTooLarge = errors.New("object too large")

type ObjectInfo struct {
	Size         int64
	ContentType  string
	LastModified time.Time
}

// Storage reads uploaded documents referenced by jobs.
type Storage interface {
	Stat(ctx context.Context, ref model.FileRef) (*ObjectInfo, error)
	ReadText(ctx context.Context, ref model.FileRef) (string, error)
	GetSignedURL(ctx context.Context, ref model.FileRef, expiry time.Duration) (string, error)
	IsConfigured() bool
}

type s3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Storage implements Storage for S3 and S3-compatible stores such as R2.
type S3Storage struct {
	s3Client     s3API
	presigner    *s3.PresignClient
	bucketName   string
	maxTextBytes int64
}

// NewS3Storage creates a storage client. An explicit Endpoint or AccountID (R2)
// overrides the AWS endpoint.
func NewS3Storage(ctx context.Context, cfg *config.S3Config) (*S3Storage, error) {
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("S3 configuration incomplete")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}

	endpoint := cfg.Endpoint
	if endpoint == "" && cfg.AccountID != "" {
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	}
	if endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{URL: endpoint}, nil
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.Endpoint != ""
	})

	maxBytes := cfg.MaxTextBytes
	if maxBytes <= 0 {
		maxBytes = 256 * 1024
	}
	return &S3Storage{
		s3Client:     s3Client,
		presigner:    s3.NewPresignClient(s3Client),
		bucketName:   cfg.BucketName,
		maxTextBytes: maxBytes,
	}, nil
}

func (c *S3Storage) bucket(ref model.FileRef) string {
	if ref.Bucket != "" {
		return ref.Bucket
	}
	return c.bucketName
}

// Stat checks that the object exists.
func (c *S3Storage) Stat(ctx context.Context, ref model.FileRef) (*ObjectInfo, error) {
	out, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket(ref)),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		return nil, mapS3Error(ref, err)
	}
	info := &ObjectInfo{Size: aws.ToInt64(out.ContentLength), ContentType: aws.ToString(out.ContentType)}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	return info, nil
}

// ReadText downloads a text document, refusing anything larger than the configured cap.
func (c *S3Storage) ReadText(ctx context.Context, ref model.FileRef) (string, error) {
	out, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket(ref)),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		return "", mapS3Error(ref, err)
	}
	defer out.Body.Close()

	if n := aws.ToInt64(out.ContentLength); n > c.maxTextBytes {
		return "", fmt.Errorf("%s: %d bytes: %w", ref.Key, n, ErrObjectTooLarge)
	}
	data, err := io.ReadAll(io.LimitReader(out.Body, c.maxTextBytes+1))
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", ref.Key, err)
	}
	if int64(len(data)) > c.maxTextBytes {
		return "", fmt.Errorf("%s: %w", ref.Key, ErrObjectTooLarge)
	}
	return string(data), nil
}

// GetSignedURL generates a presigned URL for temporary access
func (c *S3Storage) GetSignedURL(ctx context.Context, ref model.FileRef, expiry time.Duration) (string, error) {
	presignedReq, err := c.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket(ref)),
		Key:    aws.String(ref.Key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return presignedReq.URL, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *S3Storage) IsConfigured() bool {
	return c.s3Client != nil && c.bucketName != ""
}

func mapS3Error(ref model.FileRef, err error) error {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return fmt.Errorf("%s: %w", ref.Key, ErrObjectNotFound)
	}
	return fmt.Errorf("storage request for %s failed: %w", ref.Key, err)
}

// MemoryStorage is an in-process Storage used when no bucket is configured.
type MemoryStorage struct {
	objects map[string]string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: make(map[string]string)}
}

// Put stores text under key. Not safe for use concurrently with reads.
func (m *MemoryStorage) Put(key, text string) {
	m.objects[key] = text
}

func (m *MemoryStorage) Stat(ctx context.Context, ref model.FileRef) (*ObjectInfo, error) {
	text, ok := m.objects[ref.Key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", ref.Key, ErrObjectNotFound)
	}
	return &ObjectInfo{Size: int64(len(text)), ContentType: "text/plain"}, nil
}

func (m *MemoryStorage) ReadText(ctx context.Context, ref model.FileRef) (string, error) {
	text, ok := m.objects[ref.Key]
	if !ok {
		return "", fmt.Errorf("%s: %w", ref.Key, ErrObjectNotFound)
	}
	return text, nil
}

func (m *MemoryStorage) GetSignedURL(ctx context.Context, ref model.FileRef, expiry time.Duration) (string, error) {
	if _, ok := m.objects[ref.Key]; !ok {
		return "", fmt.Errorf("%s: %w", ref.Key, ErrObjectNotFound)
	}
	return "memory://" + strings.TrimPrefix(ref.Key, "/"), nil
}

func (m *MemoryStorage) IsConfigured() bool { return true }
