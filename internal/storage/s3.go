package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Storage は Amazon S3 に保存します。位置は s3://bucket/key 形式です。
type S3Storage struct {
	bucket   string
	client   *s3.Client
	uploader *manager.Uploader
	presign  *s3.PresignClient
}

// NewS3Storage は既定の認証情報チェーンで S3Storage を作成します。
func NewS3Storage(ctx context.Context, bucket, region string) (*S3Storage, error) {
	if bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return NewS3StorageFromConfig(cfg, bucket), nil
}

// NewS3StorageFromConfig は読み込み済みの aws.Config から S3Storage を作成します。
func NewS3StorageFromConfig(cfg aws.Config, bucket string) *S3Storage {
	client := s3.NewFromConfig(cfg)
	return &S3Storage{
		bucket:   bucket,
		client:   client,
		uploader: manager.NewUploader(client),
		presign:  s3.NewPresignClient(client),
	}
}

// Bucket はバケット名を返します。
func (s *S3Storage) Bucket() string {
	return s.bucket
}

func (s *S3Storage) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return "", fmt.Errorf("failed to upload to s3: %w", err)
	}
	return S3URI(s.bucket, key), nil
}

func (s *S3Storage) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("failed to presign s3 object: %w", err)
	}
	return req.URL, nil
}

func (s *S3Storage) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to get s3 object: %w", err)
	}
	return out.Body, nil
}

func (s *S3Storage) KeyOf(location string) (string, error) {
	return S3KeyFromURL(location)
}

func (s *S3Storage) Type() string {
	return "s3"
}

// S3URI は s3://bucket/key 形式の位置を返します。
func S3URI(bucket, key string) string {
	return "s3://" + bucket + "/" + strings.TrimLeft(key, "/")
}

// S3KeyFromURL は s3:// 形式と https 形式のどちらの URL からもオブジェクトキーを取り出します。
func S3KeyFromURL(location string) (string, error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("invalid s3 url: %w", err)
	}
	var key string
	switch {
	case u.Scheme == "s3":
		key = strings.TrimPrefix(u.Path, "/")
	case u.Scheme == "https" || u.Scheme == "http":
		key = strings.TrimPrefix(u.Path, "/")
		// パス形式 (s3.region.amazonaws.com/bucket/key) ではバケット名を外す。
		if strings.HasPrefix(u.Host, "s3.") || strings.HasPrefix(u.Host, "s3-") {
			if _, rest, ok := strings.Cut(key, "/"); ok {
				key = rest
			}
		}
	default:
		return "", fmt.Errorf("unsupported s3 url scheme: %q", u.Scheme)
	}
	if key == "" {
		return "", fmt.Errorf("s3 url has no key: %s", location)
	}
	return key, nil
}
