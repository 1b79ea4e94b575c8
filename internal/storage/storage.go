// Package storage はストレージ抽象化レイヤーを提供します。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrObjectNotFound は指定したキーのオブジェクトが存在しないことを示します。
var ErrObjectNotFound = errors.New("object not found")

// Storage は変換結果やアーカイブの保存先です。
type Storage interface {
	// Upload は body を key に保存し、保存先の位置を返します。
	Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
	// Presign は key を ttl の間だけ取得できるURLを返します。
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Open は key の内容を読み出します。
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// KeyOf は Upload が返した位置からキーを取り出します。
	KeyOf(location string) (string, error)
	Type() string
}

// Options はストレージ種別ごとの設定です。
type Options struct {
	Type string

	LocalDir      string
	PublicBaseURL string

	S3Bucket  string
	AWSRegion string

	AzureAccount   string
	AzureKey       string
	AzureContainer string
}

// New は設定に応じたストレージを作成します。
func New(ctx context.Context, opts Options) (Storage, error) {
	switch opts.Type {
	case "local", "":
		return NewLocalStorage(opts.LocalDir, opts.PublicBaseURL)
	case "s3":
		return NewS3Storage(ctx, opts.S3Bucket, opts.AWSRegion)
	case "azure-blob":
		return NewAzureStorage(opts.AzureAccount, opts.AzureKey, opts.AzureContainer)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", opts.Type)
	}
}
