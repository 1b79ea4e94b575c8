package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
)

// AzureStorage は Azure Blob Storage に保存します。
type AzureStorage struct {
	account   string
	container string
	client    *azblob.Client
}

// NewAzureStorage は共有キーで AzureStorage を作成します。
func NewAzureStorage(account, accountKey, container string) (*AzureStorage, error) {
	if account == "" || accountKey == "" || container == "" {
		return nil, errors.New("azure account, key and container are required")
	}
	connectionString := fmt.Sprintf(
		"DefaultEndpointsProtocol=https;AccountName=%s;AccountKey=%s;EndpointSuffix=core.windows.net",
		account,
		accountKey,
	)
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}
	return &AzureStorage{account: account, container: container, client: client}, nil
}

func (s *AzureStorage) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	opts := &azblob.UploadStreamOptions{}
	if contentType != "" {
		opts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: &contentType}
	}
	if _, err := s.client.UploadStream(ctx, s.container, key, body, opts); err != nil {
		return "", fmt.Errorf("failed to upload to Azure Blob: %w", err)
	}
	return s.blobURL(key), nil
}

func (s *AzureStorage) Presign(_ context.Context, key string, ttl time.Duration) (string, error) {
	blobClient := s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(key)
	signed, err := blobClient.GetSASURL(sas.BlobPermissions{Read: true}, time.Now().UTC().Add(ttl), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create SAS url: %w", err)
	}
	return signed, nil
}

func (s *AzureStorage) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, key, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to download blob: %w", err)
	}
	return resp.Body, nil
}

func (s *AzureStorage) KeyOf(location string) (string, error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("invalid blob url: %w", err)
	}
	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if len(parts) < 2 || parts[0] != s.container {
		return "", fmt.Errorf("blob url outside container %s: %s", s.container, location)
	}
	return parts[1], nil
}

func (s *AzureStorage) Type() string {
	return "azure-blob"
}

func (s *AzureStorage) blobURL(key string) string {
	return fmt.Sprintf("https://%s.blob.core.windows.net/%s/%s", s.account, s.container, key)
}
