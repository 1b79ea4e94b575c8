package converter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/yourusername/multi-downloader/internal/media"
)

// Fetcher はソースURLからストリームを取得します。
type Fetcher interface {
	Fetch(ctx context.Context, url string) (io.ReadCloser, error)
}

// HTTPFetcher は HTTP GET でストリームを取得します。2xx 以外は失敗として扱います。
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher は HTTPFetcher を作成します。client が nil なら既定のクライアントを使います。
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		// ボディ全体の転送時間は制限しない。
		client = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 30 * time.Second,
		}}
	}
	return &HTTPFetcher{client: client}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, media.NewError(media.CodeUpstreamFetchFailed, "ソースの取得に失敗しました", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, media.NewError(media.CodeUpstreamFetchFailed, "ソースの取得に失敗しました", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, media.NewError(media.CodeUpstreamFetchFailed, "ソースの取得に失敗しました",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	return resp.Body, nil
}
