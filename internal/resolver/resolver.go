// Package resolver はソースURLからタイトルと取得可能なフォーマット一覧を解決します。
package resolver

import (
	"context"
	"fmt"

	"github.com/yourusername/multi-downloader/internal/media"
)

// Result はメタデータ解決の結果です。
type Result struct {
	Title   string
	Formats []media.FormatDescriptor
}

// Resolver はURLをメタデータに解決します。
type Resolver interface {
	Resolve(ctx context.Context, url string) (*Result, error)
}

// Kind は Resolver の実装種別です。
type Kind string

const (
	KindYtDlp   Kind = "ytdlp"
	KindYouTube Kind = "youtube"
)

// Options は New に渡す設定です。
type Options struct {
	YtDlpPath  string
	CookieFile string
}

// New は種別に応じた Resolver を作成します。
func New(kind Kind, opts Options) (Resolver, error) {
	switch kind {
	case KindYtDlp, "":
		return NewYtDlpResolver(opts.YtDlpPath, opts.CookieFile), nil
	case KindYouTube:
		return NewYouTubeResolver(), nil
	default:
		return nil, fmt.Errorf("unsupported resolver: %s", kind)
	}
}

func upstreamError(err error) error {
	return media.NewError(media.CodeUpstreamFetchFailed, "動画情報の取得に失敗しました", err)
}
