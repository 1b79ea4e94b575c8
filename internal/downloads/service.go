// Package downloads は API 層から呼ばれる操作をまとめます。
// ジョブの作成・一覧・キャンセル・再試行、結合フォーマットの要求、ダウンロードURLの発行を扱います。
package downloads

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/yourusername/multi-downloader/internal/admission"
	"github.com/yourusername/multi-downloader/internal/converter"
	"github.com/yourusername/multi-downloader/internal/media"
	"github.com/yourusername/multi-downloader/internal/retry"
	"github.com/yourusername/multi-downloader/internal/storage"
	"github.com/yourusername/multi-downloader/internal/store"
)

const defaultURLTTL = time.Hour

// Admitter は作業単位の受け入れと枠の補充を行います。*admission.Controller が満たします。
type Admitter interface {
	Admit(ctx context.Context, kind media.UnitKind, ids []string) (admission.Result, error)
	Backfill(ctx context.Context) ([]media.Unit, error)
	OnTerminal(ctx context.Context, kind media.UnitKind, id string)
}

// Muxer は音声と映像を1本のストリームにまとめます。*converter.LocalProcessCombiner が満たします。
type Muxer interface {
	Mux(ctx context.Context, audio, video io.Reader) (io.ReadCloser, error)
}

// LinkCache は一括ダウンロードURLの短期キャッシュです。*linkcache.Cache が満たします。
type LinkCache interface {
	Get(ctx context.Context, requestID, formatID string) (*media.RequestDownloadURL, error)
	Put(ctx context.Context, rec *media.RequestDownloadURL) error
	Lock(ctx context.Context, requestID, formatID string, ttl time.Duration) (func(context.Context) error, error)
}

// Options は Service の依存関係です。Links と Muxer は省略できます。
type Options struct {
	Store    store.Store
	Admitter Admitter
	Retry    *retry.Coordinator
	Storage  storage.Storage
	Fetcher  converter.Fetcher
	Muxer    Muxer
	Links    LinkCache
	URLTTL   time.Duration
	Logger   *slog.Logger
}

// Service はダウンロード関連の操作を提供します。
type Service struct {
	store   store.Store
	admit   Admitter
	retry   *retry.Coordinator
	storage storage.Storage
	fetcher converter.Fetcher
	muxer   Muxer
	links   LinkCache
	urlTTL  time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// New は Service を作成します。
func New(opts Options) (*Service, error) {
	if opts.Store == nil || opts.Admitter == nil {
		return nil, errors.New("store and admitter are required")
	}
	if opts.Storage == nil || opts.Fetcher == nil {
		return nil, errors.New("storage and fetcher are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	coordinator := opts.Retry
	if coordinator == nil {
		coordinator = retry.New(opts.Store, logger)
	}
	ttl := opts.URLTTL
	if ttl <= 0 {
		ttl = defaultURLTTL
	}
	return &Service{
		store:   opts.Store,
		admit:   opts.Admitter,
		retry:   coordinator,
		storage: opts.Storage,
		fetcher: opts.Fetcher,
		muxer:   opts.Muxer,
		links:   opts.Links,
		urlTTL:  ttl,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func notFound(message string, err error) error {
	return media.NewError(media.CodeNotFound, message, err)
}

func invalidInput(message string) error {
	return media.NewError(media.CodeInvalidInput, message, nil)
}
