// Package retry は失敗またはキャンセルされたジョブを待機状態へ戻します。
// 昇格は行いません。戻したジョブは次の受け入れ判定で枠を割り当てられます。
package retry

import (
	"context"
	"errors"
	"log/slog"

	"github.com/yourusername/multi-downloader/internal/media"
	"github.com/yourusername/multi-downloader/internal/store"
)

// retryableByID は ID 指定で再試行できる状態です。
var retryableByID = []media.JobStatus{media.JobErrorProcessing, media.JobCancelled}

// Result は再試行の結果です。
type Result struct {
	// Reset は waiting-to-process に戻したジョブIDです。
	Reset []string `json:"reset"`
	// NotFound は存在しなかったジョブIDです。
	NotFound []string `json:"notFound"`
	// Skipped は存在するが再試行できない状態だったジョブIDです。
	Skipped []string `json:"skipped"`
}

// Coordinator はジョブの状態リセットを行います。
type Coordinator struct {
	store  store.Store
	logger *slog.Logger
}

// New は Coordinator を作成します。
func New(st store.Store, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{store: st, logger: logger}
}

// RetryByIDs は指定したジョブを待機状態へ戻します。
// 存在しないIDは NotFound に列挙され、それ以外のIDの処理は継続します。
func (c *Coordinator) RetryByIDs(ctx context.Context, ids []string) (Result, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return Result{}, media.NewError(media.CodeInvalidInput, "再試行するジョブを指定してください", nil)
	}
	moved, err := c.store.TransitionJobs(ctx, ids, retryableByID, media.JobWaitingToProcess)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Result{}, err
	}
	res := Result{Reset: orEmpty(moved), NotFound: orEmpty(store.MissingIDs(err))}
	res.Skipped = subtract(ids, res.Reset, res.NotFound)
	c.logger.Info("jobs reset for retry", "reset", len(res.Reset), "notFound", len(res.NotFound), "skipped", len(res.Skipped))
	return res, nil
}

// RetryByRequest はリクエスト配下の失敗したジョブを待機状態へ戻します。キャンセル済みは対象外です。
func (c *Coordinator) RetryByRequest(ctx context.Context, requestID string) (Result, error) {
	if _, err := c.store.GetRequest(ctx, requestID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, media.NewError(media.CodeNotFound, "リクエストが見つかりません", err)
		}
		return Result{}, err
	}
	jobs, err := c.store.ListJobs(ctx, requestID, store.ListOptions{
		FilterCancelled: true,
		Statuses:        []media.JobStatus{media.JobErrorProcessing},
	})
	if err != nil {
		return Result{}, err
	}
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	res := Result{Reset: []string{}, NotFound: []string{}, Skipped: []string{}}
	if len(ids) == 0 {
		return res, nil
	}
	moved, err := c.store.TransitionJobs(ctx, ids,
		[]media.JobStatus{media.JobErrorProcessing}, media.JobWaitingToProcess)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Result{}, err
	}
	res.Reset = orEmpty(moved)
	// 一覧取得の後に状態が変わったジョブは対象外になる。
	res.Skipped = subtract(ids, res.Reset, nil)
	c.logger.Info("request jobs reset for retry", "requestId", requestID, "reset", len(res.Reset))
	return res, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func subtract(all []string, excluded ...[]string) []string {
	drop := map[string]struct{}{}
	for _, list := range excluded {
		for _, id := range list {
			drop[id] = struct{}{}
		}
	}
	out := []string{}
	for _, id := range all {
		if _, ok := drop[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func orEmpty(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
