// Package processor はキューから届いたジョブのメタデータを解決し、フォーマットを保存します。
package processor

import (
	"context"
	"errors"
	"log/slog"

	"github.com/yourusername/multi-downloader/internal/media"
	"github.com/yourusername/multi-downloader/internal/resolver"
	"github.com/yourusername/multi-downloader/internal/store"
)

// Processor は queued-processing → processing → finished/error の遷移を実行します。
type Processor struct {
	store    store.Store
	resolver resolver.Resolver
	logger   *slog.Logger
}

// New は Processor を作成します。
func New(st store.Store, r resolver.Resolver, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{store: st, resolver: r, logger: logger}
}

// Process はジョブ1件を処理し、この呼び出しで終端状態へ遷移させたかどうかを返します。
// 既に processing を過ぎたジョブや存在しないジョブは何もせず確認応答します。
func (p *Processor) Process(ctx context.Context, jobID string) (bool, error) {
	log := p.logger.With("jobId", jobID)

	started, err := p.store.TransitionJob(ctx, jobID,
		[]media.JobStatus{media.JobQueuedProcessing, media.JobProcessing}, media.JobProcessing)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("drop message for missing job")
			return false, nil
		}
		return false, err
	}
	if !started {
		log.Info("job already handled, skipping")
		return false, nil
	}

	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return p.fail(ctx, log, jobID, err)
	}

	result, err := p.resolver.Resolve(ctx, job.URL)
	if err != nil {
		return p.fail(ctx, log, jobID, err)
	}

	finished, err := p.store.FinishJob(ctx, jobID, result.Title, result.Formats)
	if err != nil {
		return p.fail(ctx, log, jobID, err)
	}
	if !finished {
		// キャンセルや重複配信で状態が変わっていた。結果は破棄する。
		log.Info("job left processing before completion, result discarded")
		return false, nil
	}
	log.Info("job processed", "formats", len(result.Formats))
	return true, nil
}

func (p *Processor) fail(ctx context.Context, log *slog.Logger, jobID string, cause error) (bool, error) {
	log.Error("job processing failed", "code", media.CodeOf(cause), "err", cause)
	moved, err := p.store.TransitionJob(ctx, jobID,
		[]media.JobStatus{media.JobProcessing}, media.JobErrorProcessing)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return moved, nil
}
