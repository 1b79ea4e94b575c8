// Package converter は映像のみのフォーマットと音声フォーマットを結合し、成果物を保存します。
package converter

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/yourusername/multi-downloader/internal/media"
	"github.com/yourusername/multi-downloader/internal/store"
)

// 変換サービスから届くイベントの状態値です。
const (
	EventStatusComplete = "COMPLETE"
	EventStatusError    = "ERROR"
)

// Converter は queued-converting → converting → converted/error の遷移を実行します。
type Converter struct {
	store    store.Store
	fetcher  Fetcher
	combiner Combiner
	logger   *slog.Logger
}

// New は Converter を作成します。
func New(st store.Store, fetcher Fetcher, combiner Combiner, logger *slog.Logger) *Converter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Converter{store: st, fetcher: fetcher, combiner: combiner, logger: logger}
}

// Convert は結合フォーマット1件を変換し、この呼び出しで終端状態へ遷移させたかどうかを返します。
// 非同期の結合器では投入までを行い、終端遷移は Complete に任せます。
func (c *Converter) Convert(ctx context.Context, mergedFormatID string) (bool, error) {
	log := c.logger.With("mergedFormatId", mergedFormatID)

	started, err := c.store.TransitionMergedFormat(ctx, mergedFormatID,
		[]media.MergedFormatStatus{media.MergedQueuedConverting, media.MergedConverting}, media.MergedConverting)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("drop message for missing merged format")
			return false, nil
		}
		return false, err
	}
	if !started {
		log.Info("merged format already handled, skipping")
		return false, nil
	}

	detail, err := c.store.GetMergedFormatDetail(ctx, mergedFormatID)
	if err != nil {
		return c.fail(ctx, log, mergedFormatID, err)
	}
	log = log.With("jobId", detail.Job.ID)

	conv := newConversion(detail)
	video, audio, err := c.open(ctx, detail)
	if err != nil {
		return c.fail(ctx, log, mergedFormatID, err)
	}
	defer video.Close()
	defer audio.Close()
	conv.Video = video
	conv.Audio = audio

	outcome, err := c.combiner.Combine(ctx, conv)
	if err != nil {
		return c.fail(ctx, log, mergedFormatID, err)
	}
	if outcome.Pending {
		log.Info("conversion submitted", "location", outcome.Location)
		return false, nil
	}

	done, err := c.store.CompleteMergedFormat(ctx, mergedFormatID, outcome.Location)
	if err != nil {
		return c.fail(ctx, log, mergedFormatID, err)
	}
	if !done {
		log.Info("merged format left converting before completion, result discarded")
		return false, nil
	}
	log.Info("merged format converted", "location", outcome.Location)
	return true, nil
}

// Complete は変換サービスの完了イベントを反映し、終端状態へ遷移させたかどうかを返します。
// COMPLETE と ERROR 以外の状態は無視します。
func (c *Converter) Complete(ctx context.Context, mergedFormatID, status string) (bool, error) {
	log := c.logger.With("mergedFormatId", mergedFormatID, "eventStatus", status)

	switch status {
	case EventStatusComplete:
		async, ok := c.combiner.(AsyncCombiner)
		if !ok {
			return false, media.NewError(media.CodeUnprocessable, "非同期変換は有効ではありません", nil)
		}
		detail, err := c.store.GetMergedFormatDetail(ctx, mergedFormatID)
		if err != nil {
			return false, err
		}
		location := async.OutputLocation(newConversion(detail))
		done, err := c.store.CompleteMergedFormat(ctx, mergedFormatID, location)
		if err != nil {
			return false, err
		}
		if done {
			log.Info("merged format converted", "location", location)
		}
		return done, nil
	case EventStatusError:
		moved, err := c.store.TransitionMergedFormat(ctx, mergedFormatID,
			[]media.MergedFormatStatus{media.MergedConverting}, media.MergedErrorConverting)
		if err != nil {
			return false, err
		}
		if moved {
			log.Error("conversion reported failure")
		}
		return moved, nil
	default:
		log.Debug("ignore conversion event")
		return false, nil
	}
}

func (c *Converter) open(ctx context.Context, detail *media.MergedFormatDetail) (video, audio io.ReadCloser, err error) {
	// ボディは Wait の後も読み続けるため、Wait で取り消される派生コンテキストは使わない。
	var g errgroup.Group
	g.Go(func() error {
		var ferr error
		video, ferr = c.fetcher.Fetch(ctx, detail.VideoFormat.URL)
		return ferr
	})
	g.Go(func() error {
		var ferr error
		audio, ferr = c.fetcher.Fetch(ctx, detail.AudioFormat.URL)
		return ferr
	})
	if err := g.Wait(); err != nil {
		for _, rc := range []io.ReadCloser{video, audio} {
			if rc != nil {
				rc.Close()
			}
		}
		return nil, nil, err
	}
	return video, audio, nil
}

func (c *Converter) fail(ctx context.Context, log *slog.Logger, mergedFormatID string, cause error) (bool, error) {
	log.Error("conversion failed", "code", media.CodeOf(cause), "err", cause)
	moved, err := c.store.TransitionMergedFormat(ctx, mergedFormatID,
		[]media.MergedFormatStatus{media.MergedConverting}, media.MergedErrorConverting)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return moved, nil
}
