package downloads

import (
	"context"
	"errors"
	"fmt"

	"github.com/yourusername/multi-downloader/internal/media"
	"github.com/yourusername/multi-downloader/internal/store"
)

// ConversionResult は結合フォーマット要求の結果です。
type ConversionResult struct {
	// MergedFormat は映像のみのフォーマットに対して作成された、または既存の結合フォーマットです。
	MergedFormat *media.MergedFormat `json:"mergedFormat,omitempty"`
	// DownloadURL は結合が不要なフォーマットのソースURLです。
	DownloadURL *string `json:"downloadUrl,omitempty"`
	Created     bool    `json:"created"`
}

// RequestConversion はジョブの映像フォーマットに音声を組み合わせる結合フォーマットを要求します。
// 同じ組み合わせの再要求は既存の行を返し、失敗していた場合だけ待機状態へ戻して再投入します。
func (s *Service) RequestConversion(ctx context.Context, jobID, formatID string) (*ConversionResult, error) {
	job, format, err := s.jobFormat(ctx, jobID, formatID)
	if err != nil {
		return nil, err
	}
	if job.Status != media.JobFinishedProcessing {
		return nil, media.NewError(media.CodeUnprocessable,
			fmt.Sprintf("ジョブ %s の処理が完了していません", jobID), nil)
	}
	if format.HasAudio() {
		u := format.URL
		return &ConversionResult{DownloadURL: &u}, nil
	}
	if !format.HasVideo() {
		return nil, media.NewError(media.CodeUnprocessable, "音声も映像も含まないフォーマットです", nil)
	}

	audio, err := media.MatchAudioFormatForVideo(format, job.Formats)
	if err != nil {
		if errors.Is(err, media.ErrNoCompatibleAudio) {
			return nil, media.NewError(media.CodeNoCompatibleAudio, "組み合わせ可能な音声フォーマットがありません", err)
		}
		return nil, err
	}

	mf, created, err := s.store.InsertMergedFormat(ctx, media.MergedFormat{
		JobID:         job.ID,
		VideoFormatID: format.ID,
		AudioFormatID: audio.ID,
		Status:        media.MergedWaitingToConvert,
	})
	if err != nil {
		return nil, err
	}
	log := s.logger.With("jobId", jobID, "mergedFormatId", mf.ID)

	admit := created
	if !created && mf.Status == media.MergedErrorConverting {
		reset, err := s.store.TransitionMergedFormat(ctx, mf.ID,
			[]media.MergedFormatStatus{media.MergedErrorConverting}, media.MergedWaitingToConvert)
		if err != nil {
			return nil, err
		}
		if reset {
			log.Info("failed conversion reset for retry")
		}
		admit = reset
	}
	if admit {
		if _, err := s.admit.Admit(ctx, media.UnitMergedFormat, []string{mf.ID}); err != nil {
			return nil, err
		}
		if mf, err = s.store.GetMergedFormat(ctx, mf.ID); err != nil {
			return nil, err
		}
	}
	log.Info("conversion requested", "created", created, "status", mf.Status)
	return &ConversionResult{MergedFormat: mf, Created: created}, nil
}

// Readiness はジョブとフォーマットのダウンロード可否です。
type Readiness struct {
	Job          *media.Job          `json:"job"`
	DownloadURL  *string             `json:"downloadUrl,omitempty"`
	MergedFormat *media.MergedFormat `json:"mergedFormat,omitempty"`
}

// Readiness はフォーマットのダウンロードURLを返します。音声を含むフォーマットはソースURLを、
// 映像のみのフォーマットは変換済みの成果物の署名付きURLを返し、期限までフォーマットに保存して再利用します。
func (s *Service) Readiness(ctx context.Context, jobID, formatID string) (*Readiness, error) {
	job, format, err := s.jobFormat(ctx, jobID, formatID)
	if err != nil {
		return nil, err
	}
	out := &Readiness{Job: job}
	if format.HasAudio() {
		u := format.URL
		out.DownloadURL = &u
		return out, nil
	}

	mf, err := s.store.FindMergedFormatByVideo(ctx, format.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return out, nil
		}
		return nil, err
	}
	out.MergedFormat = mf
	if mf.Status != media.MergedConverted || mf.DownloadURL == nil {
		return out, nil
	}

	now := s.now()
	if format.DownloadURL != nil && format.DownloadURLExpiresAt != nil && now.Before(*format.DownloadURLExpiresAt) {
		out.DownloadURL = format.DownloadURL
		return out, nil
	}

	key, err := s.storage.KeyOf(*mf.DownloadURL)
	if err != nil {
		return nil, err
	}
	signed, err := s.storage.Presign(ctx, key, s.urlTTL)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetFormatDownloadURL(ctx, format.ID, signed, now.Add(s.urlTTL)); err != nil {
		return nil, err
	}
	out.DownloadURL = &signed
	return out, nil
}

func (s *Service) jobFormat(ctx context.Context, jobID, formatID string) (*media.Job, media.Format, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, media.Format{}, notFound("ジョブが見つかりません", err)
		}
		return nil, media.Format{}, err
	}
	format, ok := job.FindFormat(formatID)
	if !ok {
		return nil, media.Format{}, notFound(
			fmt.Sprintf("ジョブ %s にフォーマット %s がありません", jobID, formatID), nil)
	}
	return job, format, nil
}
