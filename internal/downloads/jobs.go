package downloads

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/yourusername/multi-downloader/internal/admission"
	"github.com/yourusername/multi-downloader/internal/media"
	"github.com/yourusername/multi-downloader/internal/retry"
	"github.com/yourusername/multi-downloader/internal/store"
)

// cancelAttempts はキャンセル中に状態が変わった場合にやり直す回数です。
const cancelAttempts = 3

// CreateInput はジョブ作成の入力です。
type CreateInput struct {
	URLs []string
	// RequestID を指定すると既存のリクエストにジョブを追加します。
	RequestID string
	OwnerID   *string
}

// CreateResult はジョブ作成の結果です。
type CreateResult struct {
	RequestID string           `json:"requestId"`
	JobIDs    []string         `json:"jobIds"`
	Admission admission.Result `json:"admission"`
}

// CreateJobs はURLごとにジョブを待機状態で作成し、空き枠の分だけ即座にキューへ投入します。
func (s *Service) CreateJobs(ctx context.Context, in CreateInput) (*CreateResult, error) {
	urls, err := normalizeURLs(in.URLs)
	if err != nil {
		return nil, err
	}

	requestID := strings.TrimSpace(in.RequestID)
	if requestID != "" {
		if _, err := s.store.GetRequest(ctx, requestID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, notFound("リクエストが見つかりません", err)
			}
			return nil, err
		}
	} else {
		req, err := s.store.CreateRequest(ctx, in.OwnerID)
		if err != nil {
			return nil, err
		}
		requestID = req.ID
	}

	newJobs := make([]store.NewJob, len(urls))
	for i, u := range urls {
		newJobs[i] = store.NewJob{URL: u, Status: media.JobWaitingToProcess}
	}
	jobs, err := s.store.CreateJobs(ctx, requestID, newJobs)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}

	res, err := s.admit.Admit(ctx, media.UnitJob, ids)
	if err != nil {
		return nil, err
	}
	s.logger.Info("jobs created", "requestId", requestID, "jobs", len(ids),
		"queued", len(res.Queued), "waiting", len(res.Waiting), "failed", len(res.Failed))
	return &CreateResult{RequestID: requestID, JobIDs: ids, Admission: res}, nil
}

// ListJobs はリクエスト配下のジョブをフォーマット付きで返します。キャンセル済みは含みません。
func (s *Service) ListJobs(ctx context.Context, requestID string) ([]media.Job, error) {
	if _, err := s.store.GetRequest(ctx, requestID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("リクエストが見つかりません", err)
		}
		return nil, err
	}
	jobs, err := s.store.ListJobs(ctx, requestID, store.ListOptions{FilterCancelled: true, WithFormats: true})
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []media.Job{}
	}
	return jobs, nil
}

// Cancel はジョブをキャンセルします。実行中だった場合は空いた枠を補充します。
// 実行中のメッセージは止めず、その結果は破棄されます。
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	log := s.logger.With("jobId", jobID)
	settled := []media.JobStatus{media.JobWaitingToProcess, media.JobFinishedProcessing, media.JobErrorProcessing}

	for attempt := 0; attempt < cancelAttempts; attempt++ {
		moved, err := s.store.TransitionJob(ctx, jobID, media.InFlightJobStatuses, media.JobCancelled)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return notFound("ジョブが見つかりません", err)
			}
			return err
		}
		if moved {
			log.Info("in-flight job cancelled")
			s.admit.OnTerminal(context.WithoutCancel(ctx), media.UnitJob, jobID)
			return nil
		}

		moved, err = s.store.TransitionJob(ctx, jobID, settled, media.JobCancelled)
		if err != nil {
			return err
		}
		if moved {
			log.Info("job cancelled")
			return nil
		}

		job, err := s.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status == media.JobCancelled {
			return nil
		}
		// 2つの更新の間に状態が変わった。もう一度試す。
	}
	return media.NewError(media.CodeUnprocessable, "ジョブの状態が変化し続けているためキャンセルできませんでした", nil)
}

// RetryInput は再試行の入力です。IDs と RequestID のどちらか一方だけを指定します。
type RetryInput struct {
	IDs       []string
	RequestID string
}

// RetryResult は再試行の結果です。
type RetryResult struct {
	retry.Result
	// Promoted は再試行後の補充で昇格した作業単位です。再試行したジョブとは限りません。
	Promoted []media.Unit `json:"promoted"`
}

// Retry は失敗したジョブを待機状態へ戻し、空き枠を作成順に補充します。
// 再試行したジョブが古い待機中の作業単位を追い越すことはありません。
func (s *Service) Retry(ctx context.Context, in RetryInput) (*RetryResult, error) {
	requestID := strings.TrimSpace(in.RequestID)
	if (len(in.IDs) == 0) == (requestID == "") {
		return nil, invalidInput("ids と requestId のどちらか一方を指定してください")
	}

	var (
		res retry.Result
		err error
	)
	if requestID != "" {
		res, err = s.retry.RetryByRequest(ctx, requestID)
	} else {
		res, err = s.retry.RetryByIDs(ctx, in.IDs)
	}
	if err != nil {
		return nil, err
	}

	out := &RetryResult{Result: res, Promoted: []media.Unit{}}
	if len(res.Reset) > 0 {
		promoted, err := s.admit.Backfill(ctx)
		if err != nil {
			return nil, err
		}
		out.Promoted = append(out.Promoted, promoted...)
	}
	return out, nil
}

func normalizeURLs(raw []string) ([]string, error) {
	if len(raw) == 0 {
		return nil, invalidInput("urls を1件以上指定してください")
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		u, err := url.Parse(r)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, invalidInput("不正なURLが含まれています: " + r)
		}
		out = append(out, r)
	}
	return out, nil
}
