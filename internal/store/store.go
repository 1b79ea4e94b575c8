// Package store はリクエスト・ジョブ・フォーマットの永続化を担います。
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yourusername/multi-downloader/internal/media"
)

// ErrNotFound は参照したエンティティが存在しないことを示します。
var ErrNotFound = errors.New("not found")

// NotFoundError は見つからなかったIDを正確に保持します。
type NotFoundError struct {
	Entity string
	IDs    []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, strings.Join(e.IDs, ", "))
}

// Is は errors.Is(err, ErrNotFound) を満たします。
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

func notFound(entity string, ids ...string) error {
	return &NotFoundError{Entity: entity, IDs: ids}
}

// MissingIDs は err が NotFoundError の場合に欠落IDを返します。
func MissingIDs(err error) []string {
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return nf.IDs
	}
	return nil
}

// ListOptions はジョブ一覧の取得条件です。
type ListOptions struct {
	// FilterCancelled がtrueならキャンセル済みジョブを除外します。
	FilterCancelled bool
	// Statuses が空でなければ、その状態のジョブのみ返します。
	Statuses []media.JobStatus
	// WithFormats がtrueならフォーマットと結合フォーマットも読み込みます。
	WithFormats bool
}

// NewJob はジョブ作成時の入力です。
type NewJob struct {
	URL    string
	Status media.JobStatus
}

// Store はエンティティの読み書きと集計クエリを提供します。
// 状態遷移はすべて単一行の条件付き更新で行い、from に含まれない状態の行は変更しません。
type Store interface {
	CreateRequest(ctx context.Context, userID *string) (*media.Request, error)
	GetRequest(ctx context.Context, id string) (*media.Request, error)

	// CreateJobs は入力順に作成時刻が単調増加するようジョブを作成します。
	CreateJobs(ctx context.Context, requestID string, jobs []NewJob) ([]media.Job, error)
	GetJob(ctx context.Context, id string) (*media.Job, error)
	ListJobs(ctx context.Context, requestID string, opts ListOptions) ([]media.Job, error)
	TransitionJob(ctx context.Context, id string, from []media.JobStatus, to media.JobStatus) (bool, error)
	// TransitionJobs は遷移したIDを返し、存在しないIDがあれば NotFoundError も返します。
	TransitionJobs(ctx context.Context, ids []string, from []media.JobStatus, to media.JobStatus) ([]string, error)
	// UpdateJobStatuses は無条件の一括更新です。一致した行は更新したまま欠落IDを報告します。
	UpdateJobStatuses(ctx context.Context, ids []string, status media.JobStatus) error
	// FinishJob は processing のジョブにだけタイトルとフォーマットを書き込み finished にします。
	FinishJob(ctx context.Context, id, title string, formats []media.FormatDescriptor) (bool, error)

	SetFormatDownloadURL(ctx context.Context, formatID, url string, expiresAt time.Time) error

	// InsertMergedFormat は (video, audio) の組で挿入し、既存なら既存行を返します。
	InsertMergedFormat(ctx context.Context, mf media.MergedFormat) (*media.MergedFormat, bool, error)
	GetMergedFormat(ctx context.Context, id string) (*media.MergedFormat, error)
	GetMergedFormatDetail(ctx context.Context, id string) (*media.MergedFormatDetail, error)
	FindMergedFormatByVideo(ctx context.Context, videoFormatID string) (*media.MergedFormat, error)
	TransitionMergedFormat(ctx context.Context, id string, from []media.MergedFormatStatus, to media.MergedFormatStatus) (bool, error)
	// CompleteMergedFormat は converting の行だけを converted にしてURLを記録します。
	CompleteMergedFormat(ctx context.Context, id, downloadURL string) (bool, error)

	// CountInFlight はジョブと結合フォーマットの実行中件数を1つのクエリで数えます。
	CountInFlight(ctx context.Context) (int, error)
	// NextWaiting は最も古い待機中の作業単位を返します。作成時刻が同じならジョブを優先します。
	NextWaiting(ctx context.Context) (*media.Unit, error)

	GetRequestDownloadURL(ctx context.Context, requestID, formatID string) (*media.RequestDownloadURL, error)
	UpsertRequestDownloadURL(ctx context.Context, rec media.RequestDownloadURL) (*media.RequestDownloadURL, error)
}
