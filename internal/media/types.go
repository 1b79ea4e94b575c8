// Package media はダウンロード対象のリクエスト・ジョブ・フォーマットとその状態遷移を定義します。
package media

import (
	"strings"
	"time"
)

// JobStatus はジョブの処理状態を表します。
type JobStatus string

const (
	JobWaitingToProcess   JobStatus = "waiting-to-process"
	JobQueuedProcessing   JobStatus = "queued-processing"
	JobProcessing         JobStatus = "processing"
	JobFinishedProcessing JobStatus = "finished-processing"
	JobErrorProcessing    JobStatus = "error-processing"
	JobCancelled          JobStatus = "cancelled"
)

// MergedFormatStatus は結合フォーマットの変換状態を表します。
type MergedFormatStatus string

const (
	MergedWaitingToConvert MergedFormatStatus = "waiting-to-convert"
	MergedQueuedConverting MergedFormatStatus = "queued-converting"
	MergedConverting       MergedFormatStatus = "converting"
	MergedConverted        MergedFormatStatus = "converted"
	MergedErrorConverting  MergedFormatStatus = "error-converting"
)

// CodecNone はトラックが存在しないことを示すコーデック値です。
const CodecNone = "none"

// InFlightJobStatuses は同時実行枠を消費するジョブ状態です。
var InFlightJobStatuses = []JobStatus{JobQueuedProcessing, JobProcessing}

// InFlightMergedStatuses は同時実行枠を消費する結合フォーマット状態です。
var InFlightMergedStatuses = []MergedFormatStatus{MergedQueuedConverting, MergedConverting}

// Request はクライアントがまとめて送信したジョブ群です。
type Request struct {
	ID        string    `json:"id"`
	UserID    *string   `json:"userId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Job は1つのソースURLとその処理状態を表します。
type Job struct {
	ID        string    `json:"id"`
	RequestID string    `json:"requestId"`
	URL       string    `json:"url"`
	Title     *string   `json:"title"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"createdAt"`

	Formats       []Format       `json:"formats"`
	MergedFormats []MergedFormat `json:"mergedFormats"`
}

// FindFormat はジョブに属するフォーマットをIDで探します。
func (j *Job) FindFormat(id string) (Format, bool) {
	for _, f := range j.Formats {
		if f.ID == id {
			return f, true
		}
	}
	return Format{}, false
}

// FindSourceFormat はソース側のformatIdでフォーマットを探します。
func (j *Job) FindSourceFormat(formatID string) (Format, bool) {
	for _, f := range j.Formats {
		if f.FormatID == formatID {
			return f, true
		}
	}
	return Format{}, false
}

// Format はソースから取得できるエンコーディングの1つです。
type Format struct {
	ID                   string     `json:"id"`
	JobID                string     `json:"jobId"`
	FormatID             string     `json:"formatId"`
	Ext                  string     `json:"ext"`
	Resolution           *string    `json:"resolution"`
	ACodec               string     `json:"acodec"`
	VCodec               string     `json:"vcodec"`
	Filesize             *int64     `json:"filesize"`
	TBR                  *string    `json:"tbr"`
	URL                  string     `json:"url"`
	Language             *string    `json:"language"`
	FormatNote           *string    `json:"formatNote"`
	DownloadURL          *string    `json:"downloadUrl,omitempty"`
	DownloadURLExpiresAt *time.Time `json:"downloadUrlExpiresAt,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
}

// HasAudio は音声トラックを含むかどうかを返します。
func (f Format) HasAudio() bool {
	return f.ACodec != "" && f.ACodec != CodecNone
}

// HasVideo は映像トラックを含むかどうかを返します。
func (f Format) HasVideo() bool {
	return f.VCodec != "" && f.VCodec != CodecNone
}

// IsAudioOnly は音声のみのフォーマットかどうかを返します。
func (f Format) IsAudioOnly() bool {
	return f.HasAudio() && !f.HasVideo()
}

// IsVideoOnly は映像のみで結合が必要なフォーマットかどうかを返します。
func (f Format) IsVideoOnly() bool {
	return f.HasVideo() && !f.HasAudio()
}

func (f Format) noteContains(s string) bool {
	return f.FormatNote != nil && strings.Contains(*f.FormatNote, s)
}

func (f Format) size() int64 {
	if f.Filesize == nil {
		return 0
	}
	return *f.Filesize
}

// FormatDescriptor はメタデータ解決の結果として得られるフォーマット情報です。
type FormatDescriptor struct {
	FormatID   string
	Ext        string
	Resolution *string
	ACodec     string
	VCodec     string
	Filesize   *int64
	TBR        *string
	URL        string
	Language   *string
	FormatNote *string
}

// MergedFormat は映像のみと音声のみのフォーマットを1つにまとめた成果物です。
type MergedFormat struct {
	ID            string             `json:"id"`
	JobID         string             `json:"jobId"`
	VideoFormatID string             `json:"videoFormatId"`
	AudioFormatID string             `json:"audioFormatId"`
	Status        MergedFormatStatus `json:"status"`
	DownloadURL   *string            `json:"downloadUrl"`
	CreatedAt     time.Time          `json:"createdAt"`
}

// MergedFormatDetail は変換に必要な親エンティティを含む結合フォーマットです。
type MergedFormatDetail struct {
	MergedFormat
	Job         Job
	VideoFormat Format
	AudioFormat Format
}

// RequestDownloadURL はリクエスト単位の一括ダウンロードURLのキャッシュです。
type RequestDownloadURL struct {
	ID        string    `json:"id"`
	RequestID string    `json:"requestId"`
	FormatID  string    `json:"formatId"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Fresh は at の時点でまだ再利用できるかどうかを返します。
func (r *RequestDownloadURL) Fresh(at time.Time) bool {
	return r != nil && r.URL != "" && at.Before(r.ExpiresAt)
}

// UnitKind は同時実行枠を共有する作業単位の種類です。
type UnitKind string

const (
	UnitJob          UnitKind = "job"
	UnitMergedFormat UnitKind = "merged-format"
)

// Unit は作業単位の種類とIDの組です。
type Unit struct {
	Kind UnitKind `json:"kind"`
	ID   string   `json:"id"`
}
