package store

import (
	"time"

	"github.com/yourusername/multi-downloader/internal/media"
)

type requestRow struct {
	ID           string                  `gorm:"primaryKey;size:36"`
	UserID       *string                 `gorm:"size:64;index"`
	CreatedAt    time.Time               `gorm:"not null"`
	Jobs         []jobRow                `gorm:"foreignKey:RequestID;constraint:OnDelete:CASCADE"`
	DownloadURLs []requestDownloadURLRow `gorm:"foreignKey:RequestID;constraint:OnDelete:CASCADE"`
}

func (requestRow) TableName() string { return "requests" }

type jobRow struct {
	ID            string            `gorm:"primaryKey;size:36"`
	RequestID     string            `gorm:"size:36;not null;index"`
	URL           string            `gorm:"not null"`
	Title         *string
	Status        string            `gorm:"size:32;not null;index"`
	CreatedAt     time.Time         `gorm:"not null;index"`
	Formats       []formatRow       `gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE"`
	MergedFormats []mergedFormatRow `gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE"`
}

func (jobRow) TableName() string { return "jobs" }

type formatRow struct {
	ID                   string `gorm:"primaryKey;size:36"`
	JobID                string `gorm:"size:36;not null;index"`
	FormatID             string `gorm:"not null"`
	Ext                  string `gorm:"not null"`
	Resolution           *string
	ACodec               string `gorm:"column:acodec;not null"`
	VCodec               string `gorm:"column:vcodec;not null"`
	Filesize             *int64
	TBR                  *string `gorm:"column:tbr"`
	URL                  string  `gorm:"not null"`
	Language             *string
	FormatNote           *string
	DownloadURL          *string
	DownloadURLExpiresAt *time.Time
	CreatedAt            time.Time `gorm:"not null"`
}

func (formatRow) TableName() string { return "formats" }

type mergedFormatRow struct {
	ID            string    `gorm:"primaryKey;size:36"`
	JobID         string    `gorm:"size:36;not null;index"`
	VideoFormatID string    `gorm:"size:36;not null;uniqueIndex:idx_merged_formats_pair"`
	AudioFormatID string    `gorm:"size:36;not null;uniqueIndex:idx_merged_formats_pair"`
	Status        string    `gorm:"size:32;not null;index"`
	DownloadURL   *string
	CreatedAt     time.Time `gorm:"not null;index"`
}

func (mergedFormatRow) TableName() string { return "merged_formats" }

type requestDownloadURLRow struct {
	ID        string    `gorm:"primaryKey;size:36"`
	RequestID string    `gorm:"size:36;not null;uniqueIndex:idx_request_download_urls_pair"`
	FormatID  string    `gorm:"not null;uniqueIndex:idx_request_download_urls_pair"`
	URL       string    `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null"`
}

func (requestDownloadURLRow) TableName() string { return "request_download_urls" }

func (r requestRow) toMedia() media.Request {
	return media.Request{ID: r.ID, UserID: r.UserID, CreatedAt: r.CreatedAt}
}

func (r jobRow) toMedia() media.Job {
	job := media.Job{
		ID:        r.ID,
		RequestID: r.RequestID,
		URL:       r.URL,
		Title:     r.Title,
		Status:    media.JobStatus(r.Status),
		CreatedAt: r.CreatedAt,
	}
	if r.Formats != nil {
		job.Formats = make([]media.Format, 0, len(r.Formats))
		for _, f := range r.Formats {
			job.Formats = append(job.Formats, f.toMedia())
		}
	}
	if r.MergedFormats != nil {
		job.MergedFormats = make([]media.MergedFormat, 0, len(r.MergedFormats))
		for _, mf := range r.MergedFormats {
			job.MergedFormats = append(job.MergedFormats, mf.toMedia())
		}
	}
	return job
}

func (r formatRow) toMedia() media.Format {
	return media.Format{
		ID:                   r.ID,
		JobID:                r.JobID,
		FormatID:             r.FormatID,
		Ext:                  r.Ext,
		Resolution:           r.Resolution,
		ACodec:               r.ACodec,
		VCodec:               r.VCodec,
		Filesize:             r.Filesize,
		TBR:                  r.TBR,
		URL:                  r.URL,
		Language:             r.Language,
		FormatNote:           r.FormatNote,
		DownloadURL:          r.DownloadURL,
		DownloadURLExpiresAt: r.DownloadURLExpiresAt,
		CreatedAt:            r.CreatedAt,
	}
}

func formatRowFrom(id, jobID string, d media.FormatDescriptor, at time.Time) formatRow {
	return formatRow{
		ID:         id,
		JobID:      jobID,
		FormatID:   d.FormatID,
		Ext:        d.Ext,
		Resolution: d.Resolution,
		ACodec:     d.ACodec,
		VCodec:     d.VCodec,
		Filesize:   d.Filesize,
		TBR:        d.TBR,
		URL:        d.URL,
		Language:   d.Language,
		FormatNote: d.FormatNote,
		CreatedAt:  at,
	}
}

func (r mergedFormatRow) toMedia() media.MergedFormat {
	return media.MergedFormat{
		ID:            r.ID,
		JobID:         r.JobID,
		VideoFormatID: r.VideoFormatID,
		AudioFormatID: r.AudioFormatID,
		Status:        media.MergedFormatStatus(r.Status),
		DownloadURL:   r.DownloadURL,
		CreatedAt:     r.CreatedAt,
	}
}

func (r requestDownloadURLRow) toMedia() media.RequestDownloadURL {
	return media.RequestDownloadURL{
		ID:        r.ID,
		RequestID: r.RequestID,
		FormatID:  r.FormatID,
		URL:       r.URL,
		ExpiresAt: r.ExpiresAt,
	}
}

func jobStatusStrings(in []media.JobStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func mergedStatusStrings(in []media.MergedFormatStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
