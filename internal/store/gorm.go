package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/yourusername/multi-downloader/internal/media"
)

const formatInsertBatchSize = 100

// Open はドライバ名に応じて DB に接続し、スキーマを移行します。
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Warn),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// SQLite は書き込みが直列化されるため接続を1本に絞る。
		sqlDB.SetMaxOpenConns(1)
		if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate はテーブルと制約を作成します。
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&requestRow{},
		&jobRow{},
		&formatRow{},
		&mergedFormatRow{},
		&requestDownloadURLRow{},
	); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// GormStore はリレーショナルDBに保存する Store 実装です。
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore は GormStore を作成します。
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: now}
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func (s *GormStore) CreateRequest(ctx context.Context, userID *string) (*media.Request, error) {
	row := requestRow{ID: uuid.NewString(), UserID: userID, CreatedAt: s.now()}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, err
	}
	req := row.toMedia()
	return &req, nil
}

func (s *GormStore) GetRequest(ctx context.Context, id string) (*media.Request, error) {
	var row requestRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, translate(err, "request", id)
	}
	req := row.toMedia()
	return &req, nil
}

func (s *GormStore) CreateJobs(ctx context.Context, requestID string, jobs []NewJob) ([]media.Job, error) {
	if _, err := s.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	base := s.now()
	rows := make([]jobRow, len(jobs))
	for i, j := range jobs {
		rows[i] = jobRow{
			ID:        uuid.NewString(),
			RequestID: requestID,
			URL:       j.URL,
			Status:    string(j.Status),
			CreatedAt: base.Add(time.Duration(i) * time.Microsecond),
		}
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]media.Job, len(rows))
	for i, r := range rows {
		out[i] = r.toMedia()
	}
	return out, nil
}

func (s *GormStore) GetJob(ctx context.Context, id string) (*media.Job, error) {
	var row jobRow
	err := s.db.WithContext(ctx).
		Preload("Formats", orderByCreation).
		Preload("MergedFormats", orderByCreation).
		Where("id = ?", id).
		First(&row).Error
	if err != nil {
		return nil, translate(err, "job", id)
	}
	job := row.toMedia()
	return &job, nil
}

func (s *GormStore) ListJobs(ctx context.Context, requestID string, opts ListOptions) ([]media.Job, error) {
	q := s.db.WithContext(ctx).Where("request_id = ?", requestID)
	if opts.FilterCancelled {
		q = q.Where("status <> ?", string(media.JobCancelled))
	}
	if len(opts.Statuses) > 0 {
		q = q.Where("status IN ?", jobStatusStrings(opts.Statuses))
	}
	if opts.WithFormats {
		q = q.Preload("Formats", orderByCreation).Preload("MergedFormats", orderByCreation)
	}
	var rows []jobRow
	if err := orderByCreation(q).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]media.Job, len(rows))
	for i, r := range rows {
		out[i] = r.toMedia()
	}
	return out, nil
}

func (s *GormStore) TransitionJob(ctx context.Context, id string, from []media.JobStatus, to media.JobStatus) (bool, error) {
	res := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("id = ? AND status IN ?", id, jobStatusStrings(from)).
		Update("status", string(to))
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	return false, s.ensureExists(ctx, &jobRow{}, "job", id)
}

func (s *GormStore) TransitionJobs(ctx context.Context, ids []string, from []media.JobStatus, to media.JobStatus) ([]string, error) {
	var (
		moved   []string
		missing []string
	)
	for _, id := range ids {
		ok, err := s.TransitionJob(ctx, id, from, to)
		switch {
		case errors.Is(err, ErrNotFound):
			missing = append(missing, id)
		case err != nil:
			return moved, err
		case ok:
			moved = append(moved, id)
		}
	}
	if len(missing) > 0 {
		return moved, notFound("job", missing...)
	}
	return moved, nil
}

func (s *GormStore) UpdateJobStatuses(ctx context.Context, ids []string, status media.JobStatus) error {
	if len(ids) == 0 {
		return nil
	}
	db := s.db.WithContext(ctx)
	if err := db.Model(&jobRow{}).Where("id IN ?", ids).Update("status", string(status)).Error; err != nil {
		return err
	}
	var found []string
	if err := db.Model(&jobRow{}).Where("id IN ?", ids).Pluck("id", &found).Error; err != nil {
		return err
	}
	if missing := difference(ids, found); len(missing) > 0 {
		return notFound("job", missing...)
	}
	return nil
}

func (s *GormStore) FinishJob(ctx context.Context, id, title string, formats []media.FormatDescriptor) (bool, error) {
	finished := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&jobRow{}).
			Where("id = ? AND status = ?", id, string(media.JobProcessing)).
			Updates(map[string]any{"status": string(media.JobFinishedProcessing), "title": title})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		finished = true
		if len(formats) == 0 {
			return nil
		}
		base := s.now()
		rows := make([]formatRow, len(formats))
		for i, d := range formats {
			rows[i] = formatRowFrom(uuid.NewString(), id, d, base.Add(time.Duration(i)*time.Microsecond))
		}
		return tx.CreateInBatches(&rows, formatInsertBatchSize).Error
	})
	if err != nil {
		return false, err
	}
	if !finished {
		return false, s.ensureExists(ctx, &jobRow{}, "job", id)
	}
	return true, nil
}

func (s *GormStore) SetFormatDownloadURL(ctx context.Context, formatID, url string, expiresAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&formatRow{}).
		Where("id = ?", formatID).
		Updates(map[string]any{"download_url": url, "download_url_expires_at": expiresAt.UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound("format", formatID)
	}
	return nil
}

func (s *GormStore) InsertMergedFormat(ctx context.Context, mf media.MergedFormat) (*media.MergedFormat, bool, error) {
	row := mergedFormatRow{
		ID:            mf.ID,
		JobID:         mf.JobID,
		VideoFormatID: mf.VideoFormatID,
		AudioFormatID: mf.AudioFormatID,
		Status:        string(mf.Status),
		DownloadURL:   mf.DownloadURL,
		CreatedAt:     s.now(),
	}
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "video_format_id"}, {Name: "audio_format_id"}},
		DoNothing: true,
	}).Create(&row)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected > 0 {
		out := row.toMedia()
		return &out, true, nil
	}

	var existing mergedFormatRow
	err := s.db.WithContext(ctx).
		Where("video_format_id = ? AND audio_format_id = ?", mf.VideoFormatID, mf.AudioFormatID).
		First(&existing).Error
	if err != nil {
		return nil, false, translate(err, "merged format", mf.VideoFormatID)
	}
	out := existing.toMedia()
	return &out, false, nil
}

func (s *GormStore) GetMergedFormat(ctx context.Context, id string) (*media.MergedFormat, error) {
	var row mergedFormatRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, translate(err, "merged format", id)
	}
	mf := row.toMedia()
	return &mf, nil
}

func (s *GormStore) GetMergedFormatDetail(ctx context.Context, id string) (*media.MergedFormatDetail, error) {
	mf, err := s.GetMergedFormat(ctx, id)
	if err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)

	var job jobRow
	if err := db.Where("id = ?", mf.JobID).First(&job).Error; err != nil {
		return nil, translate(err, "job", mf.JobID)
	}
	var video, audio formatRow
	if err := db.Where("id = ?", mf.VideoFormatID).First(&video).Error; err != nil {
		return nil, translate(err, "format", mf.VideoFormatID)
	}
	if err := db.Where("id = ?", mf.AudioFormatID).First(&audio).Error; err != nil {
		return nil, translate(err, "format", mf.AudioFormatID)
	}
	return &media.MergedFormatDetail{
		MergedFormat: *mf,
		Job:          job.toMedia(),
		VideoFormat:  video.toMedia(),
		AudioFormat:  audio.toMedia(),
	}, nil
}

func (s *GormStore) FindMergedFormatByVideo(ctx context.Context, videoFormatID string) (*media.MergedFormat, error) {
	var row mergedFormatRow
	err := s.db.WithContext(ctx).
		Where("video_format_id = ?", videoFormatID).
		Order("created_at DESC").
		First(&row).Error
	if err != nil {
		return nil, translate(err, "merged format", videoFormatID)
	}
	mf := row.toMedia()
	return &mf, nil
}

func (s *GormStore) TransitionMergedFormat(ctx context.Context, id string, from []media.MergedFormatStatus, to media.MergedFormatStatus) (bool, error) {
	res := s.db.WithContext(ctx).Model(&mergedFormatRow{}).
		Where("id = ? AND status IN ?", id, mergedStatusStrings(from)).
		Update("status", string(to))
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	return false, s.ensureExists(ctx, &mergedFormatRow{}, "merged format", id)
}

func (s *GormStore) CompleteMergedFormat(ctx context.Context, id, downloadURL string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&mergedFormatRow{}).
		Where("id = ? AND status = ?", id, string(media.MergedConverting)).
		Updates(map[string]any{"status": string(media.MergedConverted), "download_url": downloadURL})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	return false, s.ensureExists(ctx, &mergedFormatRow{}, "merged format", id)
}

func (s *GormStore) CountInFlight(ctx context.Context) (int, error) {
	var total int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT (SELECT COUNT(*) FROM jobs WHERE status IN ?) + (SELECT COUNT(*) FROM merged_formats WHERE status IN ?) AS total`,
		jobStatusStrings(media.InFlightJobStatuses),
		mergedStatusStrings(media.InFlightMergedStatuses),
	).Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return int(total), nil
}

func (s *GormStore) NextWaiting(ctx context.Context) (*media.Unit, error) {
	var rows []struct {
		Kind string
		ID   string
	}
	err := s.db.WithContext(ctx).Raw(
		`SELECT kind, id FROM (
			SELECT 'job' AS kind, id, created_at FROM jobs WHERE status = ?
			UNION ALL
			SELECT 'merged-format' AS kind, id, created_at FROM merged_formats WHERE status = ?
		) waiting ORDER BY created_at ASC, kind ASC LIMIT 1`,
		string(media.JobWaitingToProcess),
		string(media.MergedWaitingToConvert),
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &media.Unit{Kind: media.UnitKind(rows[0].Kind), ID: rows[0].ID}, nil
}

func (s *GormStore) GetRequestDownloadURL(ctx context.Context, requestID, formatID string) (*media.RequestDownloadURL, error) {
	var row requestDownloadURLRow
	err := s.db.WithContext(ctx).
		Where("request_id = ? AND format_id = ?", requestID, formatID).
		First(&row).Error
	if err != nil {
		return nil, translate(err, "request download url", requestID+"/"+formatID)
	}
	rec := row.toMedia()
	return &rec, nil
}

func (s *GormStore) UpsertRequestDownloadURL(ctx context.Context, rec media.RequestDownloadURL) (*media.RequestDownloadURL, error) {
	row := requestDownloadURLRow{
		ID:        uuid.NewString(),
		RequestID: rec.RequestID,
		FormatID:  rec.FormatID,
		URL:       rec.URL,
		ExpiresAt: rec.ExpiresAt.UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "request_id"}, {Name: "format_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"url", "expires_at"}),
	}).Create(&row).Error
	if err != nil {
		return nil, err
	}
	return s.GetRequestDownloadURL(ctx, rec.RequestID, rec.FormatID)
}

func (s *GormStore) ensureExists(ctx context.Context, model any, entity, id string) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(model).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return notFound(entity, id)
	}
	return nil
}

func orderByCreation(db *gorm.DB) *gorm.DB {
	return db.Order("created_at ASC").Order("id ASC")
}

func translate(err error, entity, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFound(entity, id)
	}
	return err
}

func difference(want, have []string) []string {
	seen := make(map[string]struct{}, len(have))
	for _, id := range have {
		seen[id] = struct{}{}
	}
	var missing []string
	for _, id := range want {
		if _, ok := seen[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

var _ Store = (*GormStore)(nil)
