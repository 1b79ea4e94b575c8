package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/multi-downloader/internal/media"
)

// MemoryStore はプロセス内に保持する Store 実装です。開発用とテスト用に使います。
type MemoryStore struct {
	mu sync.Mutex

	requests     map[string]media.Request
	jobs         map[string]media.Job
	formats      map[string]media.Format
	merged       map[string]media.MergedFormat
	downloadURLs map[string]media.RequestDownloadURL

	now func() time.Time
}

// NewMemoryStore は空の MemoryStore を作成します。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:     make(map[string]media.Request),
		jobs:         make(map[string]media.Job),
		formats:      make(map[string]media.Format),
		merged:       make(map[string]media.MergedFormat),
		downloadURLs: make(map[string]media.RequestDownloadURL),
		now:          monotonicClock(),
	}
}

// monotonicClock は呼び出しごとに必ず進む時刻を返します。
func monotonicClock() func() time.Time {
	var (
		mu   sync.Mutex
		last time.Time
	)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := now()
		if !t.After(last) {
			t = last.Add(time.Microsecond)
		}
		last = t
		return t
	}
}

func (s *MemoryStore) CreateRequest(_ context.Context, userID *string) (*media.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req := media.Request{ID: uuid.NewString(), UserID: userID, CreatedAt: s.now()}
	s.requests[req.ID] = req
	return &req, nil
}

func (s *MemoryStore) GetRequest(_ context.Context, id string) (*media.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, notFound("request", id)
	}
	return &req, nil
}

func (s *MemoryStore) CreateJobs(_ context.Context, requestID string, jobs []NewJob) ([]media.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[requestID]; !ok {
		return nil, notFound("request", requestID)
	}
	out := make([]media.Job, 0, len(jobs))
	for _, j := range jobs {
		job := media.Job{
			ID:        uuid.NewString(),
			RequestID: requestID,
			URL:       j.URL,
			Status:    j.Status,
			CreatedAt: s.now(),
		}
		s.jobs[job.ID] = job
		out = append(out, job)
	}
	return out, nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*media.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, notFound("job", id)
	}
	job = s.withChildren(job)
	return &job, nil
}

func (s *MemoryStore) ListJobs(_ context.Context, requestID string, opts ListOptions) ([]media.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []media.Job
	for _, job := range s.jobs {
		if job.RequestID != requestID {
			continue
		}
		if opts.FilterCancelled && job.Status == media.JobCancelled {
			continue
		}
		if len(opts.Statuses) > 0 && !containsStatus(opts.Statuses, job.Status) {
			continue
		}
		if opts.WithFormats {
			job = s.withChildren(job)
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		return before(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID)
	})
	return out, nil
}

func (s *MemoryStore) TransitionJob(_ context.Context, id string, from []media.JobStatus, to media.JobStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionJobLocked(id, from, to)
}

func (s *MemoryStore) transitionJobLocked(id string, from []media.JobStatus, to media.JobStatus) (bool, error) {
	job, ok := s.jobs[id]
	if !ok {
		return false, notFound("job", id)
	}
	if !containsStatus(from, job.Status) {
		return false, nil
	}
	job.Status = to
	s.jobs[id] = job
	return true, nil
}

func (s *MemoryStore) TransitionJobs(_ context.Context, ids []string, from []media.JobStatus, to media.JobStatus) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var moved, missing []string
	for _, id := range ids {
		ok, err := s.transitionJobLocked(id, from, to)
		if err != nil {
			missing = append(missing, id)
			continue
		}
		if ok {
			moved = append(moved, id)
		}
	}
	if len(missing) > 0 {
		return moved, notFound("job", missing...)
	}
	return moved, nil
}

func (s *MemoryStore) UpdateJobStatuses(_ context.Context, ids []string, status media.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var missing []string
	for _, id := range ids {
		job, ok := s.jobs[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		job.Status = status
		s.jobs[id] = job
	}
	if len(missing) > 0 {
		return notFound("job", missing...)
	}
	return nil
}

func (s *MemoryStore) FinishJob(_ context.Context, id, title string, formats []media.FormatDescriptor) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return false, notFound("job", id)
	}
	if job.Status != media.JobProcessing {
		return false, nil
	}
	job.Title = &title
	job.Status = media.JobFinishedProcessing
	s.jobs[id] = job
	for _, d := range formats {
		f := formatRowFrom(uuid.NewString(), id, d, s.now()).toMedia()
		s.formats[f.ID] = f
	}
	return true, nil
}

func (s *MemoryStore) SetFormatDownloadURL(_ context.Context, formatID, url string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.formats[formatID]
	if !ok {
		return notFound("format", formatID)
	}
	exp := expiresAt.UTC()
	f.DownloadURL = &url
	f.DownloadURLExpiresAt = &exp
	s.formats[formatID] = f
	return nil
}

func (s *MemoryStore) InsertMergedFormat(_ context.Context, mf media.MergedFormat) (*media.MergedFormat, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.merged {
		if existing.VideoFormatID == mf.VideoFormatID && existing.AudioFormatID == mf.AudioFormatID {
			out := existing
			return &out, false, nil
		}
	}
	if mf.ID == "" {
		mf.ID = uuid.NewString()
	}
	mf.CreatedAt = s.now()
	s.merged[mf.ID] = mf
	out := mf
	return &out, true, nil
}

func (s *MemoryStore) GetMergedFormat(_ context.Context, id string) (*media.MergedFormat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mf, ok := s.merged[id]
	if !ok {
		return nil, notFound("merged format", id)
	}
	return &mf, nil
}

func (s *MemoryStore) GetMergedFormatDetail(_ context.Context, id string) (*media.MergedFormatDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mf, ok := s.merged[id]
	if !ok {
		return nil, notFound("merged format", id)
	}
	job, ok := s.jobs[mf.JobID]
	if !ok {
		return nil, notFound("job", mf.JobID)
	}
	video, ok := s.formats[mf.VideoFormatID]
	if !ok {
		return nil, notFound("format", mf.VideoFormatID)
	}
	audio, ok := s.formats[mf.AudioFormatID]
	if !ok {
		return nil, notFound("format", mf.AudioFormatID)
	}
	return &media.MergedFormatDetail{MergedFormat: mf, Job: job, VideoFormat: video, AudioFormat: audio}, nil
}

func (s *MemoryStore) FindMergedFormatByVideo(_ context.Context, videoFormatID string) (*media.MergedFormat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *media.MergedFormat
	for _, mf := range s.merged {
		if mf.VideoFormatID != videoFormatID {
			continue
		}
		if found == nil || mf.CreatedAt.After(found.CreatedAt) {
			m := mf
			found = &m
		}
	}
	if found == nil {
		return nil, notFound("merged format", videoFormatID)
	}
	return found, nil
}

func (s *MemoryStore) TransitionMergedFormat(_ context.Context, id string, from []media.MergedFormatStatus, to media.MergedFormatStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mf, ok := s.merged[id]
	if !ok {
		return false, notFound("merged format", id)
	}
	if !containsStatus(from, mf.Status) {
		return false, nil
	}
	mf.Status = to
	s.merged[id] = mf
	return true, nil
}

func (s *MemoryStore) CompleteMergedFormat(_ context.Context, id, downloadURL string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mf, ok := s.merged[id]
	if !ok {
		return false, notFound("merged format", id)
	}
	if mf.Status != media.MergedConverting {
		return false, nil
	}
	mf.Status = media.MergedConverted
	mf.DownloadURL = &downloadURL
	s.merged[id] = mf
	return true, nil
}

func (s *MemoryStore) CountInFlight(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, job := range s.jobs {
		if containsStatus(media.InFlightJobStatuses, job.Status) {
			n++
		}
	}
	for _, mf := range s.merged {
		if containsStatus(media.InFlightMergedStatuses, mf.Status) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) NextWaiting(_ context.Context) (*media.Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		best   *media.Unit
		bestAt time.Time
	)
	consider := func(kind media.UnitKind, id string, at time.Time) {
		if best == nil || at.Before(bestAt) ||
			(at.Equal(bestAt) && (kind < best.Kind || (kind == best.Kind && id < best.ID))) {
			best = &media.Unit{Kind: kind, ID: id}
			bestAt = at
		}
	}
	for _, job := range s.jobs {
		if job.Status == media.JobWaitingToProcess {
			consider(media.UnitJob, job.ID, job.CreatedAt)
		}
	}
	for _, mf := range s.merged {
		if mf.Status == media.MergedWaitingToConvert {
			consider(media.UnitMergedFormat, mf.ID, mf.CreatedAt)
		}
	}
	return best, nil
}

func (s *MemoryStore) GetRequestDownloadURL(_ context.Context, requestID, formatID string) (*media.RequestDownloadURL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.downloadURLs[requestID+"/"+formatID]
	if !ok {
		return nil, notFound("request download url", requestID+"/"+formatID)
	}
	return &rec, nil
}

func (s *MemoryStore) UpsertRequestDownloadURL(_ context.Context, rec media.RequestDownloadURL) (*media.RequestDownloadURL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[rec.RequestID]; !ok {
		return nil, notFound("request", rec.RequestID)
	}
	key := rec.RequestID + "/" + rec.FormatID
	if existing, ok := s.downloadURLs[key]; ok {
		rec.ID = existing.ID
	} else {
		rec.ID = uuid.NewString()
	}
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	s.downloadURLs[key] = rec
	return &rec, nil
}

// withChildren はジョブにフォーマットと結合フォーマットを付与します。ロック保持中に呼び出します。
func (s *MemoryStore) withChildren(job media.Job) media.Job {
	job.Formats = []media.Format{}
	for _, f := range s.formats {
		if f.JobID == job.ID {
			job.Formats = append(job.Formats, f)
		}
	}
	sort.Slice(job.Formats, func(i, j int) bool {
		a, b := job.Formats[i], job.Formats[j]
		return before(a.CreatedAt, a.ID, b.CreatedAt, b.ID)
	})
	job.MergedFormats = []media.MergedFormat{}
	for _, mf := range s.merged {
		if mf.JobID == job.ID {
			job.MergedFormats = append(job.MergedFormats, mf)
		}
	}
	sortMerged(job.MergedFormats)
	return job
}

func sortMerged(list []media.MergedFormat) {
	sort.Slice(list, func(i, j int) bool {
		return before(list[i].CreatedAt, list[i].ID, list[j].CreatedAt, list[j].ID)
	})
}

func before(at time.Time, id string, otherAt time.Time, otherID string) bool {
	if !at.Equal(otherAt) {
		return at.Before(otherAt)
	}
	return id < otherID
}

func containsStatus[T comparable](list []T, v T) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

var _ Store = (*MemoryStore)(nil)
