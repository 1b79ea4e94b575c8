package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/yourusername/multi-downloader/internal/media"
)

type storeFactory func(t *testing.T) Store

func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return NewGormStore(db)
}

func newMemory(t *testing.T) Store {
	return NewMemoryStore()
}

func TestStores(t *testing.T) {
	factories := map[string]storeFactory{
		"memory": newMemory,
		"sqlite": newSQLiteStore,
	}
	cases := map[string]func(t *testing.T, s Store){
		"ListJobsFiltersCancelled":         testListJobsFiltersCancelled,
		"UpdateJobStatusesReportsMissing":  testUpdateJobStatusesReportsMissing,
		"TransitionJobIsConditional":       testTransitionJobIsConditional,
		"FinishJobOnlyOnce":                testFinishJobOnlyOnce,
		"InsertMergedFormatCollapsesPairs": testInsertMergedFormatCollapsesPairs,
		"CountInFlightSpansBothKinds":      testCountInFlightSpansBothKinds,
		"NextWaitingIsFIFO":                testNextWaitingIsFIFO,
		"MergedFormatDetail":               testMergedFormatDetail,
		"RequestDownloadURLUpsert":         testRequestDownloadURLUpsert,
	}
	for storeName, factory := range factories {
		for name, fn := range cases {
			factory, fn := factory, fn
			t.Run(storeName+"/"+name, func(t *testing.T) {
				fn(t, factory(t))
			})
		}
	}
}

func seedJobs(t *testing.T, s Store, statuses ...media.JobStatus) (*media.Request, []media.Job) {
	t.Helper()
	ctx := context.Background()
	req, err := s.CreateRequest(ctx, nil)
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	in := make([]NewJob, len(statuses))
	for i, st := range statuses {
		in[i] = NewJob{URL: fmt.Sprintf("https://example.com/watch?v=%d", i), Status: st}
	}
	jobs, err := s.CreateJobs(ctx, req.ID, in)
	if err != nil {
		t.Fatalf("CreateJobs: %v", err)
	}
	return req, jobs
}

func finishWithFormats(t *testing.T, s Store, jobID string) []media.Format {
	t.Helper()
	ctx := context.Background()
	if _, err := s.TransitionJob(ctx, jobID, []media.JobStatus{media.JobWaitingToProcess, media.JobQueuedProcessing}, media.JobProcessing); err != nil {
		t.Fatalf("TransitionJob: %v", err)
	}
	res := "1920x1080"
	ok, err := s.FinishJob(ctx, jobID, "title", []media.FormatDescriptor{
		{FormatID: "137", Ext: "mp4", Resolution: &res, ACodec: media.CodecNone, VCodec: "avc1", URL: "https://cdn/v"},
		{FormatID: "140", Ext: "m4a", ACodec: "mp4a", VCodec: media.CodecNone, URL: "https://cdn/a"},
	})
	if err != nil || !ok {
		t.Fatalf("FinishJob = %v, %v", ok, err)
	}
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	return job.Formats
}

func testListJobsFiltersCancelled(t *testing.T, s Store) {
	ctx := context.Background()
	req, jobs := seedJobs(t, s, media.JobWaitingToProcess, media.JobCancelled, media.JobErrorProcessing)

	list, err := s.ListJobs(ctx, req.ID, ListOptions{FilterCancelled: true})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(list))
	}
	for _, job := range list {
		if job.Status == media.JobCancelled {
			t.Fatalf("cancelled job %s was listed", job.ID)
		}
	}
	if list[0].ID != jobs[0].ID || list[1].ID != jobs[2].ID {
		t.Fatalf("jobs not in creation order: %+v", list)
	}

	onlyErrors, err := s.ListJobs(ctx, req.ID, ListOptions{Statuses: []media.JobStatus{media.JobErrorProcessing}})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(onlyErrors) != 1 || onlyErrors[0].ID != jobs[2].ID {
		t.Fatalf("unexpected status filter result: %+v", onlyErrors)
	}
}

func testUpdateJobStatusesReportsMissing(t *testing.T, s Store) {
	ctx := context.Background()
	_, jobs := seedJobs(t, s, media.JobWaitingToProcess)

	err := s.UpdateJobStatuses(ctx, []string{jobs[0].ID, "missing"}, media.JobErrorProcessing)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	missing := MissingIDs(err)
	if len(missing) != 1 || missing[0] != "missing" {
		t.Fatalf("expected [missing], got %v", missing)
	}
	job, err := s.GetJob(ctx, jobs[0].ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != media.JobErrorProcessing {
		t.Fatalf("matched row was not updated: %s", job.Status)
	}
}

func testTransitionJobIsConditional(t *testing.T, s Store) {
	ctx := context.Background()
	_, jobs := seedJobs(t, s, media.JobFinishedProcessing)

	ok, err := s.TransitionJob(ctx, jobs[0].ID, []media.JobStatus{media.JobQueuedProcessing}, media.JobProcessing)
	if err != nil {
		t.Fatalf("TransitionJob: %v", err)
	}
	if ok {
		t.Fatal("finished job must not move back to processing")
	}

	_, err = s.TransitionJob(ctx, "nope", []media.JobStatus{media.JobQueuedProcessing}, media.JobProcessing)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	moved, err := s.TransitionJobs(ctx, []string{jobs[0].ID, "ghost"}, []media.JobStatus{media.JobFinishedProcessing}, media.JobWaitingToProcess)
	if len(moved) != 1 || moved[0] != jobs[0].ID {
		t.Fatalf("unexpected moved ids: %v", moved)
	}
	if got := MissingIDs(err); len(got) != 1 || got[0] != "ghost" {
		t.Fatalf("expected [ghost] missing, got %v", got)
	}
}

func testFinishJobOnlyOnce(t *testing.T, s Store) {
	ctx := context.Background()
	_, jobs := seedJobs(t, s, media.JobQueuedProcessing)
	formats := finishWithFormats(t, s, jobs[0].ID)
	if len(formats) != 2 {
		t.Fatalf("expected 2 formats, got %d", len(formats))
	}

	ok, err := s.FinishJob(ctx, jobs[0].ID, "again", []media.FormatDescriptor{{FormatID: "18"}})
	if err != nil {
		t.Fatalf("FinishJob: %v", err)
	}
	if ok {
		t.Fatal("second FinishJob should be a no-op")
	}
	job, err := s.GetJob(ctx, jobs[0].ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if len(job.Formats) != 2 {
		t.Fatalf("formats duplicated: %d", len(job.Formats))
	}
	if job.Title == nil || *job.Title != "title" {
		t.Fatalf("title overwritten: %v", job.Title)
	}
}

func testInsertMergedFormatCollapsesPairs(t *testing.T, s Store) {
	ctx := context.Background()
	_, jobs := seedJobs(t, s, media.JobQueuedProcessing)
	formats := finishWithFormats(t, s, jobs[0].ID)

	in := media.MergedFormat{
		JobID:         jobs[0].ID,
		VideoFormatID: formats[0].ID,
		AudioFormatID: formats[1].ID,
		Status:        media.MergedWaitingToConvert,
	}
	first, created, err := s.InsertMergedFormat(ctx, in)
	if err != nil || !created {
		t.Fatalf("first insert = %v, %v", created, err)
	}
	second, created, err := s.InsertMergedFormat(ctx, in)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if created {
		t.Fatal("duplicate pair should not create a row")
	}
	if second.ID != first.ID {
		t.Fatalf("expected existing row %s, got %s", first.ID, second.ID)
	}
	job, err := s.GetJob(ctx, jobs[0].ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if len(job.MergedFormats) != 1 {
		t.Fatalf("expected 1 merged format, got %d", len(job.MergedFormats))
	}
	found, err := s.FindMergedFormatByVideo(ctx, formats[0].ID)
	if err != nil || found.ID != first.ID {
		t.Fatalf("FindMergedFormatByVideo = %v, %v", found, err)
	}
}

func testCountInFlightSpansBothKinds(t *testing.T, s Store) {
	ctx := context.Background()
	_, jobs := seedJobs(t, s,
		media.JobQueuedProcessing,
		media.JobWaitingToProcess,
		media.JobCancelled,
		media.JobErrorProcessing,
	)
	formats := finishWithFormats(t, s, jobs[0].ID)
	mf, _, err := s.InsertMergedFormat(ctx, media.MergedFormat{
		JobID:         jobs[0].ID,
		VideoFormatID: formats[0].ID,
		AudioFormatID: formats[1].ID,
		Status:        media.MergedConverting,
	})
	if err != nil {
		t.Fatalf("InsertMergedFormat: %v", err)
	}

	// jobs[0] は finished になったので、数えるのは結合フォーマットのみ。
	n, err := s.CountInFlight(ctx)
	if err != nil {
		t.Fatalf("CountInFlight: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 in flight, got %d", n)
	}

	if _, err := s.TransitionJob(ctx, jobs[1].ID, []media.JobStatus{media.JobWaitingToProcess}, media.JobQueuedProcessing); err != nil {
		t.Fatalf("TransitionJob: %v", err)
	}
	n, _ = s.CountInFlight(ctx)
	if n != 2 {
		t.Fatalf("expected 2 in flight, got %d", n)
	}

	if ok, err := s.CompleteMergedFormat(ctx, mf.ID, "s3://bucket/out.mkv"); err != nil || !ok {
		t.Fatalf("CompleteMergedFormat = %v, %v", ok, err)
	}
	n, _ = s.CountInFlight(ctx)
	if n != 1 {
		t.Fatalf("expected 1 in flight after completion, got %d", n)
	}
}

func testNextWaitingIsFIFO(t *testing.T, s Store) {
	ctx := context.Background()

	unit, err := s.NextWaiting(ctx)
	if err != nil || unit != nil {
		t.Fatalf("empty store NextWaiting = %v, %v", unit, err)
	}

	_, jobs := seedJobs(t, s, media.JobQueuedProcessing, media.JobWaitingToProcess)
	formats := finishWithFormats(t, s, jobs[0].ID)
	mf, _, err := s.InsertMergedFormat(ctx, media.MergedFormat{
		JobID:         jobs[0].ID,
		VideoFormatID: formats[0].ID,
		AudioFormatID: formats[1].ID,
		Status:        media.MergedWaitingToConvert,
	})
	if err != nil {
		t.Fatalf("InsertMergedFormat: %v", err)
	}

	unit, err = s.NextWaiting(ctx)
	if err != nil {
		t.Fatalf("NextWaiting: %v", err)
	}
	if unit == nil || unit.Kind != media.UnitJob || unit.ID != jobs[1].ID {
		t.Fatalf("expected older job first, got %+v", unit)
	}

	if _, err := s.TransitionJob(ctx, jobs[1].ID, []media.JobStatus{media.JobWaitingToProcess}, media.JobQueuedProcessing); err != nil {
		t.Fatalf("TransitionJob: %v", err)
	}
	unit, _ = s.NextWaiting(ctx)
	if unit == nil || unit.Kind != media.UnitMergedFormat || unit.ID != mf.ID {
		t.Fatalf("expected merged format next, got %+v", unit)
	}
}

func testMergedFormatDetail(t *testing.T, s Store) {
	ctx := context.Background()
	_, jobs := seedJobs(t, s, media.JobQueuedProcessing)
	formats := finishWithFormats(t, s, jobs[0].ID)
	mf, _, err := s.InsertMergedFormat(ctx, media.MergedFormat{
		JobID:         jobs[0].ID,
		VideoFormatID: formats[0].ID,
		AudioFormatID: formats[1].ID,
		Status:        media.MergedQueuedConverting,
	})
	if err != nil {
		t.Fatalf("InsertMergedFormat: %v", err)
	}
	detail, err := s.GetMergedFormatDetail(ctx, mf.ID)
	if err != nil {
		t.Fatalf("GetMergedFormatDetail: %v", err)
	}
	if detail.Job.ID != jobs[0].ID || detail.VideoFormat.FormatID != "137" || detail.AudioFormat.FormatID != "140" {
		t.Fatalf("unexpected detail: %+v", detail)
	}
	if _, err := s.GetMergedFormatDetail(ctx, "stale"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	expires := time.Now().Add(time.Hour)
	if err := s.SetFormatDownloadURL(ctx, formats[0].ID, "https://signed", expires); err != nil {
		t.Fatalf("SetFormatDownloadURL: %v", err)
	}
	job, _ := s.GetJob(ctx, jobs[0].ID)
	f, ok := job.FindFormat(formats[0].ID)
	if !ok || f.DownloadURL == nil || *f.DownloadURL != "https://signed" || f.DownloadURLExpiresAt == nil {
		t.Fatalf("download url not stored: %+v", f)
	}
}

func testRequestDownloadURLUpsert(t *testing.T, s Store) {
	ctx := context.Background()
	req, _ := seedJobs(t, s, media.JobFinishedProcessing)

	if _, err := s.GetRequestDownloadURL(ctx, req.ID, "18"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	first, err := s.UpsertRequestDownloadURL(ctx, media.RequestDownloadURL{
		RequestID: req.ID, FormatID: "18", URL: "https://one", ExpiresAt: time.Now().Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("UpsertRequestDownloadURL: %v", err)
	}
	second, err := s.UpsertRequestDownloadURL(ctx, media.RequestDownloadURL{
		RequestID: req.ID, FormatID: "18", URL: "https://two", ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("UpsertRequestDownloadURL: %v", err)
	}
	if second.ID != first.ID || second.URL != "https://two" {
		t.Fatalf("upsert did not replace in place: first=%+v second=%+v", first, second)
	}
}

func TestNextWaitingPrefersJobsOnTies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, jobs := seedJobs(t, s, media.JobFinishedProcessing, media.JobWaitingToProcess)
	mf, _, err := s.InsertMergedFormat(ctx, media.MergedFormat{
		JobID: jobs[0].ID, VideoFormatID: "v", AudioFormatID: "a", Status: media.MergedWaitingToConvert,
	})
	if err != nil {
		t.Fatalf("InsertMergedFormat: %v", err)
	}

	tie := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.mu.Lock()
	j := s.jobs[jobs[1].ID]
	j.CreatedAt = tie
	s.jobs[j.ID] = j
	m := s.merged[mf.ID]
	m.CreatedAt = tie
	s.merged[m.ID] = m
	s.mu.Unlock()

	unit, err := s.NextWaiting(ctx)
	if err != nil {
		t.Fatalf("NextWaiting: %v", err)
	}
	if unit == nil || unit.Kind != media.UnitJob {
		t.Fatalf("expected job to win tie, got %+v", unit)
	}
}
