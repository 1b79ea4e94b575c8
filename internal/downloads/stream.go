package downloads

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yourusername/multi-downloader/internal/linkcache"
	"github.com/yourusername/multi-downloader/internal/media"
	"github.com/yourusername/multi-downloader/internal/store"
)

const (
	muxedExt       = "mkv"
	batchLockTTL   = 10 * time.Minute
	zipContentType = "application/zip"
)

var errNoEntries = errors.New("no downloadable formats")

// Download は単一フォーマットのストリームです。呼び出し側が Body を閉じます。
type Download struct {
	Filename    string
	ContentType string
	Body        io.ReadCloser
}

// OpenFormat はジョブのフォーマットをストリームで返します。formatID はソース側の識別子です。
// 映像のみのフォーマットは変換済みの成果物があればそれを、無ければ音声とその場で結合して返します。
func (s *Service) OpenFormat(ctx context.Context, jobID, formatID string) (*Download, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("ジョブが見つかりません", err)
		}
		return nil, err
	}
	format, ok := job.FindSourceFormat(formatID)
	if !ok {
		return nil, notFound("このジョブに該当するフォーマットがありません", nil)
	}
	return s.openFormat(ctx, job, format)
}

func (s *Service) openFormat(ctx context.Context, job *media.Job, format media.Format) (*Download, error) {
	title := media.DisplayTitle(*job)
	switch {
	case !format.HasAudio() && !format.HasVideo():
		return nil, media.NewError(media.CodeUnprocessable, "音声も映像も含まないフォーマットです", nil)
	case format.IsVideoOnly():
		return s.openVideoOnly(ctx, job, format, title)
	default:
		body, err := s.fetcher.Fetch(ctx, format.URL)
		if err != nil {
			return nil, err
		}
		return &Download{Filename: filename(title, format.Ext), ContentType: "application/octet-stream", Body: body}, nil
	}
}

func (s *Service) openVideoOnly(ctx context.Context, job *media.Job, format media.Format, title string) (*Download, error) {
	mf, err := s.store.FindMergedFormatByVideo(ctx, format.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if mf != nil && mf.Status == media.MergedConverted && mf.DownloadURL != nil {
		key, err := s.storage.KeyOf(*mf.DownloadURL)
		if err != nil {
			return nil, err
		}
		body, err := s.storage.Open(ctx, key)
		if err != nil {
			return nil, err
		}
		ext := strings.TrimPrefix(path.Ext(key), ".")
		return &Download{Filename: filename(title, ext), ContentType: "application/octet-stream", Body: body}, nil
	}

	if s.muxer == nil {
		return nil, media.NewError(media.CodeUnprocessable, "このフォーマットは変換完了後にダウンロードできます", nil)
	}
	audio, err := media.MatchAudioFormatForVideo(format, job.Formats)
	if err != nil {
		if errors.Is(err, media.ErrNoCompatibleAudio) {
			return nil, media.NewError(media.CodeNoCompatibleAudio, "組み合わせ可能な音声フォーマットがありません", err)
		}
		return nil, err
	}

	var videoBody, audioBody io.ReadCloser
	var g errgroup.Group
	g.Go(func() error {
		var ferr error
		videoBody, ferr = s.fetcher.Fetch(ctx, format.URL)
		return ferr
	})
	g.Go(func() error {
		var ferr error
		audioBody, ferr = s.fetcher.Fetch(ctx, audio.URL)
		return ferr
	})
	if err := g.Wait(); err != nil {
		closeQuietly(videoBody, audioBody)
		return nil, err
	}
	muxed, err := s.muxer.Mux(ctx, audioBody, videoBody)
	if err != nil {
		closeQuietly(videoBody, audioBody)
		return nil, err
	}
	return &Download{
		Filename:    filename(title, muxedExt),
		ContentType: "application/octet-stream",
		Body:        &multiCloser{Reader: muxed, closers: []io.Closer{muxed, videoBody, audioBody}},
	}, nil
}

// BatchDownload はリクエスト配下の全ジョブの同じフォーマットを1つの zip にまとめ、署名付きURLを返します。
// URLは (requestId, formatId) ごとに期限まで再利用します。
func (s *Service) BatchDownload(ctx context.Context, requestID, formatID string) (*media.RequestDownloadURL, error) {
	if strings.TrimSpace(requestID) == "" || strings.TrimSpace(formatID) == "" {
		return nil, invalidInput("requestId と formatId を指定してください")
	}
	if _, err := s.store.GetRequest(ctx, requestID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("リクエストが見つかりません", err)
		}
		return nil, err
	}
	log := s.logger.With("requestId", requestID, "formatId", formatID)

	if cached := s.cachedLink(ctx, requestID, formatID); cached != nil {
		return cached, nil
	}

	if s.links != nil {
		unlock, err := s.links.Lock(ctx, requestID, formatID, batchLockTTL)
		if err != nil {
			if errors.Is(err, linkcache.ErrLocked) {
				return nil, media.NewError(media.CodeUnprocessable, "ダウンロードリンクを作成中です。しばらくしてから再度お試しください", err)
			}
			return nil, err
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				log.Warn("failed to release batch lock", "err", err)
			}
		}()
		// ロック待ちの間に別の呼び出しが作成していれば、それを返す。
		if cached := s.cachedLink(ctx, requestID, formatID); cached != nil {
			return cached, nil
		}
	}

	entries, err := s.batchEntries(ctx, requestID, formatID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	key := fmt.Sprintf("requests/%s/%s-%d.zip", requestID, media.SanitizeTitle(formatID), now.UnixNano())
	location, err := s.writeArchive(ctx, key, entries)
	if err != nil {
		return nil, err
	}
	storedKey, err := s.storage.KeyOf(location)
	if err != nil {
		return nil, err
	}
	signed, err := s.storage.Presign(ctx, storedKey, s.urlTTL)
	if err != nil {
		return nil, err
	}
	rec, err := s.store.UpsertRequestDownloadURL(ctx, media.RequestDownloadURL{
		RequestID: requestID,
		FormatID:  formatID,
		URL:       signed,
		ExpiresAt: now.Add(s.urlTTL),
	})
	if err != nil {
		return nil, err
	}
	if s.links != nil {
		if err := s.links.Put(ctx, rec); err != nil {
			log.Warn("failed to cache batch link", "err", err)
		}
	}
	log.Info("batch archive created", "entries", len(entries), "key", key)
	return rec, nil
}

func (s *Service) cachedLink(ctx context.Context, requestID, formatID string) *media.RequestDownloadURL {
	log := s.logger.With("requestId", requestID, "formatId", formatID)
	if s.links != nil {
		rec, err := s.links.Get(ctx, requestID, formatID)
		if err != nil {
			log.Warn("batch link cache unavailable", "err", err)
		} else if rec != nil {
			return rec
		}
	}
	rec, err := s.store.GetRequestDownloadURL(ctx, requestID, formatID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn("failed to read stored batch link", "err", err)
		}
		return nil
	}
	if !rec.Fresh(s.now()) {
		return nil
	}
	if s.links != nil {
		if err := s.links.Put(ctx, rec); err != nil {
			log.Warn("failed to cache batch link", "err", err)
		}
	}
	return rec
}

type batchEntry struct {
	job    media.Job
	format media.Format
}

func (s *Service) batchEntries(ctx context.Context, requestID, formatID string) ([]batchEntry, error) {
	jobs, err := s.store.ListJobs(ctx, requestID, store.ListOptions{
		FilterCancelled: true,
		Statuses:        []media.JobStatus{media.JobFinishedProcessing},
		WithFormats:     true,
	})
	if err != nil {
		return nil, err
	}
	var entries []batchEntry
	for _, job := range jobs {
		if f, ok := job.FindSourceFormat(formatID); ok {
			entries = append(entries, batchEntry{job: job, format: f})
		}
	}
	if len(entries) == 0 {
		return nil, notFound("このリクエストに該当するフォーマットがありません", nil)
	}
	return entries, nil
}

// writeArchive は zip を書き出しながら同時にアップロードします。
// 個別のフォーマットが取得できない場合はその項目を飛ばして続けます。
func (s *Service) writeArchive(ctx context.Context, key string, entries []batchEntry) (string, error) {
	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)

	var added int
	var writeErr error
	g.Go(func() error {
		added, writeErr = s.fillArchive(gctx, pw, entries)
		if writeErr == nil && added == 0 {
			writeErr = errNoEntries
		}
		pw.CloseWithError(writeErr)
		return writeErr
	})

	var location string
	g.Go(func() error {
		loc, err := s.storage.Upload(gctx, key, pr, zipContentType)
		if err != nil {
			pr.CloseWithError(err)
			return err
		}
		location = loc
		return nil
	})

	err := g.Wait()
	if errors.Is(writeErr, errNoEntries) {
		return "", notFound("ダウンロード可能なフォーマットがありません", writeErr)
	}
	if err != nil {
		return "", err
	}
	return location, nil
}

func (s *Service) fillArchive(ctx context.Context, w io.Writer, entries []batchEntry) (int, error) {
	zw := zip.NewWriter(w)
	used := map[string]int{}
	added := 0
	for i := range entries {
		e := entries[i]
		d, err := s.openFormat(ctx, &e.job, e.format)
		if err != nil {
			s.logger.Warn("skip batch entry", "jobId", e.job.ID, "code", media.CodeOf(err), "err", err)
			continue
		}
		name := uniqueName(used, d.Filename)
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: s.now()})
		if err != nil {
			d.Body.Close()
			return added, err
		}
		_, err = io.Copy(fw, d.Body)
		d.Body.Close()
		if err != nil {
			// 書きかけの項目は取り消せないため、アーカイブ全体を失敗にする。
			return added, fmt.Errorf("archive %s: %w", name, err)
		}
		added++
	}
	if err := zw.Close(); err != nil {
		return added, err
	}
	return added, nil
}

func uniqueName(used map[string]int, name string) string {
	used[name]++
	n := used[name]
	if n == 1 {
		return name
	}
	ext := path.Ext(name)
	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), n, ext)
}

func filename(title, ext string) string {
	if ext == "" {
		return title
	}
	return title + "." + ext
}

type multiCloser struct {
	io.Reader
	closers []io.Closer
}

func (m *multiCloser) Close() error {
	var errs []error
	for _, c := range m.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func closeQuietly(rcs ...io.ReadCloser) {
	for _, rc := range rcs {
		if rc != nil {
			rc.Close()
		}
	}
}
