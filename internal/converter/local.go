package converter

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/multi-downloader/internal/storage"
)

const (
	defaultOutputExt  = "mkv"
	defaultOutputMIME = "video/x-matroska"
	sniffSize         = 3072
)

// LocalProcessCombiner は ffmpeg に2本のパイプで入力を渡し、標準出力の Matroska をアップロードします。
type LocalProcessCombiner struct {
	ffmpegPath string
	storage    storage.Storage
}

// NewLocalProcessCombiner は LocalProcessCombiner を作成します。
func NewLocalProcessCombiner(ffmpegPath string, st storage.Storage) *LocalProcessCombiner {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &LocalProcessCombiner{ffmpegPath: ffmpegPath, storage: st}
}

func (l *LocalProcessCombiner) Combine(ctx context.Context, c Conversion) (*Outcome, error) {
	out, err := l.Mux(ctx, c.Audio, c.Video)
	if err != nil {
		return nil, err
	}
	defer out.Close()

	br := bufio.NewReaderSize(out, sniffSize)
	head, err := br.Peek(sniffSize)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, conversionError(err)
	}
	if len(head) == 0 {
		return nil, conversionError(errors.New("ffmpeg produced no output"))
	}
	contentType, ext := sniff(head)

	location, err := l.storage.Upload(ctx, c.outputKey(ext), br, contentType)
	if err != nil {
		// ffmpeg のエラーは読み出し側で返るため、どちらが原因でも変換失敗として扱う。
		return nil, conversionError(err)
	}
	if err := out.Close(); err != nil {
		return nil, conversionError(err)
	}
	return &Outcome{Location: location}, nil
}

func sniff(head []byte) (contentType, ext string) {
	mt := mimetype.Detect(head)
	ext = strings.TrimPrefix(mt.Extension(), ".")
	if ext == "" || mt.Is("application/octet-stream") {
		return defaultOutputMIME, defaultOutputExt
	}
	return mt.String(), ext
}

// Mux は音声と映像をコピーのまま1本の Matroska ストリームにまとめます。
// 返したストリームを最後まで読むか Close するとプロセスの終了を待ちます。
func (l *LocalProcessCombiner) Mux(ctx context.Context, audio, video io.Reader) (io.ReadCloser, error) {
	audioR, audioW, err := os.Pipe()
	if err != nil {
		return nil, conversionError(err)
	}
	videoR, videoW, err := os.Pipe()
	if err != nil {
		audioR.Close()
		audioW.Close()
		return nil, conversionError(err)
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, l.ffmpegPath,
		"-loglevel", "8",
		"-hide_banner",
		"-i", "pipe:3",
		"-i", "pipe:4",
		"-map", "0:a",
		"-map", "1:v",
		"-c", "copy",
		"-f", "matroska",
		"pipe:1",
	)
	cmd.ExtraFiles = []*os.File{audioR, videoR}
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		closeAll(audioR, audioW, videoR, videoW)
		return nil, conversionError(err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		closeAll(audioR, audioW, videoR, videoW)
		return nil, conversionError(err)
	}
	// 子プロセスに渡した読み出し側は親では不要。
	audioR.Close()
	videoR.Close()

	var copies errgroup.Group
	copies.Go(func() error { return feed(audioW, audio) })
	copies.Go(func() error { return feed(videoW, video) })

	return &muxStream{stdout: stdout, cmd: cmd, copies: &copies, stderr: stderr, cancel: cancel}, nil
}

func feed(w *os.File, r io.Reader) error {
	_, err := io.Copy(w, r)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	return err
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}

type muxStream struct {
	stdout io.ReadCloser
	cmd    *exec.Cmd
	copies *errgroup.Group
	stderr *bytes.Buffer
	cancel context.CancelFunc

	once sync.Once
	err  error
}

func (m *muxStream) Read(p []byte) (int, error) {
	n, err := m.stdout.Read(p)
	if errors.Is(err, io.EOF) {
		if werr := m.wait(false); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func (m *muxStream) Close() error {
	return m.wait(true)
}

func (m *muxStream) wait(abort bool) error {
	m.once.Do(func() {
		if abort {
			m.cancel()
		}
		werr := m.cmd.Wait()
		cerr := m.copies.Wait()
		m.cancel()
		switch {
		case abort:
			// 途中で閉じた場合はプロセスを止めただけなので失敗扱いにしない。
		case werr != nil:
			m.err = fmt.Errorf("ffmpeg: %w: %s", werr, strings.TrimSpace(m.stderr.String()))
		case cerr != nil:
			m.err = fmt.Errorf("feed ffmpeg: %w", cerr)
		}
	})
	return m.err
}
