package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/yourusername/multi-downloader/internal/media"
)

// CommandRunner は外部コマンドを実行して標準出力を返します。
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// YtDlpResolver は yt-dlp の JSON 出力からフォーマットを解決します。
type YtDlpResolver struct {
	path       string
	cookieFile string
	run        CommandRunner
}

// NewYtDlpResolver は YtDlpResolver を作成します。
func NewYtDlpResolver(path, cookieFile string) *YtDlpResolver {
	if path == "" {
		path = "yt-dlp"
	}
	return &YtDlpResolver{path: path, cookieFile: cookieFile, run: execCommand}
}

func execCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return out, nil
}

type ytdlpInfo struct {
	Title   string        `json:"title"`
	Formats []ytdlpFormat `json:"formats"`
}

type ytdlpFormat struct {
	FormatID       string   `json:"format_id"`
	URL            string   `json:"url"`
	Ext            string   `json:"ext"`
	Filesize       *float64 `json:"filesize"`
	FilesizeApprox *float64 `json:"filesize_approx"`
	ACodec         *string  `json:"acodec"`
	VCodec         *string  `json:"vcodec"`
	Language       *string  `json:"language"`
	FormatNote     *string  `json:"format_note"`
	TBR            *float64 `json:"tbr"`
	Width          *int     `json:"width"`
	Height         *int     `json:"height"`
}

func (r *YtDlpResolver) Resolve(ctx context.Context, url string) (*Result, error) {
	args := []string{"-J", "--no-warnings", "--no-playlist"}
	if r.cookieFile != "" {
		args = append(args, "--cookies", r.cookieFile)
	}
	args = append(args, url)

	out, err := r.run(ctx, r.path, args...)
	if err != nil {
		return nil, upstreamError(fmt.Errorf("yt-dlp: %w", err))
	}
	var info ytdlpInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, upstreamError(fmt.Errorf("decode yt-dlp output: %w", err))
	}
	if len(info.Formats) == 0 {
		return nil, upstreamError(errors.New("no formats reported"))
	}

	res := &Result{Title: info.Title, Formats: make([]media.FormatDescriptor, 0, len(info.Formats))}
	for _, f := range info.Formats {
		if f.URL == "" || f.FormatID == "" {
			continue
		}
		res.Formats = append(res.Formats, f.descriptor())
	}
	return res, nil
}

func (f ytdlpFormat) descriptor() media.FormatDescriptor {
	d := media.FormatDescriptor{
		FormatID:   f.FormatID,
		Ext:        f.Ext,
		ACodec:     codecOrNone(f.ACodec),
		VCodec:     codecOrNone(f.VCodec),
		URL:        f.URL,
		Language:   f.Language,
		FormatNote: f.FormatNote,
	}
	if f.Width != nil && f.Height != nil && *f.Width > 0 && *f.Height > 0 {
		res := fmt.Sprintf("%dx%d", *f.Width, *f.Height)
		d.Resolution = &res
	}
	size := f.Filesize
	if size == nil {
		size = f.FilesizeApprox
	}
	if size != nil && *size > 0 {
		n := int64(*size)
		d.Filesize = &n
	}
	if f.TBR != nil && *f.TBR > 0 {
		tbr := strconv.FormatFloat(*f.TBR, 'f', -1, 64)
		d.TBR = &tbr
	}
	return d
}

func codecOrNone(c *string) string {
	if c == nil || *c == "" {
		return media.CodecNone
	}
	return *c
}
