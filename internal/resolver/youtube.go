package resolver

import (
	"context"
	"fmt"
	"mime"
	"strconv"
	"strings"

	"github.com/kkdai/youtube/v2"

	"github.com/yourusername/multi-downloader/internal/media"
)

// YouTubeResolver は外部プロセスを使わずに YouTube の動画情報を解決します。
type YouTubeResolver struct {
	client *youtube.Client
}

// NewYouTubeResolver は YouTubeResolver を作成します。
func NewYouTubeResolver() *YouTubeResolver {
	return &YouTubeResolver{client: &youtube.Client{}}
}

func (r *YouTubeResolver) Resolve(ctx context.Context, url string) (*Result, error) {
	video, err := r.client.GetVideoContext(ctx, url)
	if err != nil {
		return nil, upstreamError(err)
	}

	res := &Result{Title: video.Title, Formats: make([]media.FormatDescriptor, 0, len(video.Formats))}
	for i := range video.Formats {
		f := &video.Formats[i]
		streamURL := f.URL
		if streamURL == "" {
			streamURL, err = r.client.GetStreamURLContext(ctx, video, f)
			if err != nil {
				continue
			}
		}
		d, ok := youtubeDescriptor(f, streamURL)
		if !ok {
			continue
		}
		res.Formats = append(res.Formats, d)
	}
	if len(res.Formats) == 0 {
		return nil, upstreamError(fmt.Errorf("no playable formats for %s", video.ID))
	}
	return res, nil
}

// youtubeDescriptor は MIME タイプの codecs パラメータから音声・映像トラックの有無を判定します。
func youtubeDescriptor(f *youtube.Format, streamURL string) (media.FormatDescriptor, bool) {
	mediaType, params, err := mime.ParseMediaType(f.MimeType)
	if err != nil {
		return media.FormatDescriptor{}, false
	}
	ext, ok := media.ExtForMIME(mediaType)
	if !ok {
		return media.FormatDescriptor{}, false
	}

	acodec, vcodec := media.CodecNone, media.CodecNone
	for _, c := range strings.Split(params["codecs"], ",") {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if strings.HasPrefix(mediaType, "audio/") || isAudioCodec(c) {
			acodec = c
		} else {
			vcodec = c
		}
	}

	d := media.FormatDescriptor{
		FormatID: strconv.Itoa(f.ItagNo),
		Ext:      ext,
		ACodec:   acodec,
		VCodec:   vcodec,
		URL:      streamURL,
	}
	if f.Width > 0 && f.Height > 0 {
		res := fmt.Sprintf("%dx%d", f.Width, f.Height)
		d.Resolution = &res
	}
	if f.ContentLength > 0 {
		size := f.ContentLength
		d.Filesize = &size
	}
	if f.Bitrate > 0 {
		tbr := strconv.FormatFloat(float64(f.Bitrate)/1000, 'f', 2, 64)
		d.TBR = &tbr
	}

	note := f.QualityLabel
	if note == "" {
		note = strings.ToLower(strings.TrimPrefix(f.AudioQuality, "AUDIO_QUALITY_"))
	}
	if f.AudioTrack != nil {
		if lang, _, _ := strings.Cut(f.AudioTrack.ID, "."); lang != "" {
			d.Language = &lang
		}
		if f.AudioTrack.AudioIsDefault {
			note = strings.TrimSpace(f.AudioTrack.DisplayName + " original " + note)
		}
	}
	if note != "" {
		d.FormatNote = &note
	}
	return d, true
}

func isAudioCodec(c string) bool {
	for _, prefix := range []string{"mp4a", "opus", "vorbis", "ac-3", "ec-3", "flac"} {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}
