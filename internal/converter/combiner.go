package converter

import (
	"context"
	"fmt"
	"io"

	"github.com/yourusername/multi-downloader/internal/media"
)

// Conversion は1件の結合処理の入力です。
type Conversion struct {
	MergedFormatID string
	JobID          string
	Title          string
	VideoExt       string
	AudioExt       string

	Video io.Reader
	Audio io.Reader
}

func newConversion(d *media.MergedFormatDetail) Conversion {
	return Conversion{
		MergedFormatID: d.ID,
		JobID:          d.Job.ID,
		Title:          media.DisplayTitle(d.Job),
		VideoExt:       d.VideoFormat.Ext,
		AudioExt:       d.AudioFormat.Ext,
	}
}

// outputKey は結合結果の保存キーです。同じ結合フォーマットには常に同じキーを返します。
func (c Conversion) outputKey(ext string) string {
	return fmt.Sprintf("%s/output/%s-%s.%s", c.JobID, c.Title, c.MergedFormatID, ext)
}

func (c Conversion) inputKey(ext string) string {
	return fmt.Sprintf("%s/input/%s-%s.%s", c.JobID, c.Title, c.MergedFormatID, ext)
}

// Outcome は結合処理の結果です。Pending なら完了はイベントで通知されます。
type Outcome struct {
	Location string
	Pending  bool
}

// Combiner は映像と音声のストリームを1つの成果物にまとめます。
type Combiner interface {
	Combine(ctx context.Context, c Conversion) (*Outcome, error)
}

// AsyncCombiner は完了を非同期イベントで通知する Combiner です。
type AsyncCombiner interface {
	Combiner
	OutputLocation(c Conversion) string
}

func conversionError(err error) error {
	return media.NewError(media.CodeConversionFailed, "動画の変換に失敗しました", err)
}
