package media

import "sort"

// MatchAudioFormatForVideo は映像のみのフォーマットに組み合わせる音声フォーマットを選びます。
//
// 候補は同じジョブの音声のみフォーマットで、以下の順に並べた先頭を返します。
//  1. formatNote に "original" を含むもの
//  2. 映像が mp4 なら拡張子 m4a、webm なら webm
//  3. filesize の昇順（不明は0扱い）
//
// 入力が同じなら常に同じ結果になります。候補が無い場合は ErrNoCompatibleAudio を返します。
func MatchAudioFormatForVideo(video Format, available []Format) (Format, error) {
	candidates := make([]Format, 0, len(available))
	for _, f := range available {
		if f.IsAudioOnly() {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return Format{}, ErrNoCompatibleAudio
	}

	preferredExt := ""
	switch video.Ext {
	case "mp4":
		preferredExt = "m4a"
	case "webm":
		preferredExt = "webm"
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if ao, bo := a.noteContains("original"), b.noteContains("original"); ao != bo {
			return ao
		}
		if preferredExt != "" {
			if ap, bp := a.Ext == preferredExt, b.Ext == preferredExt; ap != bp {
				return ap
			}
		}
		if a.size() != b.size() {
			return a.size() < b.size()
		}
		// 完全に同順位の場合も入力順に依存しないようIDで固定する
		return a.ID < b.ID
	})
	return candidates[0], nil
}
