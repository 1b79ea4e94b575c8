package media

import (
	"regexp"
	"strings"
)

var (
	titleUnsafe     = regexp.MustCompile(`[^a-zA-Z0-9\s-]`)
	titleWhitespace = regexp.MustCompile(`\s+`)
)

// SanitizeTitle はタイトルをファイル名やオブジェクトキーに使える形へ変換します。
func SanitizeTitle(title string) string {
	s := titleUnsafe.ReplaceAllString(title, "")
	s = titleWhitespace.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	return strings.ToLower(s)
}

// DisplayTitle はジョブのファイル名用タイトルを返します。未解決ならID先頭5文字を使います。
func DisplayTitle(job Job) string {
	if job.Title != nil {
		if t := SanitizeTitle(*job.Title); t != "" {
			return t
		}
	}
	if len(job.ID) > 5 {
		return job.ID[:5]
	}
	return job.ID
}

var mimeToExt = map[string]string{
	"video/mp4":  "mp4",
	"video/webm": "webm",
	"video/ogg":  "ogv",
	"audio/mpeg": "mp3",
	"audio/ogg":  "ogg",
	"audio/wav":  "wav",
	"audio/mp4":  "m4a",
	"audio/webm": "webm",
}

// ExtForMIME はMIMEタイプに対応する拡張子を返します。
func ExtForMIME(mimeType string) (string, bool) {
	ext, ok := mimeToExt[strings.ToLower(mimeType)]
	return ext, ok
}
