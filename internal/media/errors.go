package media

import (
	"errors"
	"fmt"
)

// エラーコード。HTTP層でステータスコードに対応付けられます。
const (
	CodeNotFound            = "NOT_FOUND"
	CodeInvalidInput        = "INVALID_INPUT"
	CodeUnprocessable       = "UNPROCESSABLE"
	CodeNoCompatibleAudio   = "NO_COMPATIBLE_AUDIO"
	CodeUpstreamFetchFailed = "UPSTREAM_FETCH_FAILED"
	CodeConversionFailed    = "CONVERSION_FAILED"
	CodeDispatchFailed      = "DISPATCH_FAILED"
	CodeInternal            = "INTERNAL_ERROR"
)

// ErrNoCompatibleAudio は映像に組み合わせられる音声フォーマットが無いことを表します。
var ErrNoCompatibleAudio = errors.New("no compatible audio")

// Error はクライアントへ返却可能なエラーです。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError は Error を作成します。
func NewError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf は err に含まれる Error のコードを返します。該当しない場合は INTERNAL_ERROR です。
func CodeOf(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return CodeInternal
}
