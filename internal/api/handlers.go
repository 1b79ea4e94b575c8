// Package api は HTTP ハンドラーを提供します。入力の検証はここで行い、処理は downloads に委ねます。
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yourusername/multi-downloader/internal/downloads"
	"github.com/yourusername/multi-downloader/internal/media"
	"github.com/yourusername/multi-downloader/internal/session"
	"github.com/yourusername/multi-downloader/internal/store"
)

// EventTokenHeader は変換完了イベントの共有トークンを運ぶヘッダーです。
const EventTokenHeader = "X-Event-Token"

// Downloads は API から呼び出す操作です。*downloads.Service が満たします。
type Downloads interface {
	CreateJobs(ctx context.Context, in downloads.CreateInput) (*downloads.CreateResult, error)
	ListJobs(ctx context.Context, requestID string) ([]media.Job, error)
	Cancel(ctx context.Context, jobID string) error
	Retry(ctx context.Context, in downloads.RetryInput) (*downloads.RetryResult, error)
	RequestConversion(ctx context.Context, jobID, formatID string) (*downloads.ConversionResult, error)
	Readiness(ctx context.Context, jobID, formatID string) (*downloads.Readiness, error)
	OpenFormat(ctx context.Context, jobID, formatID string) (*downloads.Download, error)
	BatchDownload(ctx context.Context, requestID, formatID string) (*media.RequestDownloadURL, error)
}

// ConversionEvents は変換完了イベントを反映します。*converter.Converter が満たします。
type ConversionEvents interface {
	Complete(ctx context.Context, mergedFormatID, status string) (bool, error)
}

// Backfiller は終端遷移後に空いた枠を補充します。
type Backfiller interface {
	OnTerminal(ctx context.Context, kind media.UnitKind, id string)
}

type createJobsRequest struct {
	URLs      []string `json:"urls" binding:"required"`
	RequestID string   `json:"requestId"`
}

// CreateJobsHandler は POST /api/jobs のハンドラーです。
func CreateJobsHandler(svc Downloads) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createJobsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    media.CodeInvalidInput,
				"message": "urls を JSON の配列で送ってください。",
			})
			return
		}
		if req.RequestID != "" && !isUUID(req.RequestID) {
			invalid(c, "requestId の形式が正しくありません。")
			return
		}
		res, err := svc.CreateJobs(c.Request.Context(), downloads.CreateInput{
			URLs:      req.URLs,
			RequestID: req.RequestID,
			OwnerID:   session.OwnerID(c),
		})
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"requestId": res.RequestID})
	}
}

// ListJobsHandler は GET /api/jobs/:id のハンドラーです。id はリクエストIDです。
func ListJobsHandler(svc Downloads) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.Param("id")
		if !isUUID(requestID) {
			invalid(c, "requestId の形式が正しくありません。")
			return
		}
		jobs, err := svc.ListJobs(c.Request.Context(), requestID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, jobs)
	}
}

// CancelJobHandler は PUT /api/jobs/:id/cancel のハンドラーです。
func CancelJobHandler(svc Downloads) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		if !isUUID(jobID) {
			invalid(c, "jobId の形式が正しくありません。")
			return
		}
		if err := svc.Cancel(c.Request.Context(), jobID); err != nil {
			respondWithError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type retryJobsRequest struct {
	IDs       []string `json:"ids"`
	RequestID string   `json:"requestId"`
}

// RetryJobsHandler は POST /api/jobs/retry のハンドラーです。ids と requestId はどちらか一方だけ受け付けます。
func RetryJobsHandler(svc Downloads) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req retryJobsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			invalid(c, "ids または requestId を JSON で送ってください。")
			return
		}
		if (len(req.IDs) == 0) == (req.RequestID == "") {
			invalid(c, "ids と requestId のどちらか一方を指定してください。")
			return
		}
		for _, id := range req.IDs {
			if !isUUID(id) {
				invalid(c, "ids に不正なIDが含まれています。")
				return
			}
		}
		if req.RequestID != "" && !isUUID(req.RequestID) {
			invalid(c, "requestId の形式が正しくありません。")
			return
		}
		res, err := svc.Retry(c.Request.Context(), downloads.RetryInput{IDs: req.IDs, RequestID: req.RequestID})
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// RequestConversionHandler は POST /api/jobs/:id/:formatId のハンドラーです。
func RequestConversionHandler(svc Downloads) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID, formatID, ok := jobFormatParams(c)
		if !ok {
			return
		}
		res, err := svc.RequestConversion(c.Request.Context(), jobID, formatID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// ReadinessHandler は GET /api/jobs/:id/:formatId のハンドラーです。
func ReadinessHandler(svc Downloads) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID, formatID, ok := jobFormatParams(c)
		if !ok {
			return
		}
		res, err := svc.Readiness(c.Request.Context(), jobID, formatID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// SingleDownloadHandler は GET /api/download/single のハンドラーです。formatId はソース側の識別子です。
func SingleDownloadHandler(svc Downloads) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Query("jobId")
		formatID := strings.TrimSpace(c.Query("formatId"))
		if !isUUID(jobID) || formatID == "" {
			invalid(c, "jobId と formatId を指定してください。")
			return
		}
		d, err := svc.OpenFormat(c.Request.Context(), jobID, formatID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		defer d.Body.Close()

		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", d.Filename, url.PathEscape(d.Filename)))
		c.Header("Cache-Control", "no-store")
		c.Header("Content-Type", d.ContentType)
		c.Status(http.StatusOK)
		// ヘッダー送信後のエラーはレスポンスに反映できないため記録だけ行う。
		if _, err := io.Copy(c.Writer, d.Body); err != nil {
			_ = c.Error(err)
		}
	}
}

// BatchDownloadHandler は GET /api/download/batch のハンドラーです。
func BatchDownloadHandler(svc Downloads) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.Query("requestId")
		formatID := strings.TrimSpace(c.Query("formatId"))
		if !isUUID(requestID) || formatID == "" {
			invalid(c, "requestId と formatId を指定してください。")
			return
		}
		rec, err := svc.BatchDownload(c.Request.Context(), requestID, formatID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"downloadUrl": rec.URL,
			"expiresAt":   rec.ExpiresAt,
		})
	}
}

type conversionEvent struct {
	MergedFormatID string `json:"mergedFormatId"`
	Status         string `json:"status"`
	Detail         *struct {
		Status         string            `json:"status"`
		MergedFormatID string            `json:"mergedFormatId"`
		UserMetadata   map[string]string `json:"userMetadata"`
	} `json:"detail"`
}

// target はイベントの対象IDと状態を返します。ユーザーメタデータのIDを優先します。
func (e conversionEvent) target() (id, status string) {
	id, status = e.MergedFormatID, e.Status
	if e.Detail != nil {
		if status == "" {
			status = e.Detail.Status
		}
		if v := e.Detail.UserMetadata["mergedFormatId"]; v != "" {
			id = v
		} else if id == "" {
			id = e.Detail.MergedFormatID
		}
	}
	return id, status
}

// ConversionEventHandler は POST /api/events/conversion のハンドラーです。
// token が空でなければ X-Event-Token ヘッダーと一致する場合だけ受け付けます。
func ConversionEventHandler(events ConversionEvents, backfill Backfiller, token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(c.GetHeader(EventTokenHeader))) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "イベントトークンが一致しません。",
			})
			return
		}
		var ev conversionEvent
		if err := c.ShouldBindJSON(&ev); err != nil {
			invalid(c, "イベントの形式が正しくありません。")
			return
		}
		id, status := ev.target()
		if id == "" {
			// 対象が特定できないイベントは再送されても結果が変わらないため受理して捨てる。
			c.JSON(http.StatusAccepted, gin.H{"applied": false})
			return
		}
		terminal, err := events.Complete(c.Request.Context(), id, status)
		if err != nil {
			respondWithError(c, err)
			return
		}
		if terminal {
			backfill.OnTerminal(context.WithoutCancel(c.Request.Context()), media.UnitMergedFormat, id)
		}
		c.JSON(http.StatusOK, gin.H{"applied": terminal})
	}
}

func jobFormatParams(c *gin.Context) (jobID, formatID string, ok bool) {
	jobID, formatID = c.Param("id"), c.Param("formatId")
	if !isUUID(jobID) || !isUUID(formatID) {
		invalid(c, "jobId と formatId の形式が正しくありません。")
		return "", "", false
	}
	return jobID, formatID, true
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

func invalid(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"code":    media.CodeInvalidInput,
		"message": message,
	})
}

func statusForCode(code string) int {
	switch code {
	case media.CodeNotFound:
		return http.StatusNotFound
	case media.CodeInvalidInput:
		return http.StatusBadRequest
	case media.CodeUnprocessable, media.CodeNoCompatibleAudio:
		return http.StatusUnprocessableEntity
	case media.CodeUpstreamFetchFailed, media.CodeConversionFailed:
		return http.StatusBadGateway
	case media.CodeDispatchFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondWithError(c *gin.Context, err error) {
	_ = c.Error(err)
	var apiErr *media.Error
	switch {
	case errors.As(err, &apiErr):
		status := statusForCode(apiErr.Code)
		message := apiErr.Message
		if status == http.StatusInternalServerError {
			message = "サーバー内部でエラーが発生しました。"
		}
		c.JSON(status, gin.H{
			"code":    apiErr.Code,
			"message": message,
		})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    media.CodeNotFound,
			"message": "対象が見つかりません。",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    media.CodeInternal,
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
