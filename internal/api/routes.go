package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/multi-downloader/internal/queue"
)

// QueueStats はキューの滞留状況を返します。*queue.Manager が満たします。
type QueueStats interface {
	Stats() (queue.Stats, error)
}

// Capacity は同時実行枠の状況を返します。*admission.Controller が満たします。
type Capacity interface {
	CountInFlight(ctx context.Context) (int, error)
	MaxConcurrent() int
}

// Deps はルーティングに必要な依存関係です。
type Deps struct {
	Downloads  Downloads
	Events     ConversionEvents
	Backfiller Backfiller
	Queue      QueueStats
	Capacity   Capacity
	EventToken string
}

// Register は API のルートを登録します。
func Register(router gin.IRouter, deps Deps) {
	router.GET("/health", HealthHandler(deps.Queue, deps.Capacity))

	api := router.Group("/api")
	{
		jobs := api.Group("/jobs")
		{
			jobs.POST("", CreateJobsHandler(deps.Downloads))
			jobs.POST("/retry", RetryJobsHandler(deps.Downloads))
			jobs.GET("/:id", ListJobsHandler(deps.Downloads))
			jobs.PUT("/:id/cancel", CancelJobHandler(deps.Downloads))
			jobs.POST("/:id/:formatId", RequestConversionHandler(deps.Downloads))
			jobs.GET("/:id/:formatId", ReadinessHandler(deps.Downloads))
		}

		download := api.Group("/download")
		{
			download.GET("/single", SingleDownloadHandler(deps.Downloads))
			download.GET("/batch", BatchDownloadHandler(deps.Downloads))
		}

		if deps.Events != nil {
			api.POST("/events/conversion", ConversionEventHandler(deps.Events, deps.Backfiller, deps.EventToken))
		}
	}
}

// HealthHandler はヘルスチェックのハンドラーです。キューや枠の情報が取れない場合も 200 を返します。
func HealthHandler(q QueueStats, capacity Capacity) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{
			"status":  "ok",
			"service": "multi-downloader-api",
		}
		if q != nil {
			if stats, err := q.Stats(); err != nil {
				body["queue"] = gin.H{"error": err.Error()}
			} else {
				body["queue"] = stats
			}
		}
		if capacity != nil {
			if n, err := capacity.CountInFlight(c.Request.Context()); err != nil {
				body["capacity"] = gin.H{"error": err.Error()}
			} else {
				body["capacity"] = gin.H{"inFlight": n, "max": capacity.MaxConcurrent()}
			}
		}
		c.JSON(http.StatusOK, body)
	}
}
