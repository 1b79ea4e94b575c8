// Package main はAPIサーバーとキューワーカーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/multi-downloader/internal/api"
	"github.com/yourusername/multi-downloader/internal/config"
	"github.com/yourusername/multi-downloader/internal/session"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := setupApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to set up application: %v", err)
	}
	defer app.Close()

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// 所有者セッション（署名鍵が無い開発環境では固定鍵を使う）
	secret := cfg.SessionSecret
	if secret == "" {
		logger.Warn("SESSION_SECRET is empty; using development secret")
		secret = "multi-downloader-dev-secret"
	}
	router.Use(session.Middleware(session.Options{
		Secret: secret,
		Secure: cfg.GinMode == gin.ReleaseMode,
	}))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowOrigins = origins
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		api.EventTokenHeader,
	}
	corsConfig.ExposeHeaders = []string{"Content-Disposition"}
	router.Use(cors.New(corsConfig))
	router.Use(session.EnsureOwner())

	// ローカルストレージの成果物は署名付きURLの代わりにここから配信する
	if cfg.StorageType == "local" {
		router.Static("/files", cfg.StorageLocalDir)
	}

	api.Register(router, api.Deps{
		Downloads:  app.downloads,
		Events:     app.converter,
		Backfiller: app.admission,
		Queue:      app.queue,
		Capacity:   app.admission,
		EventToken: cfg.ConversionEventToken,
	})

	app.queue.StartWorkers()

	// サーバーの起動
	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}
	go func() {
		logger.Info("starting API server", "addr", server.Addr, "mode", cfg.GinMode,
			"combiner", cfg.Combiner, "storage", cfg.StorageType, "maxConcurrent", cfg.MaxConcurrent)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down HTTP server", "err", err)
	}
}
