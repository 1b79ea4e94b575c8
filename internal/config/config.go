// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// セッション設定
	SessionSecret string // 所有者セッションの署名鍵

	// データベース設定
	DatabaseDriver string // sqlite, postgres, memory
	DatabaseURL    string

	// ジョブ/キュー設定
	QueueRedisURL    string // Asynq とリンクキャッシュ用のRedis接続URL
	QueueConcurrency int
	QueueMaxRetry    int
	MaxConcurrent    int // 同時に処理中にできる作業単位の上限
	DispatchAttempts int // キュー投入の試行回数

	// 動画情報の取得
	Resolver        string // ytdlp, youtube
	YtDlpPath       string
	YtDlpCookieFile string

	// 変換設定
	Combiner             string // local, managed
	FFmpegPath           string
	MediaConvertEndpoint string
	MediaConvertRoleARN  string
	ConversionEventToken string // 変換完了イベントの共有トークン

	// ストレージ設定
	StorageType           string // local, s3, azure-blob
	StorageLocalDir       string
	StoragePublicBaseURL  string
	S3Bucket              string
	AWSRegion             string
	AzureStorageAccount   string
	AzureStorageKey       string
	AzureStorageContainer string
	DownloadURLTTL        time.Duration
}

// source は設定値の参照元です。環境変数を優先し、次に設定ファイルを参照します。
type source struct {
	file map[string]string
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込み、APP_CONFIG_FILE が指定されていれば
// その YAML を既定値として使います。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	src := source{}
	if path := os.Getenv("APP_CONFIG_FILE"); path != "" {
		file, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		src.file = file
	}

	config := &Config{
		Port:    src.get("PORT", "8080"),
		GinMode: src.get("GIN_MODE", "debug"),

		CORSAllowedOrigins: src.get("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		SessionSecret: src.get("SESSION_SECRET", ""),

		DatabaseDriver: src.get("DATABASE_DRIVER", "sqlite"),
		DatabaseURL:    src.get("DATABASE_URL", ""),

		QueueRedisURL:    src.get("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		QueueConcurrency: src.getInt("QUEUE_CONCURRENCY", 4),
		QueueMaxRetry:    src.getInt("QUEUE_MAX_RETRY", 3),
		MaxConcurrent:    src.getInt("MAX_CONCURRENT", 5),
		DispatchAttempts: src.getInt("DISPATCH_ATTEMPTS", 2),

		Resolver:        src.get("RESOLVER", "ytdlp"),
		YtDlpPath:       src.get("YTDLP_PATH", "yt-dlp"),
		YtDlpCookieFile: src.get("YTDLP_COOKIE_FILE", ""),

		Combiner:             src.get("COMBINER", "local"),
		FFmpegPath:           src.get("FFMPEG_PATH", "ffmpeg"),
		MediaConvertEndpoint: src.get("MEDIACONVERT_ENDPOINT", ""),
		MediaConvertRoleARN:  src.get("MEDIACONVERT_ROLE_ARN", ""),
		ConversionEventToken: src.get("CONVERSION_EVENT_TOKEN", ""),

		StorageType:           src.get("STORAGE_TYPE", "local"),
		StorageLocalDir:       src.get("STORAGE_LOCAL_DIR", "./data/files"),
		StoragePublicBaseURL:  src.get("STORAGE_PUBLIC_BASE_URL", "http://localhost:8080/files"),
		S3Bucket:              src.get("S3_BUCKET", ""),
		AWSRegion:             src.get("AWS_REGION", "us-east-1"),
		AzureStorageAccount:   src.get("AZURE_STORAGE_ACCOUNT", ""),
		AzureStorageKey:       src.get("AZURE_STORAGE_KEY", ""),
		AzureStorageContainer: src.get("AZURE_STORAGE_CONTAINER", ""),
		DownloadURLTTL:        time.Duration(src.getInt("DOWNLOAD_URL_TTL_SECONDS", 3600)) * time.Second,
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// readConfigFile は環境変数名をキーとする YAML を読み込みます。キーの大文字小文字は区別しません。
func readConfigFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		out[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return out, nil
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("MAX_CONCURRENT must be at least 1: %d", c.MaxConcurrent)
	}
	if c.DownloadURLTTL <= 0 {
		return fmt.Errorf("DOWNLOAD_URL_TTL_SECONDS must be positive")
	}

	switch c.DatabaseDriver {
	case "sqlite", "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER: %s", c.DatabaseDriver)
	}

	switch c.StorageType {
	case "local":
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for s3 storage")
		}
	case "azure-blob":
		if c.AzureStorageAccount == "" || c.AzureStorageKey == "" || c.AzureStorageContainer == "" {
			return fmt.Errorf("AZURE_STORAGE_ACCOUNT, AZURE_STORAGE_KEY and AZURE_STORAGE_CONTAINER are required for azure-blob storage")
		}
	default:
		return fmt.Errorf("unsupported STORAGE_TYPE: %s", c.StorageType)
	}

	switch c.Combiner {
	case "local":
	case "managed":
		// マネージド変換は入出力を S3 に置く
		if c.StorageType != "s3" {
			return fmt.Errorf("COMBINER=managed requires STORAGE_TYPE=s3")
		}
		if c.MediaConvertRoleARN == "" {
			return fmt.Errorf("MEDIACONVERT_ROLE_ARN is required for managed conversion")
		}
	default:
		return fmt.Errorf("unsupported COMBINER: %s", c.Combiner)
	}

	switch c.Resolver {
	case "ytdlp", "youtube":
	default:
		return fmt.Errorf("unsupported RESOLVER: %s", c.Resolver)
	}

	// 本番環境では秘密情報を必須にする
	if c.GinMode == "release" {
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
		if c.Combiner == "managed" && c.ConversionEventToken == "" {
			return fmt.Errorf("CONVERSION_EVENT_TOKEN is required in release mode")
		}
	}

	return nil
}

// get は環境変数、設定ファイルの順に値を探し、どちらにも無ければデフォルト値を返します。
func (s source) get(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if value := s.file[key]; value != "" {
		return value
	}
	return defaultValue
}

// getInt は値を整数として取得します。解釈できない場合はデフォルト値を返します。
func (s source) getInt(key string, defaultValue int) int {
	valueStr := s.get(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
