// Package queue は asynq を使った少なくとも1回配信のタスクキューを提供します。
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/yourusername/multi-downloader/internal/media"
)

const (
	// QueueName は全タスクを投入するキュー名です。
	QueueName = "media"

	TaskProcessJob    = "job:process"
	TaskConvertFormat = "merged-format:convert"
)

// Payload は配信されるメッセージ本体です。ジョブIDか結合フォーマットIDのどちらか1つを運びます。
type Payload struct {
	ID string `json:"id"`
}

// Result は一括投入の結果をIDごとに表します。
type Result struct {
	Succeeded []string
	Failed    []string
}

// Handler は配信された1件を処理します。エラーを返すと asynq が再配信します。
type Handler func(ctx context.Context, id string) error

// Options は Manager の設定です。
type Options struct {
	RedisURL    string
	Concurrency int
	MaxRetry    int
	Logger      *slog.Logger
}

// Manager はタスクの投入とワーカーの実行を担います。
type Manager struct {
	client    *asynq.Client
	server    *asynq.Server
	mux       *asynq.ServeMux
	inspector *asynq.Inspector
	maxRetry  int
	logger    *slog.Logger
}

// NewManager は Manager を初期化します。Redis への接続は実際の投入時まで行いません。
func NewManager(opts Options) (*Manager, error) {
	if opts.RedisURL == "" {
		return nil, errors.New("redis url is required")
	}
	opt, err := asynq.ParseRedisURI(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		client: asynq.NewClient(opt),
		server: asynq.NewServer(
			opt,
			asynq.Config{
				Concurrency: concurrency,
				Queues: map[string]int{
					QueueName: 1,
				},
			},
		),
		mux:       asynq.NewServeMux(),
		inspector: asynq.NewInspector(opt),
		maxRetry:  opts.MaxRetry,
		logger:    logger,
	}
	return m, nil
}

// TaskType は作業単位の種類に対応するタスク種別を返します。
func TaskType(kind media.UnitKind) (string, error) {
	switch kind {
	case media.UnitJob:
		return TaskProcessJob, nil
	case media.UnitMergedFormat:
		return TaskConvertFormat, nil
	default:
		return "", fmt.Errorf("unknown unit kind: %q", kind)
	}
}

// Handle は作業単位の種類ごとにハンドラを登録します。
func (m *Manager) Handle(kind media.UnitKind, h Handler) error {
	taskType, err := TaskType(kind)
	if err != nil {
		return err
	}
	m.mux.HandleFunc(taskType, func(ctx context.Context, task *asynq.Task) error {
		return m.processTask(ctx, task, h)
	})
	return nil
}

func (m *Manager) processTask(ctx context.Context, task *asynq.Task, h Handler) error {
	payload, err := DecodePayload(task.Payload())
	if err != nil {
		m.logger.Error("drop malformed task", "type", task.Type(), "err", err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return h(ctx, payload.ID)
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			m.logger.Error("asynq server stopped with error", "err", err)
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown() {
	m.server.Shutdown()
	m.client.Close()
	m.inspector.Close()
}

// EnqueueOne は1件を投入します。
func (m *Manager) EnqueueOne(ctx context.Context, kind media.UnitKind, id string) error {
	task, err := NewTask(kind, id)
	if err != nil {
		return err
	}
	if _, err := m.client.EnqueueContext(ctx, task, asynq.MaxRetry(m.maxRetry)); err != nil {
		return fmt.Errorf("enqueue %s %s: %w", kind, id, err)
	}
	return nil
}

// EnqueueBatch は複数件を投入し、成功と失敗をIDごとに返します。
// 一部の失敗は例外ではなく Result.Failed として報告します。
func (m *Manager) EnqueueBatch(ctx context.Context, kind media.UnitKind, ids []string) Result {
	var res Result
	for _, id := range ids {
		if err := m.EnqueueOne(ctx, kind, id); err != nil {
			m.logger.Warn("enqueue failed", "kind", kind, "id", id, "err", err)
			res.Failed = append(res.Failed, id)
			continue
		}
		res.Succeeded = append(res.Succeeded, id)
	}
	return res
}

// Stats はキューの滞留状況です。
type Stats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
}

// Stats は Inspector からキューの件数を取得します。まだキューが存在しない場合は0件を返します。
func (m *Manager) Stats() (Stats, error) {
	info, err := m.inspector.GetQueueInfo(QueueName)
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return Stats{Queue: QueueName}, nil
		}
		return Stats{}, err
	}
	return Stats{
		Queue:     info.Queue,
		Pending:   info.Pending,
		Active:    info.Active,
		Scheduled: info.Scheduled,
		Retry:     info.Retry,
		Archived:  info.Archived,
	}, nil
}

// NewTask は作業単位1件分のタスクを組み立てます。
func NewTask(kind media.UnitKind, id string) (*asynq.Task, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	taskType, err := TaskType(kind)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(Payload{ID: id})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, body, asynq.Queue(QueueName)), nil
}

// DecodePayload はタスク本体からIDを取り出します。
func DecodePayload(body []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	if p.ID == "" {
		return Payload{}, errors.New("missing id in payload")
	}
	return p, nil
}
