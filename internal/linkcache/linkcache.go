// Package linkcache は一括ダウンロードURLを Redis に短期保存します。
package linkcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/yourusername/multi-downloader/internal/media"
)

const (
	linkKeyPrefix = "batch-link:"
	lockKeyPrefix = "batch-link-lock:"
)

// ErrLocked は同じリンクを別の呼び出しが作成中であることを示します。
var ErrLocked = errors.New("batch link is being built")

// Cache は一括ダウンロードURLを有効期限まで保持します。
type Cache struct {
	rdb *redis.Client
}

// New は Cache を作成します。
func New(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// Get は有効なURLを返します。無ければ nil を返します。
func (c *Cache) Get(ctx context.Context, requestID, formatID string) (*media.RequestDownloadURL, error) {
	data, err := c.rdb.Get(ctx, linkKey(requestID, formatID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var rec media.RequestDownloadURL
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if !rec.Fresh(time.Now()) {
		return nil, nil
	}
	return &rec, nil
}

// Put はURLを有効期限までの TTL で保存します。期限切れのものは保存しません。
func (c *Cache) Put(ctx context.Context, rec *media.RequestDownloadURL) error {
	if rec == nil {
		return fmt.Errorf("record is nil")
	}
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, linkKey(rec.RequestID, rec.FormatID), payload, ttl).Err()
}

// Lock はリンク作成の排他ロックを取得します。取得できなければ ErrLocked を返します。
// 返した関数でロックを解放します。自分が取得したロックだけを消します。
func (c *Cache) Lock(ctx context.Context, requestID, formatID string, ttl time.Duration) (func(context.Context) error, error) {
	key := lockKey(requestID, formatID)
	token := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLocked
	}
	return func(ctx context.Context) error {
		return c.rdb.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil {
				return err
			}
			if current != token {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			return err
		}, key)
	}, nil
}

func linkKey(requestID, formatID string) string {
	return linkKeyPrefix + requestID + ":" + formatID
}

func lockKey(requestID, formatID string) string {
	return lockKeyPrefix + requestID + ":" + formatID
}
