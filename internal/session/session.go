// Package session は匿名の所有者IDをクッキーセッションで管理します。
package session

import (
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	CookieName      = "md_session"
	sessionKeyOwner = "owner_id"

	// ContextOwnerKey はハンドラー間で所有者IDを共有するためのキーです。
	ContextOwnerKey = "session.owner"
)

var maxLifetime = 30 * 24 * time.Hour

// Options はセッションクッキーの設定です。
type Options struct {
	Secret string
	Secure bool
}

// Middleware はクッキーストアを使うセッションミドルウェアを返します。
func Middleware(opts Options) gin.HandlerFunc {
	store := cookie.NewStore([]byte(opts.Secret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   int(maxLifetime.Seconds()),
		HttpOnly: true,
		Secure:   opts.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	return sessions.Sessions(CookieName, store)
}

// EnsureOwner はセッションに所有者IDが無ければ発行し、コンテキストに設定します。
// 保存に失敗してもリクエストは続行し、所有者なしとして扱います。
func EnsureOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := sessions.Default(c)
		owner, ok := s.Get(sessionKeyOwner).(string)
		if !ok || owner == "" {
			owner = uuid.NewString()
			s.Set(sessionKeyOwner, owner)
			if err := s.Save(); err != nil {
				_ = c.Error(err)
				c.Next()
				return
			}
		}
		c.Set(ContextOwnerKey, owner)
		c.Next()
	}
}

// OwnerID は現在のリクエストの所有者IDを返します。無ければ nil です。
func OwnerID(c *gin.Context) *string {
	owner := c.GetString(ContextOwnerKey)
	if owner == "" {
		return nil
	}
	return &owner
}
