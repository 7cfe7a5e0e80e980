package model

import "time"

// Session はユーザーのログインセッションを表す。
// 外部の認証システムが作成し、本サービスは参照のみ行う。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}
