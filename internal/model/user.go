// Package model はドメインモデルを定義する。
package model

import "time"

// Role はCMS上のユーザー権限を表す。
type Role string

const (
	// RoleAdmin は全ての記事を管理できる権限（ROOT）。
	RoleAdmin Role = "admin"
	// RoleAuthor は自分の記事のみ管理できる権限。
	RoleAuthor Role = "author"
)

// User はCMSにログインする編集者を表す。
type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string // OIDCのみで作成されたユーザーは空
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Identity はセッションから解決された呼び出し元の識別情報。
// アクセスゲートはEmailのみを参照する。
type Identity struct {
	UserID string
	Email  string
	Name   string
	Role   Role
}

// IsAdmin は識別情報がadmin権限を持つかどうかを返す。
func (i *Identity) IsAdmin() bool {
	return i != nil && i.Role == RoleAdmin
}
