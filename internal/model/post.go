package model

import (
	"fmt"
	"strings"
	"time"
)

// Post はブログ記事を表す。
type Post struct {
	ID         int64
	Title      string
	Excerpt    string // 空文字はNULLとして保存される
	Content    string // サニタイズ済みHTML
	ImageURL   string
	Author     string
	CategoryID *int64
	Category   *Category // JOINで取得した場合のみ設定される
	IsFeatured bool
	Views      int64
	UserID     string // 作成者。作成者が削除された場合は空
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Category は記事のカテゴリを表す。
type Category struct {
	ID        int64
	Title     string
	Slug      string
	CreatedAt time.Time
}

// PostInput は管理画面から送信される記事の作成・更新内容。
type PostInput struct {
	Title        string
	Excerpt      string
	Content      string
	ImageURL     string
	Author       string
	CategorySlug string
	IsFeatured   bool
}

// PostFilter は管理画面の記事一覧の絞り込み条件。
type PostFilter struct {
	Query        string // タイトルまたは著者名の部分一致（大文字小文字を区別しない）
	CategorySlug string // 空または"all"の場合は絞り込まない
}

// AuthorMatch は著者ページの著者名照合方式を表す。
type AuthorMatch string

const (
	// AuthorMatchExact は著者名の完全一致。
	AuthorMatchExact AuthorMatch = "exact"
	// AuthorMatchPartial は著者名の部分一致（ILIKE）。
	AuthorMatchPartial AuthorMatch = "partial"
)

// UnmarshalText は環境変数からAuthorMatchを読み込む。
func (m *AuthorMatch) UnmarshalText(text []byte) error {
	v := AuthorMatch(strings.ToLower(strings.TrimSpace(string(text))))
	switch v {
	case AuthorMatchExact, AuthorMatchPartial:
		*m = v
		return nil
	default:
		return fmt.Errorf("invalid author match mode: %q (valid options: exact, partial)", string(text))
	}
}
