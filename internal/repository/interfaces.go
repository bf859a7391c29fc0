// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/cataclysm/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はユーザーを作成する。
	// メールアドレスが重複する場合はErrDuplicateEmailを返す。
	Create(ctx context.Context, user *model.User) error

	// UpdatePassword はパスワードハッシュを更新する。
	UpdatePassword(ctx context.Context, id, passwordHash string) error

	// DeleteByID は指定IDのユーザーを削除する。
	// 関連するsessionsはCASCADE削除され、postsのuser_idはNULLになる。
	DeleteByID(ctx context.Context, id string) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// Extend はセッションの有効期限を延長する。
	Extend(ctx context.Context, id string, expiresAt time.Time) error
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
	// DeleteExpired は期限切れのセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}

// CategoryRepository はカテゴリデータの永続化インターフェース。
type CategoryRepository interface {
	// List は全カテゴリをタイトル順で返す。
	List(ctx context.Context) ([]*model.Category, error)
	// FindBySlug はスラッグでカテゴリを取得する。見つからない場合はnilを返す。
	FindBySlug(ctx context.Context, slug string) (*model.Category, error)
}

// PostRepository は記事データの永続化インターフェース。
// 一覧系の操作はすべてcreated_at降順で返す。
type PostRepository interface {
	// FindByID は指定IDの記事をカテゴリ付きで取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.Post, error)

	// ListFeatured はスライダー用の注目記事を最大limit件返す。
	ListFeatured(ctx context.Context, limit int) ([]*model.Post, error)

	// ListPage はトップページのグリッド用にoffsetからlimit件の記事を返す。
	ListPage(ctx context.Context, offset, limit int) ([]*model.Post, error)

	// Count は記事の総数を返す。
	Count(ctx context.Context) (int, error)

	// ListByCategory は指定カテゴリの記事を返す。
	ListByCategory(ctx context.Context, categoryID int64) ([]*model.Post, error)

	// ListByAuthor は著者名で記事を検索する。照合方式はmatchで指定する。
	ListByAuthor(ctx context.Context, name string, match model.AuthorMatch) ([]*model.Post, error)

	// ListLatest は最新の記事を最大limit件返す。
	ListLatest(ctx context.Context, limit int) ([]*model.Post, error)

	// Search は管理画面向けにタイトル・著者名とカテゴリで記事を絞り込む。
	Search(ctx context.Context, filter model.PostFilter) ([]*model.Post, error)

	// Create は記事を作成し、採番されたIDをpost.IDに設定する。
	Create(ctx context.Context, post *model.Post) error

	// Update は記事の内容を上書き更新する。views と user_id は変更しない。
	Update(ctx context.Context, post *model.Post) error

	// Delete は指定IDの記事を削除する。
	Delete(ctx context.Context, id int64) error

	// SetFeatured は記事の注目フラグを更新する。
	SetFeatured(ctx context.Context, id int64, featured bool) error

	// IncrementViewCount は閲覧数を1加算するストアドファンクションを呼び出す。
	IncrementViewCount(ctx context.Context, id int64) error
}
