package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hitoshi/cataclysm/internal/model"
)

// PostgresPostRepo はPostgreSQLを使用した記事リポジトリ。
type PostgresPostRepo struct {
	db *sql.DB
}

// NewPostgresPostRepo はPostgresPostRepoを生成する。
func NewPostgresPostRepo(db *sql.DB) *PostgresPostRepo {
	return &PostgresPostRepo{db: db}
}

// postSelect は記事とカテゴリをLEFT JOINで取得するベースクエリ。
const postSelect = `
	SELECT p.id, p.title, p.excerpt, p.content, p.image_url, p.author, p.category_id,
	       c.title, c.slug, c.created_at,
	       p.is_featured, p.views, p.user_id, p.created_at, p.updated_at
	FROM posts p
	LEFT JOIN categories c ON c.id = p.category_id`

func scanPost(row interface{ Scan(dest ...any) error }) (*model.Post, error) {
	p := &model.Post{}
	var excerpt, imageURL, author, userID sql.NullString
	var categoryID sql.NullInt64
	var catTitle, catSlug sql.NullString
	var catCreatedAt sql.NullTime

	if err := row.Scan(
		&p.ID, &p.Title, &excerpt, &p.Content, &imageURL, &author, &categoryID,
		&catTitle, &catSlug, &catCreatedAt,
		&p.IsFeatured, &p.Views, &userID, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}

	p.Excerpt = nullStringValue(excerpt)
	p.ImageURL = nullStringValue(imageURL)
	p.Author = nullStringValue(author)
	p.UserID = nullStringValue(userID)
	if categoryID.Valid {
		id := categoryID.Int64
		p.CategoryID = &id
		if catSlug.Valid {
			p.Category = &model.Category{
				ID:        id,
				Title:     catTitle.String,
				Slug:      catSlug.String,
				CreatedAt: catCreatedAt.Time,
			}
		}
	}
	return p, nil
}

// queryPosts はクエリを実行し、記事一覧を返す。
func (r *PostgresPostRepo) queryPosts(ctx context.Context, query string, args ...any) ([]*model.Post, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("記事一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var posts []*model.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("記事行の読み取りに失敗しました: %w", err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("記事一覧の走査に失敗しました: %w", err)
	}
	return posts, nil
}

// FindByID は指定IDの記事をカテゴリ付きで取得する。見つからない場合はnilを返す。
func (r *PostgresPostRepo) FindByID(ctx context.Context, id int64) (*model.Post, error) {
	p, err := scanPost(r.db.QueryRowContext(ctx, postSelect+` WHERE p.id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("記事の取得に失敗しました: %w", err)
	}
	return p, nil
}

// ListFeatured はスライダー用の注目記事を最大limit件返す。
func (r *PostgresPostRepo) ListFeatured(ctx context.Context, limit int) ([]*model.Post, error) {
	return r.queryPosts(ctx,
		postSelect+` WHERE p.is_featured ORDER BY p.created_at DESC, p.id DESC LIMIT $1`,
		limit,
	)
}

// ListPage はoffsetからlimit件の記事を返す。
func (r *PostgresPostRepo) ListPage(ctx context.Context, offset, limit int) ([]*model.Post, error) {
	return r.queryPosts(ctx,
		postSelect+` ORDER BY p.created_at DESC, p.id DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
}

// Count は記事の総数を返す。
func (r *PostgresPostRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM posts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("記事数の取得に失敗しました: %w", err)
	}
	return n, nil
}

// ListByCategory は指定カテゴリの記事を返す。
func (r *PostgresPostRepo) ListByCategory(ctx context.Context, categoryID int64) ([]*model.Post, error) {
	return r.queryPosts(ctx,
		postSelect+` WHERE p.category_id = $1 ORDER BY p.created_at DESC, p.id DESC`,
		categoryID,
	)
}

// ListByAuthor は著者名で記事を検索する。
// partialの場合は大文字小文字を区別しない部分一致、exactの場合は完全一致。
func (r *PostgresPostRepo) ListByAuthor(ctx context.Context, name string, match model.AuthorMatch) ([]*model.Post, error) {
	where, arg := authorCondition(name, match)
	return r.queryPosts(ctx,
		postSelect+` WHERE `+where+` ORDER BY p.created_at DESC, p.id DESC`,
		arg,
	)
}

// authorCondition は著者名照合のWHERE句と引数を返す。
func authorCondition(name string, match model.AuthorMatch) (string, string) {
	if match == model.AuthorMatchExact {
		return `p.author = $1`, name
	}
	return `p.author ILIKE $1`, "%" + escapeLike(name) + "%"
}

// ListLatest は最新の記事を最大limit件返す。
func (r *PostgresPostRepo) ListLatest(ctx context.Context, limit int) ([]*model.Post, error) {
	return r.queryPosts(ctx,
		postSelect+` ORDER BY p.created_at DESC, p.id DESC LIMIT $1`,
		limit,
	)
}

// Search は管理画面向けにタイトル・著者名とカテゴリで記事を絞り込む。
func (r *PostgresPostRepo) Search(ctx context.Context, filter model.PostFilter) ([]*model.Post, error) {
	query, args := buildSearchQuery(filter)
	return r.queryPosts(ctx, query, args...)
}

// buildSearchQuery は検索条件からクエリと引数を組み立てる。
func buildSearchQuery(filter model.PostFilter) (string, []any) {
	var conds []string
	var args []any

	if q := strings.TrimSpace(filter.Query); q != "" {
		args = append(args, "%"+escapeLike(q)+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf("(p.title ILIKE $%d OR p.author ILIKE $%d)", n, n))
	}
	if slug := strings.TrimSpace(filter.CategorySlug); slug != "" && slug != "all" {
		args = append(args, slug)
		conds = append(conds, fmt.Sprintf("c.slug = $%d", len(args)))
	}

	query := postSelect
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY p.created_at DESC, p.id DESC"
	return query, args
}

// Create は記事を作成し、採番されたIDと作成日時を設定する。
func (r *PostgresPostRepo) Create(ctx context.Context, post *model.Post) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO posts (title, excerpt, content, image_url, author, category_id, is_featured, user_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, views, created_at, updated_at`,
		post.Title, nullString(post.Excerpt), post.Content, nullString(post.ImageURL),
		nullString(post.Author), post.CategoryID, post.IsFeatured, nullString(post.UserID),
	).Scan(&post.ID, &post.Views, &post.CreatedAt, &post.UpdatedAt)
	if err != nil {
		return fmt.Errorf("記事の作成に失敗しました: %w", classifyError(err))
	}
	return nil
}

// Update は記事の内容を上書き更新する。views と user_id は変更しない。
func (r *PostgresPostRepo) Update(ctx context.Context, post *model.Post) error {
	err := r.db.QueryRowContext(ctx,
		`UPDATE posts SET
		    title = $2, excerpt = $3, content = $4, image_url = $5, author = $6,
		    category_id = $7, is_featured = $8, updated_at = now()
		 WHERE id = $1
		 RETURNING updated_at`,
		post.ID, post.Title, nullString(post.Excerpt), post.Content, nullString(post.ImageURL),
		nullString(post.Author), post.CategoryID, post.IsFeatured,
	).Scan(&post.UpdatedAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("記事の更新に失敗しました: %w", ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("記事の更新に失敗しました: %w", classifyError(err))
	}
	return nil
}

// Delete は指定IDの記事を削除する。
func (r *PostgresPostRepo) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM posts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("記事の削除に失敗しました: %w", err)
	}
	if err := checkAffected(result); err != nil {
		return fmt.Errorf("記事の削除に失敗しました: %w", err)
	}
	return nil
}

// SetFeatured は記事の注目フラグを更新する。
func (r *PostgresPostRepo) SetFeatured(ctx context.Context, id int64, featured bool) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE posts SET is_featured = $2, updated_at = now() WHERE id = $1`,
		id, featured,
	)
	if err != nil {
		return fmt.Errorf("注目フラグの更新に失敗しました: %w", err)
	}
	if err := checkAffected(result); err != nil {
		return fmt.Errorf("注目フラグの更新に失敗しました: %w", err)
	}
	return nil
}

// IncrementViewCount は閲覧数を1加算するストアドファンクションを呼び出す。
func (r *PostgresPostRepo) IncrementViewCount(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `SELECT increment_view_count($1)`, id); err != nil {
		return fmt.Errorf("閲覧数の加算に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ PostRepository = (*PostgresPostRepo)(nil)
