package post

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/hitoshi/cataclysm/internal/model"
	"github.com/hitoshi/cataclysm/internal/repository"
)

// 入力値の上限
const (
	maxTitleLength  = 300
	maxExcerptRunes = 1000
)

// AdminSummary は管理画面の記事一覧の1件。
type AdminSummary struct {
	Summary
	UserID    string `json:"user_id,omitempty"`
	CanManage bool   `json:"can_manage"`
}

// CanManagePost は呼び出し元が記事を編集・削除できるかを返す。
// admin権限は全記事、それ以外は自分が作成した記事のみ。
func CanManagePost(identity *model.Identity, p *model.Post) bool {
	if identity == nil || p == nil {
		return false
	}
	if identity.IsAdmin() {
		return true
	}
	return p.UserID != "" && p.UserID == identity.UserID
}

// AdminList は管理画面の記事一覧を返す。
func (s *Service) AdminList(ctx context.Context, identity *model.Identity, filter model.PostFilter) ([]AdminSummary, error) {
	posts, err := s.postRepo.Search(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to search posts: %w", err)
	}

	out := make([]AdminSummary, 0, len(posts))
	for _, p := range posts {
		out = append(out, AdminSummary{
			Summary:   toSummary(p),
			UserID:    p.UserID,
			CanManage: CanManagePost(identity, p),
		})
	}
	return out, nil
}

// AdminGet は編集用に記事の全内容を返す。
func (s *Service) AdminGet(ctx context.Context, identity *model.Identity, id int64) (*model.Post, error) {
	p, err := s.findManageable(ctx, identity, id)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Create は記事を作成する。作成者は呼び出し元になる。
func (s *Service) Create(ctx context.Context, identity *model.Identity, input model.PostInput) (*model.Post, error) {
	if identity == nil {
		return nil, model.NewUnauthorizedError()
	}

	p := &model.Post{UserID: identity.UserID}
	if err := s.apply(ctx, p, input); err != nil {
		return nil, err
	}

	if err := s.postRepo.Create(ctx, p); err != nil {
		return nil, mapRepoError(err, "failed to create post")
	}

	slog.Info("post created",
		slog.Int64("post_id", p.ID),
		slog.String("user_id", identity.UserID),
	)
	s.invalidatePost(ctx, p.ID)
	return p, nil
}

// Update は記事を更新する。閲覧数と作成者は変更しない。
func (s *Service) Update(ctx context.Context, identity *model.Identity, id int64, input model.PostInput) (*model.Post, error) {
	p, err := s.findManageable(ctx, identity, id)
	if err != nil {
		return nil, err
	}

	if err := s.apply(ctx, p, input); err != nil {
		return nil, err
	}

	if err := s.postRepo.Update(ctx, p); err != nil {
		return nil, mapRepoError(err, "failed to update post")
	}

	slog.Info("post updated",
		slog.Int64("post_id", p.ID),
		slog.String("user_id", identity.UserID),
	)
	s.invalidatePost(ctx, p.ID)
	return p, nil
}

// Delete は記事を削除する。
func (s *Service) Delete(ctx context.Context, identity *model.Identity, id int64) error {
	if _, err := s.findManageable(ctx, identity, id); err != nil {
		return err
	}

	if err := s.postRepo.Delete(ctx, id); err != nil {
		return mapRepoError(err, "failed to delete post")
	}

	slog.Info("post deleted",
		slog.Int64("post_id", id),
		slog.String("user_id", identity.UserID),
	)
	s.invalidatePost(ctx, id)
	return nil
}

// ToggleFeatured は記事の注目フラグを反転し、新しい値を返す。
func (s *Service) ToggleFeatured(ctx context.Context, identity *model.Identity, id int64) (bool, error) {
	p, err := s.findManageable(ctx, identity, id)
	if err != nil {
		return false, err
	}

	featured := !p.IsFeatured
	if err := s.postRepo.SetFeatured(ctx, id, featured); err != nil {
		return false, mapRepoError(err, "failed to update featured flag")
	}

	s.invalidatePost(ctx, id)
	return featured, nil
}

// findManageable は記事を取得し、呼び出し元の権限を確認する。
func (s *Service) findManageable(ctx context.Context, identity *model.Identity, id int64) (*model.Post, error) {
	if identity == nil {
		return nil, model.NewUnauthorizedError()
	}

	p, err := s.postRepo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find post: %w", err)
	}
	if p == nil {
		return nil, model.NewPostNotFoundError(strconv.FormatInt(id, 10))
	}
	if !CanManagePost(identity, p) {
		return nil, model.NewForbiddenError()
	}
	return p, nil
}

// apply は入力値を検証・正規化して記事に反映する。
//   - タイトルは空白のみ不可、本文は空不可
//   - 抜粋・画像URL・著者名は空白のみの場合NULL
//   - 本文はサニタイズする
//   - カテゴリはスラッグで指定し、空の場合はカテゴリなし
func (s *Service) apply(ctx context.Context, p *model.Post, input model.PostInput) error {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return model.NewValidationError("title is required")
	}
	if len([]rune(title)) > maxTitleLength {
		return model.NewValidationError(fmt.Sprintf("title must be at most %d characters", maxTitleLength))
	}

	content := input.Content
	if s.sanitizer != nil {
		content = s.sanitizer.Sanitize(content)
	}
	if strings.TrimSpace(content) == "" {
		return model.NewValidationError("content is required")
	}

	excerpt := strings.TrimSpace(input.Excerpt)
	if len([]rune(excerpt)) > maxExcerptRunes {
		return model.NewValidationError(fmt.Sprintf("excerpt must be at most %d characters", maxExcerptRunes))
	}

	imageURL := strings.TrimSpace(input.ImageURL)
	if imageURL != "" && !isHTTPURL(imageURL) {
		return model.NewValidationError("image URL must be an absolute http(s) URL")
	}

	var categoryID *int64
	var category *model.Category
	if slug := strings.TrimSpace(input.CategorySlug); slug != "" {
		c, err := s.categoryRepo.FindBySlug(ctx, slug)
		if err != nil {
			return fmt.Errorf("failed to find category: %w", err)
		}
		if c == nil {
			return model.NewValidationError(fmt.Sprintf("unknown category %q", slug))
		}
		categoryID = &c.ID
		category = c
	}

	p.Title = title
	p.Excerpt = excerpt
	p.Content = content
	p.ImageURL = imageURL
	p.Author = strings.TrimSpace(input.Author)
	p.CategoryID = categoryID
	p.Category = category
	p.IsFeatured = input.IsFeatured
	return nil
}

func isHTTPURL(raw string) bool {
	return strings.HasPrefix(raw, "https://") || strings.HasPrefix(raw, "http://")
}

// invalidatePost はトップページと記事ページのキャッシュを無効化する。失敗はログのみ。
func (s *Service) invalidatePost(ctx context.Context, id int64) {
	for _, path := range []string{homePath, PostPath(id)} {
		if err := s.Invalidate(ctx, path); err != nil {
			slog.Warn("failed to invalidate page",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}
	}
}

// mapRepoError はリポジトリのエラーをAPIエラーに変換する。
func mapRepoError(err error, msg string) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return model.NewPostNotFoundError("")
	case errors.Is(err, repository.ErrInvalidReference):
		return model.NewValidationError("referenced category or user does not exist")
	default:
		return fmt.Errorf("%s: %w", msg, err)
	}
}
