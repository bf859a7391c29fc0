// Package post はブログ記事の公開ページデータと管理画面の記事操作を提供する。
package post

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/cataclysm/internal/model"
	"github.com/hitoshi/cataclysm/internal/pagecache"
	"github.com/hitoshi/cataclysm/internal/repository"
	"github.com/hitoshi/cataclysm/internal/security"
)

// ページング・一覧の件数
const (
	PostsPerPage = 6
	SliderLimit  = 5
	FeedLimit    = 20
)

// キャッシュ対象のパス
const homePath = "/"

// PostPath は記事ページのパスを返す。
func PostPath(id int64) string {
	return "/post/" + strconv.FormatInt(id, 10)
}

// CategoryRef は記事に付随するカテゴリ情報。
type CategoryRef struct {
	Title string `json:"title"`
	Slug  string `json:"slug"`
}

// Summary は一覧表示用の記事情報。
type Summary struct {
	ID         int64        `json:"id"`
	Title      string       `json:"title"`
	Excerpt    string       `json:"excerpt,omitempty"`
	ImageURL   string       `json:"image_url,omitempty"`
	Author     string       `json:"author,omitempty"`
	Category   *CategoryRef `json:"category,omitempty"`
	IsFeatured bool         `json:"is_featured"`
	Views      int64        `json:"views"`
	CreatedAt  time.Time    `json:"created_at"`
}

// HomePage はトップページのページデータ。
type HomePage struct {
	Slider     []Summary `json:"slider"`
	Posts      []Summary `json:"posts"`
	Page       int       `json:"page"`
	TotalPages int       `json:"total_pages"`
	HasNext    bool      `json:"has_next"`
	HasPrev    bool      `json:"has_prev"`
}

// OpenGraph は記事ページのOGP情報。
type OpenGraph struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Type        string   `json:"type"`
	Image       string   `json:"image,omitempty"`
	Authors     []string `json:"authors,omitempty"`
}

// PostPage は記事ページのページデータ。
type PostPage struct {
	Summary
	Content        string    `json:"content"`
	FormattedTitle string    `json:"formatted_title"`
	Description    string    `json:"description"`
	OpenGraph      OpenGraph `json:"open_graph"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CategoryPage はカテゴリページのページデータ。
type CategoryPage struct {
	Category CategoryRef `json:"category"`
	Posts    []Summary   `json:"posts"`
}

// AuthorPage は著者ページのページデータ。
type AuthorPage struct {
	Author string    `json:"author"`
	Posts  []Summary `json:"posts"`
}

// Service は記事に関するビジネスロジックを提供する。
type Service struct {
	postRepo     repository.PostRepository
	categoryRepo repository.CategoryRepository
	cache        pagecache.Cache
	sanitizer    security.ContentSanitizer
	authorMatch  model.AuthorMatch
}

// NewService はServiceを生成する。cacheがnilの場合はキャッシュを使用しない。
func NewService(
	postRepo repository.PostRepository,
	categoryRepo repository.CategoryRepository,
	cache pagecache.Cache,
	sanitizer security.ContentSanitizer,
	authorMatch model.AuthorMatch,
) *Service {
	if authorMatch == "" {
		authorMatch = model.AuthorMatchPartial
	}
	return &Service{
		postRepo:     postRepo,
		categoryRepo: categoryRepo,
		cache:        cache,
		sanitizer:    sanitizer,
		authorMatch:  authorMatch,
	}
}

// ParsePage はクエリパラメータのページ番号を解釈する。不正値・0以下は1。
func ParsePage(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// Home はトップページのページデータを返す。
// スライダー、グリッド、総件数は並行して取得する。
func (s *Service) Home(ctx context.Context, page int) (*HomePage, error) {
	if page < 1 {
		page = 1
	}
	variant := "page=" + strconv.Itoa(page)

	var cached HomePage
	if s.getCached(ctx, homePath, variant, &cached) {
		return &cached, nil
	}

	var featured, posts []*model.Post
	var count int

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		featured, err = s.postRepo.ListFeatured(gctx, SliderLimit)
		return err
	})
	g.Go(func() error {
		var err error
		posts, err = s.postRepo.ListPage(gctx, (page-1)*PostsPerPage, PostsPerPage)
		return err
	})
	g.Go(func() error {
		var err error
		count, err = s.postRepo.Count(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to load home page: %w", err)
	}

	totalPages := TotalPages(count)
	result := &HomePage{
		Slider:     toSummaries(featured),
		Posts:      toSummaries(posts),
		Page:       page,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
		HasPrev:    page > 1,
	}

	s.setCached(ctx, homePath, variant, result)
	return result, nil
}

// TotalPages は記事数からページ数を返す。記事がない場合も1ページとする。
func TotalPages(count int) int {
	if count <= 0 {
		return 1
	}
	return (count + PostsPerPage - 1) / PostsPerPage
}

// Post は記事ページのページデータを返す。
// IDが数値でない場合や記事が存在しない場合はPOST_NOT_FOUNDを返す。
func (s *Service) Post(ctx context.Context, rawID string) (*PostPage, error) {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return nil, model.NewPostNotFoundError(rawID)
	}

	var cached PostPage
	if s.getCached(ctx, PostPath(id), "", &cached) {
		return &cached, nil
	}

	p, err := s.postRepo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find post: %w", err)
	}
	if p == nil {
		return nil, model.NewPostNotFoundError(rawID)
	}

	page := toPostPage(p)
	s.setCached(ctx, PostPath(id), "", page)
	return page, nil
}

func toPostPage(p *model.Post) *PostPage {
	title := CapitalizeFirst(p.Title)
	description := Description(p.Content)
	og := OpenGraph{
		Title:       title,
		Description: description,
		Type:        "article",
		Image:       p.ImageURL,
	}
	if p.Author != "" {
		og.Authors = []string{p.Author}
	}
	return &PostPage{
		Summary:        toSummary(p),
		Content:        p.Content,
		FormattedTitle: title,
		Description:    description,
		OpenGraph:      og,
		UpdatedAt:      p.UpdatedAt,
	}
}

// Category はカテゴリページのページデータを返す。
func (s *Service) Category(ctx context.Context, slug string) (*CategoryPage, error) {
	category, err := s.categoryRepo.FindBySlug(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("failed to find category: %w", err)
	}
	if category == nil {
		return nil, model.NewCategoryNotFoundError(slug)
	}

	posts, err := s.postRepo.ListByCategory(ctx, category.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts by category: %w", err)
	}

	return &CategoryPage{
		Category: CategoryRef{Title: category.Title, Slug: category.Slug},
		Posts:    toSummaries(posts),
	}, nil
}

// Author は著者ページのページデータを返す。
// 該当する記事がない場合も空の一覧を返す。
func (s *Service) Author(ctx context.Context, name string) (*AuthorPage, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return &AuthorPage{Posts: []Summary{}}, nil
	}

	posts, err := s.postRepo.ListByAuthor(ctx, name, s.authorMatch)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts by author: %w", err)
	}

	return &AuthorPage{
		Author: name,
		Posts:  toSummaries(posts),
	}, nil
}

// Latest はRSSフィード用に最新の記事を返す。
func (s *Service) Latest(ctx context.Context) ([]*model.Post, error) {
	posts, err := s.postRepo.ListLatest(ctx, FeedLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list latest posts: %w", err)
	}
	return posts, nil
}

// Categories は全カテゴリを返す。
func (s *Service) Categories(ctx context.Context) ([]*model.Category, error) {
	categories, err := s.categoryRepo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	return categories, nil
}

// IncrementViewCount は閲覧数の増分RPCを呼び出す。
func (s *Service) IncrementViewCount(ctx context.Context, postID int64) error {
	return s.postRepo.IncrementViewCount(ctx, postID)
}

// Invalidate はページキャッシュを無効化する。
func (s *Service) Invalidate(ctx context.Context, path string) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Invalidate(ctx, path)
}

// getCached はキャッシュからページデータを読み込む。キャッシュの障害はミスとして扱う。
func (s *Service) getCached(ctx context.Context, path, variant string, dst any) bool {
	if s.cache == nil {
		return false
	}
	data, ok, err := s.cache.Get(ctx, path, variant)
	if err != nil {
		slog.Warn("page cache get failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		slog.Warn("page cache entry is corrupted",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

func (s *Service) setCached(ctx context.Context, path, variant string, v any) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, path, variant, data); err != nil {
		slog.Warn("page cache set failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

func toSummary(p *model.Post) Summary {
	sum := Summary{
		ID:         p.ID,
		Title:      p.Title,
		Excerpt:    p.Excerpt,
		ImageURL:   p.ImageURL,
		Author:     p.Author,
		IsFeatured: p.IsFeatured,
		Views:      p.Views,
		CreatedAt:  p.CreatedAt,
	}
	if p.Category != nil {
		sum.Category = &CategoryRef{Title: p.Category.Title, Slug: p.Category.Slug}
	}
	return sum
}

func toSummaries(posts []*model.Post) []Summary {
	out := make([]Summary, 0, len(posts))
	for _, p := range posts {
		out = append(out, toSummary(p))
	}
	return out
}
