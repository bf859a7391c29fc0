package post

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/cataclysm/internal/model"
	"github.com/hitoshi/cataclysm/internal/pagecache"
	"github.com/hitoshi/cataclysm/internal/repository"
	"github.com/hitoshi/cataclysm/internal/security"
)

// --- モック定義 ---

type mockPostRepo struct {
	mu               sync.Mutex
	findByIDFn       func(ctx context.Context, id int64) (*model.Post, error)
	listFeaturedFn   func(ctx context.Context, limit int) ([]*model.Post, error)
	listPageFn       func(ctx context.Context, offset, limit int) ([]*model.Post, error)
	countFn          func(ctx context.Context) (int, error)
	listByCategoryFn func(ctx context.Context, categoryID int64) ([]*model.Post, error)
	listByAuthorFn   func(ctx context.Context, name string, match model.AuthorMatch) ([]*model.Post, error)
	searchFn         func(ctx context.Context, filter model.PostFilter) ([]*model.Post, error)
	createFn         func(ctx context.Context, post *model.Post) error
	updateFn         func(ctx context.Context, post *model.Post) error
	deleteFn         func(ctx context.Context, id int64) error
	setFeaturedFn    func(ctx context.Context, id int64, featured bool) error
	calls            int
}

func (m *mockPostRepo) count() {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
}

func (m *mockPostRepo) FindByID(ctx context.Context, id int64) (*model.Post, error) {
	m.count()
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockPostRepo) ListFeatured(ctx context.Context, limit int) ([]*model.Post, error) {
	m.count()
	if m.listFeaturedFn != nil {
		return m.listFeaturedFn(ctx, limit)
	}
	return nil, nil
}

func (m *mockPostRepo) ListPage(ctx context.Context, offset, limit int) ([]*model.Post, error) {
	m.count()
	if m.listPageFn != nil {
		return m.listPageFn(ctx, offset, limit)
	}
	return nil, nil
}

func (m *mockPostRepo) Count(ctx context.Context) (int, error) {
	m.count()
	if m.countFn != nil {
		return m.countFn(ctx)
	}
	return 0, nil
}

func (m *mockPostRepo) ListByCategory(ctx context.Context, categoryID int64) ([]*model.Post, error) {
	if m.listByCategoryFn != nil {
		return m.listByCategoryFn(ctx, categoryID)
	}
	return nil, nil
}

func (m *mockPostRepo) ListByAuthor(ctx context.Context, name string, match model.AuthorMatch) ([]*model.Post, error) {
	if m.listByAuthorFn != nil {
		return m.listByAuthorFn(ctx, name, match)
	}
	return nil, nil
}

func (m *mockPostRepo) ListLatest(_ context.Context, _ int) ([]*model.Post, error) {
	return nil, nil
}

func (m *mockPostRepo) Search(ctx context.Context, filter model.PostFilter) ([]*model.Post, error) {
	if m.searchFn != nil {
		return m.searchFn(ctx, filter)
	}
	return nil, nil
}

func (m *mockPostRepo) Create(ctx context.Context, post *model.Post) error {
	if m.createFn != nil {
		return m.createFn(ctx, post)
	}
	return nil
}

func (m *mockPostRepo) Update(ctx context.Context, post *model.Post) error {
	if m.updateFn != nil {
		return m.updateFn(ctx, post)
	}
	return nil
}

func (m *mockPostRepo) Delete(ctx context.Context, id int64) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, id)
	}
	return nil
}

func (m *mockPostRepo) SetFeatured(ctx context.Context, id int64, featured bool) error {
	if m.setFeaturedFn != nil {
		return m.setFeaturedFn(ctx, id, featured)
	}
	return nil
}

func (m *mockPostRepo) IncrementViewCount(_ context.Context, _ int64) error {
	return nil
}

type mockCategoryRepo struct {
	findBySlugFn func(ctx context.Context, slug string) (*model.Category, error)
}

func (m *mockCategoryRepo) List(_ context.Context) ([]*model.Category, error) {
	return nil, nil
}

func (m *mockCategoryRepo) FindBySlug(ctx context.Context, slug string) (*model.Category, error) {
	if m.findBySlugFn != nil {
		return m.findBySlugFn(ctx, slug)
	}
	return nil, nil
}

type recordingCache struct {
	*pagecache.MemoryCache
	mu          sync.Mutex
	invalidated []string
}

func (c *recordingCache) Invalidate(ctx context.Context, path string) error {
	c.mu.Lock()
	c.invalidated = append(c.invalidated, path)
	c.mu.Unlock()
	return c.MemoryCache.Invalidate(ctx, path)
}

var _ repository.PostRepository = (*mockPostRepo)(nil)
var _ repository.CategoryRepository = (*mockCategoryRepo)(nil)
var _ pagecache.Cache = (*recordingCache)(nil)

// --- ヘルパー ---

func newRecordingCache() *recordingCache {
	return &recordingCache{MemoryCache: pagecache.NewMemoryCache(time.Minute)}
}

func makePosts(n int) []*model.Post {
	posts := make([]*model.Post, n)
	for i := range posts {
		posts[i] = &model.Post{ID: int64(i + 1), Title: "post", Content: "<p>x</p>"}
	}
	return posts
}

var articleCategory = &model.Category{ID: 1, Title: "статья", Slug: "article"}

func categoryRepoWithArticle() *mockCategoryRepo {
	return &mockCategoryRepo{
		findBySlugFn: func(ctx context.Context, slug string) (*model.Category, error) {
			if slug == "article" {
				return articleCategory, nil
			}
			return nil, nil
		},
	}
}

// --- トップページ ---

func TestHome_Pagination(t *testing.T) {
	var gotOffset, gotLimit, gotSliderLimit int
	repo := &mockPostRepo{
		listFeaturedFn: func(ctx context.Context, limit int) ([]*model.Post, error) {
			gotSliderLimit = limit
			return makePosts(2), nil
		},
		listPageFn: func(ctx context.Context, offset, limit int) ([]*model.Post, error) {
			gotOffset, gotLimit = offset, limit
			return makePosts(6), nil
		},
		countFn: func(ctx context.Context) (int, error) { return 13, nil },
	}
	svc := NewService(repo, &mockCategoryRepo{}, nil, nil, "")

	page, err := svc.Home(context.Background(), 2)
	if err != nil {
		t.Fatalf("Home() error = %v", err)
	}
	if gotOffset != 6 || gotLimit != 6 {
		t.Errorf("ListPage(offset=%d, limit=%d), want (6, 6)", gotOffset, gotLimit)
	}
	if gotSliderLimit != 5 {
		t.Errorf("ListFeatured limit = %d, want 5", gotSliderLimit)
	}
	if page.TotalPages != 3 {
		t.Errorf("TotalPages = %d, want 3", page.TotalPages)
	}
	if !page.HasNext || !page.HasPrev {
		t.Errorf("HasNext = %v, HasPrev = %v, want both true", page.HasNext, page.HasPrev)
	}
	if len(page.Slider) != 2 || len(page.Posts) != 6 {
		t.Errorf("slider = %d, posts = %d", len(page.Slider), len(page.Posts))
	}
}

func TestHome_NoPosts_OnePage(t *testing.T) {
	svc := NewService(&mockPostRepo{}, &mockCategoryRepo{}, nil, nil, "")

	page, err := svc.Home(context.Background(), 1)
	if err != nil {
		t.Fatalf("Home() error = %v", err)
	}
	if page.TotalPages != 1 || page.HasNext || page.HasPrev {
		t.Errorf("page = %+v, want single page without navigation", page)
	}
	if page.Posts == nil || page.Slider == nil {
		t.Error("empty lists should be non-nil for JSON encoding")
	}
}

func TestHome_RepositoryError(t *testing.T) {
	repo := &mockPostRepo{
		countFn: func(ctx context.Context) (int, error) { return 0, errors.New("db down") },
	}
	svc := NewService(repo, &mockCategoryRepo{}, nil, nil, "")

	if _, err := svc.Home(context.Background(), 1); err == nil {
		t.Fatal("expected error")
	}
}

func TestHome_UsesCacheUntilInvalidated(t *testing.T) {
	repo := &mockPostRepo{
		countFn: func(ctx context.Context) (int, error) { return 1, nil },
	}
	cache := newRecordingCache()
	svc := NewService(repo, &mockCategoryRepo{}, cache, nil, "")
	ctx := context.Background()

	if _, err := svc.Home(ctx, 1); err != nil {
		t.Fatalf("Home() error = %v", err)
	}
	first := repo.calls
	if _, err := svc.Home(ctx, 1); err != nil {
		t.Fatalf("Home() error = %v", err)
	}
	if repo.calls != first {
		t.Errorf("repository called %d more times on cache hit", repo.calls-first)
	}

	if err := svc.Invalidate(ctx, "/"); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if _, err := svc.Home(ctx, 1); err != nil {
		t.Fatalf("Home() error = %v", err)
	}
	if repo.calls == first {
		t.Error("repository should be queried after invalidation")
	}
}

func TestParsePage(t *testing.T) {
	tests := map[string]int{"": 1, "abc": 1, "0": 1, "-3": 1, "2": 2, " 4 ": 4}
	for in, want := range tests {
		if got := ParsePage(in); got != want {
			t.Errorf("ParsePage(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestTotalPages(t *testing.T) {
	tests := map[int]int{0: 1, 1: 1, 6: 1, 7: 2, 12: 2, 13: 3}
	for count, want := range tests {
		if got := TotalPages(count); got != want {
			t.Errorf("TotalPages(%d) = %d, want %d", count, got, want)
		}
	}
}

// --- 記事ページ ---

func TestPost_ReturnsPageData(t *testing.T) {
	repo := &mockPostRepo{
		findByIDFn: func(ctx context.Context, id int64) (*model.Post, error) {
			return &model.Post{
				ID:       id,
				Title:    "ночной город",
				Content:  "<p>Текст статьи</p>",
				ImageURL: "https://cdn.example.com/a.png",
				Author:   "Анна",
				Category: articleCategory,
				Views:    7,
			}, nil
		},
	}
	svc := NewService(repo, &mockCategoryRepo{}, nil, nil, "")

	page, err := svc.Post(context.Background(), "42")
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	if page.ID != 42 || page.Views != 7 {
		t.Errorf("ID = %d, Views = %d", page.ID, page.Views)
	}
	if page.FormattedTitle != "Ночной город" {
		t.Errorf("FormattedTitle = %q", page.FormattedTitle)
	}
	if page.Description != "Текст статьи..." {
		t.Errorf("Description = %q", page.Description)
	}
	if page.Category == nil || page.Category.Slug != "article" {
		t.Errorf("Category = %+v", page.Category)
	}
	if len(page.OpenGraph.Authors) != 1 || page.OpenGraph.Authors[0] != "Анна" {
		t.Errorf("OpenGraph.Authors = %v", page.OpenGraph.Authors)
	}
	if page.OpenGraph.Type != "article" || page.OpenGraph.Image != "https://cdn.example.com/a.png" {
		t.Errorf("OpenGraph = %+v", page.OpenGraph)
	}
}

func TestPost_NotFound(t *testing.T) {
	svc := NewService(&mockPostRepo{}, &mockCategoryRepo{}, nil, nil, "")

	for _, id := range []string{"999", "abc", ""} {
		_, err := svc.Post(context.Background(), id)
		assertAPIErrorCode(t, err, model.ErrCodePostNotFound)
	}
}

// --- カテゴリ・著者 ---

func TestCategory_ReturnsPosts(t *testing.T) {
	var gotCategoryID int64
	repo := &mockPostRepo{
		listByCategoryFn: func(ctx context.Context, categoryID int64) ([]*model.Post, error) {
			gotCategoryID = categoryID
			return makePosts(3), nil
		},
	}
	svc := NewService(repo, categoryRepoWithArticle(), nil, nil, "")

	page, err := svc.Category(context.Background(), "article")
	if err != nil {
		t.Fatalf("Category() error = %v", err)
	}
	if gotCategoryID != 1 {
		t.Errorf("category ID = %d, want 1", gotCategoryID)
	}
	if page.Category.Title != "статья" || len(page.Posts) != 3 {
		t.Errorf("page = %+v", page)
	}
}

func TestCategory_NotFound(t *testing.T) {
	svc := NewService(&mockPostRepo{}, categoryRepoWithArticle(), nil, nil, "")

	_, err := svc.Category(context.Background(), "unknown")
	assertAPIErrorCode(t, err, model.ErrCodeCategoryNotFound)
}

func TestAuthor_UsesConfiguredMatch(t *testing.T) {
	for _, match := range []model.AuthorMatch{model.AuthorMatchExact, model.AuthorMatchPartial} {
		var gotMatch model.AuthorMatch
		var gotName string
		repo := &mockPostRepo{
			listByAuthorFn: func(ctx context.Context, name string, m model.AuthorMatch) ([]*model.Post, error) {
				gotName, gotMatch = name, m
				return makePosts(1), nil
			},
		}
		svc := NewService(repo, &mockCategoryRepo{}, nil, nil, match)

		page, err := svc.Author(context.Background(), " Анна ")
		if err != nil {
			t.Fatalf("Author() error = %v", err)
		}
		if gotMatch != match || gotName != "Анна" {
			t.Errorf("ListByAuthor(%q, %q), want (Анна, %q)", gotName, gotMatch, match)
		}
		if page.Author != "Анна" || len(page.Posts) != 1 {
			t.Errorf("page = %+v", page)
		}
	}
}

func TestAuthor_DefaultsToPartial(t *testing.T) {
	svc := NewService(&mockPostRepo{}, &mockCategoryRepo{}, nil, nil, "")
	if svc.authorMatch != model.AuthorMatchPartial {
		t.Errorf("authorMatch = %q, want partial", svc.authorMatch)
	}
}

// --- 管理画面 ---

var (
	adminIdentity  = &model.Identity{UserID: "admin-1", Email: "root@example.com", Role: model.RoleAdmin}
	authorIdentity = &model.Identity{UserID: "author-1", Email: "anna@example.com", Role: model.RoleAuthor}
)

func TestCanManagePost(t *testing.T) {
	own := &model.Post{UserID: "author-1"}
	other := &model.Post{UserID: "someone"}
	orphan := &model.Post{}

	tests := []struct {
		name     string
		identity *model.Identity
		post     *model.Post
		want     bool
	}{
		{"admin other", adminIdentity, other, true},
		{"admin orphan", adminIdentity, orphan, true},
		{"author own", authorIdentity, own, true},
		{"author other", authorIdentity, other, false},
		{"author orphan", authorIdentity, orphan, false},
		{"anonymous", nil, own, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanManagePost(tt.identity, tt.post); got != tt.want {
				t.Errorf("CanManagePost() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAdminList_SetsCanManage(t *testing.T) {
	var gotFilter model.PostFilter
	repo := &mockPostRepo{
		searchFn: func(ctx context.Context, filter model.PostFilter) ([]*model.Post, error) {
			gotFilter = filter
			return []*model.Post{{ID: 1, UserID: "author-1"}, {ID: 2, UserID: "other"}}, nil
		},
	}
	svc := NewService(repo, &mockCategoryRepo{}, nil, nil, "")

	list, err := svc.AdminList(context.Background(), authorIdentity, model.PostFilter{Query: "go", CategorySlug: "all"})
	if err != nil {
		t.Fatalf("AdminList() error = %v", err)
	}
	if gotFilter.Query != "go" || gotFilter.CategorySlug != "all" {
		t.Errorf("filter = %+v", gotFilter)
	}
	if !list[0].CanManage || list[1].CanManage {
		t.Errorf("can_manage = [%v %v], want [true false]", list[0].CanManage, list[1].CanManage)
	}
}

func TestCreate_NormalizesAndInvalidates(t *testing.T) {
	var created *model.Post
	repo := &mockPostRepo{
		createFn: func(ctx context.Context, post *model.Post) error {
			post.ID = 10
			created = post
			return nil
		},
	}
	cache := newRecordingCache()
	svc := NewService(repo, categoryRepoWithArticle(), cache, security.NewContentSanitizer(), "")

	p, err := svc.Create(context.Background(), authorIdentity, model.PostInput{
		Title:        "  Заголовок  ",
		Excerpt:      "   ",
		Content:      `<p>Текст</p><script>alert(1)</script>`,
		ImageURL:     " ",
		Author:       " ",
		CategorySlug: "article",
		IsFeatured:   true,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if p.ID != 10 || created == nil {
		t.Fatal("post was not created")
	}
	if created.Title != "Заголовок" {
		t.Errorf("Title = %q", created.Title)
	}
	if created.Excerpt != "" || created.ImageURL != "" || created.Author != "" {
		t.Errorf("blank optional fields should be empty: %+v", created)
	}
	if created.Content != "<p>Текст</p>" {
		t.Errorf("Content = %q, want sanitized", created.Content)
	}
	if created.CategoryID == nil || *created.CategoryID != 1 {
		t.Errorf("CategoryID = %v, want 1", created.CategoryID)
	}
	if created.UserID != "author-1" || !created.IsFeatured {
		t.Errorf("UserID = %q, IsFeatured = %v", created.UserID, created.IsFeatured)
	}
	if len(cache.invalidated) != 2 || cache.invalidated[0] != "/" || cache.invalidated[1] != "/post/10" {
		t.Errorf("invalidated = %v, want [/ /post/10]", cache.invalidated)
	}
}

func TestCreate_Validation(t *testing.T) {
	svc := NewService(&mockPostRepo{}, categoryRepoWithArticle(), nil, security.NewContentSanitizer(), "")

	tests := []struct {
		name  string
		input model.PostInput
	}{
		{"blank title", model.PostInput{Title: "   ", Content: "<p>x</p>"}},
		{"empty content", model.PostInput{Title: "t", Content: ""}},
		{"content only script", model.PostInput{Title: "t", Content: "<script>x</script>"}},
		{"unknown category", model.PostInput{Title: "t", Content: "<p>x</p>", CategorySlug: "nope"}},
		{"relative image URL", model.PostInput{Title: "t", Content: "<p>x</p>", ImageURL: "javascript:alert(1)"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), authorIdentity, tt.input)
			assertAPIErrorCode(t, err, model.ErrCodeValidationFailed)
		})
	}
}

func TestCreate_Anonymous_Unauthorized(t *testing.T) {
	svc := NewService(&mockPostRepo{}, &mockCategoryRepo{}, nil, nil, "")

	_, err := svc.Create(context.Background(), nil, model.PostInput{Title: "t", Content: "c"})
	assertAPIErrorCode(t, err, model.ErrCodeUnauthorized)
}

func TestUpdate_OtherAuthorsPost_Forbidden(t *testing.T) {
	repo := &mockPostRepo{
		findByIDFn: func(ctx context.Context, id int64) (*model.Post, error) {
			return &model.Post{ID: id, UserID: "someone-else"}, nil
		},
		updateFn: func(ctx context.Context, post *model.Post) error {
			t.Error("Update should not be called")
			return nil
		},
	}
	svc := NewService(repo, &mockCategoryRepo{}, nil, nil, "")

	_, err := svc.Update(context.Background(), authorIdentity, 5, model.PostInput{Title: "t", Content: "c"})
	assertAPIErrorCode(t, err, model.ErrCodeForbidden)
}

func TestUpdate_AdminCanEditAnyPost_KeepsViewsAndOwner(t *testing.T) {
	var updated *model.Post
	repo := &mockPostRepo{
		findByIDFn: func(ctx context.Context, id int64) (*model.Post, error) {
			return &model.Post{ID: id, UserID: "someone-else", Views: 99, Title: "old", Content: "old"}, nil
		},
		updateFn: func(ctx context.Context, post *model.Post) error {
			updated = post
			return nil
		},
	}
	cache := newRecordingCache()
	svc := NewService(repo, &mockCategoryRepo{}, cache, nil, "")

	if _, err := svc.Update(context.Background(), adminIdentity, 5, model.PostInput{Title: "new", Content: "<p>new</p>"}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Title != "new" || updated.Views != 99 || updated.UserID != "someone-else" {
		t.Errorf("updated = %+v", updated)
	}
	if updated.CategoryID != nil {
		t.Errorf("CategoryID = %v, want nil when no category given", updated.CategoryID)
	}
	if len(cache.invalidated) != 2 || cache.invalidated[1] != "/post/5" {
		t.Errorf("invalidated = %v", cache.invalidated)
	}
}

func TestDelete_NotFound(t *testing.T) {
	svc := NewService(&mockPostRepo{}, &mockCategoryRepo{}, nil, nil, "")

	err := svc.Delete(context.Background(), adminIdentity, 404)
	assertAPIErrorCode(t, err, model.ErrCodePostNotFound)
}

func TestDelete_OwnPost(t *testing.T) {
	var deleted int64
	repo := &mockPostRepo{
		findByIDFn: func(ctx context.Context, id int64) (*model.Post, error) {
			return &model.Post{ID: id, UserID: "author-1"}, nil
		},
		deleteFn: func(ctx context.Context, id int64) error {
			deleted = id
			return nil
		},
	}
	svc := NewService(repo, &mockCategoryRepo{}, nil, nil, "")

	if err := svc.Delete(context.Background(), authorIdentity, 8); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if deleted != 8 {
		t.Errorf("deleted = %d, want 8", deleted)
	}
}

func TestDelete_ConcurrentlyRemoved_NotFound(t *testing.T) {
	repo := &mockPostRepo{
		findByIDFn: func(ctx context.Context, id int64) (*model.Post, error) {
			return &model.Post{ID: id, UserID: "author-1"}, nil
		},
		deleteFn: func(ctx context.Context, id int64) error {
			return repository.ErrNotFound
		},
	}
	svc := NewService(repo, &mockCategoryRepo{}, nil, nil, "")

	err := svc.Delete(context.Background(), authorIdentity, 8)
	assertAPIErrorCode(t, err, model.ErrCodePostNotFound)
}

func TestToggleFeatured_FlipsFlag(t *testing.T) {
	var gotFeatured bool
	repo := &mockPostRepo{
		findByIDFn: func(ctx context.Context, id int64) (*model.Post, error) {
			return &model.Post{ID: id, UserID: "author-1", IsFeatured: true}, nil
		},
		setFeaturedFn: func(ctx context.Context, id int64, featured bool) error {
			gotFeatured = featured
			return nil
		},
	}
	svc := NewService(repo, &mockCategoryRepo{}, nil, nil, "")

	featured, err := svc.ToggleFeatured(context.Background(), authorIdentity, 3)
	if err != nil {
		t.Fatalf("ToggleFeatured() error = %v", err)
	}
	if featured || gotFeatured {
		t.Errorf("featured = %v (repo %v), want false", featured, gotFeatured)
	}
}

func assertAPIErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *model.APIError %s", err, code)
	}
	if apiErr.Code != code {
		t.Errorf("error code = %q, want %q", apiErr.Code, code)
	}
}
