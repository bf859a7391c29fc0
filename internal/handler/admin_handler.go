package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/cataclysm/internal/middleware"
	"github.com/hitoshi/cataclysm/internal/model"
	"github.com/hitoshi/cataclysm/internal/post"
)

// AdminServiceInterface は管理画面のハンドラーが必要とするサービスインターフェース。
type AdminServiceInterface interface {
	AdminList(ctx context.Context, identity *model.Identity, filter model.PostFilter) ([]post.AdminSummary, error)
	AdminGet(ctx context.Context, identity *model.Identity, id int64) (*model.Post, error)
	Create(ctx context.Context, identity *model.Identity, input model.PostInput) (*model.Post, error)
	Update(ctx context.Context, identity *model.Identity, id int64, input model.PostInput) (*model.Post, error)
	Delete(ctx context.Context, identity *model.Identity, id int64) error
	ToggleFeatured(ctx context.Context, identity *model.Identity, id int64) (bool, error)
	Categories(ctx context.Context) ([]*model.Category, error)
}

// AdminHandler は管理画面（CMS）のHTTPハンドラー。
type AdminHandler struct {
	service AdminServiceInterface
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(service AdminServiceInterface) *AdminHandler {
	return &AdminHandler{service: service}
}

// postRequest は記事の作成・更新リクエストのボディ。
type postRequest struct {
	Title      string `json:"title"`
	Excerpt    string `json:"excerpt"`
	Content    string `json:"content"`
	ImageURL   string `json:"image_url"`
	Author     string `json:"author"`
	Category   string `json:"category"`
	IsFeatured bool   `json:"is_featured"`
}

func (req postRequest) toInput() model.PostInput {
	return model.PostInput{
		Title:        req.Title,
		Excerpt:      req.Excerpt,
		Content:      req.Content,
		ImageURL:     req.ImageURL,
		Author:       req.Author,
		CategorySlug: req.Category,
		IsFeatured:   req.IsFeatured,
	}
}

// adminPostResponse は編集用の記事レスポンス。
type adminPostResponse struct {
	ID         int64             `json:"id"`
	Title      string            `json:"title"`
	Excerpt    string            `json:"excerpt"`
	Content    string            `json:"content"`
	ImageURL   string            `json:"image_url"`
	Author     string            `json:"author"`
	Category   *post.CategoryRef `json:"category,omitempty"`
	IsFeatured bool              `json:"is_featured"`
	Views      int64             `json:"views"`
	UserID     string            `json:"user_id,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// dashboardResponse は管理画面トップのページデータ。
type dashboardResponse struct {
	Email     string `json:"email"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	CSRFToken string `json:"csrf_token"`
}

// categoryResponse はカテゴリ一覧の1件。
type categoryResponse struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
	Slug  string `json:"slug"`
}

// Dashboard は管理画面トップのページデータを返す。
// 以降の変更系APIで使用するCSRFトークンを含む。
// GET /admin
func (h *AdminHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())
	if identity == nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	writeJSON(w, http.StatusOK, dashboardResponse{
		Email:     identity.Email,
		Name:      identity.Name,
		Role:      string(identity.Role),
		CSRFToken: middleware.CSRFTokenFromRequest(r),
	})
}

// ListPosts は記事一覧を返す。
// GET /admin/api/posts?q=xxx&category=slug
func (h *AdminHandler) ListPosts(w http.ResponseWriter, r *http.Request) {
	filter := model.PostFilter{
		Query:        r.URL.Query().Get("q"),
		CategorySlug: r.URL.Query().Get("category"),
	}

	posts, err := h.service.AdminList(r.Context(), middleware.IdentityFromContext(r.Context()), filter)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, posts)
}

// GetPost は編集用に記事を返す。
// GET /admin/api/posts/{id}
func (h *AdminHandler) GetPost(w http.ResponseWriter, r *http.Request) {
	id, ok := postIDParam(w, r)
	if !ok {
		return
	}

	p, err := h.service.AdminGet(r.Context(), middleware.IdentityFromContext(r.Context()), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAdminPostResponse(p))
}

// CreatePost は記事を作成する。
// POST /admin/api/posts
func (h *AdminHandler) CreatePost(w http.ResponseWriter, r *http.Request) {
	var req postRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	p, err := h.service.Create(r.Context(), middleware.IdentityFromContext(r.Context()), req.toInput())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAdminPostResponse(p))
}

// UpdatePost は記事を更新する。
// PUT /admin/api/posts/{id}
func (h *AdminHandler) UpdatePost(w http.ResponseWriter, r *http.Request) {
	id, ok := postIDParam(w, r)
	if !ok {
		return
	}

	var req postRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	p, err := h.service.Update(r.Context(), middleware.IdentityFromContext(r.Context()), id, req.toInput())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAdminPostResponse(p))
}

// DeletePost は記事を削除する。
// DELETE /admin/api/posts/{id}
func (h *AdminHandler) DeletePost(w http.ResponseWriter, r *http.Request) {
	id, ok := postIDParam(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), middleware.IdentityFromContext(r.Context()), id); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ToggleFeatured は記事の注目フラグを反転する。
// POST /admin/api/posts/{id}/featured
func (h *AdminHandler) ToggleFeatured(w http.ResponseWriter, r *http.Request) {
	id, ok := postIDParam(w, r)
	if !ok {
		return
	}

	featured, err := h.service.ToggleFeatured(r.Context(), middleware.IdentityFromContext(r.Context()), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"is_featured": featured})
}

// ListCategories はカテゴリ一覧を返す。
// GET /admin/api/categories
func (h *AdminHandler) ListCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.service.Categories(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	out := make([]categoryResponse, 0, len(categories))
	for _, c := range categories {
		out = append(out, categoryResponse{ID: c.ID, Title: c.Title, Slug: c.Slug})
	}
	writeJSON(w, http.StatusOK, out)
}

// postIDParam はURLパラメータから記事IDを取得する。不正な場合は404を書き込む。
func postIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		handleServiceError(w, model.NewPostNotFoundError(raw))
		return 0, false
	}
	return id, true
}

func toAdminPostResponse(p *model.Post) adminPostResponse {
	resp := adminPostResponse{
		ID:         p.ID,
		Title:      p.Title,
		Excerpt:    p.Excerpt,
		Content:    p.Content,
		ImageURL:   p.ImageURL,
		Author:     p.Author,
		IsFeatured: p.IsFeatured,
		Views:      p.Views,
		UserID:     p.UserID,
		CreatedAt:  p.CreatedAt,
		UpdatedAt:  p.UpdatedAt,
	}
	if p.Category != nil {
		resp.Category = &post.CategoryRef{Title: p.Category.Title, Slug: p.Category.Slug}
	}
	return resp
}
