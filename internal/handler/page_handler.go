package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/cataclysm/internal/middleware"
	"github.com/hitoshi/cataclysm/internal/model"
	"github.com/hitoshi/cataclysm/internal/post"
	"github.com/hitoshi/cataclysm/internal/viewcount"
)

// PostServiceInterface は公開ページのハンドラーが必要とするサービスインターフェース。
type PostServiceInterface interface {
	Home(ctx context.Context, page int) (*post.HomePage, error)
	Post(ctx context.Context, rawID string) (*post.PostPage, error)
	Category(ctx context.Context, slug string) (*post.CategoryPage, error)
	Author(ctx context.Context, name string) (*post.AuthorPage, error)
}

// ViewCounterInterface はビューカウンターのインターフェース。
type ViewCounterInterface interface {
	Activate(ctx context.Context, markers viewcount.MarkerStore, contentID string, initialViews int64) (int64, bool)
}

// PageHandlerConfig は公開ページハンドラーの設定。
type PageHandlerConfig struct {
	CookieSecure bool
}

// PageHandler は公開ページのページデータを返すHTTPハンドラー。
type PageHandler struct {
	posts   PostServiceInterface
	counter ViewCounterInterface
	config  PageHandlerConfig
}

// NewPageHandler はPageHandlerを生成する。
func NewPageHandler(posts PostServiceInterface, counter ViewCounterInterface, config PageHandlerConfig) *PageHandler {
	return &PageHandler{
		posts:   posts,
		counter: counter,
		config:  config,
	}
}

// homeResponse はトップページのレスポンス。
type homeResponse struct {
	*post.HomePage
	Authenticated bool `json:"authenticated"`
}

// viewRequest はビューカウンターAPIのリクエストボディ。
type viewRequest struct {
	InitialViews int64 `json:"initial_views"`
}

// viewResponse はビューカウンターAPIのレスポンス。
type viewResponse struct {
	Views   int64 `json:"views"`
	Counted bool  `json:"counted"`
}

// Home はトップページのページデータを返す。
// GET /?page=N
func (h *PageHandler) Home(w http.ResponseWriter, r *http.Request) {
	page := post.ParsePage(r.URL.Query().Get("page"))

	data, err := h.posts.Home(r.Context(), page)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, homeResponse{
		HomePage:      data,
		Authenticated: middleware.IdentityFromContext(r.Context()) != nil,
	})
}

// Post は記事ページのページデータを返す。
// ビューカウンターを起動し、加算後の閲覧数を返す。
// GET /post/{id}
func (h *PageHandler) Post(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	data, err := h.posts.Post(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	markers := viewcount.NewCookieMarkers(r, h.config.CookieSecure)
	data.Views, _ = h.counter.Activate(r.Context(), markers, id, data.Views)
	markers.WriteTo(w)

	writeJSON(w, http.StatusOK, data)
}

// View はクライアントから呼ばれるビューカウンターのエンドポイント。
// 同一ブラウザセッションで2回目以降の呼び出しは加算しない。
// POST /api/posts/{id}/view
func (h *PageHandler) View(w http.ResponseWriter, r *http.Request) {
	// ボディが空の場合は既知の閲覧数0として扱う
	var req viewRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		handleServiceError(w, model.NewInvalidRequestError())
		return
	}

	markers := viewcount.NewCookieMarkers(r, h.config.CookieSecure)
	views, counted := h.counter.Activate(r.Context(), markers, chi.URLParam(r, "id"), req.InitialViews)
	markers.WriteTo(w)

	writeJSON(w, http.StatusOK, viewResponse{Views: views, Counted: counted})
}

// Category はカテゴリページのページデータを返す。
// GET /category/{slug}
func (h *PageHandler) Category(w http.ResponseWriter, r *http.Request) {
	data, err := h.posts.Category(r.Context(), pathParam(r, "slug"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

// Author は著者ページのページデータを返す。
// GET /author/{name}
func (h *PageHandler) Author(w http.ResponseWriter, r *http.Request) {
	data, err := h.posts.Author(r.Context(), pathParam(r, "name"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

// pathParam はURLパラメータをデコードして返す。デコードできない場合はそのまま返す。
func pathParam(r *http.Request, key string) string {
	raw := chi.URLParam(r, key)
	if decoded, err := url.PathUnescape(raw); err == nil {
		return decoded
	}
	return raw
}
