// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/cataclysm/internal/access"
	"github.com/hitoshi/cataclysm/internal/auth"
	"github.com/hitoshi/cataclysm/internal/middleware"
	"github.com/hitoshi/cataclysm/internal/model"
)

const (
	oidcStateCookie = "oidc_state"
	oidcNonceCookie = "oidc_nonce"
	oidcCookieAge   = 600 // 10分
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Login(ctx context.Context, email, password string) (*model.Session, error)
	LoginWithOIDC(ctx context.Context, info *auth.OIDCUserInfo) (*model.Session, error)
	Logout(ctx context.Context, sessionID string) error
	SessionCookie(session *model.Session) *http.Cookie
	ClearSessionCookie() *http.Cookie
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieSecure bool
}

// AuthHandler はログイン・ログアウト関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	oidc    auth.OIDCProvider // nilの場合はOIDCログイン無効
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, oidc auth.OIDCProvider, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		oidc:    oidc,
		config:  config,
	}
}

// loginRequest はJSONでのログインリクエストのボディ。
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// loginPageResponse はログインページのページデータ。
type loginPageResponse struct {
	Authenticated bool `json:"authenticated"`
	OIDCEnabled   bool `json:"oidc_enabled"`
}

// LoginPage はログインページのページデータを返す。
// 許可リストに含まれるユーザーはアクセスゲートにより /admin へリダイレクトされる。
// GET /login
func (h *AuthHandler) LoginPage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, loginPageResponse{
		Authenticated: middleware.IdentityFromContext(r.Context()) != nil,
		OIDCEnabled:   h.oidc != nil,
	})
}

// Login はメールアドレスとパスワードでログインする。
// フォーム送信とJSONの両方を受け付け、成功時は /admin へ303でリダイレクトする。
// POST /login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := decodeJSON(w, r, &req); err != nil {
			handleServiceError(w, err)
			return
		}
	} else {
		req.Email = r.PostFormValue("email")
		req.Password = r.PostFormValue("password")
	}

	session, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	http.SetCookie(w, h.service.SessionCookie(session))
	http.Redirect(w, r, access.AdminPath, http.StatusSeeOther)
}

// Logout はセッションを破棄し、ログインページへ303でリダイレクトする。
// POST /logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(auth.SessionCookieName)
	if err == nil && cookie.Value != "" {
		if logoutErr := h.service.Logout(r.Context(), cookie.Value); logoutErr != nil {
			slog.Error("failed to logout", slog.String("error", logoutErr.Error()))
			// ログアウト失敗してもCookieはクリアする
		}
	}

	http.SetCookie(w, h.service.ClearSessionCookie())
	http.Redirect(w, r, access.LoginPath, http.StatusSeeOther)
}

// OIDCLogin はOIDCの認可フローを開始する。
// GET /auth/oidc/login
func (h *AuthHandler) OIDCLogin(w http.ResponseWriter, r *http.Request) {
	if h.oidc == nil {
		http.NotFound(w, r)
		return
	}

	state, err := auth.GenerateState()
	if err != nil {
		slog.Error("failed to generate oidc state", slog.String("error", err.Error()))
		handleServiceError(w, err)
		return
	}
	nonce, err := auth.GenerateState()
	if err != nil {
		slog.Error("failed to generate oidc nonce", slog.String("error", err.Error()))
		handleServiceError(w, err)
		return
	}

	// state・nonceをCookieに保存（CSRF・リプレイ対策）
	http.SetCookie(w, h.flowCookie(oidcStateCookie, state, oidcCookieAge))
	http.SetCookie(w, h.flowCookie(oidcNonceCookie, nonce, oidcCookieAge))

	http.Redirect(w, r, h.oidc.AuthCodeURL(state, nonce), http.StatusTemporaryRedirect)
}

// OIDCCallback はOIDCのコールバックを処理し、セッションを発行する。
// GET /auth/oidc/callback?code=xxx&state=yyy
func (h *AuthHandler) OIDCCallback(w http.ResponseWriter, r *http.Request) {
	if h.oidc == nil {
		http.NotFound(w, r)
		return
	}

	// 1. stateの検証
	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oidcStateCookie)
	if err != nil || state == "" || stateCookie.Value != state {
		slog.Warn("oidc state mismatch")
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}
	nonceCookie, err := r.Cookie(oidcNonceCookie)
	if err != nil || nonceCookie.Value == "" {
		slog.Warn("oidc nonce cookie missing")
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}

	// state・nonceのCookieを削除
	http.SetCookie(w, h.flowCookie(oidcStateCookie, "", -1))
	http.SetCookie(w, h.flowCookie(oidcNonceCookie, "", -1))

	// 2. 認可コードの交換とIDトークンの検証
	code := r.URL.Query().Get("code")
	if code == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}

	info, err := h.oidc.Exchange(r.Context(), code, nonceCookie.Value)
	if err != nil {
		slog.Warn("oidc exchange failed", slog.String("error", err.Error()))
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	// 3. セッションの発行
	session, err := h.service.LoginWithOIDC(r.Context(), info)
	if err != nil {
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) {
			slog.Error("oidc login failed", slog.String("error", err.Error()))
		}
		handleServiceError(w, err)
		return
	}

	http.SetCookie(w, h.service.SessionCookie(session))
	http.Redirect(w, r, access.AdminPath, http.StatusSeeOther)
}

// flowCookie は認可フロー中の一時Cookieを生成する。
func (h *AuthHandler) flowCookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/auth/oidc",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}
