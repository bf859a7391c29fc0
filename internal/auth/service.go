// Package auth はパスワード・OIDCによるログインとセッション管理を提供する。
// アクセスゲートが使用するセッション識別情報の解決もここで行う。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/cataclysm/internal/metrics"
	"github.com/hitoshi/cataclysm/internal/model"
	"github.com/hitoshi/cataclysm/internal/repository"
)

// SessionCookieName はセッションIDを保持するCookie名。
const SessionCookieName = "session_id"

// ログイン方式（メトリクスのラベル）
const (
	methodPassword = "password"
	methodOIDC     = "oidc"
)

// dummyHash はユーザーが存在しない場合の比較に使用するbcryptハッシュ。
// 存在有無で応答時間が変わらないようにする。
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("cataclysm-dummy-password"), bcrypt.DefaultCost)

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge       time.Duration // セッション有効期間
	SessionRefreshAfter time.Duration // 発行からこの時間が経過したセッションは延長する
	CookieDomain        string
	CookieSecure        bool
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
	config      ServiceConfig
	metrics     metrics.MetricsCollector
	now         func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	userRepo repository.UserRepository,
	sessionRepo repository.SessionRepository,
	config ServiceConfig,
	mc metrics.MetricsCollector,
) *Service {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Service{
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		config:      config,
		metrics:     mc,
		now:         time.Now,
	}
}

// Login はメールアドレスとパスワードを検証し、セッションを発行する。
// 認証に失敗した場合はINVALID_CREDENTIALSエラーを返す。
func (s *Service) Login(ctx context.Context, email, password string) (*model.Session, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		s.metrics.RecordLogin(methodPassword, "failure")
		return nil, model.NewInvalidCredentialsError()
	}

	// 1. ユーザーを検索
	user, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	// 2. パスワードを検証（ユーザー不在・パスワード未設定でも同じ時間をかける）
	hash := dummyHash
	if user != nil && user.PasswordHash != "" {
		hash = []byte(user.PasswordHash)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil || user == nil || user.PasswordHash == "" {
		s.metrics.RecordLogin(methodPassword, "failure")
		slog.Info("password login failed", slog.String("email", email))
		return nil, model.NewInvalidCredentialsError()
	}

	// 3. セッションを発行
	session, err := s.createSession(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.metrics.RecordLogin(methodPassword, "success")
	slog.Info("user logged in",
		slog.String("user_id", user.ID),
		slog.String("method", methodPassword),
	)
	return session, nil
}

// LoginWithOIDC はIdPで認証済みのユーザー情報からセッションを発行する。
// 未登録のメールアドレスの場合はauthor権限のユーザーを自動作成する。
func (s *Service) LoginWithOIDC(ctx context.Context, info *OIDCUserInfo) (*model.Session, error) {
	if info == nil || info.Email == "" {
		s.metrics.RecordLogin(methodOIDC, "failure")
		slog.Warn("oidc login rejected: email claim is missing")
		return nil, model.NewForbiddenError()
	}
	if !info.EmailVerified {
		s.metrics.RecordLogin(methodOIDC, "failure")
		slog.Warn("oidc login rejected: email is not verified", slog.String("email", info.Email))
		return nil, model.NewForbiddenError()
	}

	// 1. メールアドレスで既存ユーザーを検索
	user, err := s.userRepo.FindByEmail(ctx, info.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	// 2. 未登録の場合は作成
	if user == nil {
		now := s.now()
		user = &model.User{
			ID:        uuid.New().String(),
			Email:     strings.ToLower(info.Email),
			Name:      info.Name,
			Role:      model.RoleAuthor,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.userRepo.Create(ctx, user); err != nil {
			return nil, fmt.Errorf("failed to create user: %w", err)
		}
		slog.Info("new user created",
			slog.String("user_id", user.ID),
			slog.String("email", user.Email),
			slog.String("method", methodOIDC),
		)
	}

	// 3. セッションを発行
	session, err := s.createSession(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.metrics.RecordLogin(methodOIDC, "success")
	slog.Info("user logged in",
		slog.String("user_id", user.ID),
		slog.String("method", methodOIDC),
	)
	return session, nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("user logged out")
	return nil
}

// ResolveUser はリクエストのCookieからセッションの識別情報を解決する。
// 識別情報と、レスポンスに適用すべきCookie操作（延長・削除）を返す。
// 未ログインの場合は識別情報nilを返す。エラー時もCookie操作は返さない。
//
//  1. セッションCookieがなければ未ログイン
//  2. セッションが無効・期限切れならCookieを削除
//  3. 発行からSessionRefreshAfterを過ぎていれば有効期限を延長し、Cookieを再発行
func (s *Service) ResolveUser(ctx context.Context, cookies []*http.Cookie) (*model.Identity, []*http.Cookie, error) {
	// 1. セッションCookieの取得
	sessionID := ""
	for _, c := range cookies {
		if c.Name == SessionCookieName {
			sessionID = c.Value
			break
		}
	}
	if sessionID == "" {
		return nil, nil, nil
	}

	// 2. セッションとユーザーの検証
	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, []*http.Cookie{s.ClearSessionCookie()}, nil
	}

	user, err := s.userRepo.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, []*http.Cookie{s.ClearSessionCookie()}, nil
	}

	identity := &model.Identity{
		UserID: user.ID,
		Email:  user.Email,
		Name:   user.Name,
		Role:   user.Role,
	}

	// 3. スライディング延長
	var ops []*http.Cookie
	if s.needsRefresh(session) {
		expiresAt := s.now().Add(s.config.SessionMaxAge)
		if err := s.sessionRepo.Extend(ctx, session.ID, expiresAt); err != nil {
			// 延長に失敗しても現在のセッションは有効
			slog.Warn("failed to extend session", slog.String("error", err.Error()))
		} else {
			session.ExpiresAt = expiresAt
			ops = append(ops, s.SessionCookie(session))
		}
	}

	return identity, ops, nil
}

// needsRefresh はセッションの発行（または前回延長）からSessionRefreshAfterが経過したかを返す。
func (s *Service) needsRefresh(session *model.Session) bool {
	if s.config.SessionRefreshAfter <= 0 {
		return false
	}
	issuedAt := session.ExpiresAt.Add(-s.config.SessionMaxAge)
	return s.now().Sub(issuedAt) >= s.config.SessionRefreshAfter
}

// SessionCookie はセッションを保持するHTTP Only Cookieを返す。
func (s *Service) SessionCookie(session *model.Session) *http.Cookie {
	maxAge := int(session.ExpiresAt.Sub(s.now()).Seconds())
	if maxAge <= 0 {
		maxAge = -1
	}
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    session.ID,
		Path:     "/",
		Domain:   s.config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

// ClearSessionCookie はセッションCookieを削除するCookieを返す。
func (s *Service) ClearSessionCookie() *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   s.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID string) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: now.Add(s.config.SessionMaxAge),
		CreatedAt: now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// HashPassword はパスワードをbcryptでハッシュ化する。
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// GenerateState はCSRF対策用のランダムな値を生成する。
func GenerateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
