package auth

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/hitoshi/cataclysm/internal/model"
	"github.com/hitoshi/cataclysm/internal/repository"
)

// --- モック定義 ---

type mockUserRepo struct {
	findByIDFn    func(ctx context.Context, id string) (*model.User, error)
	findByEmailFn func(ctx context.Context, email string) (*model.User, error)
	createFn      func(ctx context.Context, user *model.User) error
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	if m.findByEmailFn != nil {
		return m.findByEmailFn(ctx, email)
	}
	return nil, nil
}

func (m *mockUserRepo) Create(ctx context.Context, user *model.User) error {
	if m.createFn != nil {
		return m.createFn(ctx, user)
	}
	return nil
}

func (m *mockUserRepo) UpdatePassword(_ context.Context, _, _ string) error {
	return nil
}

func (m *mockUserRepo) DeleteByID(_ context.Context, _ string) error {
	return nil
}

type mockSessionRepo struct {
	createFn     func(ctx context.Context, session *model.Session) error
	findByIDFn   func(ctx context.Context, id string) (*model.Session, error)
	extendFn     func(ctx context.Context, id string, expiresAt time.Time) error
	deleteByIDFn func(ctx context.Context, id string) error
}

func (m *mockSessionRepo) Create(ctx context.Context, session *model.Session) error {
	if m.createFn != nil {
		return m.createFn(ctx, session)
	}
	return nil
}

func (m *mockSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockSessionRepo) Extend(ctx context.Context, id string, expiresAt time.Time) error {
	if m.extendFn != nil {
		return m.extendFn(ctx, id, expiresAt)
	}
	return nil
}

func (m *mockSessionRepo) DeleteByID(ctx context.Context, id string) error {
	if m.deleteByIDFn != nil {
		return m.deleteByIDFn(ctx, id)
	}
	return nil
}

func (m *mockSessionRepo) DeleteByUserID(_ context.Context, _ string) error {
	return nil
}

func (m *mockSessionRepo) DeleteExpired(_ context.Context) (int64, error) {
	return 0, nil
}

// --- compile-time interface checks ---
var _ repository.UserRepository = (*mockUserRepo)(nil)
var _ repository.SessionRepository = (*mockSessionRepo)(nil)

// --- ヘルパー ---

var testConfig = ServiceConfig{
	SessionMaxAge:       14 * 24 * time.Hour,
	SessionRefreshAfter: 24 * time.Hour,
}

func newTestService(userRepo *mockUserRepo, sessionRepo *mockSessionRepo) *Service {
	if userRepo == nil {
		userRepo = &mockUserRepo{}
	}
	if sessionRepo == nil {
		sessionRepo = &mockSessionRepo{}
	}
	return NewService(userRepo, sessionRepo, testConfig, nil)
}

func mustHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	return hash
}

// --- パスワードログイン ---

func TestLogin_ValidCredentials_CreatesSession(t *testing.T) {
	hash := mustHash(t, "correct-horse")
	var createdSession *model.Session

	userRepo := &mockUserRepo{
		findByEmailFn: func(ctx context.Context, email string) (*model.User, error) {
			if email != "editor@example.com" {
				t.Errorf("FindByEmail email = %q, want %q", email, "editor@example.com")
			}
			return &model.User{ID: "user-1", Email: email, PasswordHash: hash}, nil
		},
	}
	sessionRepo := &mockSessionRepo{
		createFn: func(ctx context.Context, session *model.Session) error {
			createdSession = session
			return nil
		},
	}
	svc := newTestService(userRepo, sessionRepo)

	session, err := svc.Login(context.Background(), " editor@example.com ", "correct-horse")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if session == nil || session.ID == "" {
		t.Fatal("expected non-empty session")
	}
	if len(session.ID) != 64 {
		t.Errorf("session ID length = %d, want 64", len(session.ID))
	}
	if createdSession == nil || createdSession.UserID != "user-1" {
		t.Errorf("created session = %+v, want user-1", createdSession)
	}
	if got := session.ExpiresAt.Sub(session.CreatedAt); got != testConfig.SessionMaxAge {
		t.Errorf("session lifetime = %v, want %v", got, testConfig.SessionMaxAge)
	}
}

func TestLogin_WrongPassword_ReturnsInvalidCredentials(t *testing.T) {
	hash := mustHash(t, "correct-horse")
	userRepo := &mockUserRepo{
		findByEmailFn: func(ctx context.Context, email string) (*model.User, error) {
			return &model.User{ID: "user-1", Email: email, PasswordHash: hash}, nil
		},
	}
	sessionRepo := &mockSessionRepo{
		createFn: func(ctx context.Context, session *model.Session) error {
			t.Error("session should not be created")
			return nil
		},
	}
	svc := newTestService(userRepo, sessionRepo)

	_, err := svc.Login(context.Background(), "editor@example.com", "battery-staple")
	assertAPIErrorCode(t, err, model.ErrCodeInvalidCredentials)
}

func TestLogin_UnknownUser_ReturnsInvalidCredentials(t *testing.T) {
	svc := newTestService(nil, nil)

	_, err := svc.Login(context.Background(), "nobody@example.com", "whatever")
	assertAPIErrorCode(t, err, model.ErrCodeInvalidCredentials)
}

func TestLogin_OIDCOnlyUser_ReturnsInvalidCredentials(t *testing.T) {
	userRepo := &mockUserRepo{
		findByEmailFn: func(ctx context.Context, email string) (*model.User, error) {
			return &model.User{ID: "user-1", Email: email}, nil
		},
	}
	svc := newTestService(userRepo, nil)

	_, err := svc.Login(context.Background(), "sso@example.com", "anything")
	assertAPIErrorCode(t, err, model.ErrCodeInvalidCredentials)
}

func TestLogin_EmptyInput_ReturnsInvalidCredentials(t *testing.T) {
	svc := newTestService(nil, nil)

	_, err := svc.Login(context.Background(), "", "")
	assertAPIErrorCode(t, err, model.ErrCodeInvalidCredentials)
}

func TestLogin_RepositoryError_ReturnsError(t *testing.T) {
	userRepo := &mockUserRepo{
		findByEmailFn: func(ctx context.Context, email string) (*model.User, error) {
			return nil, errors.New("db down")
		},
	}
	svc := newTestService(userRepo, nil)

	_, err := svc.Login(context.Background(), "editor@example.com", "pw")
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		t.Errorf("repository failure should not be reported as %s", apiErr.Code)
	}
}

// --- OIDCログイン ---

func TestLoginWithOIDC_NewUser_CreatesAuthor(t *testing.T) {
	var createdUser *model.User
	userRepo := &mockUserRepo{
		createFn: func(ctx context.Context, user *model.User) error {
			createdUser = user
			return nil
		},
	}
	svc := newTestService(userRepo, nil)

	session, err := svc.LoginWithOIDC(context.Background(), &OIDCUserInfo{
		Subject:       "sub-1",
		Email:         "new@example.com",
		EmailVerified: true,
		Name:          "New Editor",
	})
	if err != nil {
		t.Fatalf("LoginWithOIDC() error = %v", err)
	}
	if createdUser == nil {
		t.Fatal("expected user to be created")
	}
	if createdUser.Role != model.RoleAuthor {
		t.Errorf("role = %q, want %q", createdUser.Role, model.RoleAuthor)
	}
	if createdUser.PasswordHash != "" {
		t.Error("OIDC user should not have a password hash")
	}
	if session.UserID != createdUser.ID {
		t.Errorf("session userID = %q, want %q", session.UserID, createdUser.ID)
	}
}

func TestLoginWithOIDC_ExistingUser_ReusesUser(t *testing.T) {
	userRepo := &mockUserRepo{
		findByEmailFn: func(ctx context.Context, email string) (*model.User, error) {
			return &model.User{ID: "existing-1", Email: email, Role: model.RoleAdmin}, nil
		},
		createFn: func(ctx context.Context, user *model.User) error {
			t.Error("Create should not be called for existing user")
			return nil
		},
	}
	svc := newTestService(userRepo, nil)

	session, err := svc.LoginWithOIDC(context.Background(), &OIDCUserInfo{Email: "root@example.com", EmailVerified: true})
	if err != nil {
		t.Fatalf("LoginWithOIDC() error = %v", err)
	}
	if session.UserID != "existing-1" {
		t.Errorf("session userID = %q, want %q", session.UserID, "existing-1")
	}
}

func TestLoginWithOIDC_UnverifiedEmail_ReturnsError(t *testing.T) {
	svc := newTestService(nil, nil)

	_, err := svc.LoginWithOIDC(context.Background(), &OIDCUserInfo{Email: "x@example.com"})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeForbidden {
		t.Fatalf("LoginWithOIDC() error = %v, want FORBIDDEN", err)
	}
}

func TestLoginWithOIDC_UserCreationError_ReturnsError(t *testing.T) {
	userRepo := &mockUserRepo{
		createFn: func(ctx context.Context, user *model.User) error {
			return errors.New("db error")
		},
	}
	svc := newTestService(userRepo, nil)

	_, err := svc.LoginWithOIDC(context.Background(), &OIDCUserInfo{Email: "x@example.com", EmailVerified: true})
	if err == nil {
		t.Fatal("expected error from LoginWithOIDC")
	}
}

// --- ログアウト ---

func TestLogout_DeletesSession(t *testing.T) {
	var deletedSessionID string
	sessionRepo := &mockSessionRepo{
		deleteByIDFn: func(ctx context.Context, id string) error {
			deletedSessionID = id
			return nil
		},
	}
	svc := newTestService(nil, sessionRepo)

	if err := svc.Logout(context.Background(), "session-to-delete"); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if deletedSessionID != "session-to-delete" {
		t.Errorf("deleted session ID = %q, want %q", deletedSessionID, "session-to-delete")
	}
}

func TestLogout_EmptySessionID_ReturnsError(t *testing.T) {
	svc := newTestService(nil, nil)

	if err := svc.Logout(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty session ID")
	}
}

// --- 識別情報の解決 ---

func TestResolveUser_NoCookie_ReturnsNil(t *testing.T) {
	svc := newTestService(nil, nil)

	identity, ops, err := svc.ResolveUser(context.Background(), nil)
	if err != nil {
		t.Fatalf("ResolveUser() error = %v", err)
	}
	if identity != nil {
		t.Errorf("identity = %+v, want nil", identity)
	}
	if len(ops) != 0 {
		t.Errorf("cookie ops = %d, want 0", len(ops))
	}
}

func TestResolveUser_FreshSession_ReturnsIdentityWithoutRefresh(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	sessionRepo := &mockSessionRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			// 1時間前に発行
			return &model.Session{ID: id, UserID: "user-1", ExpiresAt: now.Add(-time.Hour).Add(testConfig.SessionMaxAge)}, nil
		},
		extendFn: func(ctx context.Context, id string, expiresAt time.Time) error {
			t.Error("Extend should not be called for a fresh session")
			return nil
		},
	}
	userRepo := &mockUserRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
			return &model.User{ID: id, Email: "root@example.com", Name: "Root", Role: model.RoleAdmin}, nil
		},
	}
	svc := newTestService(userRepo, sessionRepo)
	svc.now = func() time.Time { return now }

	identity, ops, err := svc.ResolveUser(context.Background(), []*http.Cookie{{Name: SessionCookieName, Value: "sess-1"}})
	if err != nil {
		t.Fatalf("ResolveUser() error = %v", err)
	}
	if identity == nil || identity.Email != "root@example.com" {
		t.Fatalf("identity = %+v, want root@example.com", identity)
	}
	if !identity.IsAdmin() {
		t.Error("identity should be admin")
	}
	if len(ops) != 0 {
		t.Errorf("cookie ops = %d, want 0", len(ops))
	}
}

func TestResolveUser_StaleSession_ExtendsAndReissuesCookie(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	var extendedTo time.Time
	sessionRepo := &mockSessionRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			// 2日前に発行
			return &model.Session{ID: id, UserID: "user-1", ExpiresAt: now.Add(-48 * time.Hour).Add(testConfig.SessionMaxAge)}, nil
		},
		extendFn: func(ctx context.Context, id string, expiresAt time.Time) error {
			extendedTo = expiresAt
			return nil
		},
	}
	userRepo := &mockUserRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
			return &model.User{ID: id, Email: "a@example.com"}, nil
		},
	}
	svc := newTestService(userRepo, sessionRepo)
	svc.now = func() time.Time { return now }

	identity, ops, err := svc.ResolveUser(context.Background(), []*http.Cookie{{Name: SessionCookieName, Value: "sess-1"}})
	if err != nil {
		t.Fatalf("ResolveUser() error = %v", err)
	}
	if identity == nil {
		t.Fatal("expected identity")
	}
	if want := now.Add(testConfig.SessionMaxAge); !extendedTo.Equal(want) {
		t.Errorf("extended to %v, want %v", extendedTo, want)
	}
	if len(ops) != 1 {
		t.Fatalf("cookie ops = %d, want 1", len(ops))
	}
	c := ops[0]
	if c.Name != SessionCookieName || c.Value != "sess-1" {
		t.Errorf("cookie = %s=%s, want %s=sess-1", c.Name, c.Value, SessionCookieName)
	}
	if c.MaxAge != int(testConfig.SessionMaxAge.Seconds()) {
		t.Errorf("MaxAge = %d, want %d", c.MaxAge, int(testConfig.SessionMaxAge.Seconds()))
	}
	if !c.HttpOnly {
		t.Error("session cookie should be HttpOnly")
	}
}

func TestResolveUser_ExtendFailure_KeepsIdentity(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	sessionRepo := &mockSessionRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			return &model.Session{ID: id, UserID: "user-1", ExpiresAt: now.Add(time.Hour)}, nil
		},
		extendFn: func(ctx context.Context, id string, expiresAt time.Time) error {
			return errors.New("db error")
		},
	}
	userRepo := &mockUserRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
			return &model.User{ID: id, Email: "a@example.com"}, nil
		},
	}
	svc := newTestService(userRepo, sessionRepo)
	svc.now = func() time.Time { return now }

	identity, ops, err := svc.ResolveUser(context.Background(), []*http.Cookie{{Name: SessionCookieName, Value: "sess-1"}})
	if err != nil {
		t.Fatalf("ResolveUser() error = %v", err)
	}
	if identity == nil {
		t.Fatal("expected identity")
	}
	if len(ops) != 0 {
		t.Errorf("cookie ops = %d, want 0", len(ops))
	}
}

func TestResolveUser_ExpiredSession_ClearsCookie(t *testing.T) {
	svc := newTestService(nil, &mockSessionRepo{})

	identity, ops, err := svc.ResolveUser(context.Background(), []*http.Cookie{{Name: SessionCookieName, Value: "gone"}})
	if err != nil {
		t.Fatalf("ResolveUser() error = %v", err)
	}
	if identity != nil {
		t.Errorf("identity = %+v, want nil", identity)
	}
	if len(ops) != 1 || ops[0].MaxAge != -1 {
		t.Fatalf("cookie ops = %+v, want one clearing cookie", ops)
	}
}

func TestResolveUser_DeletedUser_ClearsCookie(t *testing.T) {
	sessionRepo := &mockSessionRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			return &model.Session{ID: id, UserID: "deleted", ExpiresAt: time.Now().Add(time.Hour)}, nil
		},
	}
	svc := newTestService(nil, sessionRepo)

	identity, ops, err := svc.ResolveUser(context.Background(), []*http.Cookie{{Name: SessionCookieName, Value: "s"}})
	if err != nil {
		t.Fatalf("ResolveUser() error = %v", err)
	}
	if identity != nil {
		t.Error("identity should be nil for deleted user")
	}
	if len(ops) != 1 || ops[0].MaxAge != -1 {
		t.Fatalf("cookie ops = %+v, want one clearing cookie", ops)
	}
}

func TestResolveUser_RepositoryError_ReturnsError(t *testing.T) {
	sessionRepo := &mockSessionRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			return nil, errors.New("db down")
		},
	}
	svc := newTestService(nil, sessionRepo)

	_, ops, err := svc.ResolveUser(context.Background(), []*http.Cookie{{Name: SessionCookieName, Value: "s"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(ops) != 0 {
		t.Errorf("cookie ops = %d, want 0 on error", len(ops))
	}
}

// --- Cookie ---

func TestClearSessionCookie_Attributes(t *testing.T) {
	svc := NewService(&mockUserRepo{}, &mockSessionRepo{}, ServiceConfig{CookieSecure: true, CookieDomain: "cataclysm.example"}, nil)

	c := svc.ClearSessionCookie()
	if c.MaxAge != -1 {
		t.Errorf("MaxAge = %d, want -1", c.MaxAge)
	}
	if !c.Secure || !c.HttpOnly {
		t.Error("cookie should be Secure and HttpOnly")
	}
	if c.SameSite != http.SameSiteLaxMode {
		t.Errorf("SameSite = %v, want Lax", c.SameSite)
	}
	if c.Domain != "cataclysm.example" {
		t.Errorf("Domain = %q, want %q", c.Domain, "cataclysm.example")
	}
}

func TestGenerateState_Unique(t *testing.T) {
	a, err := GenerateState()
	if err != nil {
		t.Fatalf("GenerateState() error = %v", err)
	}
	b, _ := GenerateState()
	if a == b {
		t.Error("states should differ")
	}
	if len(a) != 32 {
		t.Errorf("state length = %d, want 32", len(a))
	}
}

func assertAPIErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *model.APIError", err)
	}
	if apiErr.Code != code {
		t.Errorf("error code = %q, want %q", apiErr.Code, code)
	}
}
