// Package user はCMSの編集者アカウントの管理を提供する。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hitoshi/cataclysm/internal/auth"
	"github.com/hitoshi/cataclysm/internal/model"
	"github.com/hitoshi/cataclysm/internal/repository"
)

// MinPasswordLength はパスワードの最小文字数。
const MinPasswordLength = 8

// Service は編集者アカウントのサービス層。
// createuser コマンドから使用する。
type Service struct {
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
	now         func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(userRepo repository.UserRepository, sessionRepo repository.SessionRepository) *Service {
	return &Service{
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		now:         time.Now,
	}
}

// CreateUser はパスワードログイン可能なユーザーを作成する。
// メールアドレスは小文字に正規化して保存する。
func (s *Service) CreateUser(ctx context.Context, email, name, password string, role model.Role) (*model.User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if err := validateRole(role); err != nil {
		return nil, err
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}

	now := s.now()
	user := &model.User{
		ID:           uuid.New().String(),
		Email:        email,
		Name:         strings.TrimSpace(name),
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, model.NewEmailTakenError(email)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	slog.Info("user created",
		slog.String("user_id", user.ID),
		slog.String("email", user.Email),
		slog.String("role", string(user.Role)),
	)
	return user, nil
}

// ResetPassword は既存ユーザーのパスワードを変更し、全セッションを破棄する。
func (s *Service) ResetPassword(ctx context.Context, email, password string) (*model.User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}

	// 1. ユーザー存在確認
	user, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewValidationError(fmt.Sprintf("user %s does not exist", email))
	}

	// 2. パスワードを更新
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	if err := s.userRepo.UpdatePassword(ctx, user.ID, hash); err != nil {
		return nil, fmt.Errorf("failed to update password: %w", err)
	}

	// 3. 既存セッションを破棄
	if s.sessionRepo != nil {
		if err := s.sessionRepo.DeleteByUserID(ctx, user.ID); err != nil {
			return nil, fmt.Errorf("failed to delete sessions: %w", err)
		}
	}

	slog.Info("password reset", slog.String("user_id", user.ID))
	return user, nil
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", model.NewValidationError(fmt.Sprintf("invalid email address %q", raw))
	}
	return email, nil
}

func validateRole(role model.Role) error {
	switch role {
	case model.RoleAdmin, model.RoleAuthor:
		return nil
	default:
		return model.NewValidationError(fmt.Sprintf("invalid role %q (valid options: admin, author)", role))
	}
}

func validatePassword(password string) error {
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return model.NewValidationError(fmt.Sprintf("password must be at least %d characters", MinPasswordLength))
	}
	return nil
}
