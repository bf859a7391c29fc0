package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// OIDCUserInfo はIDトークンから取得したユーザー情報。
type OIDCUserInfo struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
}

// OIDCProvider はOIDCによるシングルサインオンのインターフェース。
type OIDCProvider interface {
	// AuthCodeURL はIdPの認可エンドポイントへのURLを返す。
	AuthCodeURL(state, nonce string) string
	// Exchange は認可コードをトークンに交換し、IDトークンを検証してユーザー情報を返す。
	Exchange(ctx context.Context, code, nonce string) (*OIDCUserInfo, error)
}

// OIDCConfig はOIDCプロバイダーの設定。
type OIDCConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string     // 未指定の場合は openid email profile
	HTTPClient   *http.Client // 未指定の場合はタイムアウト30秒のクライアント
}

// GoOIDCProvider はgo-oidcとoauth2を使用したOIDCProviderの実装。
type GoOIDCProvider struct {
	oauth      *oauth2.Config
	verifier   *gooidc.IDTokenVerifier
	httpClient *http.Client
}

// NewOIDCProvider はディスカバリードキュメントを取得してGoOIDCProviderを生成する。
func NewOIDCProvider(ctx context.Context, config OIDCConfig) (*GoOIDCProvider, error) {
	if config.IssuerURL == "" {
		return nil, errors.New("issuer URL is required")
	}
	if config.ClientID == "" {
		return nil, errors.New("client ID is required")
	}
	if config.ClientSecret == "" {
		return nil, errors.New("client secret is required")
	}
	if config.RedirectURL == "" {
		return nil, errors.New("redirect URL is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	issuer := strings.TrimSuffix(config.IssuerURL, "/")
	issuer = strings.TrimSuffix(issuer, "/.well-known/openid-configuration")

	op, err := gooidc.NewProvider(gooidc.ClientContext(ctx, httpClient), issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	scopes := config.Scopes
	if len(scopes) == 0 {
		scopes = []string{gooidc.ScopeOpenID, "email", "profile"}
	}

	return &GoOIDCProvider{
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Scopes:       scopes,
			Endpoint:     op.Endpoint(),
		},
		verifier:   op.Verifier(&gooidc.Config{ClientID: config.ClientID}),
		httpClient: httpClient,
	}, nil
}

// AuthCodeURL はstateとnonceを含む認可URLを返す。
func (p *GoOIDCProvider) AuthCodeURL(state, nonce string) string {
	return p.oauth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("nonce", nonce),
		oauth2.SetAuthURLParam("prompt", "select_account"),
	)
}

// idTokenClaims はIDトークンから読み取るクレーム。
type idTokenClaims struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified *bool  `json:"email_verified"`
	Name          string `json:"name"`
	Nonce         string `json:"nonce"`
}

// Exchange は認可コードをトークンに交換し、IDトークンの署名とnonceを検証する。
func (p *GoOIDCProvider) Exchange(ctx context.Context, code, nonce string) (*OIDCUserInfo, error) {
	if code == "" {
		return nil, errors.New("authorization code is required")
	}
	if nonce == "" {
		return nil, errors.New("nonce is required")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	// 1. 認可コードをトークンに交換
	token, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	// 2. IDトークンを検証
	rawID, ok := token.Extra("id_token").(string)
	if !ok || rawID == "" {
		return nil, errors.New("missing id_token in token response")
	}
	idToken, err := p.verifier.Verify(ctx, rawID)
	if err != nil {
		return nil, fmt.Errorf("failed to verify id_token: %w", err)
	}

	// 3. クレームを取得しnonceを照合
	var claims idTokenClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse id_token claims: %w", err)
	}
	if claims.Nonce != nonce {
		return nil, errors.New("invalid nonce")
	}

	return claimsToUserInfo(claims), nil
}

// claimsToUserInfo はクレームをOIDCUserInfoに変換する。
// email_verifiedを返さないIdPの場合は検証済みとみなす。
func claimsToUserInfo(c idTokenClaims) *OIDCUserInfo {
	name := c.Name
	if name == "" {
		name, _, _ = strings.Cut(c.Email, "@")
	}
	return &OIDCUserInfo{
		Subject:       c.Subject,
		Email:         strings.TrimSpace(c.Email),
		EmailVerified: c.EmailVerified == nil || *c.EmailVerified,
		Name:          name,
	}
}

// compile-time interface check
var _ OIDCProvider = (*GoOIDCProvider)(nil)
