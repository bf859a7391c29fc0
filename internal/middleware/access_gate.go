package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/cataclysm/internal/access"
	"github.com/hitoshi/cataclysm/internal/metrics"
	"github.com/hitoshi/cataclysm/internal/model"
)

// IdentityResolver はリクエストのCookieから識別情報を解決するインターフェース。
// auth.Serviceが実装する。
type IdentityResolver interface {
	ResolveUser(ctx context.Context, cookies []*http.Cookie) (*model.Identity, []*http.Cookie, error)
}

// NewAccessGateMiddleware はリクエストごとに識別情報を1回だけ解決し、
// パスと許可リストに応じて通過・リダイレクトを決定するミドルウェアを返す。
//
//  1. 静的アセット等の対象外パスは解決せずに通過
//  2. 識別情報を解決する（失敗時は未ログインとして扱う）
//  3. 解決結果のCookie操作を、最終的に返すレスポンスに必ず適用する
//  4. 判定に従い307でリダイレクトするか、識別情報をコンテキストに格納して通過
func NewAccessGateMiddleware(resolver IdentityResolver, allow access.AllowList, mc metrics.MetricsCollector) func(next http.Handler) http.Handler {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 1. 対象外パス
			if access.Excluded(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			// 2. 識別情報の解決
			identity, ops, err := resolver.ResolveUser(r.Context(), r.Cookies())
			if err != nil {
				slog.Warn("failed to resolve identity",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				identity = nil
			}

			// 3. Cookie操作の適用
			for _, c := range ops {
				http.SetCookie(w, c)
			}
			if len(ops) > 0 {
				applyCookiesToRequest(r, ops)
			}

			// 4. 判定
			if identity != nil {
				recordUserID(r.Context(), identity.UserID)
			}
			decision := access.Decide(r.URL.Path, identity, allow)
			mc.RecordGateDecision(decision.String())

			if decision != access.Allow {
				http.Redirect(w, r, decision.Location(), http.StatusTemporaryRedirect)
				return
			}

			ctx := ContextWithIdentity(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// applyCookiesToRequest はCookie操作をリクエスト側のCookieにも反映し、
// 後続のハンドラーが更新後の値を参照できるようにする。
// MaxAgeが負のCookieは削除として扱う。
func applyCookiesToRequest(r *http.Request, ops []*http.Cookie) {
	updated := make(map[string]*http.Cookie, len(ops))
	for _, c := range ops {
		updated[c.Name] = c
	}

	var pairs []string
	for _, c := range r.Cookies() {
		if op, ok := updated[c.Name]; ok {
			delete(updated, c.Name)
			if op.MaxAge < 0 {
				continue
			}
			c = op
		}
		pairs = append(pairs, c.Name+"="+c.Value)
	}
	for _, c := range ops {
		if _, ok := updated[c.Name]; ok && c.MaxAge >= 0 {
			pairs = append(pairs, c.Name+"="+c.Value)
		}
	}

	if len(pairs) == 0 {
		r.Header.Del("Cookie")
		return
	}
	r.Header.Set("Cookie", strings.Join(pairs, "; "))
}
