package viewcount

import (
	"net/http"
	"strings"
	"sync"
)

// markerPrefix はブラウザセッション単位の既読マーカーのキー接頭辞。
const markerPrefix = "viewed-"

// markerValue は既読マーカーの値。
const markerValue = "true"

// MarkerStore はブラウザセッション単位の既読マーカーを保持する。
// MarkIfUnseen は確認と記録を1ステップで行い、
// 初回呼び出しの場合のみtrueを返す。
type MarkerStore interface {
	MarkIfUnseen(contentID string) bool
}

// MarkerKey はコンテンツIDに対応するマーカーのキーを返す。
func MarkerKey(contentID string) string {
	return markerPrefix + contentID
}

// CookieMarkers はリクエストのCookieを既読マーカーとして扱うMarkerStore。
// 新たに設定したマーカーはCookiesで取り出し、レスポンスに書き戻す。
// 有効期限を持たないセッションCookieのため、リロードでは維持され、
// ブラウザセッションの終了とともに消える。
type CookieMarkers struct {
	mu     sync.Mutex
	seen   map[string]struct{}
	added  []*http.Cookie
	secure bool
}

// NewCookieMarkers はリクエストに含まれる既読マーカーからCookieMarkersを生成する。
func NewCookieMarkers(r *http.Request, secure bool) *CookieMarkers {
	seen := make(map[string]struct{})
	for _, c := range r.Cookies() {
		if strings.HasPrefix(c.Name, markerPrefix) && c.Value == markerValue {
			seen[c.Name] = struct{}{}
		}
	}
	return &CookieMarkers{seen: seen, secure: secure}
}

// MarkIfUnseen はマーカーが未設定なら設定してtrueを返す。
func (m *CookieMarkers) MarkIfUnseen(contentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := MarkerKey(contentID)
	if _, ok := m.seen[key]; ok {
		return false
	}
	m.seen[key] = struct{}{}
	m.added = append(m.added, &http.Cookie{
		Name:     key,
		Value:    markerValue,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return true
}

// Cookies はこのリクエスト中に新たに設定したマーカーを返す。
func (m *CookieMarkers) Cookies() []*http.Cookie {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*http.Cookie, len(m.added))
	copy(out, m.added)
	return out
}

// WriteTo は新たに設定したマーカーをレスポンスに書き込む。
// レスポンスボディの書き込み前に呼び出す必要がある。
func (m *CookieMarkers) WriteTo(w http.ResponseWriter) {
	for _, c := range m.Cookies() {
		http.SetCookie(w, c)
	}
}
