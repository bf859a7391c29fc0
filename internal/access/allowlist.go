// Package access はリクエスト時のアクセス制御判定を提供する。
// HTTPに依存しない純粋な判定ロジックのみを持ち、
// ミドルウェアへの組み込みはmiddlewareパッケージが行う。
package access

import "strings"

// AllowList は管理画面へのアクセスを許可するメールアドレスの集合。
// 生成後は変更されないため、複数のgoroutineから安全に参照できる。
type AllowList struct {
	emails map[string]struct{}
}

// NewAllowList はメールアドレスのリストからAllowListを生成する。
// 前後の空白は除去し、空の要素は無視する。
// 照合は大文字小文字を区別する完全一致で行う。
func NewAllowList(emails []string) AllowList {
	set := make(map[string]struct{}, len(emails))
	for _, e := range emails {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		set[e] = struct{}{}
	}
	return AllowList{emails: set}
}

// Allows はメールアドレスが許可リストに含まれるかどうかを返す。
func (a AllowList) Allows(email string) bool {
	if email == "" {
		return false
	}
	_, ok := a.emails[email]
	return ok
}

// Len は許可リストの件数を返す。
func (a AllowList) Len() int {
	return len(a.emails)
}
