package access

import (
	"strings"

	"github.com/hitoshi/cataclysm/internal/model"
)

// Decision はアクセスゲートの判定結果を表す。
type Decision int

const (
	// Allow はリクエストをそのまま通過させる。
	Allow Decision = iota
	// RedirectLogin はログインページへリダイレクトする。
	RedirectLogin
	// RedirectHome はトップページへリダイレクトする。
	RedirectHome
	// RedirectAdmin は管理画面へリダイレクトする。
	RedirectAdmin
)

// リダイレクト先とゲート対象のパス
const (
	LoginPath       = "/login"
	HomePath        = "/"
	AdminPath       = "/admin"
	protectedPrefix = "/admin"
)

// String はメトリクスやログで使用する判定名を返す。
func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case RedirectLogin:
		return "redirect_login"
	case RedirectHome:
		return "redirect_home"
	case RedirectAdmin:
		return "redirect_admin"
	default:
		return "unknown"
	}
}

// Location はリダイレクト先のパスを返す。Allowの場合は空文字を返す。
func (d Decision) Location() string {
	switch d {
	case RedirectLogin:
		return LoginPath
	case RedirectHome:
		return HomePath
	case RedirectAdmin:
		return AdminPath
	default:
		return ""
	}
}

// Decide はリクエストパスと解決済みの識別情報からアクセス可否を判定する。
// identityがnilの場合は未ログインとして扱う。
//
//  1. /admin で始まるパス: 未ログインは /login、許可リスト外は / へ
//  2. /login ちょうど: 許可リストに含まれるユーザーは /admin へ
//  3. それ以外: 通過
func Decide(path string, identity *model.Identity, allow AllowList) Decision {
	if strings.HasPrefix(path, protectedPrefix) {
		if identity == nil {
			return RedirectLogin
		}
		if !allow.Allows(identity.Email) {
			return RedirectHome
		}
		return Allow
	}

	if path == LoginPath && identity != nil && allow.Allows(identity.Email) {
		return RedirectAdmin
	}

	return Allow
}
