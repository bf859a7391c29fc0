package access

import "strings"

// ゲートを通さない静的アセットのパス接頭辞（先頭の "/" を除いた形）。
var excludedPrefixes = []string{
	"_next/static",
	"_next/image",
	"favicon.ico",
	"static/",
}

// ゲートを通さない運用系エンドポイント。
var excludedPaths = []string{
	"/health",
}

// ゲートを通さない画像ファイルの拡張子。大文字小文字は区別する。
var excludedSuffixes = []string{
	".svg",
	".png",
	".jpg",
	".jpeg",
	".gif",
	".webp",
}

// Excluded はパスがアクセスゲートの対象外かどうかを返す。
// 対象外のリクエストでは認証プロバイダへの問い合わせを行わない。
func Excluded(path string) bool {
	for _, p := range excludedPaths {
		if path == p {
			return true
		}
	}
	rest := strings.TrimPrefix(path, "/")
	for _, p := range excludedPrefixes {
		if strings.HasPrefix(rest, p) {
			return true
		}
	}
	for _, s := range excludedSuffixes {
		if strings.HasSuffix(path, s) {
			return true
		}
	}
	return false
}
