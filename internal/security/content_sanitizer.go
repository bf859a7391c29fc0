// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizer はリッチテキストエディタから送信された記事本文をサニタイズする。
// bluemondayの許可リストベースのポリシーで、エディタが生成するタグと属性のみを通過させる。
package security

import (
	"regexp"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizer は記事本文HTMLのサニタイズ機能のインターフェース。
// 記事の保存前に使用される。
type ContentSanitizer interface {
	// Sanitize はHTMLをサニタイズして安全なHTMLを返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(rawHTML string) string
}

// BluemondaySanitizer はbluemondayを使用したContentSanitizerの実装。
// ポリシーはスレッドセーフに共有できる。
type BluemondaySanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer は記事本文用のポリシーを構築してBluemondaySanitizerを返す。
// ポリシーの内容:
//   - 見出し h1-h6、段落、改行、水平線、引用、リスト、コードブロック
//   - インライン装飾 strong, em, s, code
//   - a: http/https/mailto と相対URLのみ。外部リンクには target="_blank" と rel="noopener noreferrer"
//   - img: src, alt, title。src は http/https と相対URLのみ
//   - script, iframe, style および on* 属性は除去
func NewContentSanitizer() *BluemondaySanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"h1", "h2", "h3", "h4", "h5", "h6",
		"p", "br", "hr", "blockquote",
		"ul", "ol", "li",
		"pre", "code",
		"strong", "b", "em", "i", "s", "del", "u",
	)

	p.AllowAttrs("start").Matching(bluemonday.Integer).OnElements("ol")
	p.AllowAttrs("class").Matching(regexp.MustCompile(`^language-[\w+-]+$`)).OnElements("code")

	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("http", "https", "mailto")
	p.AllowRelativeURLs(true)
	p.RequireParseableURLs(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	p.AllowImages()
	p.AllowAttrs("title").OnElements("img")

	return &BluemondaySanitizer{policy: p}
}

// Sanitize はHTMLをサニタイズして安全なHTMLを返す。
func (s *BluemondaySanitizer) Sanitize(rawHTML string) string {
	return s.policy.Sanitize(rawHTML)
}

// compile-time interface check
var _ ContentSanitizer = (*BluemondaySanitizer)(nil)
