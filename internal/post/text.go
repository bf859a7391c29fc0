package post

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// descriptionLength はメタ説明文に使用する本文の先頭文字数（rune単位）。
const descriptionLength = 150

// DefaultDescription は本文が空の記事のメタ説明文。
const DefaultDescription = "Читать статью на cataclysm..."

var upper = cases.Upper(language.Und)

// PlainText はHTMLからタグを除去したテキストを返す。
// 文字参照はデコードされ、script/style要素の内容は含めない。
func PlainText(rawHTML string) string {
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(rawHTML))
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.StartTagToken:
			if isRawTextTag(z) {
				skip++
			}
		case html.EndTagToken:
			if skip > 0 && isRawTextTag(z) {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

func isRawTextTag(z *html.Tokenizer) bool {
	name, _ := z.TagName()
	switch string(name) {
	case "script", "style":
		return true
	}
	return false
}

// Description は記事本文からメタ説明文を生成する。
// タグを除去した本文の先頭150文字の空白を詰めて "..." を付ける。
// 本文が空の場合はDefaultDescriptionを返す。
func Description(content string) string {
	text := PlainText(content)
	if strings.TrimSpace(text) == "" {
		return DefaultDescription
	}
	if utf8.RuneCountInString(text) > descriptionLength {
		text = string([]rune(text)[:descriptionLength])
	}
	return strings.Join(strings.Fields(text), " ") + "..."
}

// CapitalizeFirst は先頭の1文字を大文字にする。
func CapitalizeFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return upper.String(string(r)) + s[size:]
}
