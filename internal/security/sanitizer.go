package security

import (
	"html"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// SanitizerService は利用者由来のテキストを無害化するインターフェースを定義する。
// 研究記事のサマリーHTMLの保存前と、プロフィール表示名の更新時に使用される。
type SanitizerService interface {
	// SanitizeHTML は記事サマリーのHTMLを許可リストベースで無害化する。
	// script, iframe, styleタグとon*イベント属性は除去され、
	// imgのsrcはhttpsのみ、aタグにはrel="noopener noreferrer"が付与される。
	// 研究アブストラクトで使われるsub/sup（化学式・単位表記）は保持する。
	// 同一入力に対して常に同一出力を返す（冪等）。
	SanitizeHTML(rawHTML string) string

	// SanitizeText は表示名などのプレーンテキスト項目からHTMLを完全に除去する。
	// タグを落としたうえで実体参照を復元し、前後の空白を刈り込んだ文字列を返す。
	SanitizeText(raw string) string
}

// sanitizer はSanitizerServiceの実装。
// bluemondayのポリシーは並行利用に対して安全なので、全ゴルーチンで共有する。
type sanitizer struct {
	htmlPolicy *bluemonday.Policy
	textPolicy *bluemonday.Policy
}

// NewSanitizer はSanitizerServiceの新しいインスタンスを生成する。
// サマリー用ポリシーの内容:
//   - 許可タグ: p, br, a, ul, ol, li, blockquote, pre, code,
//     strong, em, b, i, sub, sup, img
//   - 禁止タグ: script, iframe, style および全てのon*イベント属性
//   - imgのsrc属性: httpsスキームのみ許可
//   - aタグ: target="_blank" と rel="noopener noreferrer" を自動付与
func NewSanitizer() *sanitizer {
	p := bluemonday.NewPolicy()

	// 本文の構造タグ。許可リストに載せないものは属性ごと除去される。
	// sub/supは栄養学・生理学系アブストラクトの化学式（H2O等）や
	// 単位表記（kcal/m2等）で頻出するため残す。
	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em", "b", "i",
		"sub", "sup",
	)

	// リンクは絶対URLのみ。閲覧側を守るためrel属性を強制する。
	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	// 図表はhttpsの画像のみ。altはアクセシビリティのため許可する。
	p.AllowAttrs("src").OnElements("img")
	p.AllowAttrs("alt").OnElements("img")
	p.AllowURLSchemeWithCustomPolicy("https", func(u *url.URL) bool {
		return true
	})

	return &sanitizer{
		htmlPolicy: p,
		textPolicy: bluemonday.StrictPolicy(),
	}
}

// SanitizeHTML は記事サマリーのHTMLを無害化する。
func (s *sanitizer) SanitizeHTML(rawHTML string) string {
	return s.htmlPolicy.Sanitize(rawHTML)
}

// SanitizeText は全タグを除去したプレーンテキストを返す。
// StrictPolicyは除去後のテキストを実体参照にエスケープするため、
// 保存用の生文字列に戻してから返す。
func (s *sanitizer) SanitizeText(raw string) string {
	stripped := s.textPolicy.Sanitize(raw)
	return strings.TrimSpace(html.UnescapeString(stripped))
}
