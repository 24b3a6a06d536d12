package research

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const (
	// iconTimeout はアイコン探索のHTTPタイムアウト。
	iconTimeout = 5 * time.Second
	// maxIconPageSize は探索時に読み込むHTMLの上限（1MB）。
	// link要素はhead内にあるため先頭部分だけ読めれば十分。
	maxIconPageSize = 1 * 1024 * 1024
)

// IconProberService はサイトアイコンURL探索のインターフェース。
type IconProberService interface {
	// ProbeIconURL はサイトURLから表示用アイコンのURLを探索する。
	// HTMLのlink rel="icon"系の宣言を優先し、見つからなければ
	// /favicon.ico を試す。利用可能なアイコンがない場合は
	// 空文字列を返す（エラーは返さない）。
	ProbeIconURL(ctx context.Context, siteURL string) string
}

// IconProber はIconProberServiceの実装。
// アイコン画像そのものは保存せず、応答を確認できたURLだけを返す。
type IconProber struct {
	ssrfGuard SSRFValidator
}

// NewIconProber はIconProberの新しいインスタンスを生成する。
func NewIconProber(ssrfGuard SSRFValidator) *IconProber {
	return &IconProber{
		ssrfGuard: ssrfGuard,
	}
}

// ProbeIconURL はサイトURLから表示用アイコンのURLを探索する。
func (p *IconProber) ProbeIconURL(ctx context.Context, siteURL string) string {
	if siteURL == "" {
		return ""
	}

	if p.ssrfGuard != nil {
		if err := p.ssrfGuard.ValidateURL(siteURL); err != nil {
			slog.Warn("アイコン探索: SSRFブロック", "url", siteURL, "error", err)
			return ""
		}
	}

	client := p.httpClient()

	// HTMLで宣言されたアイコンを優先し、/favicon.ico を最後の候補にする
	candidates := p.discoverIconLinks(ctx, client, siteURL)
	candidates = append(candidates, defaultIconURL(siteURL))

	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if p.iconResponds(ctx, client, candidate) {
			return candidate
		}
	}

	return ""
}

// discoverIconLinks はサイトのHTMLを取得し、head内で宣言されたアイコンURLを集める。
// 取得やパースに失敗した場合は空スライスを返し、呼び出し側のフォールバックに任せる。
func (p *IconProber) discoverIconLinks(ctx context.Context, client *http.Client, siteURL string) []string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, siteURL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", detectUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		slog.Warn("アイコン探索: サイト取得失敗", "url", siteURL, "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxIconPageSize))
	if err != nil {
		return nil
	}

	return parseIconLinksFromHTML(body, siteURL)
}

// parseIconLinksFromHTML はHTMLのheadタグからアイコンのlink宣言を抽出する。
// rel="icon"、rel="shortcut icon"、rel="apple-touch-icon" を対象とし、
// 相対URLはbaseURLを基準に解決する。重複URLは除去される。
func parseIconLinksFromHTML(htmlBody []byte, baseURL string) []string {
	baseU, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}

	var links []string
	seen := make(map[string]bool)

	tokenizer := html.NewTokenizer(bytes.NewReader(htmlBody))
	inHead := false

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return links

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := tokenizer.TagName()
			tagName := string(tn)

			if tagName == "head" {
				inHead = true
				continue
			}
			if tagName == "body" {
				return links
			}
			if !inHead || tagName != "link" || !hasAttr {
				continue
			}

			var rel, href string
			for {
				key, val, more := tokenizer.TagAttr()
				switch strings.ToLower(string(key)) {
				case "rel":
					rel = strings.ToLower(string(val))
				case "href":
					href = string(val)
				}
				if !more {
					break
				}
			}

			if !relDeclaresIcon(rel) || href == "" {
				continue
			}

			resolved := resolveURL(baseU, href)
			if resolved == "" || seen[resolved] {
				continue
			}
			seen[resolved] = true
			links = append(links, resolved)

		case html.EndTagToken:
			tn, _ := tokenizer.TagName()
			if string(tn) == "head" {
				return links
			}
		}
	}
}

// relDeclaresIcon はrel属性がアイコン宣言かを判定する。
// rel属性は空白区切りの複数トークンを取りうる（例: "shortcut icon"）。
func relDeclaresIcon(rel string) bool {
	for _, token := range strings.Fields(rel) {
		if token == "icon" || token == "apple-touch-icon" {
			return true
		}
	}
	return false
}

// iconResponds は候補URLが画像として応答するかを確認する。
// ボディは保存しないため、ステータスとContent-Typeだけを検査する。
func (p *IconProber) iconResponds(ctx context.Context, client *http.Client, iconURL string) bool {
	if p.ssrfGuard != nil {
		if err := p.ssrfGuard.ValidateURL(iconURL); err != nil {
			return false
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, iconURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", detectUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}

	return isImageContentType(resp.Header.Get("Content-Type"))
}

// httpClient は探索用のHTTPクライアントを取得する。
// SSRFGuardが設定されている場合はSSRF防止付きクライアントを返す。
func (p *IconProber) httpClient() *http.Client {
	if p.ssrfGuard != nil {
		return p.ssrfGuard.NewSafeClient(iconTimeout, maxIconPageSize)
	}
	return &http.Client{Timeout: iconTimeout}
}

// defaultIconURL はサイトURLから慣習的な /favicon.ico のURLを組み立てる。
func defaultIconURL(siteURL string) string {
	if siteURL == "" {
		return ""
	}
	u, err := url.Parse(siteURL)
	if err != nil {
		return ""
	}
	u.Path = "/favicon.ico"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// isImageContentType はContent-Typeが画像かを判定する。
func isImageContentType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	return strings.HasPrefix(strings.ToLower(mediaType), "image/")
}

// compile-time interface check
var _ IconProberService = (*IconProber)(nil)
