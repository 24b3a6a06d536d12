// Package research は研究配信元の登録・購読・記事管理のドメインロジックを提供する。
package research

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/hitoshi/fastman/internal/model"
	"golang.org/x/net/html"
)

// FeedKind はフィードの種類（RSS/Atom）を表す。
type FeedKind string

const (
	// FeedKindRSS はRSSフィード。
	FeedKindRSS FeedKind = "rss"
	// FeedKindAtom はAtomフィード。
	FeedKindAtom FeedKind = "atom"
)

// SourceCandidate はHTMLから検出された配信元フィードの候補を表す。
type SourceCandidate struct {
	URL   string
	Kind  FeedKind
	Title string
}

// SSRFValidator はSSRF検証のインターフェース。
// security.SSRFGuardServiceを抽象化してテスタビリティを向上させる。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

const (
	// detectTimeout は検出時のHTTPタイムアウト。
	detectTimeout = 10 * time.Second
	// maxDetectBodySize は検出時に読み込むレスポンスの上限（5MB）。
	maxDetectBodySize = 5 * 1024 * 1024
	// detectUserAgent は外部サイトへ送るUser-Agent。
	detectUserAgent = "Fastman/1.0 Research Reader"
	// feedAcceptHeader は検出リクエストのAcceptヘッダー。
	feedAcceptHeader = "application/rss+xml, application/atom+xml, application/xml, text/xml, text/html, */*"
)

// SourceDetector は入力URLからフィードURLを自動検出する。
// 学術誌のサイトはトップページURLで登録されることが多いため、
// HTMLのlink rel="alternate"からのフィード発見が主経路になる。
type SourceDetector struct {
	ssrfGuard SSRFValidator
}

// NewSourceDetector はSourceDetectorの新しいインスタンスを生成する。
func NewSourceDetector(ssrfGuard SSRFValidator) *SourceDetector {
	return &SourceDetector{
		ssrfGuard: ssrfGuard,
	}
}

// feedContentTypes はフィードとして認識するContent-Typeのリスト。
var feedContentTypes = []string{
	"application/rss+xml",
	"application/atom+xml",
}

// xmlContentTypes はXMLとして認識するContent-Type（ボディの検査が必要）。
var xmlContentTypes = []string{
	"text/xml",
	"application/xml",
}

// IsFeedResponse はContent-Typeとボディから、レスポンスが
// RSS/Atomフィードそのものかどうかを判定する。
func (d *SourceDetector) IsFeedResponse(contentType string, body []byte) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	mediaType = strings.ToLower(mediaType)

	for _, feedCT := range feedContentTypes {
		if mediaType == feedCT {
			return true
		}
	}

	// 汎用XMLで配信するサイトも多いため、その場合はボディを検査する
	isXML := false
	for _, xmlCT := range xmlContentTypes {
		if mediaType == xmlCT {
			isXML = true
			break
		}
	}
	if !isXML || len(body) == 0 {
		return false
	}

	return looksLikeFeedXML(body)
}

// looksLikeFeedXML はXMLボディの先頭部分からRSS/Atomフィードかを判定する。
// XMLプロローグとルート要素は先頭4KBに収まる前提で検査する。
func looksLikeFeedXML(body []byte) bool {
	checkSize := 4096
	if len(body) < checkSize {
		checkSize = len(body)
	}
	prefix := strings.ToLower(string(body[:checkSize]))

	// RSS 2.0 と RSS 1.0 (RDF)
	if strings.Contains(prefix, "<rss") || strings.Contains(prefix, "<rdf:rdf") {
		return true
	}

	// Atom は <feed> タグと名前空間の組で判定する
	return strings.Contains(prefix, "<feed") && strings.Contains(prefix, "http://www.w3.org/2005/atom")
}

// DiscoverFromHTML はHTMLのheadタグからRSS/Atomフィードのリンクを抽出する。
// 相対URLはbaseURLを基準に絶対URLへ解決される。
func (d *SourceDetector) DiscoverFromHTML(htmlBody []byte, baseURL string) []SourceCandidate {
	var candidates []SourceCandidate

	baseU, err := url.Parse(baseURL)
	if err != nil {
		return candidates
	}

	tokenizer := html.NewTokenizer(bytes.NewReader(htmlBody))
	inHead := false

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return candidates

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := tokenizer.TagName()
			tagName := string(tn)

			if tagName == "head" {
				inHead = true
				continue
			}
			if tagName == "body" {
				// head外のlinkは対象にしない
				return candidates
			}
			if !inHead || tagName != "link" || !hasAttr {
				continue
			}

			var rel, linkType, href, title string
			for {
				key, val, more := tokenizer.TagAttr()
				switch strings.ToLower(string(key)) {
				case "rel":
					rel = strings.ToLower(string(val))
				case "type":
					linkType = strings.ToLower(string(val))
				case "href":
					href = string(val)
				case "title":
					title = string(val)
				}
				if !more {
					break
				}
			}

			if rel != "alternate" || href == "" {
				continue
			}

			var kind FeedKind
			switch linkType {
			case "application/rss+xml":
				kind = FeedKindRSS
			case "application/atom+xml":
				kind = FeedKindAtom
			default:
				continue
			}

			resolved := resolveURL(baseU, href)
			if resolved == "" {
				continue
			}

			candidates = append(candidates, SourceCandidate{
				URL:   resolved,
				Kind:  kind,
				Title: title,
			})

		case html.EndTagToken:
			tn, _ := tokenizer.TagName()
			if string(tn) == "head" {
				return candidates
			}
		}
	}
}

// resolveURL は相対URLをベースURLを基準に絶対URLへ解決する。
func resolveURL(base *url.URL, rawRef string) string {
	ref, err := url.Parse(rawRef)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

// RankCandidates は候補を優先順位の降順に並べ替えて返す。
// 優先順位: 同一ホスト > Atom > RSS、同条件ならHTML内の出現順。
func (d *SourceDetector) RankCandidates(candidates []SourceCandidate, inputURL string) []SourceCandidate {
	if len(candidates) == 0 {
		return nil
	}

	inputHost := extractHost(inputURL)

	ranked := make([]SourceCandidate, len(candidates))
	copy(ranked, candidates)

	score := func(c SourceCandidate) int {
		s := 0
		if extractHost(c.URL) == inputHost {
			s += 100
		}
		if c.Kind == FeedKindAtom {
			s += 10
		}
		return s
	}

	// 安定ソートにより同スコアの候補は出現順が保たれる
	sort.SliceStable(ranked, func(i, j int) bool {
		return score(ranked[i]) > score(ranked[j])
	})

	return ranked
}

// extractHost はURLからホスト名を抽出する。
func extractHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// DetectSourceURL は入力URLがフィードかHTMLかを判定し、登録すべきフィードURLを返す。
//  1. SSRF検証を実行
//  2. URLにHTTPリクエストを送信
//  3. Content-Typeとボディからフィードそのものかを判定
//  4. HTMLの場合はheadタグから候補を抽出し、優先順に実在確認する
//  5. フィード未検出の場合はエラー（原因カテゴリ + 対処方法）を返す
func (d *SourceDetector) DetectSourceURL(ctx context.Context, inputURL string) (string, error) {
	if inputURL == "" {
		return "", model.NewInvalidURLError("URLが入力されていません")
	}

	if d.ssrfGuard != nil {
		if err := d.ssrfGuard.ValidateURL(inputURL); err != nil {
			return "", model.NewSSRFBlockedError()
		}
	}

	client := d.httpClient()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inputURL, nil)
	if err != nil {
		return "", model.NewInvalidURLError(err.Error())
	}
	req.Header.Set("User-Agent", detectUserAgent)
	req.Header.Set("Accept", feedAcceptHeader)

	resp, err := client.Do(req)
	if err != nil {
		return "", model.NewFetchFailedError(err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDetectBodySize))
	if err != nil {
		return "", model.NewFetchFailedError(fmt.Sprintf("レスポンスの読み取りに失敗: %v", err))
	}

	contentType := resp.Header.Get("Content-Type")

	if d.IsFeedResponse(contentType, body) {
		return inputURL, nil
	}

	mediaType, _, _ := mime.ParseMediaType(contentType)
	if !strings.Contains(strings.ToLower(mediaType), "html") {
		// HTMLでもフィードでもないコンテンツ
		return "", model.NewSourceNotDetectedError(inputURL)
	}

	candidates := d.DiscoverFromHTML(body, inputURL)
	if len(candidates) == 0 {
		return "", model.NewSourceNotDetectedError(inputURL)
	}

	// 候補には死にリンクや別コンテンツが混ざるため、優先順に実在確認して
	// 最初にフィードとして応答したものを採用する
	for _, c := range d.RankCandidates(candidates, inputURL) {
		if d.verifyFeedURL(ctx, client, c.URL) {
			return c.URL, nil
		}
	}

	return "", model.NewSourceNotDetectedError(inputURL)
}

// verifyFeedURL は候補URLを取得してフィードとして応答するかを確認する。
// 候補はHTML由来で任意のホストを指しうるため、ここでも個別にSSRF検証する。
func (d *SourceDetector) verifyFeedURL(ctx context.Context, client *http.Client, candidateURL string) bool {
	if d.ssrfGuard != nil {
		if err := d.ssrfGuard.ValidateURL(candidateURL); err != nil {
			return false
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, candidateURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", detectUserAgent)
	req.Header.Set("Accept", feedAcceptHeader)

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDetectBodySize))
	if err != nil {
		return false
	}

	return d.IsFeedResponse(resp.Header.Get("Content-Type"), body)
}

// httpClient は検出用のHTTPクライアントを取得する。
// SSRFGuardが設定されている場合はSSRF防止付きクライアントを返す。
func (d *SourceDetector) httpClient() *http.Client {
	if d.ssrfGuard != nil {
		return d.ssrfGuard.NewSafeClient(detectTimeout, maxDetectBodySize)
	}
	return &http.Client{Timeout: detectTimeout}
}
