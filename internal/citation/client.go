// Package citation はCrossref連携による被引用数の取得機能を提供する。
// Crossref works APIの呼び出しと被引用数のバッチ取得ジョブを含む。
package citation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
)

const (
	// defaultEndpoint はCrossref works APIのエンドポイント。
	defaultEndpoint = "https://api.crossref.org/works"
	// userAgent はCrossrefのpolite poolに入るためのUser-Agent。
	// mailtoを含めることで優先プールに割り当てられる。
	userAgent = "Fastman/1.0 (https://github.com/hitoshi/fastman; mailto:support@fastman.app)"
)

// ErrDOINotFound はDOIがCrossrefに登録されていないことを表す。
// 呼び出し元は取得日時だけ記録して次のTTL経過まで再問い合わせを控える。
var ErrDOINotFound = errors.New("DOIがCrossrefに見つかりませんでした")

// Client はCrossref works APIのクライアント。
// DOI単位で被引用数（is-referenced-by-count）を取得する。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	endpoint   string // テスト用にエンドポイントを差し替え可能
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		endpoint:   defaultEndpoint,
	}
}

// crossrefWorkResponse はCrossref works APIのレスポンス。
// 被引用数以外のフィールドは使用しないため省略する。
type crossrefWorkResponse struct {
	Message struct {
		IsReferencedByCount int `json:"is-referenced-by-count"`
	} `json:"message"`
}

// GetCitationCount はDOIの被引用数をCrossrefから取得する。
// DOIが未登録の場合はErrDOINotFoundを返す。
// 取得失敗時はエラーを返す（呼び出し元が前回値維持を判断する）。
func (c *Client) GetCitationCount(ctx context.Context, doi string) (int, error) {
	if doi == "" {
		return 0, fmt.Errorf("DOIが空です")
	}

	// DOIにはスラッシュが含まれるためパスエスケープする
	reqURL := c.endpoint + "/" + url.PathEscape(doi)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Crossref APIの呼び出しに失敗しました",
			slog.String("doi", doi),
			slog.String("error", err.Error()),
		)
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		c.logger.Info("DOIがCrossrefに登録されていません",
			slog.String("doi", doi),
		)
		return 0, ErrDOINotFound
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("Crossref APIがエラーステータスを返しました",
			slog.String("doi", doi),
			slog.Int("http_status", resp.StatusCode),
		)
		return 0, fmt.Errorf("Crossref APIがステータス %d を返しました", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Error("レスポンスボディの読み取りに失敗しました",
			slog.String("doi", doi),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	var result crossrefWorkResponse
	if err := json.Unmarshal(body, &result); err != nil {
		c.logger.Error("Crossref APIのレスポンスのパースに失敗しました",
			slog.String("doi", doi),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}

	return result.Message.IsReferencedByCount, nil
}
