package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/fastman/internal/metrics"
	"github.com/hitoshi/fastman/internal/model"
	"github.com/hitoshi/fastman/internal/repository"
)

// ArticleUpserter は記事のUPSERT処理のインターフェース。
type ArticleUpserter interface {
	UpsertArticles(ctx context.Context, sourceID string, articles []model.ParsedArticle) (int, int, error)
}

// SSRFValidator はSSRF検証のインターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// Fetcher は個別配信元のHTTPフェッチとパースを行う。
// ETag/Last-Modifiedを使用した条件付きGET、SSRF検証、
// gofeedによるパース、ArticleUpsertServiceによる記事保存を実行する。
type Fetcher struct {
	sourceRepo  repository.ResearchSourceRepository
	upsertSvc   ArticleUpserter
	ssrfGuard   SSRFValidator
	metrics     metrics.MetricsCollector
	logger      *slog.Logger
	timeout     time.Duration
	maxBodySize int64
}

// NewFetcher はFetcherの新しいインスタンスを生成する。
func NewFetcher(
	sourceRepo repository.ResearchSourceRepository,
	upsertSvc ArticleUpserter,
	ssrfGuard SSRFValidator,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	timeout time.Duration,
	maxBodySize int64,
) *Fetcher {
	return &Fetcher{
		sourceRepo:  sourceRepo,
		upsertSvc:   upsertSvc,
		ssrfGuard:   ssrfGuard,
		metrics:     collector,
		logger:      logger,
		timeout:     timeout,
		maxBodySize: maxBodySize,
	}
}

// Fetch は配信元をフェッチし、結果に応じて配信元の状態を更新する。
// SourceFetcherServiceインターフェースを実装する。
func (f *Fetcher) Fetch(ctx context.Context, source *model.ResearchSource) error {
	start := time.Now()

	// SSRF検証
	if err := f.ssrfGuard.ValidateURL(source.FeedURL); err != nil {
		f.logger.Error("SSRF検証に失敗しました",
			slog.String("source_id", source.ID),
			slog.String("feed_url", source.FeedURL),
			slog.String("error", err.Error()),
		)
		f.recordFailure(source.ID, "ssrf")
		ApplyStopSource(source, fmt.Sprintf("SSRF検証失敗: %s", err.Error()))
		if updateErr := f.sourceRepo.UpdateFetchState(ctx, source); updateErr != nil {
			f.logger.Error("配信元状態の更新に失敗しました",
				slog.String("source_id", source.ID),
				slog.String("error", updateErr.Error()),
			)
		}
		return fmt.Errorf("SSRF検証に失敗: %w", err)
	}

	// HTTPリクエスト構築
	client := f.ssrfGuard.NewSafeClient(f.timeout, f.maxBodySize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source.FeedURL, nil)
	if err != nil {
		return fmt.Errorf("リクエスト作成に失敗: %w", err)
	}

	req.Header.Set("User-Agent", "Fastman/1.0 Research Aggregator")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")

	// 条件付きGET: ETag
	if source.ETag != "" {
		req.Header.Set("If-None-Match", source.ETag)
	}
	// 条件付きGET: Last-Modified
	if source.LastModified != "" {
		req.Header.Set("If-Modified-Since", source.LastModified)
	}

	// HTTPリクエスト実行
	resp, err := client.Do(req)
	if err != nil {
		f.logger.Error("HTTPリクエストに失敗しました",
			slog.String("source_id", source.ID),
			slog.String("feed_url", source.FeedURL),
			slog.String("error", err.Error()),
		)
		f.recordFailure(source.ID, "http_error")
		ApplyBackoff(source, fmt.Sprintf("HTTPリクエスト失敗: %s", err.Error()))
		if updateErr := f.sourceRepo.UpdateFetchState(ctx, source); updateErr != nil {
			f.logger.Error("配信元状態の更新に失敗しました",
				slog.String("source_id", source.ID),
				slog.String("error", updateErr.Error()),
			)
		}
		return fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()

	duration := time.Since(start)
	if f.metrics != nil {
		f.metrics.RecordFetchLatency(duration)
	}

	// HTTPステータスに基づく処理分岐
	result := ClassifyHTTPStatus(resp.StatusCode)

	switch result {
	case FetchResultNotModified:
		// 304: コンテンツ未変更 - next_fetch_atのみ更新
		f.logger.Info("配信元は未変更です（304）",
			slog.String("source_id", source.ID),
			slog.String("feed_url", source.FeedURL),
			slog.Int("http_status", resp.StatusCode),
			slog.Float64("duration_ms", float64(duration.Milliseconds())),
		)
		if f.metrics != nil {
			f.metrics.RecordFetchSuccess(source.ID)
		}
		ApplySuccess(source)
		return f.sourceRepo.UpdateFetchState(ctx, source)

	case FetchResultStop:
		// 404/410/401/403: フェッチ停止
		reason := fmt.Sprintf("HTTPステータス %d によりフェッチを停止しました", resp.StatusCode)
		f.logger.Warn("配信元のフェッチを停止します",
			slog.String("source_id", source.ID),
			slog.String("feed_url", source.FeedURL),
			slog.Int("http_status", resp.StatusCode),
			slog.String("reason", reason),
		)
		f.recordFailure(source.ID, "http_stop")
		ApplyStopSource(source, reason)
		return f.sourceRepo.UpdateFetchState(ctx, source)

	case FetchResultBackoff:
		// 429/5xx: バックオフ
		reason := fmt.Sprintf("HTTPステータス %d によりバックオフを適用しました", resp.StatusCode)
		f.logger.Warn("配信元のフェッチにバックオフを適用します",
			slog.String("source_id", source.ID),
			slog.String("feed_url", source.FeedURL),
			slog.Int("http_status", resp.StatusCode),
			slog.Int("consecutive_errors", source.ConsecutiveErrors+1),
		)
		f.recordFailure(source.ID, "http_backoff")
		ApplyBackoff(source, reason)
		return f.sourceRepo.UpdateFetchState(ctx, source)

	case FetchResultOK:
		// 200: 正常フェッチ - 以下で処理を続行
	default:
		// その他のステータスコード
		f.logger.Warn("予期しないHTTPステータスコード",
			slog.String("source_id", source.ID),
			slog.Int("http_status", resp.StatusCode),
		)
		f.recordFailure(source.ID, "http_unknown")
		ApplyBackoff(source, fmt.Sprintf("予期しないHTTPステータス: %d", resp.StatusCode))
		return f.sourceRepo.UpdateFetchState(ctx, source)
	}

	// レスポンスボディを読み込み（最大サイズ制限付き）
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize))
	if err != nil {
		f.logger.Error("レスポンスボディの読み取りに失敗しました",
			slog.String("source_id", source.ID),
			slog.String("error", err.Error()),
		)
		f.recordFailure(source.ID, "read_error")
		ApplyBackoff(source, fmt.Sprintf("レスポンス読み取り失敗: %s", err.Error()))
		return f.sourceRepo.UpdateFetchState(ctx, source)
	}

	// ETag/Last-Modifiedを保存
	if etag := resp.Header.Get("ETag"); etag != "" {
		source.ETag = etag
	}
	if lastMod := resp.Header.Get("Last-Modified"); lastMod != "" {
		source.LastModified = lastMod
	}

	// gofeedでフィードをパース
	parser := gofeed.NewParser()
	parsedFeed, err := parser.ParseString(string(body))
	if err != nil {
		f.logger.Error("フィードのパースに失敗しました",
			slog.String("source_id", source.ID),
			slog.String("feed_url", source.FeedURL),
			slog.String("error", err.Error()),
		)
		if f.metrics != nil {
			f.metrics.RecordParseFailure(source.ID)
		}
		ApplyParseFailure(source, err.Error())
		if updateErr := f.sourceRepo.UpdateFetchState(ctx, source); updateErr != nil {
			f.logger.Error("配信元状態の更新に失敗しました",
				slog.String("source_id", source.ID),
				slog.String("error", updateErr.Error()),
			)
		}
		return nil // パース失敗はフェッチエラーとしない（カウントして継続）
	}

	// 配信元のメタデータを更新
	if parsedFeed.Title != "" {
		source.Title = parsedFeed.Title
	}
	if parsedFeed.Link != "" {
		source.SiteURL = parsedFeed.Link
	}
	if parsedFeed.Description != "" {
		source.Description = parsedFeed.Description
	}

	// gofeedの記事をParsedArticleに変換
	parsedArticles := convertGofeedItems(parsedFeed.Items)

	// ArticleUpsertServiceで記事を保存
	inserted, updated, err := f.upsertSvc.UpsertArticles(ctx, source.ID, parsedArticles)
	if err != nil {
		f.logger.Error("記事のUPSERTに失敗しました",
			slog.String("source_id", source.ID),
			slog.String("error", err.Error()),
		)
		f.recordFailure(source.ID, "upsert_error")
		ApplyParseFailure(source, fmt.Sprintf("記事UPSERT失敗: %s", err.Error()))
		if updateErr := f.sourceRepo.UpdateFetchState(ctx, source); updateErr != nil {
			f.logger.Error("配信元状態の更新に失敗しました",
				slog.String("source_id", source.ID),
				slog.String("error", updateErr.Error()),
			)
		}
		return nil
	}

	ApplySuccess(source)

	// 配信元状態を更新
	if updateErr := f.sourceRepo.UpdateFetchState(ctx, source); updateErr != nil {
		f.logger.Error("配信元状態の更新に失敗しました",
			slog.String("source_id", source.ID),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	if f.metrics != nil {
		f.metrics.RecordFetchSuccess(source.ID)
		f.metrics.RecordArticlesUpserted(inserted + updated)
	}

	f.logger.Info("配信元のフェッチが完了しました",
		slog.String("source_id", source.ID),
		slog.String("feed_url", source.FeedURL),
		slog.Int("http_status", resp.StatusCode),
		slog.Int("articles_inserted", inserted),
		slog.Int("articles_updated", updated),
		slog.Int("articles_total", len(parsedArticles)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

func (f *Fetcher) recordFailure(sourceID, reason string) {
	if f.metrics != nil {
		f.metrics.RecordFetchFailure(sourceID, reason)
	}
}

// convertGofeedItems はgofeedの記事をmodel.ParsedArticleに変換する。
func convertGofeedItems(items []*gofeed.Item) []model.ParsedArticle {
	parsedArticles := make([]model.ParsedArticle, 0, len(items))

	for _, item := range items {
		if item == nil {
			continue
		}

		parsed := model.ParsedArticle{
			Title:   item.Title,
			Link:    item.Link,
			Summary: item.Description,
			Authors: joinAuthors(item),
			DOI:     extractDOI(item),
		}

		// GUIDの設定: gofeedはGUIDをitem.GUIDに格納
		if item.GUID != "" {
			parsed.GuidOrID = item.GUID
		}

		// 公開日時
		if item.PublishedParsed != nil {
			t := *item.PublishedParsed
			parsed.PublishedAt = &t
		} else if item.UpdatedParsed != nil {
			t := *item.UpdatedParsed
			parsed.PublishedAt = &t
		}

		// SummaryがなくContentがある場合はContentを使用
		if parsed.Summary == "" && item.Content != "" {
			parsed.Summary = item.Content
		}

		// LinkがなくGUIDがURL形式の場合はGUIDをLinkとして使用
		if parsed.Link == "" && parsed.GuidOrID != "" &&
			(strings.HasPrefix(parsed.GuidOrID, "http://") || strings.HasPrefix(parsed.GuidOrID, "https://")) {
			parsed.Link = parsed.GuidOrID
		}

		parsedArticles = append(parsedArticles, parsed)
	}

	return parsedArticles
}

// joinAuthors は記事の著者名をカンマ区切りの文字列に結合する。
func joinAuthors(item *gofeed.Item) string {
	names := make([]string, 0, len(item.Authors))
	for _, a := range item.Authors {
		if a != nil && a.Name != "" {
			names = append(names, a.Name)
		}
	}
	if len(names) == 0 && item.Author != nil && item.Author.Name != "" {
		names = append(names, item.Author.Name)
	}
	return strings.Join(names, ", ")
}

// extractDOI は記事のdc:identifier、GUID、リンクからDOIを抽出する。
// 見つからない場合は空文字列を返す。
func extractDOI(item *gofeed.Item) string {
	if item.DublinCoreExt != nil {
		for _, id := range item.DublinCoreExt.Identifier {
			if doi := normalizeDOI(id); doi != "" {
				return doi
			}
		}
	}
	if doi := normalizeDOI(item.GUID); doi != "" {
		return doi
	}
	if doi := normalizeDOI(item.Link); doi != "" {
		return doi
	}
	for _, link := range item.Links {
		if doi := normalizeDOI(link); doi != "" {
			return doi
		}
	}
	return ""
}

// normalizeDOI はDOI表記のプレフィックスを除去して正規化する。
// DOI形式（10.で始まりスラッシュを含む）でない場合は空文字列を返す。
func normalizeDOI(raw string) string {
	s := strings.TrimSpace(raw)
	for _, prefix := range []string{
		"https://doi.org/",
		"http://doi.org/",
		"https://dx.doi.org/",
		"http://dx.doi.org/",
		"info:doi/",
		"doi:",
	} {
		if strings.HasPrefix(strings.ToLower(s), prefix) {
			s = s[len(prefix):]
			break
		}
	}
	if strings.HasPrefix(s, "10.") && strings.Contains(s, "/") {
		return s
	}
	return ""
}
