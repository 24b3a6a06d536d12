package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/fastman/internal/model"
)

// TestIntegration_WorkerFetchFlow はワーカーフェッチフロー全体を検証する。
// スケジューラ → フェッチ対象取得 → HTTP GET → gofeedパース → UPSERT → next_fetch_at更新
func TestIntegration_WorkerFetchFlow(t *testing.T) {
	// テスト用RSSフィードサーバーを起動
	rssContent := `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:dc="http://purl.org/dc/elements/1.1/">
  <channel>
    <title>Intermittent Fasting Research</title>
    <link>https://example.com</link>
    <description>A research feed</description>
    <item>
      <title>TRE and insulin sensitivity</title>
      <link>https://example.com/article/1</link>
      <guid>guid-1</guid>
      <pubDate>Mon, 01 Jan 2024 00:00:00 +0000</pubDate>
      <description>First article content</description>
      <dc:identifier>doi:10.1234/fast.2024.0001</dc:identifier>
    </item>
    <item>
      <title>Autophagy markers during fasting</title>
      <link>https://example.com/article/2</link>
      <guid>guid-2</guid>
      <pubDate>Tue, 02 Jan 2024 00:00:00 +0000</pubDate>
      <description>Second article content</description>
    </item>
  </channel>
</rss>`

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Header().Set("ETag", `"test-etag-123"`)
		fmt.Fprint(w, rssContent)
	}))
	defer server.Close()

	// テスト用配信元データ
	testSource := &model.ResearchSource{
		ID:          "source-integration-1",
		FeedURL:     server.URL + "/feed.xml",
		SiteURL:     "https://example.com",
		Title:       "Old Title",
		FetchStatus: model.FetchStatusActive,
		NextFetchAt: time.Now().Add(-1 * time.Minute),
	}

	var fetchStateUpdated bool
	var updatedSource *model.ResearchSource
	var mu sync.Mutex

	sourceRepo := &mockSourceRepo{
		listDueForFetchFunc: func(ctx context.Context) ([]*model.ResearchSource, error) {
			mu.Lock()
			defer mu.Unlock()
			if fetchStateUpdated {
				return nil, nil
			}
			return []*model.ResearchSource{testSource}, nil
		},
		updateFetchStateFunc: func(ctx context.Context, source *model.ResearchSource) error {
			mu.Lock()
			defer mu.Unlock()
			fetchStateUpdated = true
			updatedSource = &model.ResearchSource{}
			*updatedSource = *source
			return nil
		},
	}

	upsertSvc := &mockUpsertService{
		insertCount: 2,
	}

	ssrfGuard := &mockSSRFGuard{}

	// フェッチャーとスケジューラの初期化
	fetcher := NewFetcher(
		sourceRepo, upsertSvc, ssrfGuard, nil,
		slog.Default(), 10*time.Second, 5*1024*1024,
	)

	scheduler := NewScheduler(sourceRepo, fetcher, slog.Default(), 2)

	// RunOnceで1サイクル実行
	err := scheduler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()

	// 検証: フェッチ状態が更新されたこと
	if !fetchStateUpdated {
		t.Fatal("expected fetch state to be updated")
	}

	// 検証: 配信元のタイトルが更新されたこと
	if updatedSource.Title != "Intermittent Fasting Research" {
		t.Errorf("source title = %q, want %q", updatedSource.Title, "Intermittent Fasting Research")
	}

	// 検証: ETagが保存されたこと
	if updatedSource.ETag != `"test-etag-123"` {
		t.Errorf("source etag = %q, want %q", updatedSource.ETag, `"test-etag-123"`)
	}

	// 検証: next_fetch_atが未来に設定されたこと
	if !updatedSource.NextFetchAt.After(time.Now()) {
		t.Error("expected next_fetch_at to be in the future")
	}

	// 検証: フェッチ状態がactiveのままであること
	if updatedSource.FetchStatus != model.FetchStatusActive {
		t.Errorf("fetch_status = %s, want active", updatedSource.FetchStatus)
	}

	// 検証: 記事がUPSERTされたこと（upsertSvcにarticlesが渡されたこと）
	if len(upsertSvc.calledWith) != 2 {
		t.Errorf("upserted articles = %d, want 2", len(upsertSvc.calledWith))
	}

	// 検証: dc:identifierからDOIが抽出されたこと
	if upsertSvc.calledWith[0].DOI != "10.1234/fast.2024.0001" {
		t.Errorf("article DOI = %q, want %q", upsertSvc.calledWith[0].DOI, "10.1234/fast.2024.0001")
	}

	// 検証: consecutive_errorsがリセットされたこと
	if updatedSource.ConsecutiveErrors != 0 {
		t.Errorf("consecutive_errors = %d, want 0", updatedSource.ConsecutiveErrors)
	}
}

// TestIntegration_WorkerFetchFlow_404StopsSource は404レスポンス時にフェッチが停止されることを検証する。
func TestIntegration_WorkerFetchFlow_404StopsSource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Not Found", http.StatusNotFound)
	}))
	defer server.Close()

	testSource := &model.ResearchSource{
		ID:          "source-404",
		FeedURL:     server.URL + "/gone.xml",
		FetchStatus: model.FetchStatusActive,
		NextFetchAt: time.Now().Add(-1 * time.Minute),
	}

	var updatedSource *model.ResearchSource

	sourceRepo := &mockSourceRepo{
		listDueForFetchFunc: func(ctx context.Context) ([]*model.ResearchSource, error) {
			return []*model.ResearchSource{testSource}, nil
		},
		updateFetchStateFunc: func(ctx context.Context, source *model.ResearchSource) error {
			updatedSource = &model.ResearchSource{}
			*updatedSource = *source
			return nil
		},
	}

	ssrfGuard := &mockSSRFGuard{}

	fetcher := NewFetcher(
		sourceRepo, nil, ssrfGuard, nil,
		slog.Default(), 10*time.Second, 5*1024*1024,
	)

	scheduler := NewScheduler(sourceRepo, fetcher, slog.Default(), 2)
	err := scheduler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	if updatedSource == nil {
		t.Fatal("expected fetch state to be updated")
	}

	// 404の場合、フェッチが停止されること
	if updatedSource.FetchStatus != model.FetchStatusStopped {
		t.Errorf("fetch_status = %s, want stopped", updatedSource.FetchStatus)
	}

	if updatedSource.ErrorMessage == "" {
		t.Error("expected non-empty error_message for stopped source")
	}
}

// TestIntegration_WorkerFetchFlow_ConditionalGET_304 は304応答時のフロー（記事UPSERTなし）を検証する。
func TestIntegration_WorkerFetchFlow_ConditionalGET_304(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"existing-etag"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "<rss></rss>")
	}))
	defer server.Close()

	testSource := &model.ResearchSource{
		ID:          "source-304",
		FeedURL:     server.URL + "/feed.xml",
		FetchStatus: model.FetchStatusActive,
		ETag:        `"existing-etag"`,
		NextFetchAt: time.Now().Add(-1 * time.Minute),
	}

	var updatedSource *model.ResearchSource

	sourceRepo := &mockSourceRepo{
		listDueForFetchFunc: func(ctx context.Context) ([]*model.ResearchSource, error) {
			return []*model.ResearchSource{testSource}, nil
		},
		updateFetchStateFunc: func(ctx context.Context, source *model.ResearchSource) error {
			updatedSource = &model.ResearchSource{}
			*updatedSource = *source
			return nil
		},
	}

	upsertSvc := &mockUpsertService{}
	ssrfGuard := &mockSSRFGuard{}

	fetcher := NewFetcher(
		sourceRepo, upsertSvc, ssrfGuard, nil,
		slog.Default(), 10*time.Second, 5*1024*1024,
	)

	scheduler := NewScheduler(sourceRepo, fetcher, slog.Default(), 2)
	err := scheduler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	// 304の場合、UPSERTが呼ばれないこと
	if upsertSvc.calledWith != nil {
		t.Error("expected UpsertArticles NOT to be called for 304 response")
	}

	if updatedSource == nil {
		t.Fatal("expected fetch state to be updated")
	}

	// 配信元のステータスはactiveのままであること
	if updatedSource.FetchStatus != model.FetchStatusActive {
		t.Errorf("fetch_status = %s, want active", updatedSource.FetchStatus)
	}

	// next_fetch_atが未来に更新されたこと
	if !updatedSource.NextFetchAt.After(time.Now()) {
		t.Error("expected next_fetch_at to be in the future")
	}
}
