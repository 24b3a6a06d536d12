package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/fastman/internal/middleware"
	"github.com/hitoshi/fastman/internal/model"
	"github.com/hitoshi/fastman/internal/repository"
	"github.com/hitoshi/fastman/internal/research"
)

const (
	// defaultArticlesPerPage は記事一覧の1回の取得件数（デフォルト）。
	defaultArticlesPerPage = 50
	// maxArticlesPerPage はlimitクエリの上限。
	maxArticlesPerPage = 100
)

// ResearchServiceInterface は配信元ハンドラーが必要とするサービスインターフェース。
type ResearchServiceInterface interface {
	// RegisterSource はURLから配信元を自動検出して登録し、購読を作成する。
	RegisterSource(ctx context.Context, identityID string, inputURL string) (*model.ResearchSource, *model.SourceSubscription, error)
	// ListSources は全配信元を購読状態付きで返す。
	ListSources(ctx context.Context, identityID string) ([]repository.SourceWithSubscription, error)
	// Subscribe は既存の配信元を購読する。
	Subscribe(ctx context.Context, identityID, sourceID string) (*model.SourceSubscription, error)
	// Unsubscribe は購読を解除する。記事の既読・保存状態は保持される。
	Unsubscribe(ctx context.Context, identityID, sourceID string) error
}

// ArticleServiceInterface は記事一覧サービスのインターフェース。
type ArticleServiceInterface interface {
	// ListArticles は購読中の配信元の記事をフィルタ・ページネーション付きで返す。
	ListArticles(ctx context.Context, identityID string, filter model.ArticleFilter, cursorStr string, limit int) (*research.ArticleListResult, error)
}

// ArticleStateServiceInterface は記事状態管理サービスのインターフェース。
type ArticleStateServiceInterface interface {
	// UpdateState は記事の既読・保存状態を冪等に更新する。
	// nilフィールドは変更しない部分更新を行う。
	UpdateState(ctx context.Context, identityID, articleID string, isRead *bool, isSaved *bool) (*model.ArticleState, error)
}

// ResearchHandler は研究フィード管理のHTTPハンドラー。
type ResearchHandler struct {
	service        ResearchServiceInterface
	articleService ArticleServiceInterface
	stateService   ArticleStateServiceInterface
}

// NewResearchHandler はResearchHandlerを生成する。
func NewResearchHandler(
	service ResearchServiceInterface,
	articleService ArticleServiceInterface,
	stateService ArticleStateServiceInterface,
) *ResearchHandler {
	return &ResearchHandler{
		service:        service,
		articleService: articleService,
		stateService:   stateService,
	}
}

// --- リクエスト/レスポンス型 ---

// registerSourceRequest は配信元登録リクエストのボディ。
type registerSourceRequest struct {
	URL string `json:"url"`
}

// sourceResponse は配信元のAPIレスポンス。
// ETagなどのフェッチ内部状態は外部に出さない。
type sourceResponse struct {
	ID          string    `json:"id"`
	FeedURL     string    `json:"feed_url"`
	SiteURL     string    `json:"site_url,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	IconURL     string    `json:"icon_url,omitempty"`
	FetchStatus string    `json:"fetch_status"`
	CreatedAt   time.Time `json:"created_at"`
}

// sourceWithSubscriptionResponse は購読状態付きの配信元レスポンス。
type sourceWithSubscriptionResponse struct {
	sourceResponse
	IsSubscribed bool `json:"is_subscribed"`
}

// sourceListResponse は配信元一覧のレスポンス。
type sourceListResponse struct {
	Sources []sourceWithSubscriptionResponse `json:"sources"`
}

// subscriptionResponse は購読のAPIレスポンス。
type subscriptionResponse struct {
	ID        string    `json:"id"`
	SourceID  string    `json:"source_id"`
	CreatedAt time.Time `json:"created_at"`
}

// registerSourceResponse は配信元登録のレスポンス。
type registerSourceResponse struct {
	Source       sourceWithSubscriptionResponse `json:"source"`
	Subscription subscriptionResponse           `json:"subscription"`
}

// articleSummaryResponse は記事一覧のサマリーレスポンス。
type articleSummaryResponse struct {
	ID              string    `json:"id"`
	SourceID        string    `json:"source_id"`
	Title           string    `json:"title"`
	Link            string    `json:"link"`
	Summary         string    `json:"summary,omitempty"`
	Authors         string    `json:"authors,omitempty"`
	DOI             string    `json:"doi,omitempty"`
	CitationCount   int       `json:"citation_count"`
	PublishedAt     time.Time `json:"published_at"`
	IsDateEstimated bool      `json:"is_date_estimated"`
	IsRead          bool      `json:"is_read"`
	IsSaved         bool      `json:"is_saved"`
}

// articleListResponse は記事一覧のレスポンス。
type articleListResponse struct {
	Articles   []articleSummaryResponse `json:"articles"`
	NextCursor string                   `json:"next_cursor,omitempty"`
	HasMore    bool                     `json:"has_more"`
}

// articleStateRequest は記事状態更新リクエストのボディ。
type articleStateRequest struct {
	IsRead  *bool `json:"is_read,omitempty"`
	IsSaved *bool `json:"is_saved,omitempty"`
}

// articleStateResponse は記事状態のレスポンス。
type articleStateResponse struct {
	ArticleID string `json:"article_id"`
	IsRead    bool   `json:"is_read"`
	IsSaved   bool   `json:"is_saved"`
}

// RegisterSource は配信元を登録して購読する。
// POST /api/research/sources
func (h *ResearchHandler) RegisterSource(w http.ResponseWriter, r *http.Request) {
	identityID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		writeUnauthorizedResponse(w)
		return
	}

	var req registerSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestResponse(w)
		return
	}

	source, subscription, err := h.service.RegisterSource(r.Context(), identityID, req.URL)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(registerSourceResponse{
		// 登録直後は必ず購読済みになる
		Source:       toSourceResponse(source, true),
		Subscription: toSubscriptionResponse(subscription),
	})
}

// ListSources は全配信元を購読状態付きで取得する。
// GET /api/research/sources
func (h *ResearchHandler) ListSources(w http.ResponseWriter, r *http.Request) {
	identityID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		writeUnauthorizedResponse(w)
		return
	}

	sources, err := h.service.ListSources(r.Context(), identityID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := sourceListResponse{Sources: make([]sourceWithSubscriptionResponse, len(sources))}
	for i, s := range sources {
		resp.Sources[i] = toSourceResponse(&s.ResearchSource, s.IsSubscribed)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Subscribe は既存の配信元を購読する。
// POST /api/research/sources/:id/subscription
func (h *ResearchHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	identityID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		writeUnauthorizedResponse(w)
		return
	}

	sourceID := chi.URLParam(r, "id")

	subscription, err := h.service.Subscribe(r.Context(), identityID, sourceID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(toSubscriptionResponse(subscription))
}

// Unsubscribe は購読を解除する。
// DELETE /api/research/sources/:id/subscription
func (h *ResearchHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	identityID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		writeUnauthorizedResponse(w)
		return
	}

	sourceID := chi.URLParam(r, "id")

	if err := h.service.Unsubscribe(r.Context(), identityID, sourceID); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListArticles は購読中の配信元の記事一覧を取得する。
// GET /api/research/articles?filter=all|unread|saved&cursor=xxx&limit=50
func (h *ResearchHandler) ListArticles(w http.ResponseWriter, r *http.Request) {
	identityID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		writeUnauthorizedResponse(w)
		return
	}

	cursor := r.URL.Query().Get("cursor")
	filterStr := r.URL.Query().Get("filter")
	limit := parseLimitParam(r.URL.Query().Get("limit"), defaultArticlesPerPage, maxArticlesPerPage)

	// デフォルトフィルタは "all"
	filter := model.ArticleFilterAll
	if filterStr != "" {
		filter = model.ArticleFilter(filterStr)
	}

	result, err := h.articleService.ListArticles(r.Context(), identityID, filter, cursor, limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := articleListResponse{
		Articles:   make([]articleSummaryResponse, len(result.Articles)),
		NextCursor: result.NextCursor,
		HasMore:    result.HasMore,
	}
	for i, a := range result.Articles {
		resp.Articles[i] = articleSummaryResponse{
			ID:              a.ID,
			SourceID:        a.SourceID,
			Title:           a.Title,
			Link:            a.Link,
			Summary:         a.Summary,
			Authors:         a.Authors,
			DOI:             a.DOI,
			CitationCount:   a.CitationCount,
			PublishedAt:     a.PublishedAt,
			IsDateEstimated: a.IsDateEstimated,
			IsRead:          a.IsRead,
			IsSaved:         a.IsSaved,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// UpdateArticleState は記事の既読・保存状態を更新する。
// PUT /api/research/articles/:id/state
func (h *ResearchHandler) UpdateArticleState(w http.ResponseWriter, r *http.Request) {
	identityID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		writeUnauthorizedResponse(w)
		return
	}

	articleID := chi.URLParam(r, "id")

	var req articleStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestResponse(w)
		return
	}

	// 両方nilの場合は更新対象がない
	if req.IsRead == nil && req.IsSaved == nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "更新する状態が指定されていません。",
			Category: "validation",
			Action:   "is_readまたはis_savedを指定してください。",
		})
		return
	}

	state, err := h.stateService.UpdateState(r.Context(), identityID, articleID, req.IsRead, req.IsSaved)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(articleStateResponse{
		ArticleID: state.ArticleID,
		IsRead:    state.IsRead,
		IsSaved:   state.IsSaved,
	})
}

// toSourceResponse はSourceWithSubscriptionからAPIレスポンスに変換する。
func toSourceResponse(source *model.ResearchSource, isSubscribed bool) sourceWithSubscriptionResponse {
	return sourceWithSubscriptionResponse{
		sourceResponse: sourceResponse{
			ID:          source.ID,
			FeedURL:     source.FeedURL,
			SiteURL:     source.SiteURL,
			Title:       source.Title,
			Description: source.Description,
			IconURL:     source.IconURL,
			FetchStatus: string(source.FetchStatus),
			CreatedAt:   source.CreatedAt,
		},
		IsSubscribed: isSubscribed,
	}
}

// toSubscriptionResponse はmodel.SourceSubscriptionからAPIレスポンスに変換する。
func toSubscriptionResponse(sub *model.SourceSubscription) subscriptionResponse {
	return subscriptionResponse{
		ID:        sub.ID,
		SourceID:  sub.SourceID,
		CreatedAt: sub.CreatedAt,
	}
}
