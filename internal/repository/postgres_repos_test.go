package repository

import (
	"testing"

	"github.com/hitoshi/fastman/internal/model"
)

// 各Postgresリポジトリがインターフェースを満たすことのコンパイル時検証

// PostgresIdentityRepoはIdentityRepositoryインターフェースを満たすことを検証
func TestPostgresIdentityRepo_ImplementsInterface(t *testing.T) {
	var _ IdentityRepository = (*PostgresIdentityRepo)(nil)
}

// PostgresSessionRepoはSessionRepositoryインターフェースを満たすことを検証
func TestPostgresSessionRepo_ImplementsInterface(t *testing.T) {
	var _ SessionRepository = (*PostgresSessionRepo)(nil)
}

// PostgresJournalRepoはJournalRepositoryインターフェースを満たすことを検証
func TestPostgresJournalRepo_ImplementsInterface(t *testing.T) {
	var _ JournalRepository = (*PostgresJournalRepo)(nil)
}

// PostgresProgressionRepoはProgressionRepositoryインターフェースを満たすことを検証
func TestPostgresProgressionRepo_ImplementsInterface(t *testing.T) {
	var _ ProgressionRepository = (*PostgresProgressionRepo)(nil)
}

// PostgresSourceRepoはResearchSourceRepositoryインターフェースを満たすことを検証
func TestPostgresSourceRepo_ImplementsInterface(t *testing.T) {
	var _ ResearchSourceRepository = (*PostgresSourceRepo)(nil)
}

// PostgresSubscriptionRepoはSourceSubscriptionRepositoryインターフェースを満たすことを検証
func TestPostgresSubscriptionRepo_ImplementsInterface(t *testing.T) {
	var _ SourceSubscriptionRepository = (*PostgresSubscriptionRepo)(nil)
}

// PostgresArticleRepoはArticleRepositoryとCitationArticleRepositoryを満たすことを検証
func TestPostgresArticleRepo_ImplementsInterface(t *testing.T) {
	var _ ArticleRepository = (*PostgresArticleRepo)(nil)
	var _ CitationArticleRepository = (*PostgresArticleRepo)(nil)
}

// PostgresArticleStateRepoはArticleStateRepositoryインターフェースを満たすことを検証
func TestPostgresArticleStateRepo_ImplementsInterface(t *testing.T) {
	var _ ArticleStateRepository = (*PostgresArticleStateRepo)(nil)
}

// TestArticleFilterValues はArticleFilterの定数値が正しいことを検証する。
func TestArticleFilterValues(t *testing.T) {
	if model.ArticleFilterAll != "all" {
		t.Errorf("ArticleFilterAll = %q, want %q", model.ArticleFilterAll, "all")
	}
	if model.ArticleFilterUnread != "unread" {
		t.Errorf("ArticleFilterUnread = %q, want %q", model.ArticleFilterUnread, "unread")
	}
	if model.ArticleFilterSaved != "saved" {
		t.Errorf("ArticleFilterSaved = %q, want %q", model.ArticleFilterSaved, "saved")
	}
}
