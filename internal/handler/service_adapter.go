package handler

import (
	"github.com/hitoshi/fastman/internal/auth"
	"github.com/hitoshi/fastman/internal/identity"
	"github.com/hitoshi/fastman/internal/journal"
	"github.com/hitoshi/fastman/internal/progression"
	"github.com/hitoshi/fastman/internal/research"
	"github.com/hitoshi/fastman/internal/window"
)

// ハンドラーのサービスインターフェースはドメインサービスのシグネチャを
// そのまま写しているため、変換アダプタは不要になる。
// ここでは各サービスがインターフェースを満たすことをコンパイル時に検証する。

var _ AuthServiceInterface = (*auth.Service)(nil)
var _ WindowServiceInterface = (*window.Service)(nil)
var _ JournalServiceInterface = (*journal.Service)(nil)
var _ ProgressionServiceInterface = (*progression.Service)(nil)
var _ ResearchServiceInterface = (*research.Service)(nil)
var _ ArticleServiceInterface = (*research.ArticleService)(nil)
var _ ArticleStateServiceInterface = (*research.ArticleStateService)(nil)
var _ IdentityServiceInterface = (*identity.Service)(nil)
