package suggest

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hitoshi/libris/internal/metrics"
	"github.com/hitoshi/libris/internal/model"
	"github.com/hitoshi/libris/internal/rbac"
)

const (
	descriptionPrompt = "You are a librarian. Rewrite the given book description in a clear, professional tone. " +
		"Keep it concise (2-4 sentences). Do not add information that is not in the original. " +
		"Output only the improved description, no preamble."
	tagsPrompt = "You are a librarian. Based on the book title, author, and description, suggest 3-6 short tags " +
		"or categories (e.g. fiction, science-fiction, history). Output only a comma-separated list of tags, " +
		"lowercase, no numbers or punctuation inside tags. Example: fiction, sci-fi, adventure"

	descriptionMaxTokens = 300
	tagsMaxTokens        = 150

	// MaxTags は返すタグ候補の最大数。
	MaxTags = 6
	// maxTagLength はタグ1件の最大文字数。これを超える候補は捨てる。
	maxTagLength = 50

	// 提案種別（メトリクスのラベル）
	KindDescription = "description"
	KindTags        = "tags"

	serviceName = "文章提案サービス"
)

// Service は文章提案のサービス層。
// completerがnilの場合は未設定として扱い、DEPENDENCY_UNAVAILABLEを返す。
type Service struct {
	completer Completer
	gate      *rbac.Gate
	metrics   metrics.MetricsCollector
	now       func() time.Time
}

// NewService はServiceを生成する。
func NewService(completer Completer, gate *rbac.Gate, collector metrics.MetricsCollector, now func() time.Time) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if now == nil {
		now = time.Now
	}
	return &Service{
		completer: completer,
		gate:      gate,
		metrics:   collector,
		now:       now,
	}
}

// Enabled は提案サービスが利用可能かを返す。
func (s *Service) Enabled() bool {
	return s.completer != nil
}

// ImproveDescription は紹介文の改善案を返す。
func (s *Service) ImproveDescription(ctx context.Context, actor *model.Principal, description string) (string, error) {
	if _, err := s.gate.Authorize(actor, rbac.UseSuggestions); err != nil {
		return "", err
	}
	if !s.Enabled() {
		return "", model.NewDependencyUnavailableError(serviceName)
	}

	input := strings.TrimSpace(description)
	if input == "" {
		input = "No description provided."
	}

	text, err := s.complete(ctx, KindDescription, descriptionPrompt, input, descriptionMaxTokens)
	if err != nil {
		return "", err
	}
	return text, nil
}

// SuggestTags はタイトル、著者、紹介文からタグ候補を返す。
// 候補は小文字に揃え、重複を除いて最大MaxTags件。
func (s *Service) SuggestTags(ctx context.Context, actor *model.Principal, title, author, description string) ([]string, error) {
	if _, err := s.gate.Authorize(actor, rbac.UseSuggestions); err != nil {
		return nil, err
	}
	if !s.Enabled() {
		return nil, model.NewDependencyUnavailableError(serviceName)
	}

	var parts []string
	for _, p := range []string{title, author, description} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return nil, model.NewValidationError(map[string]string{
			"title": "タイトル、著者、紹介文のいずれかを入力してください。",
		})
	}

	text, err := s.complete(ctx, KindTags, tagsPrompt, strings.Join(parts, "\n"), tagsMaxTokens)
	if err != nil {
		return nil, err
	}

	tags := ParseTags(text)
	if len(tags) == 0 {
		s.metrics.RecordSuggestion(KindTags, 0, ErrEmptyCompletion)
		return nil, model.NewSuggestionFailedError("タグ候補が得られませんでした")
	}
	return tags, nil
}

// complete は提案サービスを呼び出し、結果をメトリクスに記録する。
// 失敗はすべてSUGGESTION_FAILEDに変換する。
func (s *Service) complete(ctx context.Context, kind, system, user string, maxTokens int) (string, error) {
	start := s.now()
	text, err := s.completer.Complete(ctx, system, user, maxTokens)
	s.metrics.RecordSuggestion(kind, s.now().Sub(start), err)
	if err != nil {
		return "", model.NewSuggestionFailedError(failureReason(err))
	}
	return text, nil
}

func failureReason(err error) string {
	var statusErr *StatusError
	switch {
	case errors.As(err, &statusErr):
		return "提案サービスがエラーを返しました"
	case errors.Is(err, ErrEmptyCompletion):
		return "提案サービスの応答が空でした"
	case errors.Is(err, context.DeadlineExceeded):
		return "提案サービスの応答がタイムアウトしました"
	default:
		return "提案サービスに接続できませんでした"
	}
}

// ParseTags はカンマ区切りの応答をタグ候補に変換する。
func ParseTags(text string) []string {
	seen := make(map[string]bool)
	var tags []string
	for _, raw := range strings.Split(text, ",") {
		tag := strings.ToLower(strings.TrimSpace(raw))
		tag = strings.Trim(tag, ".\"'")
		if tag == "" || len([]rune(tag)) > maxTagLength || seen[tag] {
			continue
		}
		seen[tag] = true
		tags = append(tags, tag)
		if len(tags) == MaxTags {
			break
		}
	}
	return tags
}
