// Package importer は出版社などが公開するRSS/Atomフィードから蔵書を一括登録する。
// 各エントリは通常の蔵書登録と同じ経路（権限確認、入力検証、監査ログ）で登録される。
package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/libris/internal/catalog"
	"github.com/hitoshi/libris/internal/metrics"
	"github.com/hitoshi/libris/internal/model"
	"github.com/hitoshi/libris/internal/rbac"
	"github.com/hitoshi/libris/internal/security"
)

const (
	// DefaultLimit は1回の取り込みで処理するエントリ数の既定値。
	DefaultLimit = 50
	// MaxLimit は1回の取り込みで処理するエントリ数の上限。
	MaxLimit = 500

	// DefaultTimeout はフィード取得のタイムアウトの既定値。
	DefaultTimeout = 15 * time.Second
	// DefaultMaxSize はフィード取得のレスポンスサイズ上限の既定値。
	DefaultMaxSize int64 = 5 * 1024 * 1024

	// unknownAuthor は著者が取得できないエントリに設定する著者名。
	unknownAuthor = "Unknown"

	userAgent = "Libris/1.0 Catalog Importer"
)

// BookCatalog は取り込み先の蔵書カタログ。catalog.Serviceが実装する。
type BookCatalog interface {
	HasBook(ctx context.Context, actor *model.Principal, title, author string) (bool, error)
	CreateBook(ctx context.Context, actor *model.Principal, in catalog.BookInput) (*model.Book, error)
}

// Config は取り込みの設定。
type Config struct {
	Timeout time.Duration
	MaxSize int64
}

// Result は取り込み結果の集計。
type Result struct {
	FeedURL    string
	Entries    int
	Created    int
	Duplicates int
	Invalid    int
}

// Skipped は登録されなかったエントリ数を返す。
func (r *Result) Skipped() int {
	return r.Duplicates + r.Invalid
}

// Service はフィード取り込みのサービス層。
type Service struct {
	catalog BookCatalog
	gate    *rbac.Gate
	guard   security.SSRFGuardService
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	config  Config
	client  *http.Client
}

// NewService はServiceを生成する。HTTPクライアントはguardのSSRF防止付きクライアントを使う。
func NewService(
	bookCatalog BookCatalog,
	gate *rbac.Gate,
	guard security.SSRFGuardService,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	config Config,
) *Service {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.MaxSize <= 0 {
		config.MaxSize = DefaultMaxSize
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		catalog: bookCatalog,
		gate:    gate,
		guard:   guard,
		metrics: collector,
		logger:  logger,
		config:  config,
		client:  guard.NewSafeClient(config.Timeout, config.MaxSize),
	}
}

// Import はURLのフィードを取得し、エントリを蔵書として登録する。
// URLがHTMLページの場合はheadのフィードリンクを辿る。
// 登録済み（同じタイトルと著者）のエントリと入力検証に失敗したエントリはスキップする。
// 登録中にそれ以外のエラーが起きた場合は、そこまでの結果とともにエラーを返す。
func (s *Service) Import(ctx context.Context, actor *model.Principal, rawURL string, limit int) (*Result, error) {
	if _, err := s.gate.Authorize(actor, rbac.ManageBooks); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	feedURL, feed, err := s.loadFeed(ctx, strings.TrimSpace(rawURL))
	if err != nil {
		return nil, err
	}

	result := &Result{FeedURL: feedURL}
	defer func() {
		s.metrics.RecordImport(result.Created, result.Skipped())
	}()

	for _, item := range feed.Items {
		if result.Entries >= limit {
			break
		}
		if item == nil {
			continue
		}
		result.Entries++

		in := entryToBookInput(item)
		exists, err := s.catalog.HasBook(ctx, actor, in.Title, in.Author)
		if err != nil {
			return result, fmt.Errorf("蔵書の重複確認に失敗しました: %w", err)
		}
		if exists {
			result.Duplicates++
			continue
		}

		book, err := s.catalog.CreateBook(ctx, actor, in)
		if err != nil {
			if model.HasCode(err, model.ErrCodeValidationFailed) {
				result.Invalid++
				s.logger.Warn("入力検証に失敗したエントリをスキップしました",
					slog.String("feed_url", feedURL),
					slog.String("title", in.Title),
					slog.String("error", err.Error()),
				)
				continue
			}
			return result, err
		}
		result.Created++
		s.logger.Info("フィードのエントリを蔵書として登録しました",
			slog.String("book_id", book.ID),
			slog.String("title", book.Title),
		)
	}

	s.logger.Info("フィードの取り込みが完了しました",
		slog.String("feed_url", feedURL),
		slog.Int("entries", result.Entries),
		slog.Int("created", result.Created),
		slog.Int("duplicates", result.Duplicates),
		slog.Int("invalid", result.Invalid),
	)
	return result, nil
}

// loadFeed はURLを取得してフィードをパースする。HTMLの場合はフィードリンクを1回だけ辿る。
func (s *Service) loadFeed(ctx context.Context, rawURL string) (string, *gofeed.Feed, error) {
	if err := s.guard.ValidateURL(rawURL); err != nil {
		return "", nil, err
	}

	body, contentType, err := s.fetch(ctx, rawURL)
	if err != nil {
		return "", nil, err
	}

	feedURL := rawURL
	if !isFeedResponse(contentType, body) {
		if !isHTMLResponse(contentType) {
			return "", nil, model.NewFeedNotDetectedError(rawURL)
		}
		link, ok := pickFeedLink(findFeedLinks(body, rawURL), rawURL)
		if !ok {
			return "", nil, model.NewFeedNotDetectedError(rawURL)
		}
		if err := s.guard.ValidateURL(link.URL); err != nil {
			return "", nil, err
		}
		feedURL = link.URL
		if body, _, err = s.fetch(ctx, feedURL); err != nil {
			return "", nil, err
		}
	}

	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("フィードのパースに失敗しました",
			slog.String("feed_url", feedURL),
			slog.String("error", err.Error()),
		)
		return "", nil, model.NewParseFailedError()
	}
	return feedURL, feed, nil
}

// fetch はURLを取得し、ボディとContent-Typeを返す。
func (s *Service) fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", model.NewInvalidURLError(err.Error())
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, text/html;q=0.9, */*;q=0.8")

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, security.ErrResponseTooLarge) {
			return nil, "", model.NewFetchFailedError("レスポンスが大きすぎます")
		}
		return nil, "", model.NewFetchFailedError(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", model.NewFetchFailedError(fmt.Sprintf("HTTPステータス %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(err, security.ErrResponseTooLarge) {
			return nil, "", model.NewFetchFailedError("レスポンスが大きすぎます")
		}
		return nil, "", model.NewFetchFailedError(fmt.Sprintf("レスポンスの読み取りに失敗: %v", err))
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// entryToBookInput はフィードのエントリを蔵書の入力値に変換する。
// HTMLの除去と長さの検証はcatalog.Serviceが行う。
func entryToBookInput(item *gofeed.Item) catalog.BookInput {
	in := catalog.BookInput{
		Title:       item.Title,
		Author:      entryAuthor(item),
		Description: item.Description,
		Tags:        make([]string, 0, len(item.Categories)),
	}
	if in.Description == "" {
		in.Description = item.Content
	}
	if cover := entryImage(item); cover != "" {
		in.CoverImageURL = cover
	}
	for _, c := range item.Categories {
		for _, tag := range catalog.SplitTags(c) {
			in.Tags = append(in.Tags, strings.ToLower(tag))
		}
	}
	return in
}

func entryAuthor(item *gofeed.Item) string {
	if item.Author != nil && strings.TrimSpace(item.Author.Name) != "" {
		return item.Author.Name
	}
	for _, a := range item.Authors {
		if a != nil && strings.TrimSpace(a.Name) != "" {
			return a.Name
		}
	}
	return unknownAuthor
}

// entryImage はエントリの画像URLを返す。http(s)以外のURLは使わない。
func entryImage(item *gofeed.Item) string {
	candidates := make([]string, 0, 1+len(item.Enclosures))
	if item.Image != nil {
		candidates = append(candidates, item.Image.URL)
	}
	for _, e := range item.Enclosures {
		if e != nil && strings.HasPrefix(e.Type, "image/") {
			candidates = append(candidates, e.URL)
		}
	}
	for _, c := range candidates {
		u, err := url.Parse(strings.TrimSpace(c))
		if err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
			return u.String()
		}
	}
	return ""
}
