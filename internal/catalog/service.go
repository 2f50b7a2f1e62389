// Package catalog は蔵書とタグの管理を提供する。
package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/libris/internal/audit"
	"github.com/hitoshi/libris/internal/metrics"
	"github.com/hitoshi/libris/internal/model"
	"github.com/hitoshi/libris/internal/rbac"
	"github.com/hitoshi/libris/internal/repository"
	"github.com/hitoshi/libris/internal/security"
)

// PageSize は蔵書一覧の1ページあたりの件数。
const PageSize = 10

// ListInput は蔵書一覧の検索条件。
// Queryはタイトル・著者の部分一致、ISBNの完全一致、タグ名の部分一致のいずれかで絞り込む。
type ListInput struct {
	Query  string
	Author string
	ISBN   string
	Tag    string
	Status string
	Sort   string
	Page   int
}

// BookPage は蔵書一覧の1ページ分。
type BookPage struct {
	Books    []*model.Book
	Total    int
	Page     int
	PageSize int
}

// Service は蔵書管理のサービス層。
// 変更系の操作はすべて監査ログと同じトランザクションで実行する。
type Service struct {
	store     repository.Store
	gate      *rbac.Gate
	recorder  *audit.Recorder
	sanitizer security.TextSanitizerService
	metrics   metrics.MetricsCollector
	now       func() time.Time
	newID     func() string
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	store repository.Store,
	gate *rbac.Gate,
	recorder *audit.Recorder,
	sanitizer security.TextSanitizerService,
	collector metrics.MetricsCollector,
	now func() time.Time,
) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:     store,
		gate:      gate,
		recorder:  recorder,
		sanitizer: sanitizer,
		metrics:   collector,
		now:       now,
		newID:     func() string { return uuid.New().String() },
	}
}

// CreateBook は蔵書を登録する。新しい蔵書は常にAVAILABLEで作成される。
func (s *Service) CreateBook(ctx context.Context, actor *model.Principal, in BookInput) (*model.Book, error) {
	if _, err := s.gate.Authorize(actor, rbac.ManageBooks); err != nil {
		return nil, err
	}

	in = in.normalize(s.sanitizer)
	if err := validateStruct(in); err != nil {
		return nil, err
	}

	now := s.now()
	book := &model.Book{
		ID:            s.newID(),
		Title:         in.Title,
		Author:        in.Author,
		ISBN:          in.ISBN,
		Description:   in.Description,
		PublishedYear: in.PublishedYear,
		CoverImageURL: in.CoverImageURL,
		Status:        model.BookStatusAvailable,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := s.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		if err := repos.Books.Create(ctx, book); err != nil {
			return fmt.Errorf("蔵書の登録に失敗しました: %w", err)
		}
		tags, err := s.replaceTags(ctx, repos, book.ID, in.Tags)
		if err != nil {
			return err
		}
		book.Tags = tags
		return s.recorder.Record(ctx, repos.Audit, audit.Entry{
			ActorID:  audit.ActorID(actor),
			Action:   model.AuditBookCreated,
			Entity:   model.EntityBook,
			EntityID: book.ID,
			Details:  book.Title,
		})
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordAuditEntry(string(model.AuditBookCreated))
	return book, nil
}

// UpdateBook は書誌情報とタグを置き換える。貸出状態は変更しない。
func (s *Service) UpdateBook(ctx context.Context, actor *model.Principal, id string, in BookInput) (*model.Book, error) {
	if _, err := s.gate.Authorize(actor, rbac.ManageBooks); err != nil {
		return nil, err
	}

	in = in.normalize(s.sanitizer)
	if err := validateStruct(in); err != nil {
		return nil, err
	}

	var book *model.Book
	err := s.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		current, err := repos.Books.FindByIDForUpdate(ctx, id)
		if err != nil {
			return fmt.Errorf("蔵書の取得に失敗しました: %w", err)
		}
		if current == nil {
			return model.NewBookNotFoundError(id)
		}

		current.Title = in.Title
		current.Author = in.Author
		current.ISBN = in.ISBN
		current.Description = in.Description
		current.PublishedYear = in.PublishedYear
		current.CoverImageURL = in.CoverImageURL
		current.UpdatedAt = s.now()
		if err := repos.Books.Update(ctx, current); err != nil {
			return fmt.Errorf("蔵書の更新に失敗しました: %w", err)
		}

		tags, err := s.replaceTags(ctx, repos, id, in.Tags)
		if err != nil {
			return err
		}
		current.Tags = tags
		book = current

		return s.recordBookUpdated(ctx, repos, actor, current)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordAuditEntry(string(model.AuditBookUpdated))
	return book, nil
}

// SoftDeleteBook は蔵書を論理削除する。貸出中の蔵書は削除できない。
func (s *Service) SoftDeleteBook(ctx context.Context, actor *model.Principal, id string) error {
	if _, err := s.gate.Authorize(actor, rbac.ManageBooks); err != nil {
		return err
	}

	err := s.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		book, err := repos.Books.FindByIDForUpdate(ctx, id)
		if err != nil {
			return fmt.Errorf("蔵書の取得に失敗しました: %w", err)
		}
		if book == nil {
			return model.NewBookNotFoundError(id)
		}
		if book.Status == model.BookStatusBorrowed {
			return model.NewBookHasActiveLoanError()
		}

		if err := repos.Books.SoftDelete(ctx, id, s.now()); err != nil {
			return fmt.Errorf("蔵書の削除に失敗しました: %w", err)
		}
		return s.recorder.Record(ctx, repos.Audit, audit.Entry{
			ActorID:  audit.ActorID(actor),
			Action:   model.AuditBookDeleted,
			Entity:   model.EntityBook,
			EntityID: id,
			Details:  book.Title,
		})
	})
	if err != nil {
		return err
	}

	s.metrics.RecordAuditEntry(string(model.AuditBookDeleted))
	return nil
}

// UpdateDescription は紹介文のみを更新する。提案された紹介文の適用に使う。
func (s *Service) UpdateDescription(ctx context.Context, actor *model.Principal, id, description string) (*model.Book, error) {
	if _, err := s.gate.Authorize(actor, rbac.ManageBooks); err != nil {
		return nil, err
	}

	in := descriptionInput{Description: s.sanitizer.Text(description)}
	if err := validateStruct(in); err != nil {
		return nil, err
	}

	var book *model.Book
	err := s.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		current, err := repos.Books.FindByIDForUpdate(ctx, id)
		if err != nil {
			return fmt.Errorf("蔵書の取得に失敗しました: %w", err)
		}
		if current == nil {
			return model.NewBookNotFoundError(id)
		}

		now := s.now()
		if err := repos.Books.UpdateDescription(ctx, id, in.Description, now); err != nil {
			return fmt.Errorf("紹介文の更新に失敗しました: %w", err)
		}
		current.Description = in.Description
		current.UpdatedAt = now

		if current.Tags, err = s.tagsOf(ctx, repos, id); err != nil {
			return err
		}
		book = current
		return s.recordBookUpdated(ctx, repos, actor, current)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordAuditEntry(string(model.AuditBookUpdated))
	return book, nil
}

// UpdateTags はタグのみを置き換える。提案されたタグの適用に使う。
func (s *Service) UpdateTags(ctx context.Context, actor *model.Principal, id string, names []string) (*model.Book, error) {
	if _, err := s.gate.Authorize(actor, rbac.ManageBooks); err != nil {
		return nil, err
	}

	in := tagsInput{Tags: normalizeTags(s.sanitizer, names)}
	if err := validateStruct(in); err != nil {
		return nil, err
	}

	var book *model.Book
	err := s.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		current, err := repos.Books.FindByIDForUpdate(ctx, id)
		if err != nil {
			return fmt.Errorf("蔵書の取得に失敗しました: %w", err)
		}
		if current == nil {
			return model.NewBookNotFoundError(id)
		}

		if current.Tags, err = s.replaceTags(ctx, repos, id, in.Tags); err != nil {
			return err
		}
		book = current
		return s.recordBookUpdated(ctx, repos, actor, current)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordAuditEntry(string(model.AuditBookUpdated))
	return book, nil
}

// GetBook は蔵書をタグ付きで返す。論理削除済みの蔵書はBOOK_NOT_FOUNDになる。
func (s *Service) GetBook(ctx context.Context, actor *model.Principal, id string) (*model.Book, error) {
	if _, err := s.gate.Authorize(actor, rbac.BrowseCatalog); err != nil {
		return nil, err
	}

	repos := s.store.Repos()
	book, err := repos.Books.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("蔵書の取得に失敗しました: %w", err)
	}
	if book == nil {
		return nil, model.NewBookNotFoundError(id)
	}
	if book.Tags, err = s.tagsOf(ctx, repos, id); err != nil {
		return nil, err
	}
	return book, nil
}

// ListBooks は条件に一致する蔵書を1ページ分返す。
func (s *Service) ListBooks(ctx context.Context, actor *model.Principal, in ListInput) (*BookPage, error) {
	if _, err := s.gate.Authorize(actor, rbac.BrowseCatalog); err != nil {
		return nil, err
	}

	filter, err := buildFilter(in)
	if err != nil {
		return nil, err
	}

	repos := s.store.Repos()
	books, total, err := repos.Books.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("蔵書一覧の取得に失敗しました: %w", err)
	}

	if len(books) > 0 {
		ids := make([]string, len(books))
		for i, b := range books {
			ids[i] = b.ID
		}
		tags, err := repos.Tags.ListByBookIDs(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("タグの取得に失敗しました: %w", err)
		}
		for _, b := range books {
			b.Tags = tags[b.ID]
		}
	}

	return &BookPage{
		Books:    books,
		Total:    total,
		Page:     filter.Offset/PageSize + 1,
		PageSize: PageSize,
	}, nil
}

// ListTags は全タグを名前順に返す。
func (s *Service) ListTags(ctx context.Context, actor *model.Principal) ([]model.Tag, error) {
	if _, err := s.gate.Authorize(actor, rbac.BrowseCatalog); err != nil {
		return nil, err
	}
	tags, err := s.store.Repos().Tags.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("タグ一覧の取得に失敗しました: %w", err)
	}
	return tags, nil
}

// HasBook は同じタイトルと著者の蔵書が登録済みかを返す。取り込み時の重複判定に使う。
func (s *Service) HasBook(ctx context.Context, actor *model.Principal, title, author string) (bool, error) {
	if _, err := s.gate.Authorize(actor, rbac.ManageBooks); err != nil {
		return false, err
	}
	exists, err := s.store.Repos().Books.ExistsByTitleAndAuthor(ctx, s.sanitizer.Line(title), s.sanitizer.Line(author))
	if err != nil {
		return false, fmt.Errorf("蔵書の重複確認に失敗しました: %w", err)
	}
	return exists, nil
}

// replaceTags はタグを名前で取得または作成し、蔵書の紐付けをすべて置き換える。
func (s *Service) replaceTags(ctx context.Context, repos repository.Repositories, bookID string, names []string) ([]model.Tag, error) {
	tags := make([]model.Tag, 0, len(names))
	ids := make([]string, 0, len(names))
	for _, name := range names {
		tag, err := repos.Tags.UpsertByName(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("タグの登録に失敗しました: %w", err)
		}
		tags = append(tags, *tag)
		ids = append(ids, tag.ID)
	}
	if err := repos.Tags.ReplaceForBook(ctx, bookID, ids); err != nil {
		return nil, fmt.Errorf("タグの紐付けに失敗しました: %w", err)
	}
	return tags, nil
}

func (s *Service) tagsOf(ctx context.Context, repos repository.Repositories, bookID string) ([]model.Tag, error) {
	byBook, err := repos.Tags.ListByBookIDs(ctx, []string{bookID})
	if err != nil {
		return nil, fmt.Errorf("タグの取得に失敗しました: %w", err)
	}
	return byBook[bookID], nil
}

func (s *Service) recordBookUpdated(ctx context.Context, repos repository.Repositories, actor *model.Principal, book *model.Book) error {
	return s.recorder.Record(ctx, repos.Audit, audit.Entry{
		ActorID:  audit.ActorID(actor),
		Action:   model.AuditBookUpdated,
		Entity:   model.EntityBook,
		EntityID: book.ID,
		Details:  book.Title,
	})
}

// buildFilter は一覧の検索条件を検証してリポジトリ用のフィルタに変換する。
func buildFilter(in ListInput) (model.BookFilter, error) {
	fields := map[string]string{}
	filter := model.BookFilter{
		Query:  strings.TrimSpace(in.Query),
		Author: strings.TrimSpace(in.Author),
		ISBN:   strings.TrimSpace(in.ISBN),
		Tag:    strings.TrimSpace(in.Tag),
		Sort:   model.BookSortNewest,
		Limit:  PageSize,
	}

	switch strings.ToLower(strings.TrimSpace(in.Status)) {
	case "":
	case "available":
		filter.Status = model.BookStatusAvailable
	case "borrowed":
		filter.Status = model.BookStatusBorrowed
	default:
		fields["status"] = "availableまたはborrowedを指定してください"
	}

	switch model.BookSort(strings.ToLower(strings.TrimSpace(in.Sort))) {
	case "", model.BookSortNewest:
	case model.BookSortTitle:
		filter.Sort = model.BookSortTitle
	default:
		fields["sort"] = "newestまたはtitleを指定してください"
	}

	page, ok := model.NormalizePage(in.Page)
	if !ok {
		fields["page"] = model.PageMessage
	}
	if len(fields) > 0 {
		return filter, model.NewValidationError(fields)
	}

	filter.Offset = (page - 1) * PageSize
	return filter, nil
}
