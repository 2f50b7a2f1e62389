// Package seed は開発・デモ用の初期データ（職員ユーザー、タグ、蔵書）を投入する。
// 何度実行しても同じ結果になる。
package seed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/libris/internal/audit"
	"github.com/hitoshi/libris/internal/model"
	"github.com/hitoshi/libris/internal/repository"
)

// User は投入するユーザー。
type User struct {
	Email string
	Name  string
	Role  model.Role
}

// Book は投入する蔵書。
type Book struct {
	Title         string
	Author        string
	ISBN          string
	Description   string
	PublishedYear int
	Tags          []string
}

// Users は既定の職員・利用者ユーザー。Googleでログインすると同じメールアドレスで紐付けられる。
var Users = []User{
	{Email: "admin@library.local", Name: "Admin User", Role: model.RoleAdmin},
	{Email: "librarian@library.local", Name: "Librarian User", Role: model.RoleLibrarian},
	{Email: "member@library.local", Name: "Member User", Role: model.RoleMember},
}

// Tags は既定のタグ。
var Tags = []string{"fiction", "non-fiction", "sci-fi", "history", "programming"}

// Books は蔵書が1冊もない場合に投入する蔵書。
var Books = []Book{
	{
		Title:         "The Pragmatic Programmer",
		Author:        "David Thomas, Andrew Hunt",
		ISBN:          "978-0135957059",
		Description:   "One of the most significant books in my life.",
		PublishedYear: 2019,
		Tags:          []string{"programming"},
	},
	{
		Title:         "Clean Code",
		Author:        "Robert C. Martin",
		ISBN:          "978-0132350884",
		Description:   "A Handbook of Agile Software Craftsmanship.",
		PublishedYear: 2008,
		Tags:          []string{"programming"},
	},
	{
		Title:         "Dune",
		Author:        "Frank Herbert",
		Description:   "Science fiction novel set in the far future.",
		PublishedYear: 1965,
		Tags:          []string{"sci-fi"},
	},
}

// Result は投入結果。
type Result struct {
	UsersCreated int
	TagsEnsured  int
	BooksCreated int
}

// Seeder は初期データを投入する。
type Seeder struct {
	store    repository.Store
	recorder *audit.Recorder
	now      func() time.Time
	newID    func() string
}

// NewSeeder はSeederを生成する。
func NewSeeder(store repository.Store, recorder *audit.Recorder, now func() time.Time) *Seeder {
	if now == nil {
		now = time.Now
	}
	return &Seeder{
		store:    store,
		recorder: recorder,
		now:      now,
		newID:    func() string { return uuid.New().String() },
	}
}

// Run は初期データを1つのトランザクションで投入する。
// ユーザーはメールアドレス、タグは名前で存在を確認し、既存のものは変更しない。
// 蔵書は1冊も登録されていない場合のみ投入し、システム操作として監査ログに記録する。
func (s *Seeder) Run(ctx context.Context) (*Result, error) {
	result := &Result{}
	err := s.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		now := s.now()

		for _, u := range Users {
			existing, err := repos.Users.FindByEmail(ctx, u.Email)
			if err != nil {
				return fmt.Errorf("failed to find user %s: %w", u.Email, err)
			}
			if existing != nil {
				continue
			}
			if err := repos.Users.Create(ctx, &model.User{
				ID:        s.newID(),
				Email:     u.Email,
				Name:      u.Name,
				Role:      u.Role,
				CreatedAt: now,
				UpdatedAt: now,
			}); err != nil {
				return fmt.Errorf("failed to create user %s: %w", u.Email, err)
			}
			result.UsersCreated++
		}

		tagIDs := make(map[string]string, len(Tags))
		for _, name := range Tags {
			tag, err := repos.Tags.UpsertByName(ctx, name)
			if err != nil {
				return fmt.Errorf("failed to upsert tag %s: %w", name, err)
			}
			tagIDs[name] = tag.ID
			result.TagsEnsured++
		}

		count, err := repos.Books.CountActive(ctx)
		if err != nil {
			return fmt.Errorf("failed to count books: %w", err)
		}
		if count > 0 {
			return nil
		}

		for _, b := range Books {
			book := &model.Book{
				ID:            s.newID(),
				Title:         b.Title,
				Author:        b.Author,
				ISBN:          b.ISBN,
				Description:   b.Description,
				PublishedYear: b.PublishedYear,
				Status:        model.BookStatusAvailable,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := repos.Books.Create(ctx, book); err != nil {
				return fmt.Errorf("failed to create book %s: %w", b.Title, err)
			}

			ids := make([]string, 0, len(b.Tags))
			for _, name := range b.Tags {
				ids = append(ids, tagIDs[name])
			}
			if err := repos.Tags.ReplaceForBook(ctx, book.ID, ids); err != nil {
				return fmt.Errorf("failed to tag book %s: %w", b.Title, err)
			}

			if err := s.recorder.Record(ctx, repos.Audit, audit.Entry{
				Action:   model.AuditBookCreated,
				Entity:   model.EntityBook,
				EntityID: book.ID,
				Details:  book.Title,
			}); err != nil {
				return err
			}
			result.BooksCreated++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("seed completed",
		slog.Int("users_created", result.UsersCreated),
		slog.Int("tags", result.TagsEnsured),
		slog.Int("books_created", result.BooksCreated),
	)
	return result, nil
}
