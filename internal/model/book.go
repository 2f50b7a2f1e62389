package model

import "time"

// BookStatus は蔵書の貸出可否を表す。
type BookStatus string

const (
	// BookStatusAvailable は貸出可能な状態。
	BookStatusAvailable BookStatus = "AVAILABLE"
	// BookStatusBorrowed は貸出中の状態。未返却の貸出がちょうど1件存在する。
	BookStatusBorrowed BookStatus = "BORROWED"
)

// Book は蔵書を表す。1冊の論理的な蔵書につき1冊の実体を想定する。
type Book struct {
	ID            string
	Title         string
	Author        string
	ISBN          string
	Description   string
	PublishedYear int
	CoverImageURL string
	Status        BookStatus
	Tags          []Tag
	DeletedAt     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsDeleted は論理削除済みかどうかを返す。
func (b *Book) IsDeleted() bool {
	return b.DeletedAt != nil
}

// TagNames はタグ名の一覧を返す。
func (b *Book) TagNames() []string {
	names := make([]string, 0, len(b.Tags))
	for _, t := range b.Tags {
		names = append(names, t.Name)
	}
	return names
}

// Tag は蔵書に付与するタグを表す。名前は全体で一意。
type Tag struct {
	ID   string
	Name string
}

// BookSort は蔵書一覧の並び順。
type BookSort string

const (
	// BookSortNewest は登録日時の新しい順。
	BookSortNewest BookSort = "newest"
	// BookSortTitle はタイトル昇順。
	BookSortTitle BookSort = "title"
)

// BookFilter は蔵書一覧の検索条件。
type BookFilter struct {
	Query  string
	Author string
	ISBN   string
	Tag    string
	Status BookStatus
	Sort   BookSort
	Limit  int
	Offset int
}
