package testfixtures

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/libris/internal/model"
	"github.com/hitoshi/libris/internal/repository"
)

// MemoryStore はrepository.Storeのインメモリ実装。
// トランザクションは全体ロックで直列化し、状態の複製に対して実行してから
// 成功時のみ反映する。失敗時は複製を捨てるため、ロールバックと同じ結果になる。
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
	ids   *IDGenerator

	// Now はセッションの有効期限判定に使う時刻。
	Now func() time.Time

	// AuditAppendErr が設定されている場合、監査ログの追記はこのエラーで失敗する。
	AuditAppendErr error
}

type memState struct {
	users      map[string]*model.User
	identities map[string]*model.Identity
	sessions   map[string]*model.Session
	books      map[string]*model.Book
	tags       map[string]*model.Tag
	bookTags   map[string][]string
	loans      map[string]*model.Loan
	audit      []model.AuditLogEntry
}

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			users:      map[string]*model.User{},
			identities: map[string]*model.Identity{},
			sessions:   map[string]*model.Session{},
			books:      map[string]*model.Book{},
			tags:       map[string]*model.Tag{},
			bookTags:   map[string][]string{},
			loans:      map[string]*model.Loan{},
		},
		ids: NewIDGenerator("tag"),
		Now: time.Now,
	}
}

// Repos はトランザクション外で使うリポジトリを返す。各呼び出しは個別にロックを取る。
func (s *MemoryStore) Repos() repository.Repositories {
	return s.reposFor(func(fn func(st *memState) error) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		return fn(s.state)
	})
}

// WithinTx はfnを直列化されたトランザクション内で実行する。
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, repos repository.Repositories) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	draft := s.state.clone()
	repos := s.reposFor(func(f func(st *memState) error) error {
		return f(draft)
	})
	if err := fn(ctx, repos); err != nil {
		return err
	}
	s.state = draft
	return nil
}

func (s *MemoryStore) reposFor(run func(func(st *memState) error) error) repository.Repositories {
	base := memBase{store: s, run: run}
	return repository.Repositories{
		Users:      &memUserRepo{base},
		Identities: &memIdentityRepo{base},
		Sessions:   &memSessionRepo{base},
		Books:      &memBookRepo{base},
		Tags:       &memTagRepo{base},
		Loans:      &memLoanRepo{base},
		Audit:      &memAuditRepo{base},
	}
}

func (st *memState) clone() *memState {
	c := &memState{
		users:      make(map[string]*model.User, len(st.users)),
		identities: make(map[string]*model.Identity, len(st.identities)),
		sessions:   make(map[string]*model.Session, len(st.sessions)),
		books:      make(map[string]*model.Book, len(st.books)),
		tags:       make(map[string]*model.Tag, len(st.tags)),
		bookTags:   make(map[string][]string, len(st.bookTags)),
		loans:      make(map[string]*model.Loan, len(st.loans)),
		audit:      append([]model.AuditLogEntry(nil), st.audit...),
	}
	for k, v := range st.users {
		u := *v
		c.users[k] = &u
	}
	for k, v := range st.identities {
		i := *v
		c.identities[k] = &i
	}
	for k, v := range st.sessions {
		ss := *v
		c.sessions[k] = &ss
	}
	for k, v := range st.books {
		c.books[k] = copyBook(v)
	}
	for k, v := range st.tags {
		t := *v
		c.tags[k] = &t
	}
	for k, v := range st.bookTags {
		c.bookTags[k] = append([]string(nil), v...)
	}
	for k, v := range st.loans {
		c.loans[k] = copyLoan(v)
	}
	return c
}

func copyBook(b *model.Book) *model.Book {
	c := *b
	c.Tags = append([]model.Tag(nil), b.Tags...)
	if b.DeletedAt != nil {
		t := *b.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

func copyLoan(l *model.Loan) *model.Loan {
	c := *l
	if l.ReturnedAt != nil {
		t := *l.ReturnedAt
		c.ReturnedAt = &t
	}
	return &c
}

// --- テスト用の直接操作 ---

// AddUser はユーザーを直接登録する。
func (s *MemoryStore) AddUser(u model.User) *model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := u
	s.state.users[user.ID] = &user
	return &user
}

// AddBook は蔵書を直接登録する。状態が空の場合はAVAILABLEになる。
func (s *MemoryStore) AddBook(b model.Book) *model.Book {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.Status == "" {
		b.Status = model.BookStatusAvailable
	}
	book := copyBook(&b)
	book.Tags = nil
	s.state.books[book.ID] = book
	return copyBook(book)
}

// Book は論理削除済みも含めて蔵書を返す。
func (s *MemoryStore) Book(id string) *model.Book {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.state.books[id]
	if !ok {
		return nil
	}
	c := copyBook(b)
	for _, tagID := range s.state.bookTags[id] {
		c.Tags = append(c.Tags, *s.state.tags[tagID])
	}
	sort.Slice(c.Tags, func(i, j int) bool { return c.Tags[i].Name < c.Tags[j].Name })
	return c
}

// User はユーザーを返す。
func (s *MemoryStore) User(id string) *model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.state.users[id]
	if !ok {
		return nil
	}
	c := *u
	return &c
}

// Loans は全貸出を借用日時順に返す。
func (s *MemoryStore) Loans() []model.Loan {
	s.mu.Lock()
	defer s.mu.Unlock()
	loans := make([]model.Loan, 0, len(s.state.loans))
	for _, l := range s.state.loans {
		loans = append(loans, *copyLoan(l))
	}
	sort.Slice(loans, func(i, j int) bool {
		if loans[i].BorrowedAt.Equal(loans[j].BorrowedAt) {
			return loans[i].ID < loans[j].ID
		}
		return loans[i].BorrowedAt.Before(loans[j].BorrowedAt)
	})
	return loans
}

// AuditEntries は追記順に監査ログを返す。
func (s *MemoryStore) AuditEntries() []model.AuditLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.AuditLogEntry(nil), s.state.audit...)
}

// Tags は全タグを名前順に返す。
func (s *MemoryStore) Tags() []model.Tag {
	s.mu.Lock()
	defer s.mu.Unlock()
	tags := make([]model.Tag, 0, len(s.state.tags))
	for _, t := range s.state.tags {
		tags = append(tags, *t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Name < tags[j].Name })
	return tags
}

// CheckAvailabilityInvariant は全蔵書について「BORROWEDであること」と
// 「未返却の貸出がちょうど1件あること」が一致するか検証し、違反を返す。
func (s *MemoryStore) CheckAvailabilityInvariant() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := map[string]int{}
	for _, l := range s.state.loans {
		if l.ReturnedAt == nil {
			active[l.BookID]++
		}
	}
	var violations []string
	for id, b := range s.state.books {
		n := active[id]
		switch {
		case n > 1:
			violations = append(violations, fmt.Sprintf("book %s has %d active loans", id, n))
		case b.Status == model.BookStatusBorrowed && n != 1:
			violations = append(violations, fmt.Sprintf("book %s is BORROWED with %d active loans", id, n))
		case b.Status == model.BookStatusAvailable && n != 0:
			violations = append(violations, fmt.Sprintf("book %s is AVAILABLE with %d active loans", id, n))
		}
	}
	sort.Strings(violations)
	return violations
}

// --- リポジトリ実装 ---

type memBase struct {
	store *MemoryStore
	run   func(func(st *memState) error) error
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

type memUserRepo struct{ memBase }

func (r *memUserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	var out *model.User
	err := r.run(func(st *memState) error {
		if u, ok := st.users[id]; ok {
			c := *u
			out = &c
		}
		return nil
	})
	return out, err
}

func (r *memUserRepo) FindByIDForUpdate(ctx context.Context, id string) (*model.User, error) {
	return r.FindByID(ctx, id)
}

func (r *memUserRepo) FindByEmail(_ context.Context, email string) (*model.User, error) {
	var out *model.User
	err := r.run(func(st *memState) error {
		for _, u := range st.users {
			if strings.EqualFold(u.Email, email) {
				c := *u
				out = &c
				return nil
			}
		}
		return nil
	})
	return out, err
}

func (r *memUserRepo) CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error {
	if err := r.Create(ctx, user); err != nil {
		return err
	}
	return r.run(func(st *memState) error {
		i := *identity
		st.identities[i.Provider+"|"+i.ProviderUserID] = &i
		return nil
	})
}

func (r *memUserRepo) Create(_ context.Context, user *model.User) error {
	return r.run(func(st *memState) error {
		for _, u := range st.users {
			if strings.EqualFold(u.Email, user.Email) {
				return fmt.Errorf("duplicate email: %s", user.Email)
			}
		}
		if len(st.users) == 0 {
			user.Role = model.RoleAdmin
		} else if user.Role == "" {
			user.Role = model.RoleMember
		}
		c := *user
		st.users[c.ID] = &c
		return nil
	})
}

func (r *memUserRepo) UpdateProfile(_ context.Context, id, name, email string) error {
	return r.run(func(st *memState) error {
		u, ok := st.users[id]
		if !ok {
			return model.NewUserNotFoundError()
		}
		u.Name, u.Email = name, email
		return nil
	})
}

func (r *memUserRepo) UpdateRole(_ context.Context, id string, role model.Role) error {
	return r.run(func(st *memState) error {
		u, ok := st.users[id]
		if !ok {
			return model.NewUserNotFoundError()
		}
		u.Role = role
		return nil
	})
}

func (r *memUserRepo) List(_ context.Context, filter model.UserFilter) ([]*model.User, error) {
	var out []*model.User
	err := r.run(func(st *memState) error {
		for _, u := range st.users {
			if filter.Name != "" && !containsFold(u.Name, filter.Name) {
				continue
			}
			if filter.Email != "" && !containsFold(u.Email, filter.Email) {
				continue
			}
			if filter.Role != "" && u.Role != filter.Role {
				continue
			}
			c := *u
			out = append(out, &c)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Email < out[j].Email
	})
	return out, err
}

type memIdentityRepo struct{ memBase }

func (r *memIdentityRepo) FindByProviderAndProviderUserID(_ context.Context, provider, providerUserID string) (*model.Identity, error) {
	var out *model.Identity
	err := r.run(func(st *memState) error {
		if i, ok := st.identities[provider+"|"+providerUserID]; ok {
			c := *i
			out = &c
		}
		return nil
	})
	return out, err
}

func (r *memIdentityRepo) Create(_ context.Context, identity *model.Identity) error {
	return r.run(func(st *memState) error {
		key := identity.Provider + "|" + identity.ProviderUserID
		if _, ok := st.identities[key]; ok {
			return fmt.Errorf("duplicate identity: %s", key)
		}
		c := *identity
		st.identities[key] = &c
		return nil
	})
}

type memSessionRepo struct{ memBase }

func (r *memSessionRepo) Create(_ context.Context, session *model.Session) error {
	return r.run(func(st *memState) error {
		c := *session
		st.sessions[c.ID] = &c
		return nil
	})
}

func (r *memSessionRepo) FindByID(_ context.Context, id string) (*model.Session, error) {
	var out *model.Session
	now := r.store.Now()
	err := r.run(func(st *memState) error {
		if s, ok := st.sessions[id]; ok && s.ExpiresAt.After(now) {
			c := *s
			out = &c
		}
		return nil
	})
	return out, err
}

func (r *memSessionRepo) DeleteByID(_ context.Context, id string) error {
	return r.run(func(st *memState) error {
		delete(st.sessions, id)
		return nil
	})
}

func (r *memSessionRepo) DeleteByUserID(_ context.Context, userID string) error {
	return r.run(func(st *memState) error {
		for id, s := range st.sessions {
			if s.UserID == userID {
				delete(st.sessions, id)
			}
		}
		return nil
	})
}

func (r *memSessionRepo) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	var n int64
	err := r.run(func(st *memState) error {
		for id, s := range st.sessions {
			if !s.ExpiresAt.After(before) {
				delete(st.sessions, id)
				n++
			}
		}
		return nil
	})
	return n, err
}

type memBookRepo struct{ memBase }

func (r *memBookRepo) FindByID(_ context.Context, id string) (*model.Book, error) {
	var out *model.Book
	err := r.run(func(st *memState) error {
		if b, ok := st.books[id]; ok && b.DeletedAt == nil {
			out = copyBook(b)
		}
		return nil
	})
	return out, err
}

func (r *memBookRepo) FindByIDForUpdate(ctx context.Context, id string) (*model.Book, error) {
	return r.FindByID(ctx, id)
}

func (r *memBookRepo) Create(_ context.Context, book *model.Book) error {
	return r.run(func(st *memState) error {
		if _, ok := st.books[book.ID]; ok {
			return fmt.Errorf("duplicate book id: %s", book.ID)
		}
		c := copyBook(book)
		c.Tags = nil
		st.books[c.ID] = c
		return nil
	})
}

func (r *memBookRepo) Update(_ context.Context, book *model.Book) error {
	return r.run(func(st *memState) error {
		b, ok := st.books[book.ID]
		if !ok || b.DeletedAt != nil {
			return nil
		}
		b.Title, b.Author, b.ISBN = book.Title, book.Author, book.ISBN
		b.Description, b.PublishedYear, b.CoverImageURL = book.Description, book.PublishedYear, book.CoverImageURL
		b.UpdatedAt = book.UpdatedAt
		return nil
	})
}

func (r *memBookRepo) UpdateDescription(_ context.Context, id, description string, updatedAt time.Time) error {
	return r.run(func(st *memState) error {
		if b, ok := st.books[id]; ok && b.DeletedAt == nil {
			b.Description, b.UpdatedAt = description, updatedAt
		}
		return nil
	})
}

func (r *memBookRepo) UpdateStatus(_ context.Context, id string, status model.BookStatus, updatedAt time.Time) error {
	return r.run(func(st *memState) error {
		if b, ok := st.books[id]; ok {
			b.Status, b.UpdatedAt = status, updatedAt
		}
		return nil
	})
}

func (r *memBookRepo) SoftDelete(_ context.Context, id string, deletedAt time.Time) error {
	return r.run(func(st *memState) error {
		if b, ok := st.books[id]; ok && b.DeletedAt == nil {
			t := deletedAt
			b.DeletedAt = &t
			b.UpdatedAt = deletedAt
		}
		return nil
	})
}

func (r *memBookRepo) List(_ context.Context, filter model.BookFilter) ([]*model.Book, int, error) {
	var matched []*model.Book
	err := r.run(func(st *memState) error {
		tagNames := func(bookID string) []string {
			var names []string
			for _, tagID := range st.bookTags[bookID] {
				names = append(names, st.tags[tagID].Name)
			}
			return names
		}
		for _, b := range st.books {
			if b.DeletedAt != nil {
				continue
			}
			if q := filter.Query; q != "" {
				hit := containsFold(b.Title, q) || containsFold(b.Author, q) || b.ISBN == q
				for _, n := range tagNames(b.ID) {
					hit = hit || containsFold(n, q)
				}
				if !hit {
					continue
				}
			}
			if filter.Author != "" && !containsFold(b.Author, filter.Author) {
				continue
			}
			if filter.ISBN != "" && b.ISBN != filter.ISBN {
				continue
			}
			if filter.Tag != "" {
				found := false
				for _, n := range tagNames(b.ID) {
					found = found || n == filter.Tag
				}
				if !found {
					continue
				}
			}
			if filter.Status != "" && b.Status != filter.Status {
				continue
			}
			matched = append(matched, copyBook(b))
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	sort.Slice(matched, func(i, j int) bool {
		if filter.Sort == model.BookSortTitle {
			if matched[i].Title != matched[j].Title {
				return matched[i].Title < matched[j].Title
			}
			return matched[i].ID < matched[j].ID
		}
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	if filter.Limit > 0 {
		start := min(filter.Offset, total)
		end := min(start+filter.Limit, total)
		matched = matched[start:end]
	}
	return matched, total, nil
}

func (r *memBookRepo) ExistsByTitleAndAuthor(_ context.Context, title, author string) (bool, error) {
	var exists bool
	err := r.run(func(st *memState) error {
		for _, b := range st.books {
			if b.DeletedAt == nil && strings.EqualFold(b.Title, title) && strings.EqualFold(b.Author, author) {
				exists = true
				return nil
			}
		}
		return nil
	})
	return exists, err
}

func (r *memBookRepo) CountActive(_ context.Context) (int, error) {
	var n int
	err := r.run(func(st *memState) error {
		for _, b := range st.books {
			if b.DeletedAt == nil {
				n++
			}
		}
		return nil
	})
	return n, err
}

type memTagRepo struct{ memBase }

func (r *memTagRepo) UpsertByName(_ context.Context, name string) (*model.Tag, error) {
	var out *model.Tag
	err := r.run(func(st *memState) error {
		for _, t := range st.tags {
			if t.Name == name {
				c := *t
				out = &c
				return nil
			}
		}
		t := &model.Tag{ID: r.store.ids.Next(), Name: name}
		st.tags[t.ID] = t
		c := *t
		out = &c
		return nil
	})
	return out, err
}

func (r *memTagRepo) ReplaceForBook(_ context.Context, bookID string, tagIDs []string) error {
	return r.run(func(st *memState) error {
		seen := map[string]bool{}
		var ids []string
		for _, id := range tagIDs {
			if _, ok := st.tags[id]; !ok {
				return fmt.Errorf("unknown tag: %s", id)
			}
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			delete(st.bookTags, bookID)
			return nil
		}
		st.bookTags[bookID] = ids
		return nil
	})
}

func (r *memTagRepo) ListByBookIDs(_ context.Context, bookIDs []string) (map[string][]model.Tag, error) {
	out := make(map[string][]model.Tag, len(bookIDs))
	err := r.run(func(st *memState) error {
		for _, bookID := range bookIDs {
			for _, tagID := range st.bookTags[bookID] {
				out[bookID] = append(out[bookID], *st.tags[tagID])
			}
			sort.Slice(out[bookID], func(i, j int) bool { return out[bookID][i].Name < out[bookID][j].Name })
		}
		return nil
	})
	return out, err
}

func (r *memTagRepo) ListAll(_ context.Context) ([]model.Tag, error) {
	var out []model.Tag
	err := r.run(func(st *memState) error {
		for _, t := range st.tags {
			out = append(out, *t)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, err
}

type memLoanRepo struct{ memBase }

func (r *memLoanRepo) FindByID(_ context.Context, id string) (*model.Loan, error) {
	var out *model.Loan
	err := r.run(func(st *memState) error {
		if l, ok := st.loans[id]; ok {
			out = copyLoan(l)
		}
		return nil
	})
	return out, err
}

func (r *memLoanRepo) FindByIDForUpdate(ctx context.Context, id string) (*model.Loan, error) {
	return r.FindByID(ctx, id)
}

func (r *memLoanRepo) FindActiveByBookID(_ context.Context, bookID string) (*model.Loan, error) {
	var out *model.Loan
	err := r.run(func(st *memState) error {
		for _, l := range st.loans {
			if l.BookID == bookID && l.ReturnedAt == nil {
				out = copyLoan(l)
				return nil
			}
		}
		return nil
	})
	return out, err
}

func (r *memLoanRepo) Create(_ context.Context, loan *model.Loan) error {
	return r.run(func(st *memState) error {
		for _, l := range st.loans {
			if l.BookID == loan.BookID && l.ReturnedAt == nil {
				return model.NewAlreadyBorrowedError()
			}
		}
		st.loans[loan.ID] = copyLoan(loan)
		return nil
	})
}

func (r *memLoanRepo) MarkReturned(_ context.Context, id string, returnedAt time.Time) (bool, error) {
	var updated bool
	err := r.run(func(st *memState) error {
		if l, ok := st.loans[id]; ok && l.ReturnedAt == nil {
			t := returnedAt
			l.ReturnedAt = &t
			updated = true
		}
		return nil
	})
	return updated, err
}

func (r *memLoanRepo) details(st *memState, match func(l *model.Loan, u *model.User) bool) []model.LoanWithDetails {
	var out []model.LoanWithDetails
	for _, l := range st.loans {
		u := st.users[l.UserID]
		if u == nil || !match(l, u) {
			continue
		}
		b := st.books[l.BookID]
		d := model.LoanWithDetails{Loan: *copyLoan(l), BorrowerName: u.Name, BorrowerEmail: u.Email}
		if b != nil {
			d.BookTitle, d.BookAuthor = b.Title, b.Author
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].DueAt.Before(out[j].DueAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *memLoanRepo) ListActive(_ context.Context, borrower string, limit, offset int) ([]model.LoanWithDetails, int, error) {
	var out []model.LoanWithDetails
	err := r.run(func(st *memState) error {
		out = r.details(st, func(l *model.Loan, u *model.User) bool {
			if l.ReturnedAt != nil {
				return false
			}
			return borrower == "" || containsFold(u.Name, borrower) || containsFold(u.Email, borrower)
		})
		return nil
	})
	total := len(out)
	if limit > 0 {
		start := min(offset, total)
		end := min(start+limit, total)
		out = out[start:end]
	}
	return out, total, err
}

func (r *memLoanRepo) ListByBorrower(_ context.Context, userID string) ([]model.LoanWithDetails, error) {
	var out []model.LoanWithDetails
	err := r.run(func(st *memState) error {
		out = r.details(st, func(l *model.Loan, _ *model.User) bool {
			return l.UserID == userID && l.ReturnedAt == nil
		})
		return nil
	})
	return out, err
}

func (r *memLoanRepo) CountActive(_ context.Context) (int, error) {
	var n int
	err := r.run(func(st *memState) error {
		for _, l := range st.loans {
			if l.ReturnedAt == nil {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r *memLoanRepo) CountOverdue(_ context.Context, now time.Time) (int, error) {
	var n int
	err := r.run(func(st *memState) error {
		for _, l := range st.loans {
			if l.IsOverdue(now) {
				n++
			}
		}
		return nil
	})
	return n, err
}

type memAuditRepo struct{ memBase }

func (r *memAuditRepo) Append(_ context.Context, entry *model.AuditLogEntry) error {
	if r.store.AuditAppendErr != nil {
		return r.store.AuditAppendErr
	}
	return r.run(func(st *memState) error {
		st.audit = append(st.audit, *entry)
		return nil
	})
}

func (r *memAuditRepo) List(_ context.Context, filter model.AuditFilter) ([]model.AuditLogEntry, int, error) {
	var out []model.AuditLogEntry
	err := r.run(func(st *memState) error {
		for i := len(st.audit) - 1; i >= 0; i-- {
			e := st.audit[i]
			var actor *model.User
			if e.ActorID != nil {
				actor = st.users[*e.ActorID]
			}
			if actor != nil {
				e.ActorName, e.ActorEmail = actor.Name, actor.Email
			}
			if filter.Action != "" && e.Action != filter.Action {
				continue
			}
			if filter.User != "" && (actor == nil || !(containsFold(actor.Name, filter.User) || containsFold(actor.Email, filter.User))) {
				continue
			}
			if filter.From != nil && e.CreatedAt.Before(*filter.From) {
				continue
			}
			if filter.To != nil && e.CreatedAt.After(*filter.To) {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	if filter.Limit > 0 {
		start := min(filter.Offset, total)
		end := min(start+filter.Limit, total)
		out = out[start:end]
	}
	return out, total, err
}

// compile-time interface check
var _ repository.Store = (*MemoryStore)(nil)
