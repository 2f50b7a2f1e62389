package model

import "time"

// DueSoonWindow は返却期限が近いとみなす期間。
const DueSoonWindow = 7 * 24 * time.Hour

// Loan は蔵書の貸出記録を表す。ReturnedAtがnilの間は貸出中。
type Loan struct {
	ID         string
	BookID     string
	UserID     string
	BorrowedAt time.Time
	DueAt      time.Time
	ReturnedAt *time.Time
}

// IsActive は未返却かどうかを返す。
func (l *Loan) IsActive() bool {
	return l.ReturnedAt == nil
}

// IsOverdue は指定時刻において返却期限を過ぎた未返却の貸出かどうかを返す。
// 延滞は保存せず、常にこの関数で導出する。
func (l *Loan) IsOverdue(now time.Time) bool {
	return l.IsActive() && l.DueAt.Before(now)
}

// IsDueSoon は延滞しておらず、返却期限がDueSoonWindow以内かどうかを返す。
func (l *Loan) IsDueSoon(now time.Time) bool {
	return l.IsActive() && !l.IsOverdue(now) && !l.DueAt.After(now.Add(DueSoonWindow))
}

// LoanWithDetails は貸出に蔵書と借り手の表示情報を結合した構造体。
type LoanWithDetails struct {
	Loan
	BookTitle     string
	BookAuthor    string
	BorrowerName  string
	BorrowerEmail string
}

// MyLoanFilter は自分の貸出一覧の絞り込み。
type MyLoanFilter string

const (
	MyLoanFilterAll     MyLoanFilter = "all"
	MyLoanFilterOverdue MyLoanFilter = "overdue"
	MyLoanFilterDueSoon MyLoanFilter = "due_soon"
)

// LoanStats はダッシュボード用の集計値。
type LoanStats struct {
	TotalBooks   int
	ActiveLoans  int
	OverdueLoans int
}
