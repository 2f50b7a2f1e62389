// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string            // エラーコード
	Message  string            // エラーメッセージ
	Category string            // カテゴリ: auth, validation, catalog, loan, suggest, import, system
	Action   string            // ユーザー向け対処方法
	Fields   map[string]string // 入力項目ごとの検証エラー（検証エラー時のみ）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return fmt.Sprintf("[%s] %s (%s)", e.Code, e.Message, strings.Join(parts, ", "))
}

// 定義済みエラーコード
const (
	ErrCodeUnauthenticated       = "UNAUTHENTICATED"
	ErrCodeForbidden             = "FORBIDDEN"
	ErrCodeValidationFailed      = "VALIDATION_FAILED"
	ErrCodeBookNotFound          = "BOOK_NOT_FOUND"
	ErrCodeUserNotFound          = "USER_NOT_FOUND"
	ErrCodeAlreadyBorrowed       = "ALREADY_BORROWED"
	ErrCodeNotFoundOrReturned    = "NOT_FOUND_OR_ALREADY_RETURNED"
	ErrCodeBookHasActiveLoan     = "BOOK_HAS_ACTIVE_LOAN"
	ErrCodeInvalidRole           = "INVALID_ROLE"
	ErrCodeDependencyUnavailable = "DEPENDENCY_UNAVAILABLE"
	ErrCodeSuggestionFailed      = "SUGGESTION_FAILED"
	ErrCodeInvalidURL            = "INVALID_URL"
	ErrCodeSSRFBlocked           = "SSRF_BLOCKED"
	ErrCodeFetchFailed           = "FETCH_FAILED"
	ErrCodeParseFailed           = "PARSE_FAILED"
	ErrCodeFeedNotDetected       = "FEED_NOT_DETECTED"
	ErrCodeInternal              = "INTERNAL_ERROR"
)

// HasCode はerrがAPIErrorであり、指定コードを持つかどうかを返す。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// NewUnauthenticatedError は未認証エラーを生成する。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError(role Role) *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  fmt.Sprintf("この操作を行う権限がありません（ロール: %s）。", role),
		Category: "auth",
		Action:   "必要な権限を管理者に依頼してください。",
	}
}

// NewValidationError は入力検証エラーを生成する。
func NewValidationError(fields map[string]string) *APIError {
	return &APIError{
		Code:     ErrCodeValidationFailed,
		Message:  "入力内容に誤りがあります。",
		Category: "validation",
		Action:   "各項目のエラーを確認して再度送信してください。",
		Fields:   fields,
	}
}

// NewBookNotFoundError は蔵書未検出エラーを生成する。論理削除済みの蔵書も含む。
func NewBookNotFoundError(bookID string) *APIError {
	return &APIError{
		Code:     ErrCodeBookNotFound,
		Message:  fmt.Sprintf("指定された蔵書が見つかりません: %s", bookID),
		Category: "catalog",
		Action:   "蔵書IDを確認してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ユーザーを確認してください。",
	}
}

// NewAlreadyBorrowedError は貸出中の蔵書を貸し出そうとした場合のエラーを生成する。
func NewAlreadyBorrowedError() *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyBorrowed,
		Message:  "この蔵書は既に貸出中です。",
		Category: "loan",
		Action:   "返却されるまでお待ちください。",
	}
}

// NewNotFoundOrAlreadyReturnedError は貸出が存在しないか返却済みの場合のエラーを生成する。
func NewNotFoundOrAlreadyReturnedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotFoundOrReturned,
		Message:  "貸出が見つからないか、既に返却されています。",
		Category: "loan",
		Action:   "貸出一覧を再読み込みしてください。",
	}
}

// NewBookHasActiveLoanError は貸出中の蔵書を削除しようとした場合のエラーを生成する。
func NewBookHasActiveLoanError() *APIError {
	return &APIError{
		Code:     ErrCodeBookHasActiveLoan,
		Message:  "貸出中の蔵書は削除できません。",
		Category: "catalog",
		Action:   "返却処理を行ってから削除してください。",
	}
}

// NewInvalidRoleError は未定義のロールが指定された場合のエラーを生成する。
func NewInvalidRoleError(role string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRole,
		Message:  fmt.Sprintf("無効なロールです: %s", role),
		Category: "validation",
		Action:   "ロールには ADMIN、LIBRARIAN、MEMBER のいずれかを指定してください。",
	}
}

// NewDependencyUnavailableError は外部サービスが未設定の場合のエラーを生成する。
func NewDependencyUnavailableError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeDependencyUnavailable,
		Message:  fmt.Sprintf("%s は設定されていません。", name),
		Category: "suggest",
		Action:   "管理者に設定を依頼してください。",
	}
}

// NewSuggestionFailedError は外部の文章提案サービスが失敗した場合のエラーを生成する。
func NewSuggestionFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeSuggestionFailed,
		Message:  fmt.Sprintf("提案の取得に失敗しました: %s", reason),
		Category: "suggest",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
		Action:   "正しいURL形式（http:// または https:// で始まるURL）を入力してください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているWebサイトのURLを指定してください。ローカルネットワークやプライベートIPへのアクセスは許可されていません。",
	}
}

// NewFetchFailedError はフェッチ失敗エラーを生成する。
func NewFetchFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeFetchFailed,
		Message:  fmt.Sprintf("URLの取得に失敗しました: %s", reason),
		Category: "import",
		Action:   "URLが正しいか確認し、しばらく待ってから再度お試しください。",
	}
}

// NewParseFailedError はパース失敗エラーを生成する。
func NewParseFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeParseFailed,
		Message:  "フィードの解析に失敗しました。",
		Category: "import",
		Action:   "有効なRSS/Atomフィードかどうか確認してください。",
	}
}

// NewFeedNotDetectedError はフィード未検出エラーを生成する。
func NewFeedNotDetectedError(url string) *APIError {
	return &APIError{
		Code:     ErrCodeFeedNotDetected,
		Message:  fmt.Sprintf("指定されたURLからRSS/Atomフィードを検出できませんでした: %s", url),
		Category: "import",
		Action:   "RSS/AtomフィードのURLを直接指定するか、フィードが公開されているページのURLを確認してください。",
	}
}
