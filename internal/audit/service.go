package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/libris/internal/model"
	"github.com/hitoshi/libris/internal/rbac"
	"github.com/hitoshi/libris/internal/repository"
)

// PageSize は監査ログ一覧の1ページあたりの件数。
const PageSize = 50

const dateLayout = "2006-01-02"

// ListInput は監査ログ一覧の検索条件。日付はYYYY-MM-DD形式で、両端を含む。
type ListInput struct {
	Action string
	User   string
	From   string
	To     string
	Page   int
}

// Page は監査ログ一覧の1ページ分。
type Page struct {
	Entries  []model.AuditLogEntry
	Total    int
	Page     int
	PageSize int
}

// Service は監査ログの閲覧を提供する。
type Service struct {
	store repository.Store
	gate  *rbac.Gate
	loc   *time.Location
}

// NewService はServiceを生成する。locは日付フィルタの解釈に使うタイムゾーン（nilの場合UTC）。
func NewService(store repository.Store, gate *rbac.Gate, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{store: store, gate: gate, loc: loc}
}

// List は条件に一致する監査ログを新しい順に返す。ADMINとLIBRARIANのみ閲覧できる。
func (s *Service) List(ctx context.Context, actor *model.Principal, in ListInput) (*Page, error) {
	if _, err := s.gate.Authorize(actor, rbac.ViewAuditLog); err != nil {
		return nil, err
	}

	filter, err := s.buildFilter(in)
	if err != nil {
		return nil, err
	}

	entries, total, err := s.store.Repos().Audit.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("監査ログの取得に失敗しました: %w", err)
	}

	return &Page{
		Entries:  entries,
		Total:    total,
		Page:     filter.Offset/PageSize + 1,
		PageSize: PageSize,
	}, nil
}

func (s *Service) buildFilter(in ListInput) (model.AuditFilter, error) {
	fields := map[string]string{}
	filter := model.AuditFilter{User: in.User, Limit: PageSize}

	if in.Action != "" {
		action := model.AuditAction(in.Action)
		if !action.Valid() {
			fields["action"] = "未定義の操作種別です"
		}
		filter.Action = action
	}
	if in.From != "" {
		from, err := time.ParseInLocation(dateLayout, in.From, s.loc)
		if err != nil {
			fields["from"] = "日付はYYYY-MM-DD形式で指定してください"
		} else {
			filter.From = &from
		}
	}
	if in.To != "" {
		to, err := time.ParseInLocation(dateLayout, in.To, s.loc)
		if err != nil {
			fields["to"] = "日付はYYYY-MM-DD形式で指定してください"
		} else {
			// 終了日は当日の終わりまで含める
			end := to.Add(24*time.Hour - time.Nanosecond)
			filter.To = &end
		}
	}
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		fields["to"] = "終了日は開始日以降を指定してください"
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
