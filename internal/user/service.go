// Package user はユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/libris/internal/audit"
	"github.com/hitoshi/libris/internal/metrics"
	"github.com/hitoshi/libris/internal/model"
	"github.com/hitoshi/libris/internal/rbac"
	"github.com/hitoshi/libris/internal/repository"
)

// ListInput はユーザー一覧の検索条件。NameとEmailは部分一致、Roleは完全一致。
type ListInput struct {
	Name  string
	Email string
	Role  string
}

// Service はユーザー管理のサービス層。
// ロール変更とユーザー一覧、貸出フォーム用の借り手一覧を提供する。
type Service struct {
	store    repository.Store
	gate     *rbac.Gate
	recorder *audit.Recorder
	metrics  metrics.MetricsCollector
	now      func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	store repository.Store,
	gate *rbac.Gate,
	recorder *audit.Recorder,
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
		store:    store,
		gate:     gate,
		recorder: recorder,
		metrics:  collector,
		now:      now,
	}
}

// UpdateRole はユーザーのロールを変更する。ADMINのみ実行できる。
// 変更は次のリクエストから反映される（ロールはリクエストごとにデータベースから読み直す）。
func (s *Service) UpdateRole(ctx context.Context, actor *model.Principal, userID, role string) (*model.User, error) {
	if _, err := s.gate.Authorize(actor, rbac.ManageUsers); err != nil {
		return nil, err
	}

	newRole, ok := model.ParseRole(role)
	if !ok {
		return nil, model.NewInvalidRoleError(role)
	}

	var updated *model.User
	err := s.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		u, err := repos.Users.FindByIDForUpdate(ctx, userID)
		if err != nil {
			return fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
		}
		if u == nil {
			return model.NewUserNotFoundError()
		}

		if err := repos.Users.UpdateRole(ctx, userID, newRole); err != nil {
			return fmt.Errorf("ロールの更新に失敗しました: %w", err)
		}
		previous := u.Role
		u.Role = newRole
		u.UpdatedAt = s.now()

		if err := s.recorder.Record(ctx, repos.Audit, audit.Entry{
			ActorID:  audit.ActorID(actor),
			Action:   model.AuditRoleChanged,
			Entity:   model.EntityUser,
			EntityID: u.ID,
			Details:  fmt.Sprintf("%s → %s", u.Label("Unknown user"), newRole),
		}); err != nil {
			return err
		}

		slog.Info("ユーザーのロールを変更しました",
			slog.String("user_id", u.ID),
			slog.String("from", string(previous)),
			slog.String("to", string(newRole)),
			slog.String("actor_id", actor.UserID),
		)
		updated = u
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordAuditEntry(string(model.AuditRoleChanged))
	return updated, nil
}

// ListUsers は条件に一致するユーザーを返す。ADMINのみ実行できる。
func (s *Service) ListUsers(ctx context.Context, actor *model.Principal, in ListInput) ([]*model.User, error) {
	if _, err := s.gate.Authorize(actor, rbac.ManageUsers); err != nil {
		return nil, err
	}

	filter := model.UserFilter{
		Name:  strings.TrimSpace(in.Name),
		Email: strings.TrimSpace(in.Email),
	}
	if r := strings.TrimSpace(in.Role); r != "" {
		role, ok := model.ParseRole(r)
		if !ok {
			return nil, model.NewInvalidRoleError(r)
		}
		filter.Role = role
	}

	users, err := s.store.Repos().Users.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("ユーザー一覧の取得に失敗しました: %w", err)
	}
	return users, nil
}

// ListBorrowers は貸出フォームで選択できる借り手を返す。貸出を管理できるロールのみ実行できる。
func (s *Service) ListBorrowers(ctx context.Context, actor *model.Principal) ([]*model.User, error) {
	if _, err := s.gate.Authorize(actor, rbac.ManageLoans); err != nil {
		return nil, err
	}

	users, err := s.store.Repos().Users.List(ctx, model.UserFilter{})
	if err != nil {
		return nil, fmt.Errorf("借り手一覧の取得に失敗しました: %w", err)
	}
	return users, nil
}
