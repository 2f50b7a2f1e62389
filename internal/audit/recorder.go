// Package audit は監査ログの記録と閲覧を提供する。
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/libris/internal/model"
	"github.com/hitoshi/libris/internal/repository"
)

// Entry は記録する監査ログの内容。ActorIDがnilの場合はシステムによる操作。
type Entry struct {
	ActorID  *string
	Action   model.AuditAction
	Entity   string
	EntityID string
	Details  string
}

// Recorder は監査ログを追記する。
// 変更と同じトランザクションに束ねたリポジトリを受け取り、変更と一緒にコミットまたはロールバックされる。
type Recorder struct {
	now   func() time.Time
	newID func() string
}

// NewRecorder はRecorderを生成する。
func NewRecorder(now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{
		now:   now,
		newID: func() string { return uuid.New().String() },
	}
}

// Record は監査ログを1件検証して追記する。
// 操作種別が未定義、詳細が空、または詳細がIDそのものの場合は追記せずエラーを返す。
func (r *Recorder) Record(ctx context.Context, repo repository.AuditLogRepository, e Entry) error {
	if err := validate(e); err != nil {
		return err
	}

	entry := &model.AuditLogEntry{
		ID:        r.newID(),
		ActorID:   e.ActorID,
		Action:    e.Action,
		Entity:    e.Entity,
		EntityID:  e.EntityID,
		Details:   strings.TrimSpace(e.Details),
		CreatedAt: r.now(),
	}
	if err := repo.Append(ctx, entry); err != nil {
		return fmt.Errorf("監査ログの記録に失敗しました: %w", err)
	}
	return nil
}

func validate(e Entry) error {
	if !e.Action.Valid() {
		return fmt.Errorf("unknown audit action: %q", e.Action)
	}
	if e.Entity == "" || e.EntityID == "" {
		return fmt.Errorf("audit entry for %s requires entity and entity id", e.Action)
	}
	details := strings.TrimSpace(e.Details)
	if details == "" {
		return fmt.Errorf("audit entry for %s requires details", e.Action)
	}
	// 詳細は人が読める表現でなければならない
	if details == e.EntityID {
		return fmt.Errorf("audit details for %s must not be the entity id", e.Action)
	}
	return nil
}

// ActorID は実行者のユーザーIDをEntry用のポインタで返す。
func ActorID(actor *model.Principal) *string {
	if actor == nil || actor.UserID == "" {
		return nil
	}
	id := actor.UserID
	return &id
}
