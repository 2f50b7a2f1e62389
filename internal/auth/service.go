// Package auth はOAuth認証フロー、セッション管理、実行者の解決を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/libris/internal/audit"
	"github.com/hitoshi/libris/internal/metrics"
	"github.com/hitoshi/libris/internal/model"
	"github.com/hitoshi/libris/internal/repository"
)

// ProviderGoogle はGoogleのidentityを表すプロバイダー名。
const ProviderGoogle = "google"

// DefaultSessionMaxAge はセッションの既定の有効期間（30日、秒）。
const DefaultSessionMaxAge = 30 * 24 * 60 * 60

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	EmailVerified  bool
	Name           string
	Provider       string
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	oauth    OAuthProvider
	store    repository.Store
	recorder *audit.Recorder
	metrics  metrics.MetricsCollector
	config   ServiceConfig
	now      func() time.Time
	newID    func() string
}

// NewService はServiceを生成する。
func NewService(
	oauth OAuthProvider,
	store repository.Store,
	recorder *audit.Recorder,
	collector metrics.MetricsCollector,
	config ServiceConfig,
	now func() time.Time,
) *Service {
	if config.SessionMaxAge <= 0 {
		config.SessionMaxAge = DefaultSessionMaxAge
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	if now == nil {
		now = time.Now
	}
	return &Service{
		oauth:    oauth,
		store:    store,
		recorder: recorder,
		metrics:  collector,
		config:   config,
		now:      now,
		newID:    func() string { return uuid.New().String() },
	}
}

// GetLoginURL はOAuth認証URLを生成する。
func (s *Service) GetLoginURL(state string) string {
	return s.oauth.GetLoginURL(state)
}

// SessionMaxAge はセッションCookieに設定する有効期間（秒）を返す。
func (s *Service) SessionMaxAge() int {
	return s.config.SessionMaxAge
}

// HandleCallback はOAuthコールバックを処理し、セッションを発行する。
// ユーザーは次の順で特定する。
//  1. identityが登録済みならそのユーザー
//  2. 同じメールアドレスのユーザー（初期データで登録された職員など）がいれば、identityを紐付ける
//  3. どちらも無ければユーザーとidentityを作成する（最初のユーザーはADMIN）
//
// IdPの名前またはメールアドレスが前回から変わっていればプロフィールを更新し、
// 実行者なし（システム）のUSER_UPDATEDとして監査ログに記録する。
func (s *Service) HandleCallback(ctx context.Context, code string) (*model.Session, error) {
	info, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	var (
		session        *model.Session
		profileUpdated bool
	)
	err = s.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		user, err := s.resolveUser(ctx, repos, info)
		if err != nil {
			return err
		}

		profileUpdated, err = s.syncProfile(ctx, repos, user, info)
		if err != nil {
			return err
		}

		session, err = s.createSession(ctx, repos.Sessions, user.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if profileUpdated {
		s.metrics.RecordAuditEntry(string(model.AuditUserUpdated))
	}
	return session, nil
}

// resolveUser はOAuthのユーザー情報に対応するユーザーを特定し、無ければ作成する。
func (s *Service) resolveUser(ctx context.Context, repos repository.Repositories, info *OAuthUserInfo) (*model.User, error) {
	identity, err := repos.Identities.FindByProviderAndProviderUserID(ctx, info.Provider, info.ProviderUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}

	if identity != nil {
		user, err := repos.Users.FindByIDForUpdate(ctx, identity.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to find user: %w", err)
		}
		if user == nil {
			return nil, fmt.Errorf("identity %s refers to a missing user", identity.ID)
		}
		slog.Info("existing user logged in",
			slog.String("user_id", user.ID),
			slog.String("provider", info.Provider),
		)
		return user, nil
	}

	now := s.now()
	existing, err := repos.Users.FindByEmail(ctx, info.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	if existing != nil {
		// 確認済みでないメールアドレスでは既存アカウントに紐付けない
		if !info.EmailVerified {
			slog.Warn("refused to link identity with unverified email",
				slog.String("user_id", existing.ID),
				slog.String("provider", info.Provider),
			)
			return nil, model.NewUnauthenticatedError()
		}
		if err := repos.Identities.Create(ctx, &model.Identity{
			ID:             s.newID(),
			UserID:         existing.ID,
			Provider:       info.Provider,
			ProviderUserID: info.ProviderUserID,
			CreatedAt:      now,
		}); err != nil {
			return nil, fmt.Errorf("failed to link identity: %w", err)
		}
		slog.Info("identity linked to existing user",
			slog.String("user_id", existing.ID),
			slog.String("provider", info.Provider),
		)
		return existing, nil
	}

	user := &model.User{
		ID:        s.newID(),
		Email:     info.Email,
		Name:      info.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	identity = &model.Identity{
		ID:             s.newID(),
		UserID:         user.ID,
		Provider:       info.Provider,
		ProviderUserID: info.ProviderUserID,
		CreatedAt:      now,
	}
	if err := repos.Users.CreateWithIdentity(ctx, user, identity); err != nil {
		return nil, fmt.Errorf("failed to create user and identity: %w", err)
	}
	slog.Info("new user created",
		slog.String("user_id", user.ID),
		slog.String("role", string(user.Role)),
		slog.String("provider", info.Provider),
	)
	return user, nil
}

// syncProfile はIdPの名前とメールアドレスをユーザーに反映する。変更があればtrueを返す。
func (s *Service) syncProfile(ctx context.Context, repos repository.Repositories, user *model.User, info *OAuthUserInfo) (bool, error) {
	name := user.Name
	if info.Name != "" {
		name = info.Name
	}
	email := user.Email
	if info.Email != "" && info.EmailVerified {
		email = info.Email
	}
	if name == user.Name && email == user.Email {
		return false, nil
	}

	if err := repos.Users.UpdateProfile(ctx, user.ID, name, email); err != nil {
		return false, fmt.Errorf("failed to update profile: %w", err)
	}
	user.Name, user.Email = name, email

	if err := s.recorder.Record(ctx, repos.Audit, audit.Entry{
		ActorID:  nil,
		Action:   model.AuditUserUpdated,
		Entity:   model.EntityUser,
		EntityID: user.ID,
		Details:  fmt.Sprintf("Profile of %s updated from %s", user.Label("Unknown user"), info.Provider),
	}); err != nil {
		return false, err
	}
	return true, nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.store.Repos().Sessions.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("user logged out")
	return nil
}

// ResolvePrincipal はセッションIDから実行者を解決する。
// ロールは毎回データベースから読むため、ロール変更は次のリクエストから反映される。
// セッションが無い、期限切れ、またはユーザーが存在しない場合はUNAUTHENTICATEDを返す。
func (s *Service) ResolvePrincipal(ctx context.Context, sessionID string) (*model.Principal, error) {
	if sessionID == "" {
		return nil, model.NewUnauthenticatedError()
	}

	repos := s.store.Repos()
	session, err := repos.Sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil || !session.ExpiresAt.After(s.now()) {
		return nil, model.NewUnauthenticatedError()
	}

	user, err := repos.Users.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUnauthenticatedError()
	}

	return &model.Principal{
		UserID: user.ID,
		Name:   user.Name,
		Email:  user.Email,
		Role:   user.Role,
	}, nil
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, sessions repository.SessionRepository, userID string) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}

	if err := sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	return session, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
