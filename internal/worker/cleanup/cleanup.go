// Package cleanup は期限切れセッションの定期削除ジョブを提供する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultInterval はジョブの既定の実行間隔。
const DefaultInterval = 24 * time.Hour

// ExpiredSessionDeleter は期限切れセッションの削除を抽象化する。
// repository.SessionRepositoryが実装する。
type ExpiredSessionDeleter interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// CleanupJob は期限切れセッションを削除するジョブ。
// 冪等であり、削除対象がない場合もエラーにならない。
type CleanupJob struct {
	sessions ExpiredSessionDeleter
	logger   *slog.Logger
	now      func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(sessions ExpiredSessionDeleter, logger *slog.Logger, now func() time.Time) *CleanupJob {
	if now == nil {
		now = time.Now
	}
	return &CleanupJob{
		sessions: sessions,
		logger:   logger,
		now:      now,
	}
}

// Run は現在時刻までに期限切れとなったセッションを削除し、削除件数を返す。
func (j *CleanupJob) Run(ctx context.Context) (int64, error) {
	start := time.Now()

	deleted, err := j.sessions.DeleteExpired(ctx, j.now())
	if err != nil {
		j.logger.Error("セッションクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("セッションクリーンアップの実行に失敗: %w", err)
	}

	j.logger.Info("セッションクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return deleted, nil
}

// Start はintervalごとにRunを実行する。起動直後に1回実行し、
// コンテキストがキャンセルされるまで継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("セッションクリーンアップを開始しました",
		slog.Duration("interval", interval),
	)

	j.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("セッションクリーンアップを停止しました")
			return
		case <-ticker.C:
			j.Run(ctx)
		}
	}
}
