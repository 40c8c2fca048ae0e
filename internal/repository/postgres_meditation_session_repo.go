package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/breathwork/internal/model"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// PostgresMeditationSessionRepo はPostgreSQLを使用した終了済みセッションのリポジトリ。
type PostgresMeditationSessionRepo struct {
	db Executor
}

// NewPostgresMeditationSessionRepo はPostgresMeditationSessionRepoを生成する。
func NewPostgresMeditationSessionRepo(db Executor) *PostgresMeditationSessionRepo {
	return &PostgresMeditationSessionRepo{db: db}
}

const insertMeditationSessionQuery = `INSERT INTO meditation_sessions (
	id, user_id, session_type, content_id, target_breath_ms, state, end_reason,
	breath_count, reported_breaths, reported_duration_seconds, avg_consistency,
	is_calibrated, baseline_ms, started_at, ended_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (id) DO NOTHING`

// Save は終了済みセッションを保存する。
// 同じIDのレコードが既に存在する場合は何もせずfalseを返す（冪等）。
func (r *PostgresMeditationSessionRepo) Save(ctx context.Context, rec *model.SessionRecord) (bool, error) {
	var contentID sql.NullString
	if rec.ContentID != "" {
		contentID = sql.NullString{String: rec.ContentID, Valid: true}
	}
	var avg sql.NullFloat64
	if rec.AvgConsistency != nil {
		avg = sql.NullFloat64{Float64: *rec.AvgConsistency, Valid: true}
	}
	var baseline sql.NullInt64
	if rec.IsCalibrated {
		baseline = sql.NullInt64{Int64: rec.BaselineDuration.Milliseconds(), Valid: true}
	}

	result, err := r.db.ExecContext(ctx, insertMeditationSessionQuery,
		rec.ID,
		rec.UserID,
		string(rec.SessionType),
		contentID,
		rec.TargetBreathDuration.Milliseconds(),
		string(rec.State),
		rec.EndReason,
		rec.BreathCount,
		rec.ReportedBreaths,
		rec.ReportedDuration,
		avg,
		rec.IsCalibrated,
		baseline,
		rec.StartedAt,
		rec.EndedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to save meditation session: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// compile-time interface check
var _ MeditationSessionRepository = (*PostgresMeditationSessionRepo)(nil)
