// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/breathwork/internal/model"
)

// MeditationSessionRepository は終了済みセッションの永続化インターフェース。
type MeditationSessionRepository interface {
	// Save は終了済みセッションを保存する。
	// 既に同じIDのレコードが存在する場合は何もせずfalseを返す。
	Save(ctx context.Context, rec *model.SessionRecord) (bool, error)
}
