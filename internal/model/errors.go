package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, auth, session, stream, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidArgument  = "INVALID_ARGUMENT"
	ErrCodeUnknownSession   = "UNKNOWN_SESSION"
	ErrCodeAlreadyCompleted = "ALREADY_COMPLETED"
	ErrCodeTransportDropped = "TRANSPORT_DROPPED"
	ErrCodeUnauthenticated  = "UNAUTHENTICATED"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// NewInvalidArgumentError は不正なパラメータのエラーを生成する。
func NewInvalidArgumentError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidArgument,
		Message:  fmt.Sprintf("パラメータが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewUnknownSessionError はセッション未検出エラーを生成する。
// 期限切れや終了済みのセッションでは通常起こりうる結果であり、障害ではない。
func NewUnknownSessionError(sessionID string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownSession,
		Message:  fmt.Sprintf("セッションが見つかりません: %s", sessionID),
		Category: "session",
		Action:   "新しいセッションを開始してください。",
	}
}

// NewAlreadyCompletedError は完了できないセッションへの完了要求エラーを生成する。
// 中断済みのセッションは完了として記録されたことがないため、完了要求を受け付けない。
func NewAlreadyCompletedError(sessionID string) *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyCompleted,
		Message:  fmt.Sprintf("セッションは既に終了しています: %s", sessionID),
		Category: "session",
		Action:   "新しいセッションを開始してください。",
	}
}

// NewTransportDroppedError はストリームフレームの配信失敗を表すエラーを生成する。
// ログ用であり、セッションの処理には影響しない。
func NewTransportDroppedError(sessionID string) *APIError {
	return &APIError{
		Code:     ErrCodeTransportDropped,
		Message:  fmt.Sprintf("ストリームフレームを配信できませんでした: %s", sessionID),
		Category: "stream",
		Action:   "接続状況を確認してください。",
	}
}

// NewUnauthenticatedError は呼び出し元ユーザーを特定できないエラーを生成する。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "ユーザーを特定できません。",
		Category: "auth",
		Action:   "認証情報を付与して再度お試しください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterの秒数だけ待ってから再度お試しください。",
	}
}

// HasCode はerrがAPIErrorで指定コードを持つかどうかを返す。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// IsUnknownSession はerrがUNKNOWN_SESSIONかどうかを返す。
func IsUnknownSession(err error) bool {
	return HasCode(err, ErrCodeUnknownSession)
}
