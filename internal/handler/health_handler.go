package handler

import "net/http"

// SessionCounter は稼働中のセッション数を返すインターフェース。
type SessionCounter interface {
	Len() int
}

// HealthHandler はヘルスチェックのHTTPハンドラー。
type HealthHandler struct {
	sessions SessionCounter
}

// NewHealthHandler はHealthHandlerを生成する。
func NewHealthHandler(sessions SessionCounter) *HealthHandler {
	return &HealthHandler{sessions: sessions}
}

// healthResponse はヘルスチェックのレスポンス。
type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

// ServeHTTP はプロセスの稼働状態とレジストリのセッション数を返す。
// GET /health
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if h.sessions != nil {
		resp.Sessions = h.sessions.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}
