package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/jholhewres/assistclaw/pkg/assistclaw/conversation"
)

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, msg string, code int) {
	var resp errorResponse
	resp.Error.Message = msg
	resp.Error.Code = code
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth implements GET /health.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	g.mu.Lock()
	uptime := time.Since(g.startedAt).Round(time.Second).String()
	g.mu.Unlock()

	resp := map[string]any{
		"status":  "ok",
		"version": g.version,
		"uptime":  uptime,
	}
	if g.deps.Channels != nil {
		chs := g.deps.Channels.HealthAll()
		resp["channels"] = chs
		for _, h := range chs {
			if !h.Connected {
				resp["status"] = "degraded"
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type conversationView struct {
	*conversation.State
	IdleSeconds int64 `json:"idle_seconds"`
}

// handleListConversations implements GET /api/conversations.
func (g *Gateway) handleListConversations(w http.ResponseWriter, _ *http.Request) {
	states := g.deps.Conversations.List()
	now := time.Now()
	views := make([]conversationView, 0, len(states))
	for _, st := range states {
		views = append(views, conversationView{State: st, IdleSeconds: int64(now.Sub(st.UpdatedAt).Seconds())})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":         len(views),
		"conversations": views,
	})
}

// handleGetConversation implements GET /api/conversations/{user}.
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	st := g.deps.Conversations.Get(r.PathValue("user"))
	if st == nil {
		writeError(w, "conversation not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleDeleteConversation implements DELETE /api/conversations/{user}.
func (g *Gateway) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	if !g.deps.Conversations.Clear(user) {
		writeError(w, "conversation not found", http.StatusNotFound)
		return
	}
	g.logger.Info("conversation cleared by operator", "user", user)
	w.WriteHeader(http.StatusNoContent)
}

// handleStatus implements GET /api/status.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"version": g.version}
	if g.deps.Conversations != nil {
		resp["conversations"] = g.deps.Conversations.Count()
	}
	if g.deps.Jobs != nil {
		resp["jobs"] = g.deps.Jobs()
	}
	if g.deps.Status != nil {
		for k, v := range g.deps.Status(r.Context()) {
			resp[k] = v
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleQR implements GET /api/whatsapp/qr.
func (g *Gateway) handleQR(w http.ResponseWriter, _ *http.Request) {
	code, ok := g.deps.QR()
	if !ok {
		writeError(w, "no pairing in progress", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"code": code})
}
