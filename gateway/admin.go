package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/elnormous/contenttype"

	"github.com/agentgate/agentgate/sessions"
)

var (
	jsonMediaType  = contenttype.NewMediaType("application/json")
	jsonMediaTypes = []contenttype.MediaType{jsonMediaType}
)

type sessionSummary struct {
	SessionID     string    `json:"sessionId"`
	PendingHandle string    `json:"pendingHandle,omitempty"`
	Agent         string    `json:"agent,omitempty"`
	TurnCount     int       `json:"turnCount"`
	UpdatedAt     time.Time `json:"updatedAt"`
	Active        bool      `json:"active"`
}

// handleListSessions reports the durably recorded sessions, newest first.
// Active marks the ones still present in the cache.
func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if acc := r.Header.Get("Accept"); acc != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, jsonMediaTypes); err != nil {
			w.WriteHeader(http.StatusNotAcceptable)
			return
		}
	}

	recs, err := h.store.LoadSessions(r.Context())
	if err != nil {
		h.log.Error("admin.sessions.load.fail", "err", err.Error())
		writeJSONError(w, http.StatusInternalServerError, "session listing failed")
		return
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].UpdatedAt.After(recs[j].UpdatedAt) })
	out := []sessionSummary{}
	for _, rec := range recs {
		out = append(out, sessionSummary{
			SessionID:     rec.SessionID,
			PendingHandle: rec.PendingHandle,
			Agent:         rec.Agent,
			TurnCount:     rec.TurnCount,
			UpdatedAt:     rec.UpdatedAt,
			Active:        h.sessions.IsCached(rec.SessionID),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		h.log.Warn("admin.sessions.encode.fail", "err", err.Error())
	}
}

// handleDeleteSession force-closes a live session and purges its durable
// history.
func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.sessions.Delete(r.Context(), id); err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		h.log.Error("admin.sessions.delete.fail", "id", id, "err", err.Error())
		writeJSONError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	h.log.Info("admin.sessions.deleted", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}` + "\n"))
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
