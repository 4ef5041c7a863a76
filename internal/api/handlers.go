package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"livesync/internal/middleware"
	"livesync/internal/models"
	"livesync/internal/telemetry"

	"github.com/gorilla/mux"
)

// Handler handles HTTP requests
// Learning: Uses INTERFACES defined in this package (consumer-driven)
type Handler struct {
	relay   Relay
	docs    DocumentStore
	history HistoryStore
	cable   http.Handler // websocket endpoint, mounted by SetupRoutes
}

func NewHandler(relay Relay, docs DocumentStore, history HistoryStore, cable http.Handler) *Handler {
	return &Handler{
		relay:   relay,
		docs:    docs,
		history: history,
		cable:   cable,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats := h.relay.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"version":     telemetry.Version,
		"connections": stats.Connections,
		"rooms":       stats.Rooms,
		"documents":   stats.Documents,
	})
}

// Document handlers

func (h *Handler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	var doc models.DocumentCreate
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(doc.Title) == "" {
		http.Error(w, "title is required", http.StatusBadRequest)
		return
	}

	created, err := h.docs.Create(r.Context(), &doc)
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	documents, err := h.docs.List(r.Context(), limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"documents": documents,
		"limit":     limit,
		"offset":    offset,
	})
}

// GetDocument returns the relay's live view of a document, the same state a
// client receives in a document_sync message.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	state, err := h.relay.Snapshot(r.Context(), id)
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"document_id": id,
		"state":       state,
	})
}

// ListOperations returns the log after ?since= (default 0).
func (h *Handler) ListOperations(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	since := int64(0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			http.Error(w, "since must be a non-negative integer", http.StatusBadRequest)
			return
		}
		since = v
	}

	records, err := h.history.Since(r.Context(), id, since, queryInt(r, "limit", 500))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*models.OperationRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"document_id": id,
		"since":       since,
		"operations":  records,
	})
}

func (h *Handler) ListVersions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	versions, err := h.history.ListVersions(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"document_id": id,
		"versions":    versions,
	})
}

func queryInt(r *http.Request, key string, def int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
