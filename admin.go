package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/meowkov/catmandu/accumulator"
	"github.com/meowkov/catmandu/registry"
	"github.com/meowkov/catmandu/store"
)

// pollState reports whether the poll loop is accepting work.
type pollState interface {
	Running() bool
}

// chatLogReader serves the per-chat interaction log.
type chatLogReader interface {
	RecentInteractions(chatID int64, limit int) ([]store.Interaction, error)
}

// newAdminMux builds the admin HTTP surface: health, registry reload and
// listing, accumulator status, and the per-chat interaction log.
func newAdminMux(reg *registry.Registry, p pollState, acc *accumulator.Accumulator, logs chatLogReader) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status := "ok"
		if !p.Running() {
			status = "not_polling"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	})

	mux.HandleFunc("POST /admin/reload", func(w http.ResponseWriter, r *http.Request) {
		found, err := reg.Reload()
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "reloaded", "found": found})
	})

	mux.HandleFunc("GET /cattackles", func(w http.ResponseWriter, r *http.Request) {
		snap := reg.Snapshot()
		type cattackleInfo struct {
			Name        string   `json:"name"`
			Version     string   `json:"version"`
			Description string   `json:"description,omitempty"`
			Transport   string   `json:"transport"`
			Commands    []string `json:"commands"`
		}
		out := make([]cattackleInfo, 0)
		for _, m := range snap.Cattackles() {
			out = append(out, cattackleInfo{
				Name:        m.Name,
				Version:     m.Version,
				Description: m.Description,
				Transport:   m.Transport.Kind(),
				Commands:    m.CommandNames(),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	})

	mux.HandleFunc("GET /accumulator", func(w http.ResponseWriter, r *http.Request) {
		counts := make(map[string]int)
		for _, id := range acc.ChatIDs() {
			counts[strconv.FormatInt(id, 10)] = acc.Count(id)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"chats":  acc.TotalChats(),
			"counts": counts,
		})
	})

	mux.HandleFunc("GET /chats/{chat}/log", func(w http.ResponseWriter, r *http.Request) {
		chatID, err := strconv.ParseInt(r.PathValue("chat"), 10, 64)
		if err != nil {
			http.Error(w, "invalid chat id", http.StatusBadRequest)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		recs, err := logs.RecentInteractions(chatID, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		type logEntry struct {
			Kind        string `json:"kind"`
			Text        string `json:"text"`
			Command     string `json:"command,omitempty"`
			Cattackle   string `json:"cattackle,omitempty"`
			Username    string `json:"username,omitempty"`
			ResponseLen int    `json:"response_len"`
			CreatedAt   string `json:"created_at"`
		}
		out := make([]logEntry, 0, len(recs))
		for _, rec := range recs {
			out = append(out, logEntry{
				Kind:        rec.Kind,
				Text:        rec.Text,
				Command:     rec.Command,
				Cattackle:   rec.Cattackle,
				Username:    rec.Username,
				ResponseLen: rec.ResponseLen,
				CreatedAt:   rec.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	})

	return mux
}
