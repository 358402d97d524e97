// devapi is a development helper that fills a raffle database with synthetic
// chat messages and runs draws over them without touching the YouTube API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"time"

	"github.com/you/chat-raffle/internal/core"
	"github.com/you/chat-raffle/internal/httpapi"
	"github.com/you/chat-raffle/internal/raffle"
	"github.com/you/chat-raffle/internal/store"
)

type emitReq struct {
	ID          string    `json:"id,omitempty"`
	AuthorID    string    `json:"author_id,omitempty"`
	AuthorName  string    `json:"author"`
	Text        string    `json:"text"`
	PublishedAt time.Time `json:"published_at,omitempty"`
}

func main() {
	var (
		addr   string
		sqlite string
	)

	flag.StringVar(&addr, "addr", ":8765", "HTTP listen address")
	flag.StringVar(&sqlite, "db", "devapi.db", "SQLite database path")
	flag.Parse()

	s, err := store.OpenSQLite(sqlite)
	if err != nil {
		log.Fatalf("open sqlite: %v", err)
	}
	defer s.Close()
	if err := s.Ping(); err != nil {
		log.Fatalf("ping: %v", err)
	}

	session, err := s.GetOrCreateSession(context.Background(), store.Session{
		LiveChatID: "devapi-chat",
		Origin:     "video",
		VideoID:    "devapi",
	})
	if err != nil {
		log.Fatalf("session: %v", err)
	}

	log.Printf("devapi listening on %s (db=%s session=%d)", addr, sqlite, session.ID)

	mux := http.NewServeMux()

	mux.HandleFunc("POST /emit", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req emitReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.AuthorName == "" || req.Text == "" {
			http.Error(w, "author and text required", http.StatusBadRequest)
			return
		}
		if req.PublishedAt.IsZero() {
			req.PublishedAt = time.Now().UTC()
		}
		if req.ID == "" {
			req.ID = "dev-" + req.PublishedAt.Format("20060102T150405.000000000Z07:00")
		}
		if req.AuthorID == "" {
			req.AuthorID = "dev-" + req.AuthorName
		}

		msg := core.Message{
			ID:          req.ID,
			AuthorID:    req.AuthorID,
			AuthorName:  req.AuthorName,
			Text:        req.Text,
			PublishedAt: req.PublishedAt,
		}
		inserted, err := s.AddMessage(r.Context(), session.ID, msg)
		if err != nil {
			http.Error(w, "insert failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "id": msg.ID, "inserted": inserted})
	})

	mux.HandleFunc("POST /draw", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Seed       *int64 `json:"seed,omitempty"`
			MaxEntries int    `json:"max_entries,omitempty"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		messages, err := s.SessionMessages(r.Context(), session.ID)
		if err != nil {
			http.Error(w, "load failed: "+err.Error(), http.StatusInternalServerError)
			return
		}

		maxEntries := req.MaxEntries
		if maxEntries <= 0 {
			maxEntries = raffle.DefaultMaxEntries
		}
		var rng *rand.Rand
		if req.Seed != nil {
			rng = rand.New(rand.NewSource(*req.Seed))
		}

		result, err := raffle.Run(messages, maxEntries, rng)
		if err != nil {
			http.Error(w, "draw failed: "+err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"winner":          result.Winner.DisplayName,
			"winning_message": result.WinningText,
			"weight":          result.Winner.Weight,
			"total_messages":  result.TotalMessages,
			"participants":    result.TotalParticipants,
		})
	})

	mux.HandleFunc("GET /count", func(w http.ResponseWriter, r *http.Request) {
		filters, err := httpapi.FiltersFromRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		n, err := s.CountMessages(r.Context(), filters)
		if err != nil {
			http.Error(w, "count failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"count": n})
	})

	mux.HandleFunc("GET /messages", func(w http.ResponseWriter, r *http.Request) {
		filters, err := httpapi.FiltersFromRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		list, err := s.ListMessages(r.Context(), filters)
		if err != nil {
			http.Error(w, "list failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(list)
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal(err)
	}
}
