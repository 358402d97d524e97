// Package admin serves the localhost-only operator endpoints.
package admin

import (
	"encoding/json"
	"net/http"
)

type KeyReloader interface {
	Reload() (changed bool, err error)
}

type Server struct {
	keys KeyReloader
}

func New(keys KeyReloader) *Server { return &Server{keys: keys} }

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/admin/key/reload", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		changed, err := s.keys.Reload()
		if err != nil {
			http.Error(w, "reload failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true, "changed": changed})
	})
}
