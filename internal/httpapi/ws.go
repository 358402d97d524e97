package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

const wsWriteTimeout = 10 * time.Second

// handleWS serves the live message feed over a WebSocket. The same filters as
// /api/messages apply to the pushed stream.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The upgrade needs the raw writer underneath the recorder; wrappers hide
	// http.Hijacker.
	conn, err := websocket.Accept(baseWriter(w), r, &websocket.AcceptOptions{
		OriginPatterns: s.wsOriginPatterns(),
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	clientCh, ok := s.subscribe("ws", filters.CloneForStream())
	if !ok {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.unsubscribe("ws", clientCh)

	ctx := r.Context()

	// Drain reads so pings and client closes are processed.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case msg, ok := <-clientCh:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
			s.metrics.IncMessagesSent("ws")
		}
	}
}

func (s *Server) wsOriginPatterns() []string {
	if s.cors == nil {
		return nil
	}
	if s.cors.allowAll {
		return []string{"*"}
	}
	// AcceptOptions matches on host patterns, not full origins.
	patterns := make([]string, 0, len(s.cors.origins))
	for _, origin := range s.cors.origins {
		host := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
		patterns = append(patterns, host)
	}
	return patterns
}
