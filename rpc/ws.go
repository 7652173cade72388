package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"liquidationqueue/core/types"
)

const (
	wsWriteTimeout = 10 * time.Second
)

// handleEventsWS streams committed events. The optional type and asset query
// parameters filter the stream.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.feed == nil {
		http.Error(w, "event feed unavailable", http.StatusServiceUnavailable)
		return
	}
	eventType := strings.TrimSpace(r.URL.Query().Get("type"))
	asset := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("asset")))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, eventType, asset); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, eventType, asset string) error {
	updates, cancel := s.feed.Subscribe()
	defer cancel()

	position := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			if eventType != "" && evt.Type != eventType {
				continue
			}
			if asset != "" && evt.Attr("asset") != asset {
				continue
			}
			if err := writeEvent(ctx, conn, position, evt); err != nil {
				return err
			}
			position++
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, position int, evt *types.Event) error {
	data, err := json.Marshal(EventResult{Position: position, Type: evt.Type, Attributes: evt.Attributes})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
