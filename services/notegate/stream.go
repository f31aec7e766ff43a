package notegate

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"notegate/core/access"
)

const wsWriteTimeout = 10 * time.Second

type accessUpdate struct {
	Type       string          `json:"type"`
	Version    uint64          `json:"version"`
	Viewer     string          `json:"viewer,omitempty"`
	Epoch      uint64          `json:"epoch"`
	Access     map[string]bool `json:"access"`
	ComputedAt int64           `json:"ts"`
}

func (s *Server) handleAccessStream(w http.ResponseWriter, r *http.Request) {
	origins := s.cfg.CORS.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: origins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamAccess(ctx, conn); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			s.logger.Debug("access stream ended", slog.Any("error", err))
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamAccess(ctx context.Context, conn *websocket.Conn) error {
	updates, cancel := s.cfg.Access.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeAccessUpdate(ctx, conn, snap); err != nil {
				return err
			}
		}
	}
}

func writeAccessUpdate(ctx context.Context, conn *websocket.Conn, snap access.Snapshot) error {
	data, err := json.Marshal(accessUpdate{
		Type:       "access",
		Version:    snap.Version,
		Viewer:     snap.Viewer,
		Epoch:      snap.Epoch,
		Access:     snap.Entries,
		ComputedAt: snap.ComputedAt.UnixMilli(),
	})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
