package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaymail/internal/mailsync"
)

type streamFrame struct {
	Type   string           `json:"type"`
	View   *mailsync.View   `json:"view,omitempty"`
	Change *mailsync.Change `json:"change,omitempty"`
	Status *mailsync.Status `json:"status,omitempty"`
}

const streamWriteTimeout = 5 * time.Second

// handleStream sends the full view, then every store change, with a fresh
// view after each reload. A client that falls StreamBuffer changes behind is
// disconnected and has to reconnect.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, correlationID string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logf("stream accept failed (correlation %s): %v", correlationID, err)
		return
	}
	closeStatus, closeReason := websocket.StatusNormalClosure, "stream closed"
	defer func() { conn.Close(closeStatus, closeReason) }()

	changes := make(chan mailsync.Change, s.cfg.StreamBuffer)
	overflow := make(chan struct{})
	var overflowed bool
	cancel := s.session.Store().OnChange(func(change mailsync.Change) {
		if overflowed {
			return
		}
		select {
		case changes <- change:
		default:
			overflowed = true
			close(overflow)
		}
	})
	defer cancel()

	ctx := conn.CloseRead(r.Context())
	status := s.session.Status()
	view := s.session.Store().View()
	if err := writeFrame(ctx, conn, streamFrame{Type: "view", View: &view, Status: &status}); err != nil {
		closeStatus, closeReason = websocket.StatusInternalError, "stream write failed"
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			closeReason = "server shutting down"
			return
		case <-overflow:
			closeStatus, closeReason = websocket.StatusPolicyViolation, "stream client too slow"
			return
		case change := <-changes:
			if change.Seq <= view.Seq {
				continue
			}
			frame := streamFrame{Type: "change", Change: &change}
			if change.Type == mailsync.ChangeReset {
				// a rebuilt view cannot be expressed as a delta
				view = s.session.Store().View()
				frame = streamFrame{Type: "view", View: &view}
			}
			if err := writeFrame(ctx, conn, frame); err != nil {
				closeStatus, closeReason = websocket.StatusInternalError, "stream write failed"
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame streamFrame) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, frame)
}
