package control

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/voidlink/internal/observe"
	"github.com/MrWong99/voidlink/internal/session"
)

const writeTimeout = 5 * time.Second

// stream pushes session snapshots over a websocket. The current snapshot is
// sent on connect, every status transition immediately, and volume changes
// at the sampling interval while a session is active. Client messages are
// ignored.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Debug("control: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// CloseRead discards client frames and cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	updates, unsubscribe := s.sess.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(s.volumeInterval)
	defer ticker.Stop()

	last := s.sess.Snapshot()
	if err := writeSnapshot(ctx, conn, last); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "session manager closed")
				return
			}
			last = snap
			if err := writeSnapshot(ctx, conn, snap); err != nil {
				return
			}
		case <-ticker.C:
			if !last.Status.Active() {
				continue
			}
			snap := s.sess.Snapshot()
			if snap.Status == last.Status && snap.Volume == last.Volume {
				continue
			}
			last = snap
			if err := writeSnapshot(ctx, conn, snap); err != nil {
				return
			}
		}
	}
}

func writeSnapshot(ctx context.Context, conn *websocket.Conn, snap session.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	err := wsjson.Write(ctx, conn, snap)
	if err != nil && !errors.Is(err, context.Canceled) {
		observe.Logger(ctx).Debug("control: stream write failed", "err", err)
	}
	return err
}
