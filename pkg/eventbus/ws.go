package eventbus

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// writeTimeout bounds a single WebSocket send, matching
// pkg/events/manager.go's ConnectionManager.writeTimeout field.
const writeTimeout = 5 * time.Second

// ServeRun upgrades r to a WebSocket connection and streams every
// RunEvent published on run's channel until the client disconnects or
// ctx is cancelled, simplified from pkg/events/manager.go's
// HandleConnection: one connection subscribes to exactly one run's
// channel for its whole lifetime, there is no client-driven
// subscribe/unsubscribe protocol, since a Run's event stream has a
// single, fixed topic for its entire lifetime unlike the teacher's
// multi-channel session dashboard.
func (b *Bus) ServeRun(ctx context.Context, w http.ResponseWriter, r *http.Request, runID string) error {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	events, unsubscribe, err := b.Subscribe(ctx, "run:"+runID)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return err
	}
	defer unsubscribe()

	connCtx := conn.CloseRead(ctx) // client sends nothing; drain to detect close

	for {
		select {
		case <-connCtx.Done():
			return nil
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "run finished")
			return nil
		case payload, ok := <-events:
			if !ok {
				return nil
			}
			writeCtx, cancel := context.WithTimeout(connCtx, writeTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
