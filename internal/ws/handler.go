// Package ws is the persistent-connection transport: it accepts websocket
// connections and shuttles frames between the socket and a hub peer.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/llmclub/arena-server/internal/auth"
	"github.com/llmclub/arena-server/internal/hub"
	"github.com/llmclub/arena-server/internal/protocol"
)

type Options struct {
	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
}

func Handler(h *hub.Hub, log *zap.Logger, opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		peer := hub.NewPeer()
		// The request context is gone by the time the deferred disconnect
		// runs; the store update must still happen.
		defer h.Disconnect(context.Background(), peer)

		writeCtx, writeCancel := context.WithCancel(context.Background())
		defer writeCancel()

		// Single writer per connection: drains the peer outbox in order.
		go func() {
			for frame := range peer.Outbox() {
				ctx, cancel := context.WithTimeout(writeCtx, opts.WriteTimeout)
				err := conn.Write(ctx, websocket.MessageText, frame)
				cancel()
				if err != nil {
					return
				}
			}
			// Outbox closed: the hub pruned or shut down this peer.
			conn.Close(websocket.StatusGoingAway, "disconnected")
		}()

		// Observers are purely passive; holding them to the read-idle
		// deadline would cut off every healthy telao. Participants stream
		// tokens, so for them silence means the connection is gone.
		observer := false

		for {
			readCtx := r.Context()
			var cancel context.CancelFunc
			if !observer {
				readCtx, cancel = context.WithTimeout(readCtx, opts.ReadIdleTimeout)
			}
			_, data, err := conn.Read(readCtx)
			if cancel != nil {
				cancel()
			}
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return
				}
				log.Debug("read loop ended", zap.Error(err))
				return
			}

			msg, err := protocol.Decode(data)
			if err != nil {
				sendError(r.Context(), conn, err.Error())
				continue
			}

			switch m := msg.(type) {
			case protocol.Register:
				if _, err := h.Register(r.Context(), m, peer); err != nil {
					// No session / bad PIN is fatal to this connection.
					sendError(r.Context(), conn, registerErrorMessage(err))
					return
				}
			case protocol.TelaoRegister:
				observer = true
				h.RegisterObserver(peer)
			case protocol.Token:
				h.HandleToken(r.Context(), m)
			case protocol.Complete:
				if err := h.HandleComplete(r.Context(), m); err != nil {
					sendError(r.Context(), conn, err.Error())
				}
			case protocol.ClientError:
				h.HandleClientError(m)
			}
		}
	}
}

func registerErrorMessage(err error) string {
	switch {
	case errors.Is(err, hub.ErrNoActiveSession):
		return "no active session"
	case errors.Is(err, auth.ErrInvalidPin):
		return "invalid pin"
	default:
		return "registration failed"
	}
}

func sendError(ctx context.Context, conn *websocket.Conn, msg string) {
	frame, err := json.Marshal(protocol.NewErrorReply(msg))
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = conn.Write(writeCtx, websocket.MessageText, frame)
}
