package api

import (
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/blued-org/blued/internal/events"
)

// streamBufferSize bounds how far a slow client may fall behind before the
// stream is closed on it.
const streamBufferSize = 64

// handleEvents upgrades to a WebSocket and streams daemon events as JSON.
// Hub subscribers cannot be removed, so a closed client leaves behind a
// subscriber that drops into a full channel; the buffer keeps that cheap.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Warn().Err(err).Msg("event stream handshake failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	feed := make(chan events.Event, streamBufferSize)
	closed := make(chan struct{})
	s.hub.Subscribe(events.SubscriberFunc(func(ev events.Event) {
		select {
		case <-closed:
		case feed <- ev:
		default:
			// Slow consumer; drop rather than stall the hub.
		}
	}))

	ctx := conn.CloseRead(r.Context())
	defer close(closed)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-feed:
			data, err := json.Marshal(ev)
			if err != nil {
				log.Error().Err(err).Msg("event not marshalable")
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}
