package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/feedbackportal/internal/feedback"
	"github.com/agentworkforce/feedbackportal/internal/logging"
)

const liveWriteTimeout = 10 * time.Second

// handleLive streams the caller's change events over a websocket. Resync
// events carry a fresh snapshot of the caller's rows.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	sub, err := s.repo.Subscribe(r.Context(), userID)
	if err != nil {
		s.log.Error().Err(err).Str("userId", userID).Msg("live subscribe failed")
		writeError(w, http.StatusServiceUnavailable, "unavailable", "live subscription unavailable", correlationID)
		return
	}
	defer sub.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		// Accept has already written the handshake failure.
		s.log.Warn().Err(err).Str("userId", userID).Msg("websocket accept failed")
		return
	}
	defer conn.CloseNow()

	log := s.log.With().Str("userId", userID).Str("correlationId", correlationID).Logger()
	log.Debug().Msg("live stream opened")

	// Clients never send; CloseRead surfaces their close frame as ctx.Done.
	ctx := conn.CloseRead(r.Context())
	ping := time.NewTicker(s.cfg.LivePingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("live stream closed by client")
			return
		case <-ping.C:
			pingCtx, cancel := context.WithTimeout(ctx, liveWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				log.Debug().Err(err).Msg("live stream ping failed")
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "subscription ended")
				return
			}
			if ev.Kind == feedback.EventResync {
				items, err := s.service.List(ctx, userID)
				if err != nil {
					log.Warn().Err(err).Msg("resync snapshot failed")
				} else {
					ev.Snapshot = items
				}
			}
			log.Debug().Str(logging.FieldAction, realtimeAction(ev.Kind)).Str("feedbackId", ev.Item.ID).Msg("live event")
			writeCtx, cancel := context.WithTimeout(ctx, liveWriteTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Warn().Err(err).Msg("live stream write failed")
				}
				return
			}
		}
	}
}

func realtimeAction(kind feedback.EventKind) string {
	switch kind {
	case feedback.EventInsert:
		return logging.ActionRealtimeInsert
	case feedback.EventUpdate:
		return logging.ActionRealtimeUpdate
	case feedback.EventDelete:
		return logging.ActionRealtimeDelete
	default:
		return logging.ActionRealtimeResync
	}
}
