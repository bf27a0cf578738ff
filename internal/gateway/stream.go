package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const wsWriteTimeout = 10 * time.Second

// streamFrame is one message on the /ws event stream.
type streamFrame struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
	At      int64  `json:"at_unix_ms,omitempty"`
}

// lagTopic frames tell a slow client how many events it missed.
const lagTopic = "stream.lagged"

// handleWS streams bus events to the client. The optional "topics" query
// parameter is a comma-separated list of topic prefixes (e.g.
// "approval.,alarm."); without it every event is sent. The first frame is
// a "status" snapshot of the core.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream not available: bus not configured")
		return
	}
	prefixes := parseTopics(r.URL.Query().Get("topics"))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("ws: accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	sub := s.cfg.Bus.Subscribe(prefixes...)
	defer s.cfg.Bus.Unsubscribe(sub)

	// The client never sends; CloseRead handles control frames and cancels
	// ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	s.logger.Info("ws: client connected", "topics", prefixes)
	defer s.logger.Info("ws: client disconnected")

	if err := s.writeFrame(ctx, conn, streamFrame{Topic: "status", Payload: s.cfg.Core.Overview()}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if n := sub.TakeDropped(); n > 0 {
				s.logger.Warn("ws: client lagging, events dropped", "dropped", n)
				lag := streamFrame{Topic: lagTopic, Payload: map[string]int64{"dropped": n}}
				if err := s.writeFrame(ctx, conn, lag); err != nil {
					return
				}
			}
			frame := streamFrame{Topic: ev.Topic, Payload: ev.Payload, At: ev.At.UnixMilli()}
			if err := s.writeFrame(ctx, conn, frame); err != nil {
				s.logger.Warn("ws: write failed, closing", "topic", ev.Topic, "error", err)
				return
			}
		}
	}
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, f streamFrame) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, f)
}

func parseTopics(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
