package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rustkas/beamline-gateway/internal/observability"
)

// maxFrameBytes bounds a single client frame.
const maxFrameBytes = 1 << 20

// wsWriteTimeout bounds how long a response write may block.
const wsWriteTimeout = 10 * time.Second

// upgrader upgrades HTTP connections to WebSocket.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleWebSocket upgrades the connection and feeds every frame through
// the pipeline as a framed client message. Request metadata is captured
// once at upgrade time and applies to every message on the connection.
func (s *Server) handleWebSocket(c *gin.Context) {
	meta := s.requestMeta(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", observability.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxFrameBytes)
	ctx := c.Request.Context()

	s.logger.Info("websocket connection opened",
		observability.Int("conn_id", meta.ConnID),
		observability.String("tenant_id", meta.TenantID),
	)

	for {
		msgType, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("websocket read failed", observability.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		start := time.Now()
		outcome := s.pipeline.Submit(ctx, meta, frame)

		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, outcome.Body); err != nil {
			s.logger.Warn("websocket write failed", observability.Error(err))
			return
		}

		if s.metrics != nil {
			s.metrics.RecordRequest("/v1/ws", outcome.Status, time.Since(start).Seconds())
		}
	}
}
