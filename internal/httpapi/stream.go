package httpapi

import (
	"time"

	"github.com/aiennonprofit/pumpkin-voting/pkg/voting"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamReadLimit    = 512
)

// handleStream upgrades to a websocket and pushes one gallery document per change. Client
// messages are ignored; reading only detects disconnects and pong replies.
func (handler *httpHandler) handleStream(ctx *gin.Context) {
	conn, err := handler.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		handler.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	pongWait := 2 * handler.cfg.StreamPingInterval
	conn.SetReadLimit(streamReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	unsubscribe, err := handler.feed.Subscribe(ctx.Request.Context(), func(gallery voting.Gallery) {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if writeErr := conn.WriteJSON(newGalleryPayload(gallery)); writeErr != nil {
			handler.logger.Debug("gallery push failed", zap.Error(writeErr))
		}
	})
	if err != nil {
		_, code, message := mapError(err)
		closeMessage := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, code+": "+message)
		_ = conn.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(streamWriteTimeout))
		return
	}
	defer unsubscribe()

	done := make(chan struct{})
	defer close(done)
	go handler.pingLoop(conn, done)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (handler *httpHandler) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(handler.cfg.StreamPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				return
			}
		}
	}
}
