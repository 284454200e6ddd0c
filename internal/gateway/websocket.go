package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"pkt.systems/roomsync/internal/logx"
	"pkt.systems/roomsync/internal/metrics"
	"pkt.systems/roomsync/internal/room"
	"pkt.systems/roomsync/schema"
)

// wsConn adapts a gorilla websocket to Conn.
type wsConn struct {
	ws *websocket.Conn
}

func (c wsConn) WriteFrame(frame schema.Frame, deadline time.Time) error {
	_ = c.ws.SetWriteDeadline(deadline)
	messageType := websocket.BinaryMessage
	if frame.Kind == schema.FrameText {
		messageType = websocket.TextMessage
	}
	return c.ws.WriteMessage(messageType, frame.Data)
}

func (c wsConn) WritePing(deadline time.Time) error {
	return c.ws.WriteControl(websocket.PingMessage, nil, deadline)
}

func (c wsConn) WriteClose(code int, reason string, deadline time.Time) error {
	return c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

// NormalizeMessage converts a websocket message into a Frame. Control
// message types never reach here; gorilla handles them in its read loop.
func NormalizeMessage(messageType int, data []byte) (schema.Frame, bool) {
	switch messageType {
	case websocket.BinaryMessage:
		return schema.BinaryFrame(data), true
	case websocket.TextMessage:
		return schema.TextFrame(data), true
	default:
		return schema.Frame{}, false
	}
}

// CloseCode maps a session error to a websocket close code. Backing
// failures use 1013 so clients retry.
func CloseCode(err error) (int, string) {
	switch {
	case err == nil:
		return websocket.CloseNormalClosure, ""
	case errors.Is(err, schema.ErrBackingUnavailable):
		return websocket.CloseTryAgainLater, "backing unavailable"
	case errors.Is(err, schema.ErrRoomClosed):
		return websocket.CloseGoingAway, "room closed"
	case errors.Is(err, schema.ErrInvalidRoomType), errors.Is(err, schema.ErrInvalidRoomID):
		return websocket.ClosePolicyViolation, "invalid room"
	default:
		return websocket.CloseInternalServerErr, "internal error"
	}
}

// Serve runs the room protocol over an upgraded websocket until the client
// disconnects, the session fails or ctx is done. The socket is closed on return.
func Serve(ctx context.Context, ws *websocket.Conn, reg room.Registry, key schema.RoomKey, cfg Config, m *metrics.Metrics) error {
	defer ws.Close()
	cfg = cfg.withDefaults()
	peerID := schema.PeerID(uuid.NewString())
	log := logx.WithRoomPeer(ctx, key, peerID)
	ctx = logx.ContextWithRoomPeerLogger(ctx, log, key, peerID)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := NewOutbound(peerID, wsConn{ws: ws}, cfg.SendQueue, cfg.WriteTimeout, cfg.PingInterval)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := out.Run(context.WithoutCancel(ctx)); err != nil {
			log.Debug("gateway writer stopped", "err", err)
			_ = ws.Close()
		}
	}()

	session := NewSession(reg, key, out, cfg, m)
	if err := session.Open(ctx); err != nil {
		code, reason := CloseCode(err)
		out.Shutdown(code, reason)
		<-writerDone
		return err
	}

	ws.SetReadLimit(cfg.MaxFrameBytes)
	if cfg.PingInterval > 0 {
		wait := 2 * cfg.PingInterval
		_ = ws.SetReadDeadline(time.Now().Add(wait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(wait))
		})
	}

	// Stop reading when the server shuts down.
	go func() {
		<-ctx.Done()
		_ = ws.SetReadDeadline(time.Now())
	}()

	var served error
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) && ctx.Err() == nil {
				session.Error(ctx, err)
			}
			break
		}
		frame, ok := NormalizeMessage(messageType, data)
		if !ok {
			continue
		}
		if err := session.Handle(ctx, frame); err != nil {
			served = err
			break
		}
	}
	session.Close(context.WithoutCancel(ctx))
	code, reason := CloseCode(served)
	if served == nil && ctx.Err() != nil {
		code, reason = websocket.CloseGoingAway, "server shutting down"
	}
	out.Shutdown(code, reason)
	<-writerDone
	return served
}
