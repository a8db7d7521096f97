package api

import (
	"context"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/flowpay/realtime/pkg/hub"
)

// wsSink adapts a WebSocket connection to the hub's Sink interface.
type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) Send(ctx context.Context, m hub.Message) error {
	return wsjson.Write(ctx, s.conn, m)
}

func (s *wsSink) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "connection closed")
}
