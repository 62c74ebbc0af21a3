package notification

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"trimatrix/pkg/logger"

	"github.com/gorilla/websocket"
)

// WebSocketSender keeps one connection to the external notifier and writes
// each notification as a JSON frame. A failed write drops the connection and
// the next send redials.
type WebSocketSender struct {
	url          string
	header       http.Header
	writeTimeout time.Duration
	dialer       *websocket.Dialer
	logger       logger.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWebSocketSender(url string, header http.Header, writeTimeout time.Duration, log logger.Logger) *WebSocketSender {
	return &WebSocketSender{
		url:          url,
		header:       header,
		writeTimeout: writeTimeout,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		logger: log,
	}
}

func (s *WebSocketSender) connect(ctx context.Context) (*websocket.Conn, error) {
	if s.conn != nil {
		return s.conn, nil
	}
	conn, _, err := s.dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial notifier: %w", err)
	}
	s.logger.Info("Connected to notifier", map[string]interface{}{"url": s.url})
	s.conn = conn
	return conn, nil
}

func (s *WebSocketSender) Send(ctx context.Context, n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := conn.WriteJSON(map[string]interface{}{
		"type":         "notification",
		"notification": n,
	}); err != nil {
		conn.Close()
		s.conn = nil
		return fmt.Errorf("failed to write notification: %w", err)
	}
	return nil
}

func (s *WebSocketSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := s.conn.Close()
	s.conn = nil
	return err
}
