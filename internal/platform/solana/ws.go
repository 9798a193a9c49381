package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/predictindexer/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// defaultPongWait is the time allowed to read the next message or pong
	// from the peer.
	defaultPongWait = 60 * time.Second

	// notificationBuffer bounds notifications read but not yet handled.
	notificationBuffer = 1024

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// LogHandler receives one notification per transaction mentioning the
// program. Calls are sequential, in delivery order, on a goroutine separate
// from the socket reader.
type LogHandler func(ctx context.Context, n domain.LogNotification)

// LogsSubscriberConfig configures a LogsSubscriber.
type LogsSubscriberConfig struct {
	URL        string
	Program    string
	Commitment string
	// PongWait is the read deadline, extended by every message and pong.
	// Pings are sent at nine tenths of it. Zero means 60s.
	PongWait time.Duration
	// OnConnect is called after each successful subscription.
	OnConnect func()
	// OnDisconnect is called with the error that ended a session.
	OnDisconnect func(error)
}

// LogsSubscriber streams logsSubscribe notifications for one program and
// reconnects with exponential backoff until its context is cancelled.
type LogsSubscriber struct {
	cfg    LogsSubscriberConfig
	logger *slog.Logger
	dialer websocket.Dialer
}

// NewLogsSubscriber creates a subscriber. Nothing is dialed until Run.
func NewLogsSubscriber(cfg LogsSubscriberConfig, logger *slog.Logger) *LogsSubscriber {
	if cfg.Commitment == "" {
		cfg.Commitment = "confirmed"
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	return &LogsSubscriber{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "solana_ws")),
		dialer: websocket.Dialer{HandshakeTimeout: 15 * time.Second},
	}
}

// Run blocks until ctx is cancelled, delivering notifications to handle.
// Slow handling never stalls the socket: notifications queue up while the
// reader keeps answering keep-alives.
func (s *LogsSubscriber) Run(ctx context.Context, handle LogHandler) error {
	queue := make(chan domain.LogNotification, notificationBuffer)
	handled := make(chan struct{})
	go func() {
		defer close(handled)
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-queue:
				handle(ctx, n)
			}
		}
	}()
	defer func() { <-handled }()

	delay := reconnectDelay
	for {
		connected, err := s.session(ctx, queue)
		if ctx.Err() != nil {
			return nil
		}
		if s.cfg.OnDisconnect != nil {
			s.cfg.OnDisconnect(err)
		}
		if connected {
			delay = reconnectDelay
		}
		s.logger.WarnContext(ctx, "logs subscription dropped, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("backoff", delay),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

type subscribeRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type wsMessage struct {
	ID     *int            `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Params *struct {
		Result struct {
			Context rpcContext `json:"context"`
			Value   struct {
				Signature string   `json:"signature"`
				Err       any      `json:"err"`
				Logs      []string `json:"logs"`
			} `json:"value"`
		} `json:"result"`
	} `json:"params"`
}

// session runs one connection. connected reports whether the subscription
// was acknowledged, which resets the backoff.
func (s *LogsSubscriber) session(ctx context.Context, queue chan<- domain.LogNotification) (connected bool, err error) {
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("solana/ws: connect: %w", err)
	}

	var writeMu sync.Mutex
	done := make(chan struct{})
	defer func() {
		close(done)
		writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		conn.Close()
	}()

	// Unblock ReadMessage on shutdown.
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	pongWait := s.cfg.PongWait
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	req := subscribeRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "logsSubscribe",
		Params: []any{
			map[string]any{"mentions": []string{s.cfg.Program}},
			map[string]any{"commitment": s.cfg.Commitment},
		},
	}
	writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteJSON(req)
	writeMu.Unlock()
	if err != nil {
		return false, fmt.Errorf("solana/ws: send subscribe: %w", err)
	}

	go s.pingLoop(conn, &writeMu, pongWait*9/10, done)

	for {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return connected, fmt.Errorf("solana/ws: read: %w: %w", domain.ErrWSDisconnect, err)
		}

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.DebugContext(ctx, "dropping unparseable message", slog.String("error", err.Error()))
			continue
		}

		switch {
		case msg.ID != nil && *msg.ID == req.ID:
			if msg.Error != nil {
				return false, fmt.Errorf("solana/ws: subscribe rejected: %d %s", msg.Error.Code, msg.Error.Message)
			}
			connected = true
			s.logger.InfoContext(ctx, "logs subscription active",
				slog.String("program", s.cfg.Program),
				slog.String("subscription", string(msg.Result)),
			)
			if s.cfg.OnConnect != nil {
				s.cfg.OnConnect()
			}

		case msg.Method == "logsNotification" && msg.Params != nil:
			v := msg.Params.Result.Value
			n := domain.LogNotification{
				Signature: v.Signature,
				Slot:      msg.Params.Result.Context.Slot,
				Failed:    v.Err != nil,
				Logs:      v.Logs,
			}
			select {
			case queue <- n:
			case <-ctx.Done():
				return connected, ctx.Err()
			}
		}
	}
}

// pingLoop sends periodic ping messages to keep the WebSocket alive.
func (s *LogsSubscriber) pingLoop(conn *websocket.Conn, writeMu *sync.Mutex, period time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
