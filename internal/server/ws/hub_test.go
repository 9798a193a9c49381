package ws

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/predictindexer/internal/domain"
)

type chanBus struct {
	ch      chan []byte
	pattern string
}

func (b *chanBus) Publish(context.Context, string, []byte) error      { return nil }
func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }
func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *chanBus) Subscribe(_ context.Context, pattern string) (<-chan []byte, error) {
	b.pattern = pattern
	return b.ch, nil
}

func TestClientFilter(t *testing.T) {
	c := &client{}
	bet7 := envelope{Kind: domain.EventBetPlaced, MarketID: 7}
	resolved8 := envelope{Kind: domain.EventMarketResolved, MarketID: 8}

	assert.True(t, c.wants(bet7))
	assert.True(t, c.wants(resolved8))

	c.applyFilter(filterMsg{Action: "subscribe", Markets: []uint64{7}})
	assert.True(t, c.wants(bet7))
	assert.False(t, c.wants(resolved8))

	c.applyFilter(filterMsg{Action: "subscribe", Kinds: []domain.EventKind{domain.EventMarketResolved}})
	assert.False(t, c.wants(bet7))
	assert.True(t, c.wants(resolved8))

	c.applyFilter(filterMsg{Action: "reset"})
	assert.True(t, c.wants(bet7))
}

func TestHubRelaysBusEvents(t *testing.T) {
	bus := &chanBus{ch: make(chan []byte, 4)}
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{Pattern: "events:*"})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	_, hello, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(hello), `"type":"hello"`)

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "events:*", bus.pattern)

	bus.ch <- []byte("not json")
	event := `{"kind":"bet_placed","signature":"s","slot":1,"market_id":7,"data":{}}`
	bus.ch <- []byte(event)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, got, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, event, string(got))

	cancel()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
}
