package push

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func TestHubBroadcast(t *testing.T) {
	h := NewHub()
	_, a := h.Subscribe()
	_, b := h.Subscribe()
	require.Equal(t, 2, h.Len())

	require.NoError(t, h.Broadcast(context.Background(), "actualizacion-celdas", map[string]int{"n": 1}))
	for _, ch := range []<-chan Message{a, b} {
		m := recv(t, ch)
		assert.Equal(t, "actualizacion-celdas", m.Event)
		assert.JSONEq(t, `{"n":1}`, string(m.Data))
	}
}

func TestHubSendTo(t *testing.T) {
	h := NewHub()
	ida, a := h.Subscribe()
	_, b := h.Subscribe()

	require.NoError(t, h.SendTo(ida, "areas-actualizadas", []string{"x"}))
	m := recv(t, a)
	assert.Equal(t, "areas-actualizadas", m.Event)
	select {
	case m := <-b:
		t.Fatalf("unexpected message on other connection: %v", m)
	default:
	}

	err := h.SendTo("nope", "error", nil)
	assert.ErrorIs(t, err, ErrUnknownConnection)
}

func TestHubUnsubscribe(t *testing.T) {
	h := NewHub()
	id, ch := h.Subscribe()
	h.Unsubscribe(id)
	h.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, h.Len())
	assert.ErrorIs(t, h.SendTo(id, "x", 1), ErrUnknownConnection)
}

func TestHubDropsWhenFull(t *testing.T) {
	h := NewHub()
	_, ch := h.Subscribe()
	for i := 0; i < h.buffer+5; i++ {
		h.BroadcastRaw("tick", json.RawMessage(`1`))
	}
	assert.Len(t, ch, h.buffer)
}

// readEvent：读取一条 SSE 事件（event/data 两行加空行）
func readEvent(t *testing.T, sc *bufio.Scanner) (string, string) {
	t.Helper()
	var event, data string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && event != "":
			return event, data
		}
	}
	t.Fatalf("stream ended: %v", sc.Err())
	return "", ""
}

func TestHubHandlerStreams(t *testing.T) {
	h := NewHub()
	connected := make(chan string, 1)
	ts := httptest.NewServer(h.Handler(func(ctx context.Context, id string) {
		_ = h.SendTo(id, "actualizacion-celdas", map[string]any{"todas": []string{"A"}})
		connected <- id
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	sc := bufio.NewScanner(resp.Body)
	ev, data := readEvent(t, sc)
	assert.Equal(t, EventConnected, ev)
	var hello map[string]string
	require.NoError(t, json.Unmarshal([]byte(data), &hello))
	id := <-connected
	assert.Equal(t, id, hello["id"])

	ev, data = readEvent(t, sc)
	assert.Equal(t, "actualizacion-celdas", ev)
	assert.JSONEq(t, `{"todas":["A"]}`, data)

	require.NoError(t, h.Broadcast(context.Background(), "areas-actualizadas", []int{1}))
	ev, data = readEvent(t, sc)
	assert.Equal(t, "areas-actualizadas", ev)
	assert.Equal(t, "[1]", data)

	cancel()
	assert.Eventually(t, func() bool { return h.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}
