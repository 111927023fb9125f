package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storf/internal/events"
	"storf/internal/models"
)

func newServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws", HandleJobEvents(hub))
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type string       `json:"type"`
		Data events.Event `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, MessageJobUpdate, msg.Type)
	return msg.Data
}

func TestHub_FiltersByJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub()
	go hub.Run(ctx)
	srv := newServer(t, hub)

	watched, other := uuid.NewString(), uuid.NewString()
	filtered := dial(t, srv, "?job="+watched)
	all := dial(t, srv, "")
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, 5*time.Second, 10*time.Millisecond)

	hub.Publish(events.Event{JobID: other, State: models.JobRunning, Progress: 10})
	hub.Publish(events.Event{JobID: watched, State: models.JobRunning, Progress: 20})

	ev := readEvent(t, filtered)
	assert.Equal(t, watched, ev.JobID)
	assert.Equal(t, 20, ev.Progress)

	assert.Equal(t, other, readEvent(t, all).JobID)
	assert.Equal(t, watched, readEvent(t, all).JobID)
}

func TestHub_ForwardsBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub()
	go hub.Run(ctx)
	srv := newServer(t, hub)

	bus := events.NewLocalBus()
	defer bus.Close()
	go func() { _ = hub.Forward(ctx, bus) }()

	id := uuid.NewString()
	conn := dial(t, srv, "?job="+id)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	// The forwarder subscribes asynchronously; publish until it is seen.
	got := make(chan []byte, 1)
	go func() {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, data, err := conn.ReadMessage(); err == nil {
			got <- data
		}
	}()
	require.Eventually(t, func() bool {
		_ = bus.Publish(ctx, events.Event{JobID: id, State: models.JobCompleted, Progress: 100})
		select {
		case data := <-got:
			return strings.Contains(string(data), `"state":"completed"`)
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)
}

func TestHub_DisconnectUnregisters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub()
	go hub.Run(ctx)
	srv := newServer(t, hub)

	conn := dial(t, srv, "")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestHandleJobEvents_InvalidJob(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws", HandleJobEvents(NewHub()))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws?job=../../etc", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
