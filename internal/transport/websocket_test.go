package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestWebsocketDialerRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "secret" || r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	conn, err := NewWebsocketDialer(time.Second).Dial(context.Background(), wsURL(srv), "secret")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteFrame([]byte(`{"type":"ping"}`)))
	require.NoError(t, conn.Ping())
	got, err := conn.ReadFrame()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping"}`, string(got))
}

func TestWebsocketDialerHandshakeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewWebsocketDialer(0).Dial(context.Background(), wsURL(srv), "bad")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthRejected)
}

func TestWebsocketDialerServerErrorIsNotAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewWebsocketDialer(0).Dial(context.Background(), wsURL(srv), "tok")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAuthRejected)
}

func TestWebsocketAuthCloseCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		msg := websocket.FormatCloseMessage(4401, "token expired")
		ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		ws.ReadMessage()
	}))
	defer srv.Close()

	conn, err := NewWebsocketDialer(0).Dial(context.Background(), wsURL(srv), "tok")
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.ReadFrame()
	assert.ErrorIs(t, err, ErrAuthRejected)
}

func TestWebsocketNormalCloseIsNotAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart")
		ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		ws.ReadMessage()
	}))
	defer srv.Close()

	conn, err := NewWebsocketDialer(0).Dial(context.Background(), wsURL(srv), "tok")
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.ReadFrame()
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAuthRejected)
}
