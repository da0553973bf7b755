package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonHandler(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func TestListConversations(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /conversations", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		jsonHandler(http.StatusOK, `[
			{"id": 42, "interlocutor": {"id": "u-2", "name": "Alice", "avatarUrl": "a.png"},
			 "lastMessage": {"content": "hey", "timestamp": "2026-03-01T12:00:00Z", "senderId": "u-2"},
			 "unreadCount": 3},
			{"id": "7", "interlocutor": {"id": 9}}
		]`)(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL + "/", Token: "tok"}, nil)
	convs, err := c.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 2)

	assert.Equal(t, "42", convs[0].ID.String())
	assert.Equal(t, "Alice", convs[0].Interlocutor.Name)
	require.NotNil(t, convs[0].LastMessage)
	assert.Equal(t, "hey", convs[0].LastMessage.Content)
	assert.Equal(t, 3, convs[0].UnreadCount)
	assert.Equal(t, "9", convs[1].Interlocutor.ID.String())
	assert.Nil(t, convs[1].LastMessage)
}

func TestListMessagesFillsConversationID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /conversations/42/messages", jsonHandler(http.StatusOK, `[
		{"id": "m-1", "sender": {"id": "u-2"}, "content": "one", "timestamp": "2026-03-01T12:00:00Z"},
		{"id": "m-2", "conversationId": 42, "sender": {"id": "u-1"}, "content": "two", "timestamp": "2026-03-01T12:01:00Z", "status": "read"}
	]`))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	msgs, err := New(Options{BaseURL: srv.URL}, nil).ListMessages(context.Background(), "42")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "42", msgs[0].ConversationID.String())
	assert.Equal(t, "read", msgs[1].Status)
}

func TestCreateConversation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /conversations", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "u-5", body["targetUserId"])
		jsonHandler(http.StatusCreated, `{"id": "77", "interlocutor": {"id": "u-5", "name": "Eve"}}`)(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conv, err := New(Options{BaseURL: srv.URL}, nil).CreateConversation(context.Background(), "u-5")
	require.NoError(t, err)
	assert.Equal(t, "77", conv.ID.String())
	assert.Equal(t, "Eve", conv.Interlocutor.Name)
}

func TestErrorsAreTyped(t *testing.T) {
	tests := []struct {
		name   string
		status int
		is     error
	}{
		{"unauthorized", http.StatusUnauthorized, ErrUnauthorized},
		{"forbidden", http.StatusForbidden, ErrUnauthorized},
		{"not found", http.StatusNotFound, ErrNotFound},
		{"server error", http.StatusBadGateway, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(jsonHandler(tt.status, `{"error":"nope"}`))
			defer srv.Close()

			_, err := New(Options{BaseURL: srv.URL}, nil).ListConversations(context.Background())
			require.Error(t, err)

			var httpErr *HTTPError
			require.ErrorAs(t, err, &httpErr)
			assert.Equal(t, tt.status, httpErr.StatusCode)
			assert.Contains(t, httpErr.Body, "nope")
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			} else {
				assert.NotErrorIs(t, err, ErrUnauthorized)
			}
		})
	}
}

func TestReadsRetryServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			jsonHandler(http.StatusServiceUnavailable, `{}`)(w, r)
			return
		}
		jsonHandler(http.StatusOK, `[]`)(w, r)
	}))
	defer srv.Close()

	convs, err := New(Options{BaseURL: srv.URL, Retries: 2}, nil).ListConversations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, convs)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSetToken(t *testing.T) {
	var seen atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("Authorization"))
		jsonHandler(http.StatusOK, `[]`)(w, r)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Token: "old"}, nil)
	c.SetToken("new")
	_, err := c.ListConversations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer new", seen.Load())
}
