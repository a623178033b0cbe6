package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogin(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/login", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"token":"tok","userId":7,"role":"STUDENT"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL)
	id, err := client.Login(context.Background(), "sam", "secret")
	require.NoError(t, err)
	assert.Equal(t, "7", id.UserID)
	assert.Equal(t, "tok", id.Token)
	assert.EqualValues(t, "STUDENT", id.Role)

	_, err = client.Login(context.Background(), "sam", "wrong")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestGetMessages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rooms/R1/messages", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "50", r.URL.Query().Get("pageSize"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"messages":[{"id":12,"senderId":3,"content":"hi","createdAt":"2026-03-01T09:00:00Z","read":true}]}`))
	}))
	defer server.Close()

	msgs, err := NewClient(server.URL).WithToken("tok").GetMessages(context.Background(), "R1", 2, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "12", msgs[0].ID)
	assert.Equal(t, "3", msgs[0].SenderID)
	assert.Equal(t, "R1", msgs[0].RoomID)
	assert.True(t, msgs[0].Read)
}

func TestGetHistoryConcatenatesPagesInOrder(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		page := r.URL.Query().Get("page")
		_, _ = w.Write([]byte(`{"messages":[{"id":"p` + page + `"}]}`))
	}))
	defer server.Close()

	msgs, err := NewClient(server.URL).GetHistory(context.Background(), "R1", 3, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "p1", msgs[0].ID)
	assert.Equal(t, "p2", msgs[1].ID)
	assert.Equal(t, "p3", msgs[2].ID)
	assert.EqualValues(t, 3, calls.Load())
}

func TestGetHistoryPropagatesErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"database unavailable"}`))
			return
		}
		_, _ = w.Write([]byte(`{"messages":[]}`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL).GetHistory(context.Background(), "R1", 3, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database unavailable")
}

func TestUpload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/uploads", r.URL.Path)
		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		assert.Equal(t, "notes.pdf", header.Filename)
		assert.Equal(t, "pdf-bytes", string(data))
		_, _ = w.Write([]byte(`{"url":"https://cdn.test/notes.pdf"}`))
	}))
	defer server.Close()

	url, err := NewClient(server.URL).Upload(context.Background(), "/tmp/notes.pdf", strings.NewReader("pdf-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/notes.pdf", url)
}

func TestHTTPBaseFromSocketURL(t *testing.T) {
	cases := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "ws://localhost:8080/ws", want: "http://localhost:8080"},
		{in: "wss://chat.example.com/socket?x=1", want: "https://chat.example.com"},
		{in: "ftp://nope", wantErr: true},
	}
	for _, tc := range cases {
		got, err := HTTPBaseFromSocketURL(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}
}

func signed(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "7",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestInspectToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	assert.NoError(t, InspectToken(signed(t, now.Add(time.Hour)), now))
	assert.True(t, errors.Is(InspectToken(signed(t, now.Add(-time.Minute)), now), ErrTokenExpired))
	assert.NoError(t, InspectToken("opaque-session-token", now))

	expiry, ok := TokenExpiry(signed(t, now.Add(time.Hour)))
	require.True(t, ok)
	assert.True(t, expiry.Equal(now.Add(time.Hour)))
}
