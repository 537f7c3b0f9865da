package progress

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/alexjbarnes/reader-sync/internal/errors"
	"github.com/alexjbarnes/reader-sync/internal/position"
	"github.com/alexjbarnes/reader-sync/internal/state"
)

func compressed(t *testing.T, pos string) string {
	t.Helper()

	cfi, err := position.Compress(pos)
	require.NoError(t, err)

	return cfi
}

func TestClient_SignIn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/auth/token", r.URL.Path)

		var req tokenRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "alice", req.Username)
		assert.Equal(t, "reading-time", req.Password)

		json.NewEncoder(w).Encode(tokenResponse{Token: "tok-123"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client())

	token, err := c.SignIn(context.Background(), "alice", "reading-time")
	require.NoError(t, err)
	assert.Equal(t, "tok-123", token)
}

func TestClient_SignInBadCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"code":"INVALID_CREDENTIALS","message":"invalid username or password"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client())

	_, err := c.SignIn(context.Background(), "alice", "wrong")
	require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
	assert.False(t, IsTransient(err))
}

func TestClient_PushSendsCompressedPosition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/progress", r.URL.Path)
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))

		var req pushRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "book-1", req.BookID)
		assert.Equal(t, int64(1700000000000), req.Timestamp)
		assert.Equal(t, "device-aaaa", req.DeviceID)

		pos, err := position.Decompress(req.CFI)
		require.NoError(t, err)
		assert.Equal(t, "epubcfi(/6/4!/4/2)", pos)

		json.NewEncoder(w).Encode(pushResponse{Status: PushUpdated})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client())
	c.SetToken("tok-123")

	res, err := c.Push(context.Background(), state.ProgressRecord{
		BookID:    "book-1",
		Position:  "epubcfi(/6/4!/4/2)",
		UpdatedAt: 1700000000000,
		DeviceID:  "device-aaaa",
	})
	require.NoError(t, err)
	assert.Equal(t, PushUpdated, res.Status)
	assert.Nil(t, res.ServerState)
}

func TestClient_PushIgnoredDecodesServerState(t *testing.T) {
	var serverCFI string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(pushResponse{
			Status: PushIgnored,
			Reason: "hot_window",
			ServerState: &wireRecord{
				BookID:      "book-1",
				CFI:         serverCFI,
				Timestamp:   1700000005000,
				DeviceID:    "device-bbbb",
				SyncVersion: 7,
			},
		})
	}))
	defer srv.Close()

	serverCFI = compressed(t, "epubcfi(/6/8!/2)")

	c := NewClient(srv.URL, srv.Client())
	c.SetToken("tok-123")

	res, err := c.Push(context.Background(), state.ProgressRecord{
		BookID:    "book-1",
		Position:  "epubcfi(/6/4!/4/2)",
		UpdatedAt: 1700000000000,
		DeviceID:  "device-aaaa",
	})
	require.NoError(t, err)
	assert.Equal(t, PushIgnored, res.Status)
	assert.Equal(t, "hot_window", res.Reason)

	require.NotNil(t, res.ServerState)
	assert.Equal(t, "epubcfi(/6/8!/2)", res.ServerState.Position)
	assert.Equal(t, "device-bbbb", res.ServerState.DeviceID)
	assert.Equal(t, int64(7), res.ServerState.SyncVersion)
}

func TestClient_PullDecodesRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/progress", r.URL.Path)
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))

		json.NewEncoder(w).Encode([]wireRecord{
			{BookID: "book-2", CFI: compressed(t, "pos-2"), Timestamp: 200, DeviceID: "d2"},
			{BookID: "book-1", CFI: compressed(t, "pos-1"), Timestamp: 100, DeviceID: "d1"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client())
	c.SetToken("tok-123")

	records, err := c.Pull(context.Background(), 20)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "book-2", records[0].BookID)
	assert.Equal(t, "pos-2", records[0].Position)
	assert.Equal(t, "book-1", records[1].BookID)
	assert.Equal(t, "pos-1", records[1].Position)
}

func TestClient_ExpiredTokenIsInvalidTokenError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"code":"UNAUTHORIZED","message":"invalid or expired token"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client())
	c.SetToken("stale")

	_, err := c.Pull(context.Background(), 20)
	require.ErrorIs(t, err, apperrors.ErrInvalidToken)
	assert.False(t, IsTransient(err))
}

func TestClient_ServerErrorsAreTransient(t *testing.T) {
	codes := []int{
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
	}

	for _, code := range codes {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))

		c := NewClient(srv.URL, srv.Client())
		c.SetToken("tok")

		_, err := c.Pull(context.Background(), 20)
		require.Error(t, err, "status %d", code)
		assert.True(t, IsTransient(err), "status %d should be transient", code)

		srv.Close()
	}
}

func TestClient_BadRequestIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"CLOCK_SKEW","message":"timestamp too far in the future"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client())
	c.SetToken("tok")

	_, err := c.Push(context.Background(), state.ProgressRecord{
		BookID:    "book-1",
		Position:  "pos",
		UpdatedAt: 1,
		DeviceID:  "d",
	})
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "CLOCK_SKEW")
}

func TestClient_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	c := NewClient(srv.URL, nil)

	_, err := c.Pull(context.Background(), 20)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}
