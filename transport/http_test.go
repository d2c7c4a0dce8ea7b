package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cgb808/zenglow-sensorbuf/sensorbuf"
)

func sampleReadings() []sensorbuf.Reading {
	return []sensorbuf.Reading{
		{ID: 1, SubjectID: "child-1", SensorKind: "heart_rate", Value: 72, Quality: 90, Timestamp: time.UnixMilli(1000)},
		{ID: 2, SubjectID: "child-1", SensorKind: "heart_rate", Value: 75, Quality: 85, Timestamp: time.UnixMilli(2000)},
	}
}

func TestHTTPAdapterPostsBatch(t *testing.T) {
	var gotAuth string
	var gotBody []wireReading
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/readings", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	token := func(context.Context) (string, error) { return "test-token", nil }
	adapter := NewHTTPAdapter(srv.URL, token, nil)

	n, err := adapter.SendBatch(context.Background(), sampleReadings())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.Equal(t, "Bearer test-token", gotAuth)
	require.Len(t, gotBody, 2)
	require.Equal(t, "child-1", gotBody[0].SubjectID)
	require.Equal(t, "heart_rate", gotBody[0].SensorType)
	require.Equal(t, 72.0, gotBody[0].Value)
	require.Equal(t, 90, gotBody[0].Quality)
	require.Equal(t, int64(1000), gotBody[0].Timestamp)
}

func TestHTTPAdapterMapsNon2xxToError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	adapter := NewHTTPAdapter(srv.URL, nil, nil)
	n, err := adapter.SendBatch(context.Background(), sampleReadings())
	require.Error(t, err)
	require.Zero(t, n)
	require.Contains(t, err.Error(), "429")
}

func TestHTTPAdapterEmptyBatchNoCall(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
	}))
	defer srv.Close()

	adapter := NewHTTPAdapter(srv.URL, nil, nil)
	n, err := adapter.SendBatch(context.Background(), nil)
	require.NoError(t, err)
	require.Zero(t, n)
	require.False(t, called)
}

func TestHTTPAdapterTokenFailure(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
	}))
	defer srv.Close()

	token := func(context.Context) (string, error) { return "", context.DeadlineExceeded }
	adapter := NewHTTPAdapter(srv.URL, token, nil)
	_, err := adapter.SendBatch(context.Background(), sampleReadings())
	require.Error(t, err)
	require.False(t, called, "no request without a token")
}
