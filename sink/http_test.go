package sink

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soumyarai2050/tailpipe/batch"
)

func TestHTTPSinkSendSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewHTTPSink(Config{Endpoint: srv.URL})
	err := s.Send(context.Background(), []batch.Record{batch.NewRecord("hi")})
	require.NoError(t, err)
}

func TestHTTPSinkSendPartialMiss(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(207)
		_, _ = w.Write([]byte(`objects with ids: {1, 2} out of requested 3`))
	}))
	defer srv.Close()

	s := NewHTTPSink(Config{Endpoint: srv.URL})
	err := s.Send(context.Background(), []batch.Record{batch.NewRecord("hi")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "objects with ids")
}

func TestHTTPSinkSendConnectionRefused(t *testing.T) {
	s := NewHTTPSink(Config{Endpoint: "http://127.0.0.1:1"})
	err := s.Send(context.Background(), []batch.Record{batch.NewRecord("hi")})
	require.Error(t, err)
	var cr *batch.ConnectionRefusedError
	assert.ErrorAs(t, err, &cr)
}

func TestHTTPSinkSendOtherError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	s := NewHTTPSink(Config{Endpoint: srv.URL})
	err := s.Send(context.Background(), []batch.Record{batch.NewRecord("hi")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}
