package confirm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfleet/openfleet/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestCheckActiveTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/dashboard/tasks/t1", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-Agent-Token"))
		w.Write([]byte(`{"id":"t1","cancelled":false}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", testLogger(t))
	assert.Equal(t, Proceed, c.Check(context.Background(), "t1"))
}

func TestCheckCancelledTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"t1","cancelled":true}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", testLogger(t))
	assert.Equal(t, Cancelled, c.Check(context.Background(), "t1"))
}

func TestCheckDeletedTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", testLogger(t))
	assert.Equal(t, Cancelled, c.Check(context.Background(), "t1"))
}

func TestCheckServerErrorProceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", testLogger(t))
	assert.Equal(t, Proceed, c.Check(context.Background(), "t1"))
}

func TestCheckUnreachableProceeds(t *testing.T) {
	c := New("http://127.0.0.1:1", "secret", testLogger(t))
	assert.Equal(t, Proceed, c.Check(context.Background(), "t1"))
}

func TestSetBaseURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"cancelled":true}`))
	}))
	defer srv.Close()

	c := New("http://127.0.0.1:1", "secret", testLogger(t))
	c.SetBaseURL(srv.URL)
	assert.Equal(t, Cancelled, c.Check(context.Background(), "t1"))
}
