package payments

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillmarket/skillmarket/internal/apperr"
	"github.com/skillmarket/skillmarket/internal/config"
)

func providerFor(srv *httptest.Server, retries int) *HTTPProvider {
	return NewHTTPProvider(config.PaymentsConfig{
		APIURL:     srv.URL,
		APIKey:     "key",
		Timeout:    2 * time.Second,
		MaxRetries: retries,
	})
}

func TestCreateHold_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/holds", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		w.Write([]byte(`{"hold_ref":"hold_123","status":"pending"}`))
	}))
	defer srv.Close()

	ref, err := providerFor(srv, 0).CreateHold(context.Background(), "ord-1", "buyer-1", 5000)
	require.NoError(t, err)
	assert.Equal(t, "hold_123", ref)
}

func TestCreateHold_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"hold_ref":"hold_123"}`))
	}))
	defer srv.Close()

	ref, err := providerFor(srv, 3).CreateHold(context.Background(), "ord-1", "buyer-1", 5000)
	require.NoError(t, err)
	assert.Equal(t, "hold_123", ref)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCreateHold_TerminalRejectionNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"card_invalid"}`))
	}))
	defer srv.Close()

	_, err := providerFor(srv, 3).CreateHold(context.Background(), "ord-1", "buyer-1", 5000)
	require.Error(t, err)
	assert.Equal(t, apperr.KindExternal, apperr.KindOf(err))
	assert.Equal(t, int32(1), calls.Load(), "4xx rejections must not be retried")
}

func TestCreateHold_ExhaustedRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := providerFor(srv, 2).CreateHold(context.Background(), "ord-1", "buyer-1", 5000)
	require.Error(t, err)
	assert.Equal(t, apperr.KindExternal, apperr.KindOf(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestCaptureAndVoidPaths(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := providerFor(srv, 0)
	require.NoError(t, p.CaptureHold(context.Background(), "hold_1"))
	require.NoError(t, p.VoidHold(context.Background(), "hold_1"))
	assert.Equal(t, []string{"/holds/hold_1/capture", "/holds/hold_1/void"}, paths)
}

func TestSignRoundTrip(t *testing.T) {
	body := []byte(`{"id":"evt-1"}`)
	sig := Sign("secret", body)

	h := &WebhookHandler{secret: []byte("secret")}
	assert.True(t, h.verifySignature(body, sig))
	assert.False(t, h.verifySignature([]byte(`tampered`), sig))
	assert.False(t, h.verifySignature(body, "bad"))
}
