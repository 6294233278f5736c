package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"dmserver/internal/metrics"
	"dmserver/internal/tracing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bufferedLogger(level logrus.Level) (*logrus.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(level)
	return logger, &buf
}

func TestObservabilityMiddleware(t *testing.T) {
	logger, logBuffer := bufferedLogger(logrus.DebugLevel)

	var seenRequestID string
	handler := ObservabilityMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenRequestID = tracing.GetRequestID(r.Context())
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("test response"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/observability-test", nil)
	req.Header.Set("User-Agent", "test-agent")
	req.RemoteAddr = "192.168.1.100:12345"
	w := httptest.NewRecorder()

	before := metrics.GetRegistry().CounterValue("http_requests_total", map[string]string{
		"method": http.MethodGet, "endpoint": "/observability-test",
	})

	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	require.NotEmpty(t, seenRequestID)
	assert.Equal(t, seenRequestID, w.Header().Get("X-Request-ID"))

	after := metrics.GetRegistry().CounterValue("http_requests_total", map[string]string{
		"method": http.MethodGet, "endpoint": "/observability-test",
	})
	assert.Equal(t, before+1, after)

	snapshot := metrics.GetSnapshot()
	found := false
	for key := range snapshot.Timers {
		if strings.Contains(key, "http_request_duration") && strings.Contains(key, "/observability-test") {
			found = true
			break
		}
	}
	assert.True(t, found, "expected http_request_duration timer")

	logOutput := logBuffer.String()
	assert.Contains(t, logOutput, "HTTP request started")
	assert.Contains(t, logOutput, "HTTP request completed")
	assert.Contains(t, logOutput, `"request_id"`)
	assert.Contains(t, logOutput, `"remote_ip":"192.168.1.100"`)
}

func TestObservabilityMiddleware_KeepsIncomingRequestID(t *testing.T) {
	logger, _ := bufferedLogger(logrus.FatalLevel)

	handler := ObservabilityMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "req-from-proxy", tracing.GetRequestID(r.Context()))
	}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-ID", "req-from-proxy")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, "req-from-proxy", w.Header().Get("X-Request-ID"))
}

func TestObservabilityMiddleware_LogLevelByStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		level  string
	}{
		{"success", http.StatusOK, `"level":"info"`},
		{"client error", http.StatusConflict, `"level":"warning"`},
		{"server error", http.StatusServiceUnavailable, `"level":"error"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, logBuffer := bufferedLogger(logrus.InfoLevel)

			handler := ObservabilityMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/status", nil))

			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, logBuffer.String(), tt.level)
		})
	}
}

func TestObservabilityMiddleware_UsesRouteTemplate(t *testing.T) {
	logger, logBuffer := bufferedLogger(logrus.InfoLevel)

	router := mux.NewRouter()
	router.Use(ObservabilityMiddleware(logger))
	router.HandleFunc("/api/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/messages/msg-secret-123", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
	out := logBuffer.String()
	assert.Contains(t, out, "/api/messages/{id}")
	assert.NotContains(t, out, "msg-secret-123")
}

func TestResponseWrapper_FirstStatusWins(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWrapper{ResponseWriter: rec, statusCode: http.StatusOK}

	rw.WriteHeader(http.StatusCreated)
	rw.WriteHeader(http.StatusInternalServerError)
	n, err := rw.Write([]byte("hello"))

	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, http.StatusCreated, rw.statusCode)
	assert.Equal(t, int64(5), rw.responseSize)
	assert.Equal(t, rec, rw.Unwrap())
}

func TestResponseWrapper_HijackUnsupported(t *testing.T) {
	rw := &responseWrapper{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	assert.Error(t, err)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		expected   string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"}, "10.0.0.2:1234", "203.0.113.5"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.7"}, "10.0.0.2:1234", "198.51.100.7"},
		{"remote addr", nil, "192.0.2.1:5555", "192.0.2.1"},
		{"ipv6 remote addr", nil, "[2001:db8::1]:443", "2001:db8::1"},
		{"remote addr without port", nil, "192.0.2.9", "192.0.2.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.expected, ClientIP(req))
		})
	}
}

func TestUserID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?user=bob", nil)
	assert.Equal(t, "bob", UserID(req))

	req.Header.Set(UserIDHeader, " alice ")
	assert.Equal(t, "alice", UserID(req))

	assert.Empty(t, UserID(httptest.NewRequest(http.MethodGet, "/", nil)))
}

func decodeError(t *testing.T, body *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(body.Bytes(), &out))
	return out
}
