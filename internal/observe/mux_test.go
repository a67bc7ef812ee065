package observe

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTrimMethod(t *testing.T) {
	tests := []struct {
		name     string
		pattern  string
		expected string
	}{
		{
			name:     "GET method with path",
			pattern:  "GET /apps/{appID}/token",
			expected: "/apps/{appID}/token",
		},
		{
			name:     "POST method with path",
			pattern:  "POST /apps/{appID}/tickets/{kind}/refresh",
			expected: "/apps/{appID}/tickets/{kind}/refresh",
		},
		{
			name:     "DELETE method with path",
			pattern:  "DELETE /apps/wx1",
			expected: "/apps/wx1",
		},
		{
			name:     "path without method",
			pattern:  "/healthcheck",
			expected: "/healthcheck",
		},
		{
			name:     "path with invalid method prefix",
			pattern:  "INVALID /path",
			expected: "INVALID /path",
		},
		{
			name:     "lowercase method not stripped",
			pattern:  "get /test",
			expected: "get /test",
		},
		{
			name:     "empty string",
			pattern:  "",
			expected: "",
		},
		{
			name:     "method without trailing space",
			pattern:  "GET",
			expected: "GET",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := TrimMethod(tt.pattern)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestRouteWildcards(t *testing.T) {
	tests := []struct {
		route    string
		expected []string
	}{
		{"/healthcheck", nil},
		{"/apps/{appID}/token", []string{"appID"}},
		{"/apps/{appID}/tickets/{kind}", []string{"appID", "kind"}},
		{"/files/{path...}", []string{"path"}},
		{"/{$}", nil},
	}

	for _, tt := range tests {
		t.Run(tt.route, func(t *testing.T) {
			assert.Equal(t, tt.expected, RouteWildcards(tt.route))
		})
	}
}

func TestRouteAttributes(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/apps/wx1/tickets/jsapi", nil)
	r.SetPathValue("appID", "wx1")
	r.SetPathValue("kind", "jsapi")
	r.SetPathValue("other", "ignored")

	attrs := RouteAttributes("/apps/{appID}/tickets/{kind}", []string{"appID", "kind", "other"}, r)

	assert.Equal(t, []attribute.KeyValue{
		attribute.String("http.route", "/apps/{appID}/tickets/{kind}"),
		attribute.String("wechat.app_id", "wx1"),
		attribute.String("wechat.ticket_kind", "jsapi"),
	}, attrs)
}

func TestMux_TagsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	mux := NewMux(http.NewServeMux())
	mux.Handle("GET /apps/{appID}/token", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/apps/wx1/token", nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Contains(t, spans[0].Attributes(), attribute.String("wechat.app_id", "wx1"))
	assert.Contains(t, spans[0].Attributes(), attribute.String("http.route", "/apps/{appID}/token"))
}
