package observe

import (
	"net/http"
	"slices"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Path values copied onto the request span when a route declares them.
var pathAttributes = map[string]attribute.Key{
	"appID": "wechat.app_id",
	"kind":  "wechat.ticket_kind",
}

type Multiplexer interface {
	Handle(pattern string, handler http.Handler)
	http.Handler
}

// Mux registers every route with an OTel handler named after the route
// pattern.
type Mux struct {
	wrapped Multiplexer
}

func NewMux(wrapped Multiplexer) *Mux {
	return &Mux{
		wrapped: wrapped,
	}
}

func (mux *Mux) Handle(pattern string, handler http.Handler) {
	route := TrimMethod(pattern)

	taggedHandler := otelhttp.NewHandler(
		tagRoute(route, handler),
		route,
	)

	mux.wrapped.Handle(pattern, taggedHandler)
}

func (mux *Mux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux.wrapped.ServeHTTP(w, r)
}

// tagRoute adds the route and the app and ticket kind path values to the
// span started by otelhttp.
func tagRoute(route string, next http.Handler) http.Handler {
	wildcards := RouteWildcards(route)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		span := trace.SpanFromContext(r.Context())
		if span.IsRecording() {
			span.SetAttributes(RouteAttributes(route, wildcards, r)...)
		}

		next.ServeHTTP(w, r)
	})
}

// RouteAttributes returns the span attributes for a request matched by
// route.
func RouteAttributes(route string, wildcards []string, r *http.Request) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("http.route", route)}

	for _, name := range wildcards {
		key, ok := pathAttributes[name]
		if !ok {
			continue
		}
		if value := r.PathValue(name); value != "" {
			attrs = append(attrs, key.String(value))
		}
	}

	return attrs
}

// RouteWildcards lists the wildcard names in a route, in order.
func RouteWildcards(route string) []string {
	var names []string

	for segment := range strings.SplitSeq(route, "/") {
		name, ok := strings.CutPrefix(segment, "{")
		if !ok {
			continue
		}
		name = strings.TrimSuffix(name, "}")
		name = strings.TrimSuffix(name, "...")
		if name != "" && name != "$" {
			names = append(names, name)
		}
	}

	return names
}

var methods = []string{
	http.MethodConnect,
	http.MethodDelete,
	http.MethodGet,
	http.MethodHead,
	http.MethodOptions,
	http.MethodPatch,
	http.MethodPost,
	http.MethodPut,
	http.MethodTrace,
}

func TrimMethod(pattern string) string {
	method, resource, hasMethod := strings.Cut(pattern, " ")
	if hasMethod && slices.Contains(methods, method) {
		return resource
	}
	return pattern
}
