package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/loglimit/internal/logapi"
	"github.com/linnemanlabs/loglimit/internal/postgres"
)

const (
	healthyPath = "/-/healthy"
	readyPath   = "/-/ready"
)

// apiHandlerOptions carries what the public router needs from main.
type apiHandlerOptions struct {
	Logger           log.Logger
	API              *logapi.API
	Healthz, Readyz  http.HandlerFunc
	MetricsMW        func(http.Handler) http.Handler
	TrustedProxyHops int
}

// newAPIHandler builds the public router and its middleware chain. Each
// wrapper added below runs before the ones added above it.
func newAPIHandler(o apiHandlerOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(withDBMethod)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(64 << 10)) // log records are tiny

	r.Get(healthyPath, o.Healthz)
	r.Get(readyPath, o.Readyz)
	o.API.RegisterRoutes(r)

	var h http.Handler = r
	h = httpmw.WithLogger(o.Logger)(h)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != healthyPath && r.URL.Path != readyPath
		}),
		// AnnotateHTTPRoute swaps in the chi pattern once routing is done
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)
	if o.MetricsMW != nil {
		h = o.MetricsMW(h)
	}
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{TrustedHops: o.TrustedProxyHops})(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(o.Logger, nil)(h)
	h = httpmw.SecurityHeaders(h)
	return h
}

// withDBMethod tags the request context so DB query metrics carry the method.
func withDBMethod(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		next.ServeHTTP(w, req.WithContext(postgres.WithHTTPMethod(req.Context(), req.Method)))
	})
}
