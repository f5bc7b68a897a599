package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"userdeck.org/internal/obs"
)

// instrumentedTransport stamps every request with an X-Request-ID and
// records latency and status per canonical endpoint.
type instrumentedTransport struct {
	next http.RoundTripper
}

func newInstrumentedTransport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &instrumentedTransport{next: next}
}

func (t *instrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("X-Request-ID") == "" {
		req.Header.Set("X-Request-ID", uuid.NewString())
	}

	endpoint := req.Method + " " + canonicalPath(req.URL.Path)
	start := time.Now()
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		obs.ObserveAPIRequest(endpoint, 0, time.Since(start))
		return nil, err
	}
	obs.ObserveAPIRequest(endpoint, resp.StatusCode, time.Since(start))
	return resp, nil
}

// canonicalPath collapses identifier segments so metrics stay low
// cardinality: /users/<id> and /users/<id>/role share one label.
func canonicalPath(path string) string {
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	if len(parts) >= 3 && parts[1] == "users" && parts[2] != "" {
		parts[2] = ":id"
	}
	return strings.Join(parts, "/")
}
