package sources

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/PeculiarLoop/m365-audit-kit/internal/logs"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/credentials"
)

// fakeGraph serves canned responses keyed by request path. A route value is a JSON body
// (string), a bare status code (int) or a handler.
type fakeGraph struct {
	t      *testing.T
	srv    *httptest.Server
	mu     sync.Mutex
	routes map[string]any
	hits   map[string]int
}

func newFakeGraph(t *testing.T, routes map[string]any) *fakeGraph {
	f := &fakeGraph{t: t, routes: routes, hits: map[string]int{}}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGraph) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.hits[r.URL.Path]++
	route, ok := f.routes[r.URL.Path]
	f.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, `{"error":{"code":"ResourceNotFound","message":"%s"}}`, r.URL.Path)
		return
	}
	switch v := route.(type) {
	case string:
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, v)
	case int:
		w.WriteHeader(v)
		fmt.Fprint(w, `{"error":{"code":"x"}}`)
	case http.HandlerFunc:
		v(w, r)
	default:
		f.t.Fatalf("bad route type %T", route)
	}
}

func (f *fakeGraph) calls(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func (f *fakeGraph) conn(kind credentials.Kind) *credentials.ConnectionHandle {
	return credentials.NewConnectionHandle(kind, "tenant-1", f.srv.URL, nil)
}

func (f *fakeGraph) options() Options {
	return Options{
		HTTPClient:        f.srv.Client(),
		Logger:            logs.Discard(),
		RetryBackoff:      time.Millisecond,
		RequestsPerSecond: 1000,
		Burst:             100,
	}
}
