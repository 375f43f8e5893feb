package graph

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestGetCollection_FollowsNextLink(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "":
			assert.Equal(t, "createdDateTime ge 2024-05-01T00:00:00Z", r.URL.Query().Get("$filter"))
			fmt.Fprintf(w, `{"value":[{"id":"1"},{"id":"2"}],"@odata.nextLink":"%s/v1.0/auditLogs/signIns?page=2"}`, srv.URL)
		case "2":
			fmt.Fprint(w, `{"value":[{"id":"3"}]}`)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL+"/v1.0", WithLimiter(rate.NewLimiter(rate.Inf, 1)))
	items, err := c.GetCollection(context.Background(), "/auditLogs/signIns", url.Values{"$filter": {"createdDateTime ge 2024-05-01T00:00:00Z"}})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "3", items[2]["id"])
}

func TestDo_StatusError(t *testing.T) {
	testCases := []struct {
		name       string
		status     int
		retryAfter string
		permanent  bool
		delay      time.Duration
	}{
		{"throttled", http.StatusTooManyRequests, "7", false, 7 * time.Second},
		{"server error", http.StatusServiceUnavailable, "", false, 0},
		{"forbidden", http.StatusForbidden, "", true, 0},
		{"not found", http.StatusNotFound, "", true, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.retryAfter != "" {
					w.Header().Set("Retry-After", tc.retryAfter)
				}
				w.WriteHeader(tc.status)
				fmt.Fprint(w, `{"error":{"code":"x"}}`)
			}))
			defer srv.Close()

			c := NewClient(srv.Client(), srv.URL)
			var out map[string]any
			err := c.GetJSON(context.Background(), "/x", nil, &out)
			require.Error(t, err)

			var se *StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tc.status, se.StatusCode)
			assert.Equal(t, tc.permanent, IsPermanent(err))
			assert.Equal(t, tc.delay, RetryAfter(err))
		})
	}
}

func TestManagementClient_ListContentFollowsNextPageUri(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1.0/tenant-1/activity/feed/subscriptions/content", r.URL.Path)
		assert.Equal(t, ContentExchange, r.URL.Query().Get("contentType"))
		if r.URL.Query().Get("nextPage") == "" {
			assert.Equal(t, "2024-05-01T00:00:00", r.URL.Query().Get("startTime"))
			w.Header().Set("NextPageUri", srv.URL+r.URL.Path+"?contentType="+ContentExchange+"&nextPage=2")
			fmt.Fprintf(w, `[{"contentId":"a","contentUri":"%s/blob/a"}]`, srv.URL)
			return
		}
		fmt.Fprintf(w, `[{"contentId":"b","contentUri":"%s/blob/b"}]`, srv.URL)
	}))
	defer srv.Close()

	m := NewManagementClient(NewClient(srv.Client(), srv.URL), "tenant-1")
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	blobs, err := m.ListContent(context.Background(), ContentExchange, start, start.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, blobs, 2)
	assert.Equal(t, "b", blobs[1].ContentID)
}

func TestManagementClient_FetchContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"Id":"e1","Operation":"New-InboxRule","UserId":"bob@contoso.com","CreationTime":"2024-05-01T10:00:00"}]`)
	}))
	defer srv.Close()

	m := NewManagementClient(NewClient(srv.Client(), srv.URL), "tenant-1")
	records, err := m.FetchContent(context.Background(), srv.URL+"/blob/a")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "New-InboxRule", records[0]["Operation"])
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("garbage"))
}
