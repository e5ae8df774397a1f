package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/relaycache/internal/entity"
)

func TestRESTSourcePagesAndSendsKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/users" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("apikey") != "anon" || r.Header.Get("Authorization") != "Bearer anon" {
			t.Errorf("expected api key headers, got %v", r.Header)
		}
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		w.Header().Set("Content-Type", "application/json")
		switch offset {
		case 0:
			_, _ = w.Write([]byte(`[{"id":1},{"id":2}]`))
		case 2:
			_, _ = w.Write([]byte(`[{"id":3}]`))
		default:
			_, _ = w.Write([]byte(`[]`))
		}
	}))
	defer server.Close()

	src := NewRESTSource(server.URL, "anon", nil, server.Client())
	src.pageSize = 2
	rows, err := src.Fetch(context.Background(), entity.KindUser)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows across pages, got %d", len(rows))
	}
}

func TestRESTSourceRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[{"id":"c1"}]`))
	}))
	defer server.Close()

	src := NewRESTSource(server.URL, "", nil, server.Client())
	src.baseDelay = time.Millisecond
	rows, err := src.Fetch(context.Background(), entity.KindClient)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(rows) != 1 || calls.Load() != 2 {
		t.Fatalf("expected one row after one retry, got %d rows and %d calls", len(rows), calls.Load())
	}
}

func TestRESTSourceReturnsHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = fmt.Fprint(w, `{"code":"PGRST301","message":"JWT expired"}`)
	}))
	defer server.Close()

	_, err := NewRESTSource(server.URL, "", nil, server.Client()).Fetch(context.Background(), entity.KindTask)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected *HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusUnauthorized || httpErr.Code != "PGRST301" {
		t.Fatalf("unexpected http error: %+v", httpErr)
	}
}

func TestRetryDelayHonorsRetryAfterAndCap(t *testing.T) {
	src := NewRESTSource("", "", nil, nil)
	if got := src.retryDelay(1, "1"); got != time.Second {
		t.Fatalf("expected 1s from Retry-After, got %v", got)
	}
	if got := src.retryDelay(1, "60"); got != src.maxDelay {
		t.Fatalf("expected cap %v, got %v", src.maxDelay, got)
	}
	if got := src.retryDelay(3, ""); got != 400*time.Millisecond {
		t.Fatalf("expected 400ms on third attempt, got %v", got)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("3"); got != 3*time.Second {
		t.Fatalf("expected 3s, got %v", got)
	}
	if got := parseRetryAfter("soon"); got != 0 {
		t.Fatalf("expected 0 for invalid header, got %v", got)
	}
}
