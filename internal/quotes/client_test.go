package quotes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestFetchQuotes_Batches(t *testing.T) {
	var requests []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/quotes" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("X-API-Key"); got != "secret" {
			t.Errorf("X-API-Key = %q, want secret", got)
		}
		symbols := r.URL.Query().Get("symbols")
		requests = append(requests, symbols)

		var resp []map[string]interface{}
		for _, s := range strings.Split(symbols, ",") {
			resp = append(resp, map[string]interface{}{
				"symbol":           strings.ToLower(s),
				"name":             s + " Ltd",
				"sector":           "Materials",
				"price":            10.5,
				"previousClose":    10,
				"fiftyTwoWeekHigh": 12,
				"fiftyTwoWeekLow":  8,
			})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL + "/", APIKey: "secret", BatchSize: 2})
	quotes, err := c.FetchQuotes(context.Background(), []string{"bhp", "CBA", " BHP ", "RIO", ""})
	if err != nil {
		t.Fatalf("FetchQuotes failed: %v", err)
	}

	if len(requests) != 2 {
		t.Fatalf("Expected 2 requests, got %d: %v", len(requests), requests)
	}
	if requests[0] != "BHP,CBA" || requests[1] != "RIO" {
		t.Errorf("Unexpected batches: %v", requests)
	}
	if len(quotes) != 3 {
		t.Fatalf("Expected 3 quotes, got %d", len(quotes))
	}

	q := quotes[0]
	if q.Symbol != "BHP" || q.Name != "BHP Ltd" || q.Price != 10.5 || q.PreviousClose != 10 {
		t.Errorf("Unexpected quote: %+v", q)
	}
	if q.High52 != 12 || q.Low52 != 8 {
		t.Errorf("Expected 52-week range 8..12, got %v..%v", q.Low52, q.High52)
	}
}

func TestFetchQuotes_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[{"symbol":"BHP","price":45}]`))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, MaxRetries: 3, RetryDelayBase: time.Millisecond})
	quotes, err := c.FetchQuotes(context.Background(), []string{"BHP"})
	if err != nil {
		t.Fatalf("FetchQuotes failed: %v", err)
	}
	if len(quotes) != 1 || quotes[0].Price != 45 {
		t.Errorf("Unexpected quotes: %+v", quotes)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestFetchQuotes_GivesUp(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, MaxRetries: 2, RetryDelayBase: time.Millisecond})
	if _, err := c.FetchQuotes(context.Background(), []string{"BHP"}); err == nil {
		t.Fatal("Expected error after retries")
	}
	if calls != 2 {
		t.Errorf("Expected 2 calls, got %d", calls)
	}
}

func TestFetchQuotes_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, RetryDelayBase: time.Millisecond})
	if _, err := c.FetchQuotes(context.Background(), []string{"BHP"}); err == nil {
		t.Fatal("Expected error for 401")
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestFetchQuotes_Empty(t *testing.T) {
	c := NewClient(Options{BaseURL: "http://127.0.0.1:1"})
	quotes, err := c.FetchQuotes(context.Background(), nil)
	if err != nil {
		t.Fatalf("FetchQuotes failed: %v", err)
	}
	if len(quotes) != 0 {
		t.Errorf("Expected no quotes, got %d", len(quotes))
	}
}
