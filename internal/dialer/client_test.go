package dialer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClient_SubmitPerItemResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/campaigns/c1/calls" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("missing api key")
		}
		var req submitRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.QueueItemIDs) != 2 {
			t.Errorf("expected 2 items, got %d", len(req.QueueItemIDs))
		}
		_ = json.NewEncoder(w).Encode(submitResponse{Results: []SubmitResult{
			{QueueItemID: "q1", Status: "ok"},
			{QueueItemID: "q2", Status: "error", Error: "invalid number"},
		}})
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL + "/", APIKey: "k"})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	res, err := c.Submit(context.Background(), "c1", []string{"l1", "l2"}, []string{"q1", "q2"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(res) != 2 || !res[0].OK() || res[1].OK() || res[1].Error != "invalid number" {
		t.Fatalf("unexpected results %+v", res)
	}
}

func TestClient_WindowExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(errorResponse{Code: "WINDOW_EXPIRED", Message: "outside calling hours"})
	}))
	defer srv.Close()

	c, _ := NewClient(Config{BaseURL: srv.URL})
	_, err := c.Submit(context.Background(), "c1", []string{"l1"}, []string{"q1"})
	if !errors.Is(err, ErrWindowExpired) {
		t.Fatalf("expected ErrWindowExpired, got %v", err)
	}
}

func TestClient_ConflictWithoutCodeIsWindowExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte("outside calling hours"))
	}))
	defer srv.Close()

	c, _ := NewClient(Config{BaseURL: srv.URL})
	_, err := c.Submit(context.Background(), "c1", []string{"l1"}, []string{"q1"})
	if !errors.Is(err, ErrWindowExpired) {
		t.Fatalf("expected ErrWindowExpired, got %v", err)
	}
}

func TestClient_OtherFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := NewClient(Config{BaseURL: srv.URL})
	_, err := c.Submit(context.Background(), "c1", []string{"l1"}, []string{"q1"})
	if err == nil || errors.Is(err, ErrWindowExpired) {
		t.Fatalf("expected generic error, got %v", err)
	}
}

func TestClient_MismatchedIDs(t *testing.T) {
	c, _ := NewClient(Config{BaseURL: "http://dialer.invalid"})
	if _, err := c.Submit(context.Background(), "c1", []string{"l1"}, nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error")
	}
}
