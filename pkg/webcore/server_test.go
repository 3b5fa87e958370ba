package webcore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// JSON helpers
// ---------------------------------------------------------------------------

func TestJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	JSON(rec, http.StatusOK, map[string]string{"key": "value"})

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %s", ct)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to unmarshal body: %v", err)
	}
	if body["key"] != "value" {
		t.Errorf("expected key=value, got %+v", body)
	}
}

func TestJSONNilBody(t *testing.T) {
	rec := httptest.NewRecorder()
	JSON(rec, http.StatusNoContent, nil)
	if rec.Body.Len() != 0 {
		t.Errorf("expected empty body, got %s", rec.Body.String())
	}
}

func TestErrorReason(t *testing.T) {
	rec := httptest.NewRecorder()
	ErrorReason(rec, http.StatusUnprocessableEntity, "insufficient_points", "not enough points")

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	errObj, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error object, got %+v", body)
	}
	if errObj["reason"] != "insufficient_points" {
		t.Errorf("expected reason, got %v", errObj["reason"])
	}
	if errObj["type"] != "Unprocessable Entity" {
		t.Errorf("expected type 'Unprocessable Entity', got %v", errObj["type"])
	}
	if int(errObj["code"].(float64)) != 422 {
		t.Errorf("expected code 422, got %v", errObj["code"])
	}
}

func TestErrorOmitsEmptyReason(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, http.StatusNotFound, "resource not found")

	var body map[string]map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if _, ok := body["error"]["reason"]; ok {
		t.Error("expected no reason key")
	}
}

func TestErrorWithDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	ErrorWithDetail(rec, http.StatusConflict, "discount_mismatch", "discount changed", map[string]int{"discount_cents": 250})

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	detail, ok := body["detail"].(map[string]any)
	if !ok || detail["discount_cents"] != float64(250) {
		t.Errorf("unexpected detail: %+v", body["detail"])
	}
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	var v struct {
		Name string `json:"name"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a","extra":1}`))
	if err := DecodeJSON(req, &v); err == nil {
		t.Error("expected error for unknown field")
	}
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a"}`))
	if err := DecodeJSON(req, &v); err != nil || v.Name != "a" {
		t.Errorf("unexpected decode result: %v %+v", err, v)
	}
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

func TestNewAppliesDefaults(t *testing.T) {
	s := New(&Config{Name: "test"}, quietLogger())
	if s.Config.Addr != ":8080" {
		t.Errorf("expected default addr, got %q", s.Config.Addr)
	}
	if s.Config.ShutdownTimeout != 10*time.Second {
		t.Errorf("expected default shutdown timeout, got %v", s.Config.ShutdownTimeout)
	}
	if s.Middleware() == nil {
		t.Error("expected middleware")
	}
}

func TestServerServeHTTPUsesRouter(t *testing.T) {
	s := New(&Config{Name: "test"}, quietLogger())
	s.Router.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"pong": "ok"})
	})

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	entries := s.Middleware().ReqLog.Entries()
	if len(entries) != 1 || entries[0].RequestID == "" {
		t.Errorf("expected request to be logged with a request id, got %+v", entries)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	s := New(&Config{Name: "test", Addr: "127.0.0.1:0", ShutdownTimeout: time.Second}, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
