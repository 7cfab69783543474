package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/certhub/threatpipe/pkg/logger"
)

func testServer() *Server {
	log := logger.New(logger.Config{Level: "error", Output: io.Discard})
	return New("testcomponent", ":0", log)
}

func TestHealthzAlwaysOK(t *testing.T) {
	s := testServer()
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["component"] != "testcomponent" || body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestReadyzReflectsCheckResults(t *testing.T) {
	s := testServer()
	s.Register("broker", func(ctx context.Context) error { return nil })
	s.Register("database", func(ctx context.Context) error { return fmt.Errorf("gone away") })

	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 with one failing check", rec.Code)
	}
	var body struct {
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Checks["broker"] != "ok" {
		t.Errorf("broker check = %q", body.Checks["broker"])
	}
	if body.Checks["database"] != "gone away" {
		t.Errorf("database check = %q", body.Checks["database"])
	}
}

func TestReadyzAllHealthy(t *testing.T) {
	s := testServer()
	s.Register("broker", func(ctx context.Context) error { return nil })

	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
