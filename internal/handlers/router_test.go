package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestNewRouter_NotFoundUsesErrorEnvelope(t *testing.T) {
	router := NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/unknown", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != errorNotFoundCode {
		t.Fatalf("expected %s code, got %v", errorNotFoundCode, body["error"])
	}
}

func TestNewRouter_GroupMiddlewaresAreScoped(t *testing.T) {
	deny := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
	}
	ok := func(path string) RouteRegistrar {
		return func(r chi.Router) {
			r.Get(path, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
		}
	}

	router := NewRouter(
		WithPublicRoutes(ok("/public")),
		WithAdminRoutes(ok("/admin")),
		WithAdminMiddlewares(deny),
		WithSignalRoutes(ok("/signal")),
	)

	cases := map[string]int{
		"/api/v1/public": http.StatusOK,
		"/api/v1/admin":  http.StatusUnauthorized,
		"/api/v1/signal": http.StatusOK,
		"/healthz":       http.StatusOK,
	}
	for path, want := range cases {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != want {
			t.Fatalf("%s: expected %d, got %d", path, want, rr.Code)
		}
	}
}

func TestNewRouter_MethodNotAllowed(t *testing.T) {
	router := NewRouter()
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}
