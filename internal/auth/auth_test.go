package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

var secret = []byte("test-secret")

func protectedApp() *echo.Echo {
	e := echo.New()
	g := e.Group("/api")
	g.Use(EchoMiddleware(secret))
	g.GET("/me", func(c echo.Context) error {
		return c.String(http.StatusOK, c.Get("user_id").(string))
	})
	return e
}

func TestMiddlewareAcceptsBearerToken(t *testing.T) {
	tok, err := SignJWT("user-1", secret, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	protectedApp().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "user-1" {
		t.Fatalf("code=%d body=%q", rec.Code, rec.Body.String())
	}
}

func TestMiddlewareAcceptsCookie(t *testing.T) {
	tok, _ := SignJWT("user-2", secret, time.Hour)
	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.AddCookie(&http.Cookie{Name: "auth", Value: tok})
	rec := httptest.NewRecorder()
	protectedApp().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestMiddlewareRejectsMissingAndBadTokens(t *testing.T) {
	for name, build := range map[string]func(*http.Request){
		"missing": func(r *http.Request) {},
		"garbage": func(r *http.Request) { r.Header.Set("Authorization", "Bearer not-a-token") },
		"wrong key": func(r *http.Request) {
			tok, _ := SignJWT("user-3", []byte("other-secret"), time.Hour)
			r.Header.Set("Authorization", "Bearer "+tok)
		},
		"expired": func(r *http.Request) {
			tok, _ := SignJWT("user-4", secret, -time.Minute)
			r.Header.Set("Authorization", "Bearer "+tok)
		},
	} {
		req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
		build(req)
		rec := httptest.NewRecorder()
		protectedApp().ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: code = %d, want 401", name, rec.Code)
		}
	}
}
