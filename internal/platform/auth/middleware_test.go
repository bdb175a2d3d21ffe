package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims(role Role) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Role:       string(role),
		ProviderID: "prov-1",
		PatientID:  "pat-1",
	}
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %d error, got nil", code)
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(okHandler)
	expectStatus(t, h(c), http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", tt.header)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(okHandler)
			expectStatus(t, h(c), http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	e := echo.New()
	token := createTestToken(t, validClaims(RoleProvider), testSigningKey)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var got Identity
	handler := func(c echo.Context) error {
		id, ok := IdentityFromContext(c.Request().Context())
		if !ok {
			t.Fatal("expected identity in context")
		}
		got = id
		return c.String(http.StatusOK, "ok")
	}

	h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(handler)
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.SubjectID != "user-123" {
		t.Errorf("expected subject user-123, got %q", got.SubjectID)
	}
	if got.Role != RoleProvider {
		t.Errorf("expected provider role, got %q", got.Role)
	}
	if got.ProviderRef != "prov-1" {
		t.Errorf("expected provider ref prov-1, got %q", got.ProviderRef)
	}
	if got.PatientRef != "" {
		t.Errorf("provider identity should not carry a patient ref, got %q", got.PatientRef)
	}
}

func TestJWTMiddleware_QueryToken(t *testing.T) {
	e := echo.New()
	token := createTestToken(t, validClaims(RolePatient), testSigningKey)
	req := httptest.NewRequest(http.MethodGet, "/ws?access_token="+token, nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var got Identity
	handler := func(c echo.Context) error {
		got, _ = IdentityFromContext(c.Request().Context())
		return nil
	}

	h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(handler)
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Role != RolePatient || got.PatientRef != "pat-1" {
		t.Errorf("unexpected identity %+v", got)
	}
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	e := echo.New()
	claims := validClaims(RoleAdmin)
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	token := createTestToken(t, claims, testSigningKey)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	c := e.NewContext(req, httptest.NewRecorder())

	h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(okHandler)
	expectStatus(t, h(c), http.StatusUnauthorized)
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	e := echo.New()
	token := createTestToken(t, validClaims(RoleAdmin), []byte("another-key"))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	c := e.NewContext(req, httptest.NewRecorder())

	h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(okHandler)
	expectStatus(t, h(c), http.StatusUnauthorized)
}

func TestJWTMiddleware_UnknownRole(t *testing.T) {
	e := echo.New()
	token := createTestToken(t, validClaims(Role("nurse")), testSigningKey)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	c := e.NewContext(req, httptest.NewRecorder())

	h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(okHandler)
	expectStatus(t, h(c), http.StatusUnauthorized)
}

func TestJWTMiddleware_IssuerMismatch(t *testing.T) {
	e := echo.New()
	claims := validClaims(RoleAdmin)
	claims.Issuer = "https://other.example.com"
	token := createTestToken(t, claims, testSigningKey)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	c := e.NewContext(req, httptest.NewRecorder())

	cfg := JWTConfig{SigningKey: testSigningKey, Issuer: "https://auth.example.com"}
	h := JWTMiddleware(cfg)(okHandler)
	expectStatus(t, h(c), http.StatusUnauthorized)
}

func TestDevAuthMiddleware_DefaultsToAdmin(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	var got Identity
	h := DevAuthMiddleware()(func(c echo.Context) error {
		got, _ = IdentityFromContext(c.Request().Context())
		return nil
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsAdmin() || got.SubjectID != "dev-user" {
		t.Errorf("expected dev admin identity, got %+v", got)
	}
}

func TestDevAuthMiddleware_Headers(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Subject-ID", "u-9")
	req.Header.Set("X-Role", "provider")
	req.Header.Set("X-Provider-Ref", "prov-9")
	c := e.NewContext(req, httptest.NewRecorder())

	var got Identity
	h := DevAuthMiddleware()(func(c echo.Context) error {
		got, _ = IdentityFromContext(c.Request().Context())
		return nil
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Identity{SubjectID: "u-9", Role: RoleProvider, ProviderRef: "prov-9"}
	if got != want {
		t.Errorf("expected %+v, got %+v", want, got)
	}
}

func TestDevAuthMiddleware_QueryParams(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws?subject=u-2&role=patient&patient_ref=pat-2", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	var got Identity
	h := DevAuthMiddleware()(func(c echo.Context) error {
		got, _ = IdentityFromContext(c.Request().Context())
		return nil
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Role != RolePatient || got.PatientRef != "pat-2" {
		t.Errorf("unexpected identity %+v", got)
	}
}

func TestDevAuthMiddleware_RejectsUnknownRole(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Subject-ID", "u-1")
	req.Header.Set("X-Role", "superuser")
	c := e.NewContext(req, httptest.NewRecorder())

	h := DevAuthMiddleware()(okHandler)
	expectStatus(t, h(c), http.StatusUnauthorized)
}
