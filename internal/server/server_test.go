package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/fhirlite/fhirlite/internal/config"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := &config.Config{
		Port:            "0",
		Env:             "test",
		LogLevel:        "error",
		DispatchWorkers: 1,
		DispatchQueue:   16,
		HeartbeatTick:   60,
		Tenants: []config.TenantConfig{
			{Route: "test", FHIRVersion: "R4", ResourceTypes: []string{"Patient", "Observation"}},
		},
	}
	if mutate != nil {
		mutate(cfg)
	}
	srv, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

func doJSON(srv *Server, method, target, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/fhir+json")
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

func TestServerCreateAndRead(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doJSON(srv, http.MethodPost, "/test/Patient", `{"resourceType":"Patient","gender":"female"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("ETag"); got != `W/"1"` {
		t.Errorf("ETag = %q", got)
	}
	location := rec.Header().Get("Location")
	if !strings.HasPrefix(location, "Patient/") {
		t.Fatalf("Location = %q", location)
	}
	if ct := rec.Header().Get("Content-Type"); ct != fhirJSON {
		t.Errorf("Content-Type = %q", ct)
	}

	rec = doJSON(srv, http.MethodGet, "/test/"+location, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("read status = %d", rec.Code)
	}
	var resource map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resource); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if resource["gender"] != "female" {
		t.Errorf("gender = %v", resource["gender"])
	}
	if rec.Header().Get("Last-Modified") == "" {
		t.Error("Last-Modified missing on read")
	}
}

func TestServerMetadata(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(srv, http.MethodGet, "/test/metadata", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var capability map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &capability)
	if capability["resourceType"] != "CapabilityStatement" {
		t.Errorf("resourceType = %v", capability["resourceType"])
	}
	if capability["fhirVersion"] != "4.0.1" {
		t.Errorf("fhirVersion = %v", capability["fhirVersion"])
	}
}

func TestServerSearch(t *testing.T) {
	srv := newTestServer(t, nil)
	doJSON(srv, http.MethodPost, "/test/Patient", `{"resourceType":"Patient","gender":"male"}`)
	doJSON(srv, http.MethodPost, "/test/Patient", `{"resourceType":"Patient","gender":"female"}`)

	rec := doJSON(srv, http.MethodGet, "/test/Patient?gender=female", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var bundle map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &bundle)
	if bundle["type"] != "searchset" {
		t.Errorf("bundle type = %v", bundle["type"])
	}
	if bundle["total"] != float64(1) {
		t.Errorf("total = %v", bundle["total"])
	}
}

func TestServerRejectsNonJSONFormat(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(srv, http.MethodGet, "/test/Patient?_format=xml", "")
	if rec.Code != http.StatusNotAcceptable {
		t.Errorf("status = %d, want 406", rec.Code)
	}
}

func TestServerPrettyPrinting(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(srv, http.MethodGet, "/test/metadata?_pretty=true", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "\n  ") {
		t.Error("response is not indented")
	}
}

func TestServerMalformedBody(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(srv, http.MethodPost, "/test/Patient", `{"resourceType":`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	var outcome map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &outcome)
	if outcome["resourceType"] != "OperationOutcome" {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestServerUnknownTenant(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(srv, http.MethodGet, "/nowhere/Patient", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestServerHealth(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(srv, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var health map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &health)
	if health["status"] != "ok" {
		t.Errorf("health = %v", health)
	}
}

func TestServerAuth(t *testing.T) {
	const secret = "test-secret"
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.AuthSecret = secret
	})

	rec := doJSON(srv, http.MethodGet, "/test/Patient", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rec.Code)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "tester",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/test/Patient", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	srv.echo.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", recorder.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/test/Patient", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	recorder = httptest.NewRecorder()
	srv.echo.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", recorder.Code)
	}
}

func TestServerConditionalCreate(t *testing.T) {
	srv := newTestServer(t, nil)
	body := `{"resourceType":"Patient","identifier":[{"system":"urn:mrn","value":"42"}]}`

	first := httptest.NewRequest(http.MethodPost, "/test/Patient", strings.NewReader(body))
	first.Header.Set("If-None-Exist", "identifier=urn:mrn|42")
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, first)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first create status = %d", rec.Code)
	}

	second := httptest.NewRequest(http.MethodPost, "/test/Patient", strings.NewReader(body))
	second.Header.Set("If-None-Exist", "identifier=urn:mrn|42")
	rec = httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, second)
	if rec.Code != http.StatusOK {
		t.Errorf("matching conditional create status = %d, want 200", rec.Code)
	}
}
