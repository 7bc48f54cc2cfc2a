package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"hanadiary/internal/usertoken"
	"hanadiary/pkg/storage"
	"hanadiary/pkg/store"
	"hanadiary/services/api/internal/app"
)

const (
	testSecret     = "server-test-secret"
	testIssuer     = "issuer-test"
	testAudience   = "aud-test"
	testAdminToken = "admin-test-token"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	appCore, err := app.New(app.Config{
		Store: store.NewMemoryStore(),
		Blobs: storage.NewMemoryObjectStore(),
	})
	if err != nil {
		t.Fatalf("app.New() error = %v", err)
	}
	verifier, err := usertoken.NewVerifier(usertoken.Config{
		HMACSecret: testSecret,
		Issuer:     testIssuer,
		Audience:   testAudience,
	})
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	srv, err := New(Config{App: appCore, TokenVerifier: verifier, AdminToken: testAdminToken})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv
}

func userToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    testIssuer,
		Audience:  jwt.ClaimStrings{testAudience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doRequest(t *testing.T, srv *Server, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestDiaryRequiresAuth(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/diary", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodGet, "/diary", "not-a-jwt", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestDiaryCreateReadDelete(t *testing.T) {
	srv := newTestServer(t)
	token := userToken(t, "user-1")

	rec := doRequest(t, srv, http.MethodPost, "/diary", token,
		`{"date":"2024-06-03","content":"walked in the rain"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, srv, http.MethodGet, "/diary/2024-06-03", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var entry struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry.Content != "walked in the rain" {
		t.Fatalf("content = %q", entry.Content)
	}

	// Another user cannot see the entry.
	rec = doRequest(t, srv, http.MethodGet, "/diary/2024-06-03", userToken(t, "user-2"), "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("cross-user status = %d, want 404", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodDelete, "/diary/2024-06-03", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodGet, "/diary/2024-06-03", token, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", rec.Code)
	}
}

func TestDiaryEditOverwrites(t *testing.T) {
	srv := newTestServer(t)
	token := userToken(t, "user-1")

	rec := doRequest(t, srv, http.MethodPost, "/diary", token,
		`{"date":"2024-06-03","content":"first"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodPut, "/diary/2024-06-03", token, `{"content":"second"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("edit status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var entry struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry.Content != "second" {
		t.Fatalf("content = %q, want second", entry.Content)
	}
}

func TestDiaryRejectsInvalidBody(t *testing.T) {
	srv := newTestServer(t)
	token := userToken(t, "user-1")

	rec := doRequest(t, srv, http.MethodPost, "/diary", token, "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodPost, "/diary", token, `{"date":"bad","content":"x"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad date status = %d, want 400", rec.Code)
	}
}

func TestTitleAndFlowerMissingReturn404(t *testing.T) {
	srv := newTestServer(t)
	token := userToken(t, "user-1")

	rec := doRequest(t, srv, http.MethodGet, "/diary/2024-06-03/title", token, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("title status = %d, want 404", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodGet, "/diary/2024-06-03/flower", token, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("flower status = %d, want 404", rec.Code)
	}
}

func TestBouquetWithoutFlowersReturns404(t *testing.T) {
	srv := newTestServer(t)
	token := userToken(t, "user-1")

	rec := doRequest(t, srv, http.MethodGet, "/bouquet?date=2024-06-03", token, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("bouquet status = %d, want 404", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodGet, "/bouquet/eligibility?date=2024-06-03", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("eligibility status = %d, want 200", rec.Code)
	}
	var payload struct {
		CanCreate bool `json:"canCreate"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.CanCreate {
		t.Fatalf("canCreate = true, want false")
	}
}

func TestAdminEndpointsRequireAdminToken(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/admin/failures", userToken(t, "user-1"), "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("user token status = %d, want 401", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodGet, "/admin/failures", testAdminToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("admin status = %d, body = %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, srv, http.MethodGet, "/admin/dead-letters", testAdminToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("dead-letters status = %d", rec.Code)
	}
}
