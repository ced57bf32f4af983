package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/mind-engage/mindengage-exams/internal/rbac"
)

func TestLocalLogin(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	svc := NewAuthService("k")
	h := LocalLogin{Auth: svc, AdminUser: "admin", AdminPassHash: string(hash)}.Handler()

	tests := []struct {
		user, pass string
		code       int
		role       string
	}{
		{"admin", "s3cret", http.StatusOK, "admin"},
		{"admin", "admin", http.StatusUnauthorized, ""},
		{"alice", "alice", http.StatusOK, "student"},
		{"alice", "wrong", http.StatusUnauthorized, ""},
		{"", "", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		body, _ := json.Marshal(map[string]string{"username": tt.user, "password": tt.pass})
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body)))
		if rec.Code != tt.code {
			t.Errorf("%s/%s: status %d, want %d", tt.user, tt.pass, rec.Code, tt.code)
			continue
		}
		if tt.code != http.StatusOK {
			continue
		}
		var out map[string]string
		_ = json.NewDecoder(rec.Body).Decode(&out)
		c, err := svc.Parse(out["access_token"])
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if c.Sub != tt.user || c.Role != tt.role {
			t.Errorf("claims = %+v", c)
		}
	}
}

func TestJWTMiddlewareSetsIdentity(t *testing.T) {
	svc := NewAuthService("k")
	tok, _ := svc.IssueJWT("bob", "teacher")

	var sub, role string
	h := JWTMiddleware(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, role = rbac.SubjectFromContext(r.Context()), rbac.RoleFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || sub != "bob" || role != "teacher" {
		t.Fatalf("code=%d sub=%q role=%q", rec.Code, sub, role)
	}

	other, _ := NewAuthService("other-key").IssueJWT("bob", "admin")
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+other)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("foreign signature accepted: %d", rec.Code)
	}
}
