package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"brightdesk.io/crm/internal/ids"
)

func TestCanonicalPath(t *testing.T) {
	id := ids.New()
	cases := map[string]string{
		"":                                  "/",
		"/":                                 "/",
		"/metrics":                          "/metrics",
		"/v1/roles/" + id + "/permissions":  "/v1/roles/:id/permissions",
		"/v1/secrets/" + id + "/reveal":     "/v1/secrets/:id/reveal",
		"/v1/users/" + id:                   "/v1/users/:id",
		"/v1/audit?limit=10":                "/v1/audit",
		"/v1/auth/login":                    "/v1/auth/login",
		"/v1/users/not-an-id/disable":       "/v1/users/not-an-id/disable",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInstrumentPassesStatusThrough(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/auth/session", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected 418, got %d", rr.Code)
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := NewLogger("debug"); err != nil {
		t.Fatalf("NewLogger(debug): %v", err)
	}
	if _, err := NewLogger("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	if OrNop(nil) == nil {
		t.Fatalf("expected nop logger")
	}
}
