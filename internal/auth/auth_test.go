package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestExtractBearerToken(t *testing.T) {
	t.Parallel()

	cases := []struct {
		header  string
		want    string
		wantErr error
	}{
		{"Bearer abc", "abc", nil},
		{"bearer abc", "abc", nil},
		{"Bearer   abc  ", "abc", nil},
		{"", "", ErrMissingAuthorization},
		{"Basic abc", "", ErrMalformedAuthorization},
		{"Bearer", "", ErrMalformedAuthorization},
		{"Bearer   ", "", ErrEmptyToken},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "http://example.test", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		got, err := ExtractBearerToken(req)
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("header %q: err = %v, want %v", tc.header, err, tc.wantErr)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("header %q: got %q, %v", tc.header, got, err)
		}
	}
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	a := NewAuthenticator([]TokenConfig{
		{Token: "reader", Scopes: []string{ScopeWebhooksRO, " "}},
		{Token: "operator", Scopes: []string{ScopeWebhooksRW, ScopeEventsRO}},
		{Token: "admin", Scopes: []string{ScopeAll}},
		{Token: "  ", Scopes: []string{ScopeAll}},
	})

	for _, bad := range []string{"nope", "", "  ", "reade"} {
		if _, ok := a.Authenticate(bad); ok {
			t.Fatalf("token %q must not authenticate", bad)
		}
	}

	reader, ok := a.Authenticate("reader")
	if !ok {
		t.Fatalf("reader should authenticate")
	}
	if len(reader.Scopes) != 1 {
		t.Fatalf("blank scopes must be dropped, got %v", reader.Scopes)
	}
	if reader.Allows(ScopeWebhooksRW) {
		t.Fatalf("reader must not have write scope")
	}

	operator, _ := a.Authenticate("operator")
	if !operator.Allows(ScopeWebhooksRO) {
		t.Fatalf("write scope should imply read")
	}
	if operator.Allows(ScopeMetricsRO) {
		t.Fatalf("operator must not read metrics")
	}

	admin, _ := a.Authenticate("admin")
	if !admin.Allows(ScopeMetricsRO, ScopeWebhooksRW) {
		t.Fatalf("* grants everything")
	}
	if !(Principal{}).Allows() {
		t.Fatalf("no required scopes always passes")
	}
}

func TestPrincipalIDDoesNotLeakToken(t *testing.T) {
	t.Parallel()

	a := NewAuthenticator([]TokenConfig{{Token: "super-secret-token", Scopes: []string{ScopeAll}}})
	p, ok := a.Authenticate("super-secret-token")
	if !ok {
		t.Fatalf("token should authenticate")
	}
	if !strings.HasPrefix(p.ID, "tok_") || len(p.ID) != len("tok_")+8 {
		t.Fatalf("unexpected principal id %q", p.ID)
	}
	if strings.Contains(p.ID, "secret") {
		t.Fatalf("principal id leaks the token: %q", p.ID)
	}

	again, _ := a.Authenticate("super-secret-token")
	if again.ID != p.ID {
		t.Fatalf("principal id must be stable: %q vs %q", again.ID, p.ID)
	}
}

func TestKnownScopes(t *testing.T) {
	t.Parallel()

	for _, s := range []string{ScopeAll, ScopeWebhooksRO, " webhooks:rw ", ScopeEventsRO, ScopeMetricsRO} {
		if !KnownScope(s) {
			t.Fatalf("%q should be known", s)
		}
	}
	if KnownScope("jobs:ro") {
		t.Fatalf("jobs:ro is not a hookgate scope")
	}
	if got := strings.Join(KnownScopes(), ","); got != "*,events:ro,metrics:ro,webhooks:ro,webhooks:rw" {
		t.Fatalf("KnownScopes() = %s", got)
	}
}

func TestPrincipalContext(t *testing.T) {
	t.Parallel()

	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Fatalf("empty context has no principal")
	}
	ctx := WithPrincipal(context.Background(), Principal{ID: "tok_1"})
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.ID != "tok_1" {
		t.Fatalf("principal not round-tripped: %+v %v", p, ok)
	}
}
