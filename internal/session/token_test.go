package session

import (
	"errors"
	"strings"
	"testing"
)

func TestParseToken(t *testing.T) {
	tests := []struct {
		token   string
		want    string
		wantErr bool
	}{
		{"firm_42_abc", "42", false},
		{"firm_acme-co_x_y_z", "acme-co", false},
		{"  firm_7_k  ", "7", false},
		{"firm_42", "", true},
		{"firm__abc", "", true},
		{"firm_42_", "", true},
		{"tenant_42_abc", "", true},
		{"firm_../etc_abc", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseToken(tt.token, "firm")
		if tt.wantErr {
			if !errors.Is(err, ErrSessionNotFound) {
				t.Errorf("ParseToken(%q): expected ErrSessionNotFound, got %v", tt.token, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseToken(%q): unexpected error %v", tt.token, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseToken(%q) = %q, want %q", tt.token, got, tt.want)
		}
	}
}

func TestFormatToken_RoundTrip(t *testing.T) {
	token := FormatToken("firm", "42")
	if !strings.HasPrefix(token, "firm_42_") {
		t.Fatalf("unexpected token %q", token)
	}
	got, err := ParseToken(token, "firm")
	if err != nil || got != "42" {
		t.Fatalf("ParseToken(%q) = %q, %v", token, got, err)
	}
}

func TestValidTenantID(t *testing.T) {
	if !ValidTenantID("Firm-01") {
		t.Error("expected Firm-01 to be valid")
	}
	for _, id := range []string{"", "a b", "a/b", "a_b", strings.Repeat("x", 65)} {
		if ValidTenantID(id) {
			t.Errorf("expected %q to be invalid", id)
		}
	}
}
