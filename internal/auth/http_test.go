// ABOUTME: Tests for the bearer token HTTP middleware

package auth

import (
	"net/http/httptest"
	"testing"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc", "abc", false},
		{"", "", true},
		{"Basic abc", "", true},
		{"Bearer ", "", true},
	}
	for _, tt := range tests {
		got, errMsg := extractBearerToken(tt.header)
		if got != tt.want || (errMsg != "") != tt.wantErr {
			t.Errorf("extractBearerToken(%q) = %q, %q", tt.header, got, errMsg)
		}
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=fromquery", nil)
	if got := TokenFromRequest(r); got != "fromquery" {
		t.Errorf("TokenFromRequest() = %q, want fromquery", got)
	}

	r.Header.Set("Authorization", "Bearer fromheader")
	if got := TokenFromRequest(r); got != "fromheader" {
		t.Errorf("TokenFromRequest() = %q, want fromheader", got)
	}

	r = httptest.NewRequest("GET", "/ws", nil)
	if got := TokenFromRequest(r); got != "" {
		t.Errorf("TokenFromRequest() = %q, want empty", got)
	}
}
