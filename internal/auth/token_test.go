// ABOUTME: Unit tests for JWT issuing and validation
// ABOUTME: Tests valid, tampered, expired and cached tokens

package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

var testSecret = []byte("test-secret-key-for-jwt-signing-0123456789")

func newTestIssuer(t *testing.T, mock *clock.Mock, cacheTTL time.Duration) *Issuer {
	t.Helper()
	issuer, err := NewIssuer(IssuerConfig{Secret: testSecret, Clock: mock, CacheTTL: cacheTTL})
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	return issuer
}

func newMockClock() *clock.Mock {
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return mock
}

func TestIssuer_ValidToken(t *testing.T) {
	issuer := newTestIssuer(t, newMockClock(), 0)

	token, issued, err := issuer.Issue("u1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	id, err := issuer.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if id.Subject != "u1" {
		t.Errorf("Subject = %q, want %q", id.Subject, "u1")
	}
	if id.TokenID == "" || id.TokenID != issued.TokenID {
		t.Errorf("TokenID = %q, want %q", id.TokenID, issued.TokenID)
	}
	if got := id.ExpiresAt.Sub(id.IssuedAt); got != DefaultTokenTTL {
		t.Errorf("lifetime = %v, want %v", got, DefaultTokenTTL)
	}
}

func TestIssuer_ExpiredToken(t *testing.T) {
	mock := newMockClock()
	issuer := newTestIssuer(t, mock, 0)

	token, _, err := issuer.Issue("u1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	mock.Add(2 * time.Hour)

	_, err = issuer.Validate(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Validate() error = %v, want ErrExpiredToken", err)
	}
}

func TestIssuer_InvalidSignature(t *testing.T) {
	mock := newMockClock()
	issuer := newTestIssuer(t, mock, 0)
	other, err := NewIssuer(IssuerConfig{Secret: []byte("another-secret-that-is-long-enough-xx"), Clock: mock})
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}

	valid, _, _ := issuer.Issue("u1")
	foreign, _, _ := other.Issue("u1")
	parts := strings.Split(valid, ".")
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))

	tests := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"garbage token", "not-a-jwt-token"},
		{"malformed JWT", "header.payload.signature"},
		{"wrong secret", foreign},
		{"tampered signature", tampered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := issuer.Validate(tt.token)
			if !errors.Is(err, ErrInvalidSignature) {
				t.Errorf("Validate() error = %v, want ErrInvalidSignature", err)
			}
		})
	}
}

func TestIssuer_ExpiredAndTamperedIsInvalidSignature(t *testing.T) {
	mock := newMockClock()
	issuer := newTestIssuer(t, mock, 0)

	token, _, _ := issuer.Issue("u1")
	mock.Add(2 * time.Hour)
	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("B", len(parts[2]))

	_, err := issuer.Validate(tampered)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("Validate() error = %v, want ErrInvalidSignature", err)
	}
}

func TestIssuer_CacheRespectsExpiry(t *testing.T) {
	mock := newMockClock()
	issuer := newTestIssuer(t, mock, 5*time.Minute)

	token, _, err := issuer.IssueWithTTL("u1", time.Minute)
	if err != nil {
		t.Fatalf("IssueWithTTL() error = %v", err)
	}
	if _, err := issuer.Validate(token); err != nil {
		t.Fatalf("first Validate() error = %v", err)
	}
	if _, err := issuer.Validate(token); err != nil {
		t.Fatalf("cached Validate() error = %v", err)
	}

	mock.Add(2 * time.Minute)
	if _, err := issuer.Validate(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Validate() after expiry error = %v, want ErrExpiredToken", err)
	}
}

func TestIssuer_AudienceMismatch(t *testing.T) {
	mock := newMockClock()
	a, _ := NewIssuer(IssuerConfig{Secret: testSecret, Clock: mock, Audience: "gateway-a"})
	b, _ := NewIssuer(IssuerConfig{Secret: testSecret, Clock: mock, Audience: "gateway-b"})

	token, _, _ := a.Issue("u1")
	if _, err := b.Validate(token); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("Validate() error = %v, want ErrInvalidSignature", err)
	}
}

func TestNewIssuer_WeakSecret(t *testing.T) {
	if _, err := NewIssuer(IssuerConfig{Secret: []byte("short")}); !errors.Is(err, ErrWeakSecret) {
		t.Errorf("NewIssuer() error = %v, want ErrWeakSecret", err)
	}
}

func TestIssue_EmptySubject(t *testing.T) {
	issuer := newTestIssuer(t, newMockClock(), 0)
	if _, _, err := issuer.Issue(""); !errors.Is(err, ErrMissingClaim) {
		t.Errorf("Issue(\"\") error = %v, want ErrMissingClaim", err)
	}
}
