package account

import (
	"testing"
	"time"
)

func TestTokenIssueVerifyRoundTrip(t *testing.T) {
	ti := NewTokenIssuer("shared-secret", time.Hour)
	tok, err := ti.Issue(42)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := ti.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.UserID != 42 {
		t.Fatalf("UserID = %d, want 42", claims.UserID)
	}
}

func TestTokenVerifyRejectsWrongSecret(t *testing.T) {
	issuer := NewTokenIssuer("secret-a", time.Hour)
	tok, err := issuer.Issue(1)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	other := NewTokenIssuer("secret-b", time.Hour)
	if _, err := other.Verify(tok); err == nil {
		t.Fatal("expected verification failure across different secrets")
	}
}

func TestTokenVerifyRejectsExpired(t *testing.T) {
	ti := NewTokenIssuer("secret", time.Millisecond)
	fixed := time.Now()
	ti.now = func() time.Time { return fixed }
	tok, err := ti.Issue(7)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	ti.now = func() time.Time { return fixed.Add(time.Hour) }
	if _, err := ti.Verify(tok); err != ErrExpiredToken {
		t.Fatalf("Verify = %v, want ErrExpiredToken", err)
	}
}

func TestTokenVerifyRejectsMalformed(t *testing.T) {
	ti := NewTokenIssuer("secret", time.Hour)
	cases := []string{"", "a.b", "a.b.c.d", "...", "notbase64!.notbase64!.notbase64!"}
	for _, c := range cases {
		if _, err := ti.Verify(c); err == nil {
			t.Fatalf("Verify(%q) succeeded, want error", c)
		}
	}
}

func TestClassifyDevice(t *testing.T) {
	if got := ClassifyDevice("br_abc123"); got != DeviceClassBrowser {
		t.Fatalf("got %v, want DeviceClassBrowser", got)
	}
	if got := ClassifyDevice("ho_abc123"); got != DeviceClassHost {
		t.Fatalf("got %v, want DeviceClassHost", got)
	}
	if got := ClassifyDevice("abc123"); got != DeviceClassUnknown {
		t.Fatalf("got %v, want DeviceClassUnknown", got)
	}
}

func TestBearerFromHeader(t *testing.T) {
	tok, ok := BearerFromHeader("Bearer abc.def.ghi")
	if !ok || tok != "abc.def.ghi" {
		t.Fatalf("got (%q, %v)", tok, ok)
	}
	if _, ok := BearerFromHeader("Basic xyz"); ok {
		t.Fatal("expected not-ok for non-Bearer scheme")
	}
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if err := VerifyPassword(hash, "correct horse battery staple"); err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if err := VerifyPassword(hash, "wrong password"); err == nil {
		t.Fatal("expected VerifyPassword failure for wrong password")
	}
}
