package webhook

import (
	"strings"
	"testing"
)

func TestSign_Deterministic(t *testing.T) {
	payload := []byte(`{"id":"1","event":"scan.created"}`)
	a := Sign("secret", payload)
	b := Sign("secret", payload)
	if a != b {
		t.Errorf("Sign should be deterministic: %s != %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}

func TestVerify_RoundTrip(t *testing.T) {
	payload := []byte(`{"id":"1"}`)
	sig := SignatureHeader("secret", payload)
	if !strings.HasPrefix(sig, "sha256=") {
		t.Fatalf("header should carry sha256= prefix: %s", sig)
	}
	if !Verify("secret", payload, sig) {
		t.Error("prefixed signature should verify")
	}
	if !Verify("secret", payload, Sign("secret", payload)) {
		t.Error("bare hex signature should verify")
	}
}

func TestVerify_OneByteDifference(t *testing.T) {
	payload := []byte(`{"id":"1"}`)
	sig := Sign("secret", payload)

	tampered := []byte(`{"id":"2"}`)
	if Verify("secret", tampered, sig) {
		t.Error("payload differing by one byte must not verify")
	}
	if Verify("secreT", payload, sig) {
		t.Error("secret differing by one byte must not verify")
	}
}

func TestVerify_Malformed(t *testing.T) {
	payload := []byte(`{}`)
	for _, sig := range []string{"", "sha256=", "sha256=zz", "not-hex"} {
		if Verify("secret", payload, sig) {
			t.Errorf("Verify(%q) should be false", sig)
		}
	}
}
