package config

import (
	"strings"
	"testing"
)

func TestMarshalEffectiveRedactsSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Azure.ClientSecret = "super-secret"
	cfg.Secrets.Vault.Token = "vault-token-value"
	cfg.Source.KMSKeyID = "arn:aws:kms:us-east-1:123456789012:key/abc"

	out, err := cfg.MarshalEffective("json")
	if err != nil {
		t.Fatalf("MarshalEffective json: %v", err)
	}
	payload := string(out)
	for _, leak := range []string{"super-secret", "vault-token-value", "key/abc"} {
		if strings.Contains(payload, leak) {
			t.Fatalf("expected %q to be redacted in %s", leak, payload)
		}
	}
	if !strings.Contains(payload, "redacted") {
		t.Fatalf("expected placeholder to appear: %s", payload)
	}
	// non-secret fields survive
	if !strings.Contains(payload, "guardduty-findings") {
		t.Fatalf("expected bucket name to survive redaction: %s", payload)
	}

	if _, err := cfg.MarshalEffective("yaml"); err != nil {
		t.Fatalf("MarshalEffective yaml: %v", err)
	}

	if _, err := cfg.MarshalEffective("invalid"); err == nil {
		t.Fatalf("expected unsupported format error")
	}
}

func TestMarshalEffectiveLeavesOriginalUntouched(t *testing.T) {
	cfg := validConfig()
	cfg.Azure.ClientSecret = "keep-me"
	if _, err := cfg.MarshalEffective("yaml"); err != nil {
		t.Fatalf("MarshalEffective: %v", err)
	}
	if cfg.Azure.ClientSecret != "keep-me" {
		t.Fatal("redaction must operate on a clone")
	}
}
