package config

import (
	"os"
	"strings"
	"testing"
)

const validConfig = `{
  "rewriteRules": {
    "sb": {"protocol": "http", "host": "backend1", "port": 8080},
    ".favicon.ico": {"protocol": "http", "host": "backend1", "port": 8080}
  },
  "assets": ["favicon.ico"],
  "defaultService": "sb",
  "maxPayloadSizeBytesInNumber": 1048576,
  "serviceDependencies": {
    "auth": {
      "host": "auth-internal",
      "port": 9090,
      "pathTemplates": {"check": "/auth/check", "sign": "/auth/sign"}
    }
  },
  "ssl": {"proxyHttpsPort": 8443}
}`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(validConfig))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.DefaultService != "sb" {
		t.Errorf("DefaultService = %q", cfg.DefaultService)
	}
	if cfg.MaxPayloadSizeBytes != 1048576 {
		t.Errorf("MaxPayloadSizeBytes = %d", cfg.MaxPayloadSizeBytes)
	}

	rule, ok := cfg.RewriteRules["sb"]
	if !ok {
		t.Fatal("missing sb rewrite rule")
	}
	if rule.Addr() != "backend1:8080" {
		t.Errorf("Addr = %q", rule.Addr())
	}

	auth := cfg.Auth()
	if auth.URL(OpSign) != "http://auth-internal:9090/auth/sign" {
		t.Errorf("sign URL = %q", auth.URL(OpSign))
	}
}

func TestParseRejectsBadJSON(t *testing.T) {
	if _, err := Parse([]byte("{not json")); err == nil {
		t.Error("Parse accepted malformed JSON")
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			name:    "auth token reserved",
			mutate:  func(s string) string { return strings.Replace(s, `"sb": {`, `"auth": {`, 1) },
			wantErr: "reserved",
		},
		{
			name:    "bad protocol",
			mutate:  func(s string) string { return strings.Replace(s, `"http"`, `"ftp"`, 1) },
			wantErr: "protocol",
		},
		{
			name:    "missing default service",
			mutate:  func(s string) string { return strings.Replace(s, `"defaultService": "sb",`, ``, 1) },
			wantErr: "defaultService",
		},
		{
			name:    "zero payload limit",
			mutate:  func(s string) string { return strings.Replace(s, "1048576", "0", 1) },
			wantErr: "maxPayloadSizeBytesInNumber",
		},
		{
			name:    "missing auth dependency",
			mutate:  func(s string) string { return strings.Replace(s, `"auth": {`, `"other": {`, 1) },
			wantErr: "auth",
		},
		{
			name:    "missing sign path",
			mutate:  func(s string) string { return strings.Replace(s, `, "sign": "/auth/sign"`, ``, 1) },
			wantErr: "sign",
		},
		{
			name: "asset without rewrite rule",
			mutate: func(s string) string {
				return strings.Replace(s, `".favicon.ico"`, `".robots.txt"`, 1)
			},
			wantErr: "asset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.mutate(validConfig)))
			if err == nil {
				t.Fatal("Parse accepted invalid config")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultServiceMayHaveRule(t *testing.T) {
	// The default service token must resolve somewhere; only "auth" is
	// banned outright.
	if _, err := Parse([]byte(validConfig)); err != nil {
		t.Errorf("default-service rewrite rule rejected: %v", err)
	}
}

func TestSampleConfig(t *testing.T) {
	raw, err := os.ReadFile("../../configs/authgate.json")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Parse(raw); err != nil {
		t.Errorf("shipped sample config is invalid: %v", err)
	}
}

func TestIsAsset(t *testing.T) {
	cfg, err := Parse([]byte(validConfig))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.IsAsset("/.favicon.ico") {
		t.Error("expected /.favicon.ico to be an asset path")
	}
	if cfg.IsAsset("/favicon.ico") {
		t.Error("/favicon.ico should not be an asset path")
	}
	if cfg.IsAsset("/.other") {
		t.Error("/.other should not be an asset path")
	}
}

func TestStoreSwap(t *testing.T) {
	first, err := Parse([]byte(validConfig))
	if err != nil {
		t.Fatal(err)
	}
	store := NewStore(first)

	snapshot := store.Snapshot()
	if snapshot != first {
		t.Fatal("Snapshot did not return the stored config")
	}

	second, err := Parse([]byte(strings.Replace(validConfig, "8080", "9999", 1)))
	if err != nil {
		t.Fatal(err)
	}
	store.Swap(second)

	// A reference taken before the swap keeps observing the old snapshot.
	if snapshot.RewriteRules["sb"].Port != 8080 {
		t.Error("old snapshot mutated by swap")
	}
	if store.Snapshot().RewriteRules["sb"].Port != 9999 {
		t.Error("new snapshot not visible after swap")
	}
}

func TestEmptyStore(t *testing.T) {
	store := NewStore(nil)
	if store.Snapshot() != nil {
		t.Error("empty store returned a snapshot")
	}
}
