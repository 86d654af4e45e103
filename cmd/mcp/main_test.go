package main

import "testing"

func TestIsLoopbackListenAddress(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:8090": true,
		"localhost:8090": true,
		"[::1]:8090":     true,
		"0.0.0.0:8090":   false,
		":8090":          false,
		"10.0.0.4:8090":  false,
	}
	for addr, want := range cases {
		if got := isLoopbackListenAddress(addr); got != want {
			t.Fatalf("isLoopbackListenAddress(%q)=%v want %v", addr, got, want)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	cases := []struct {
		name       string
		args       []string
		env        map[string]string
		wantErr    bool
		wantAuth   string
		wantLegacy bool
	}{
		{name: "dev defaults", wantAuth: "loopback-only", wantLegacy: true},
		{name: "dev with secret", env: map[string]string{"TG_MCP_HMAC_SECRET": "s"}, wantAuth: "hmac+legacy", wantLegacy: true},
		{name: "production needs secret", env: map[string]string{"DEPLOY_ENV": "production"}, wantErr: true},
		{name: "production strict", args: []string{"-hmac-secret", " s "}, env: map[string]string{"DEPLOY_ENV": "Production"}, wantAuth: "hmac"},
		{name: "legacy override", env: map[string]string{"DEPLOY_ENV": "staging", "TG_MCP_HMAC_SECRET": "s", "TG_MCP_HMAC_ALLOW_LEGACY": "true"}, wantAuth: "hmac+legacy", wantLegacy: true},
		{name: "unparsable bool keeps default", env: map[string]string{"TG_MCP_REQUIRE_HMAC": "maybe"}, wantAuth: "loopback-only", wantLegacy: true},
		{name: "public bind without secret", args: []string{"-listen", "0.0.0.0:8090"}, wantErr: true},
		{name: "bad flag", args: []string{"-nope"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			getenv := func(k string) string { return tc.env[k] }
			cfg, err := loadConfig(tc.args, getenv)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", cfg)
				}
				return
			}
			if err != nil {
				t.Fatalf("loadConfig: %v", err)
			}
			if cfg.authMode() != tc.wantAuth || cfg.AllowLegacyHMAC != tc.wantLegacy {
				t.Fatalf("auth=%s legacy=%v, want %s %v", cfg.authMode(), cfg.AllowLegacyHMAC, tc.wantAuth, tc.wantLegacy)
			}
		})
	}
}
