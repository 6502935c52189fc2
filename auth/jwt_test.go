package auth

import (
	"testing"
	"time"
)

func TestDeviceTokenRoundTrip(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)

	token, err := m.GenerateDeviceToken("device-1", "guard-7")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := m.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.DeviceID != "device-1" || claims.GuardID != "guard-7" || claims.Subject != "device-1" || claims.Role != RoleDevice {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	token, _ = m.GenerateSupervisorToken("console-1")
	claims, err = m.ValidateToken(token)
	if err != nil || claims.Role != RoleSupervisor {
		t.Fatalf("supervisor token: %+v %v", claims, err)
	}
}

func TestValidateTokenRejects(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)
	other := NewJWTManager("other-secret", time.Hour)
	expired := NewJWTManager("secret", -time.Minute)

	foreign, _ := other.GenerateDeviceToken("device-1", "guard-1")
	stale, _ := expired.GenerateDeviceToken("device-1", "guard-1")

	tests := map[string]string{
		"wrong secret": foreign,
		"expired":      stale,
		"garbage":      "not-a-token",
	}
	for name, token := range tests {
		if _, err := m.ValidateToken(token); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}

	if _, err := m.GenerateDeviceToken("", "guard-1"); err == nil {
		t.Fatalf("expected error for empty device id")
	}
}

func TestExtractToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc", "abc", false},
		{"", "", true},
		{"Basic abc", "", true},
		{"Bearer", "", true},
	}
	for _, tt := range tests {
		got, err := ExtractToken(tt.header)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ExtractToken(%q) = %q, %v", tt.header, got, err)
		}
	}
}
