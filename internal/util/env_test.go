package util

import (
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("RP_TEST_VALUE", "  sao_paulo ")
	if got := GetEnv("RP_TEST_VALUE", "x"); got != "sao_paulo" {
		t.Errorf("GetEnv = %q", got)
	}
	t.Setenv("RP_TEST_VALUE", "   ")
	if got := GetEnv("RP_TEST_VALUE", "x"); got != "x" {
		t.Errorf("blank value should fall back, got %q", got)
	}
}

func TestFirstEnv(t *testing.T) {
	t.Setenv("RP_TEST_A", "")
	t.Setenv("RP_TEST_B", "postgres://b")
	if got := FirstEnv("RP_TEST_A", "RP_TEST_B"); got != "postgres://b" {
		t.Errorf("FirstEnv = %q", got)
	}
	if got := FirstEnv("RP_TEST_A"); got != "" {
		t.Errorf("FirstEnv of blank = %q", got)
	}
}

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"ON", false, true},
		{"0", true, false},
		{"off", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("RP_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("RP_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	tests := []struct {
		value string
		want  int
	}{
		{"", 7},
		{"14", 14},
		{"0", 0},
		{"-3", 7},
		{"seven", 7},
	}
	for _, tt := range tests {
		t.Setenv("RP_TEST_INT", tt.value)
		if got := ParseIntEnv("RP_TEST_INT", 7); got != tt.want {
			t.Errorf("ParseIntEnv(%q) = %d, want %d", tt.value, got, tt.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 10 * time.Second},
		{"3s", 3 * time.Second},
		{"1m30s", 90 * time.Second},
		{"15", 15 * time.Second},
		{"0s", 10 * time.Second},
		{"soon", 10 * time.Second},
	}
	for _, tt := range tests {
		t.Setenv("RP_TEST_DURATION", tt.value)
		if got := ParseDurationEnv("RP_TEST_DURATION", 10*time.Second); got != tt.want {
			t.Errorf("ParseDurationEnv(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}
