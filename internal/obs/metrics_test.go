package obs

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"tenantgate.org/internal/config"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                          "/",
		"/metrics":                  "/metrics",
		"/v1/users":                 "/v1/users",
		"/v1/users/alice":           "/v1/users/:login",
		"/v1/users/alice/block":     "/v1/users/:login/block",
		"/v1/users/alice/unblock":   "/v1/users/:login/unblock",
		"/v1/users/alice/extra":     "/v1/users/alice/extra",
		"/v1/auth/login":            "/v1/auth/login",
		"/v1/auth/sessions?limit=5": "/v1/auth/sessions",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, config.LoggingConfig{Level: "warn", Format: "json"}, "1.2.3")

	logger.Info("dropped")
	logger.Warn("kept", "component", "test")

	line := strings.TrimSpace(buf.String())
	if strings.Contains(line, "dropped") {
		t.Fatalf("info record should be filtered at warn level: %s", line)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log is not valid JSON: %v", err)
	}
	if entry["service"] != "tenantgate" || entry["version"] != "1.2.3" {
		t.Fatalf("missing default attributes: %v", entry)
	}
	if entry["component"] != "test" {
		t.Fatalf("missing component attribute: %v", entry)
	}
}

func TestSetLoggerRestore(t *testing.T) {
	orig := Logger()
	var buf bytes.Buffer
	restore := SetLogger(NewLoggerTo(&buf, config.LoggingConfig{}, "test"))
	Logger().Info("hello")
	restore()

	if Logger() != orig {
		t.Fatal("expected original logger after restore")
	}
	if !strings.Contains(buf.String(), "hello") {
		t.Fatalf("expected record in swapped logger, got %q", buf.String())
	}
}
