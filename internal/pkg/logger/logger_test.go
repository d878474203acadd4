package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func TestRedactEmail(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"john.doe@example.com", "jo***@example.com"},
		{"ab@example.com", "***@example.com"},
		{"a@example.com", "***@example.com"},
		{"x.y.z@mail.co.uk", "x.***@mail.co.uk"},
		{"not-an-email", "***@***"},
		{"@example.com", "***@***"},
		{"user@", "***@***"},
		{"", "***@***"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := RedactEmail(tt.in); got != tt.want {
				t.Errorf("RedactEmail(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DEBUG},
		{"DEBUG", DEBUG},
		{"info", INFO},
		{"warn", WARN},
		{"warning", WARN},
		{"error", ERROR},
		{"", INFO},
		{"nonsense", INFO},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoggerRedactsEmailFields(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	log := New("test")
	log.Info("send attempt", "email", "jane.roe@example.com", "job_id", "j-1")

	var entry map[string]string
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if entry["email"] != "ja***@example.com" {
		t.Errorf("email field = %q, want redacted", entry["email"])
	}
	if entry["component"] != "test" {
		t.Errorf("component = %q, want %q", entry["component"], "test")
	}
	if entry["job_id"] != "j-1" {
		t.Errorf("job_id = %q, want untouched", entry["job_id"])
	}
}

func TestLoggerRedactsEmbeddedAddresses(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	Info("delivery", "detail", "bounced for sam.smith@mail.test earlier")

	if strings.Contains(buf.String(), "sam.smith@") {
		t.Errorf("embedded address not redacted: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "sa***@mail.test") {
		t.Errorf("expected masked address in %s", buf.String())
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(WARN)
	defer func() {
		SetOutput(os.Stderr)
		SetLevel(INFO)
	}()

	log := New("filter")
	log.Debug("hidden")
	log.Info("hidden too")
	log.Warn("visible")

	lines := strings.Count(strings.TrimSpace(buf.String()), "\n") + 1
	if buf.Len() == 0 {
		t.Fatal("expected one entry, got none")
	}
	if lines != 1 {
		t.Errorf("got %d entries, want 1: %s", lines, buf.String())
	}
}
