package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewLoggerTo_Format(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	for _, format := range []string{"pretty", "text", "dev", " Pretty "} {
		var buf bytes.Buffer
		log := newLoggerTo(&buf, "info", format, false)
		if _, ok := log.Handler().(*prettyHandler); !ok {
			t.Fatalf("format %q: handler=%T want *prettyHandler", format, log.Handler())
		}
		log.Info("chat.message.sent", "message_id", 7)
		if out := buf.String(); !strings.Contains(out, "chat.message.sent") || strings.HasPrefix(out, "{") {
			t.Fatalf("format %q: unexpected output %q", format, out)
		}
	}

	for _, format := range []string{"json", "", "weird"} {
		var buf bytes.Buffer
		log := newLoggerTo(&buf, "info", format, false)
		if _, ok := log.Handler().(*slog.JSONHandler); !ok {
			t.Fatalf("format %q: handler=%T want *slog.JSONHandler", format, log.Handler())
		}
		log.Info("chat.message.sent", "message_id", 7)
		var rec map[string]any
		if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
			t.Fatalf("format %q: output is not json: %v (%q)", format, err, buf.String())
		}
		if rec["msg"] != "chat.message.sent" {
			t.Fatalf("format %q: msg=%v", format, rec["msg"])
		}
	}
}

func TestNewLoggerTo_LevelFilters(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	log := newLoggerTo(&buf, "warn", "json", false)
	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %q", buf.String())
	}
	log.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("warn not logged: %q", buf.String())
	}
	if slog.Default() != log {
		t.Fatal("newLoggerTo must install the logger as the default")
	}
}
