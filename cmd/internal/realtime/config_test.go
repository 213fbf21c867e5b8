package realtime

import (
	"testing"
	"time"
)

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("PARLEY_WS_ALLOWED_ORIGINS", "https://chat.example.com, http://localhost:3000")
	t.Setenv("PARLEY_WS_SEND_QUEUE", "4")
	t.Setenv("PARLEY_WS_RATE_WINDOW", "30s")
	t.Setenv("PARLEY_WS_ORIGIN_REQUIRED", "false")

	cfg := LoadConfigFromEnv()
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://chat.example.com" {
		t.Fatalf("AllowedOrigins=%v", cfg.AllowedOrigins)
	}
	if cfg.SendQueueSize != wsMinSendQueueSize {
		t.Fatalf("SendQueueSize=%d want clamp to %d", cfg.SendQueueSize, wsMinSendQueueSize)
	}
	if cfg.RateWindow != 30*time.Second {
		t.Fatalf("RateWindow=%s", cfg.RateWindow)
	}
	if cfg.OriginRequired {
		t.Fatalf("OriginRequired should be false")
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatternsFromAllowedOrigins([]string{"http://localhost:3000", "https://B.example.com", "*", "http://localhost"})
	want := []string{"b.example.com", "localhost"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}
