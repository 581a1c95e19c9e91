package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validYAML = `
telegram:
  token: "123:abc"
  admins: [42]
logging:
  level: debug
  console: true
queue:
  concurrency: 5
  breaker_cooldown: "30s"
payment:
  base_url: "https://pay.example.test"
  timeout: "10s"
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if len(cfg.Telegram.Admins) != 1 || cfg.Telegram.Admins[0] != 42 {
		t.Fatalf("admins = %v", cfg.Telegram.Admins)
	}
	if cfg.Queue.Concurrency != 5 || cfg.Queue.BreakerCooldown != "30s" {
		t.Fatalf("queue = %+v", cfg.Queue)
	}
	if m.Current() != cfg {
		t.Fatal("Load did not commit")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	bad := validYAML + "\nnot_a_section:\n  x: 1\n"
	m := NewManager(writeConfig(t, "config.yaml", bad))
	if _, err := m.Load(); err == nil {
		t.Fatal("expected unknown-field error")
	}
}

func TestValidateRequiredFields(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing token",
			body: strings.Replace(validYAML, `token: "123:abc"`, `token: ""`, 1),
			want: "telegram.token",
		},
		{
			name: "missing admins",
			body: strings.Replace(validYAML, "admins: [42]", "admins: []", 1),
			want: "telegram.admins",
		},
		{
			name: "missing payment url",
			body: strings.Replace(validYAML, `base_url: "https://pay.example.test"`, `base_url: ""`, 1),
			want: "payment.base_url",
		},
		{
			name: "bad duration",
			body: strings.Replace(validYAML, `breaker_cooldown: "30s"`, `breaker_cooldown: "soon"`, 1),
			want: "queue.breaker_cooldown",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(writeConfig(t, "config.yaml", tt.body))
			_, err := m.Load()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("", 5); err != nil || d != 5 {
		t.Fatalf("empty: %v %v", d, err)
	}
	if d, err := ParseDurationOrDefault("2s", 0); err != nil || d.Seconds() != 2 {
		t.Fatalf("2s: %v %v", d, err)
	}
	if _, err := ParseDurationOrDefault("nope", 0); err == nil {
		t.Fatal("expected parse error")
	}
}
