package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

const minimal = `upstream:
  url: "https://jenkins.example.com"
`

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPPort != DefaultHTTPPort {
		t.Errorf("http_port: got %d, want %d", cfg.Server.HTTPPort, DefaultHTTPPort)
	}
	if cfg.Sync.Interval != DefaultSyncInterval {
		t.Errorf("sync.interval: got %v, want %v", cfg.Sync.Interval, DefaultSyncInterval)
	}
	if cfg.Health.Window != DefaultHealthWindow {
		t.Errorf("health.window: got %d, want %d", cfg.Health.Window, DefaultHealthWindow)
	}
	if cfg.Health.FailureThreshold != DefaultFailureThreshold {
		t.Errorf("health.failure_threshold: got %v, want %v", cfg.Health.FailureThreshold, DefaultFailureThreshold)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("storage.backend: got %q, want memory", cfg.Storage.Backend)
	}
	if cfg.Upstream.Timeout != DefaultUpstreamTimeout {
		t.Errorf("upstream.timeout: got %v, want %v", cfg.Upstream.Timeout, DefaultUpstreamTimeout)
	}
}

func TestLoad_Full(t *testing.T) {
	p := writeConfig(t, `log:
  level: debug
server:
  http_port: 9091
  grpc_port: 0
  auth:
    mode: apikey
    key_env: CIWATCH_KEY
    header: x-ci-key
upstream:
  url: "http://jenkins:8080"
  username: admin
  token_env: JENKINS_TOKEN
  timeout: 3s
  build_limit: 25
sync:
  interval: 1m
  concurrency: 2
health:
  window: 10
  failure_threshold: 35
storage:
  backend: sqlite
  path: /tmp/ciwatch.db
alerts:
  webhooks:
    - type: slack
      url_env: SLACK_URL
bus:
  kafka:
    brokers: ["localhost:9092"]
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.SlogLevel() != slog.LevelDebug {
		t.Errorf("log level: got %v, want debug", cfg.Log.SlogLevel())
	}
	if cfg.Server.Auth.EffectiveHeader() != "x-ci-key" {
		t.Errorf("header: got %q", cfg.Server.Auth.EffectiveHeader())
	}
	if cfg.Upstream.Timeout != 3*time.Second {
		t.Errorf("upstream.timeout: got %v, want 3s", cfg.Upstream.Timeout)
	}
	if cfg.Sync.Interval != time.Minute || cfg.Sync.Concurrency != 2 {
		t.Errorf("sync: got %+v", cfg.Sync)
	}
	if cfg.Health.Window != 10 || cfg.Health.FailureThreshold != 35 {
		t.Errorf("health: got %+v", cfg.Health)
	}
	if cfg.Storage.DSN() != "/tmp/ciwatch.db" {
		t.Errorf("storage DSN: got %q", cfg.Storage.DSN())
	}
	if !cfg.Bus.Kafka.Enabled() || cfg.Bus.Kafka.Topic != "ciwatch.events" {
		t.Errorf("kafka: got %+v", cfg.Bus.Kafka)
	}
	if cfg.Bus.NATS.Enabled() {
		t.Error("nats should be disabled without a url")
	}
}

func TestLoad_EnvResolution(t *testing.T) {
	t.Setenv("TEST_JENKINS_TOKEN", "tok")
	t.Setenv("TEST_PG_DSN", "postgres://localhost/ciwatch")
	p := writeConfig(t, `upstream:
  url: "http://jenkins"
  token_env: TEST_JENKINS_TOKEN
storage:
  backend: postgres
  dsn_env: TEST_PG_DSN
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Upstream.Token() != "tok" {
		t.Errorf("Token(): got %q, want tok", cfg.Upstream.Token())
	}
	if cfg.Storage.DSN() != "postgres://localhost/ciwatch" {
		t.Errorf("DSN(): got %q", cfg.Storage.DSN())
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing upstream url", "sync:\n  interval: 10s\n"},
		{"unknown auth mode", minimal + "server:\n  auth:\n    mode: oauth2\n"},
		{"zero interval", minimal + "sync:\n  interval: 0s\n"},
		{"threshold out of range", minimal + "health:\n  failure_threshold: 150\n"},
		{"unknown backend", minimal + "storage:\n  backend: mongo\n"},
		{"sqlite without path", minimal + "storage:\n  backend: sqlite\n"},
		{"postgres without dsn", minimal + "storage:\n  backend: postgres\n"},
		{"unknown webhook", minimal + "alerts:\n  webhooks:\n    - type: pager\n"},
		{"email without sender", minimal + "alerts:\n  email:\n    host: smtp.example.com\n"},
		{"email port out of range", minimal + "alerts:\n  email:\n    host: smtp.example.com\n    username: ci@example.com\n    port: 70000\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.yaml)); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestLoad_Email(t *testing.T) {
	t.Setenv("TEST_SMTP_PASSWORD", "s3cret")
	cfg, err := Load(writeConfig(t, minimal+`alerts:
  email:
    host: smtp.example.com
    username: ci@example.com
    password_env: TEST_SMTP_PASSWORD
    recipients: [dev@example.com]
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	em := cfg.Alerts.Email
	if !em.Enabled() || em.Port != DefaultSMTPPort {
		t.Errorf("email: got %+v", em)
	}
	if em.Password() != "s3cret" {
		t.Errorf("password: got %q", em.Password())
	}
	if em.Sender() != "ci@example.com" {
		t.Errorf("sender: got %q, want username fallback", em.Sender())
	}
	if em.NotifySuccess {
		t.Error("notify_success should default to false")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	p := writeConfig(t, minimal)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 1)
	go Watch(ctx, p, func(c *Config) { //nolint:errcheck
		select {
		case got <- c:
		default:
		}
	})

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(p, []byte(minimal+"sync:\n  interval: 5s\n"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case c := <-got:
		if c.Sync.Interval != 5*time.Second {
			t.Errorf("reloaded interval: got %v, want 5s", c.Sync.Interval)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("onChange was not called after write")
	}
}

func watchConfig(t *testing.T, p string) <-chan *Config {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	got := make(chan *Config, 8)
	go Watch(ctx, p, func(c *Config) { got <- c }) //nolint:errcheck
	time.Sleep(100 * time.Millisecond)
	return got
}

func TestWatch_ReloadsOnAtomicSave(t *testing.T) {
	p := writeConfig(t, minimal)
	got := watchConfig(t, p)

	tmp := filepath.Join(filepath.Dir(p), ".config.yaml.swp")
	if err := os.WriteFile(tmp, []byte(minimal+"sync:\n  interval: 7s\n"), 0o600); err != nil {
		t.Fatalf("write temp: %v", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		t.Fatalf("rename: %v", err)
	}

	select {
	case c := <-got:
		if c.Sync.Interval != 7*time.Second {
			t.Errorf("reloaded interval: got %v, want 7s", c.Sync.Interval)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("onChange was not called after rename over the file")
	}
}

func TestWatch_SkipsInvalidAndUnchanged(t *testing.T) {
	p := writeConfig(t, minimal)
	got := watchConfig(t, p)

	write := func(content string) {
		t.Helper()
		if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
			t.Fatalf("rewrite: %v", err)
		}
		time.Sleep(400 * time.Millisecond)
	}
	// Same settings, then a file that does not load, then a real change.
	write(minimal)
	write("upstream: [not, a, map")
	write(minimal + "log:\n  level: debug\n")

	select {
	case c := <-got:
		if c.Log.Level != "debug" {
			t.Errorf("first reload: got level %q, want debug", c.Log.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("onChange was not called for the valid change")
	}
	select {
	case c := <-got:
		t.Errorf("unexpected extra reload: %+v", c.Log)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatch_MissingFile(t *testing.T) {
	if err := Watch(context.Background(), "/nonexistent/path/config.yaml", func(*Config) {}); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}
