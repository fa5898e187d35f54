package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
listen:
  api_port: 8080

defaults:
  min_connections: 2
  max_connections: 20
  idle_timeout: 5m
  max_lifetime: 30m
  acquire_timeout: 10s

profiles:
  orders:
    db_type: postgres
    host: localhost
    port: 5432
    dbname: orders
    username: app
    password: apppass
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.APIPort != 8080 {
		t.Errorf("expected api port 8080, got %d", cfg.Listen.APIPort)
	}
	if cfg.Defaults.MaxConnections != 20 {
		t.Errorf("expected max connections 20, got %d", cfg.Defaults.MaxConnections)
	}
	if cfg.Defaults.IdleTimeout != 5*time.Minute {
		t.Errorf("expected idle timeout 5m, got %v", cfg.Defaults.IdleTimeout)
	}

	p, ok := cfg.Profiles["orders"]
	if !ok {
		t.Fatal("orders profile not found")
	}
	if p.DBType != "postgres" {
		t.Errorf("expected db_type postgres, got %s", p.DBType)
	}
	if p.Host != "localhost" {
		t.Errorf("expected host localhost, got %s", p.Host)
	}
}

func TestLoadEnvSubstitution(t *testing.T) {
	os.Setenv("TEST_DB_PASSWORD", "secret123")
	defer os.Unsetenv("TEST_DB_PASSWORD")

	yaml := `
profiles:
  orders:
    db_type: postgres
    host: localhost
    port: 5432
    dbname: orders
    username: app
    password: ${TEST_DB_PASSWORD}
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	p := cfg.Profiles["orders"]
	if p.Password != "secret123" {
		t.Errorf("expected password secret123, got %s", p.Password)
	}
}

func TestLoadSQLiteProfileSkipsNetworkFields(t *testing.T) {
	yaml := `
profiles:
  local:
    db_type: sqlite
    dbname: /var/lib/app/local.db
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Profiles["local"].DBType != "sqlite" {
		t.Errorf("expected sqlite profile to load without host/port/username")
	}
}

func TestLoadValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "invalid db_type",
			yaml: `
profiles:
  p1:
    db_type: oracle
    host: localhost
    port: 5432
    dbname: db
    username: user
`,
		},
		{
			name: "missing host",
			yaml: `
profiles:
  p1:
    db_type: postgres
    port: 5432
    dbname: db
    username: user
`,
		},
		{
			name: "missing port",
			yaml: `
profiles:
  p1:
    db_type: postgres
    host: localhost
    dbname: db
    username: user
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTemp(t, tt.yaml)
			_, err := Load(path)
			if err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	yaml := `
profiles: {}
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.APIPort != 8080 {
		t.Errorf("expected default api port 8080, got %d", cfg.Listen.APIPort)
	}
	if cfg.Defaults.MinConnections != 2 {
		t.Errorf("expected default min connections 2, got %d", cfg.Defaults.MinConnections)
	}
	if cfg.Defaults.DialTimeout != 5*time.Second {
		t.Errorf("expected default dial timeout 5s, got %v", cfg.Defaults.DialTimeout)
	}
}

func TestProfileConfigEffectiveValues(t *testing.T) {
	defaults := PoolDefaults{
		MinConnections: 2,
		MaxConnections: 20,
		IdleTimeout:    5 * time.Minute,
		MaxLifetime:    30 * time.Minute,
		AcquireTimeout: 10 * time.Second,
		DialTimeout:    5 * time.Second,
	}

	maxConn := 50
	p := ProfileConfig{
		MaxConnections: &maxConn,
	}

	if p.EffectiveMinConnections(defaults) != 2 {
		t.Error("expected default min connections")
	}
	if p.EffectiveMaxConnections(defaults) != 50 {
		t.Error("expected overridden max connections of 50")
	}
	if p.EffectiveIdleTimeout(defaults) != 5*time.Minute {
		t.Error("expected default idle timeout")
	}
	if p.EffectiveDialTimeout(defaults) != 5*time.Second {
		t.Error("expected default dial timeout of 5s")
	}

	dt := 3 * time.Second
	p.DialTimeout = &dt
	if p.EffectiveDialTimeout(defaults) != 3*time.Second {
		t.Error("expected overridden dial timeout of 3s")
	}
}

func TestValidateMinGtMaxConns(t *testing.T) {
	yaml := `
defaults:
  min_connections: 30
  max_connections: 10
profiles: {}
`
	path := writeTemp(t, yaml)
	_, err := Load(path)
	if err == nil {
		t.Error("expected error when min_connections > max_connections")
	}
}

func TestValidateInvalidPort(t *testing.T) {
	yaml := `
listen:
  api_port: 99999
profiles: {}
`
	path := writeTemp(t, yaml)
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid listen port")
	}
}

func TestValidateProfileInvalidPort(t *testing.T) {
	yaml := `
profiles:
  p1:
    db_type: postgres
    host: localhost
    port: 70000
    dbname: db
    username: user
`
	path := writeTemp(t, yaml)
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid profile port")
	}
}

func TestValidateInvalidProfileID(t *testing.T) {
	yaml := `
profiles:
  "invalid profile!":
    db_type: postgres
    host: localhost
    port: 5432
    dbname: db
    username: user
`
	path := writeTemp(t, yaml)
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid profile ID")
	}
}

func TestValidateProfileMinGtMax(t *testing.T) {
	yaml := `
profiles:
  p1:
    db_type: postgres
    host: localhost
    port: 5432
    dbname: db
    username: user
    min_connections: 20
    max_connections: 5
`
	path := writeTemp(t, yaml)
	_, err := Load(path)
	if err == nil {
		t.Error("expected error when profile min_connections > max_connections")
	}
}

func TestValidateHostWithPort(t *testing.T) {
	yaml := `
profiles:
  p1:
    db_type: postgres
    host: "localhost:5432"
    port: 5432
    dbname: db
    username: user
`
	path := writeTemp(t, yaml)
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for host containing port")
	}
}

func TestValidateProfileID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"valid-profile", false},
		{"profile_123", false},
		{"a", false},
		{"", true},
		{"-starts-with-dash", true},
		{"_starts-with-underscore", true},
		{"has spaces", true},
		{"has.dots", true},
		{"UPPERCASE_OK", false},
	}
	for _, tt := range tests {
		err := ValidateProfileID(tt.id)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateProfileID(%q) err=%v, wantErr=%v", tt.id, err, tt.wantErr)
		}
	}
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}
